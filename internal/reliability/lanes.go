package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// scheduledRetry is one queued retry with its backoff delay.
type scheduledRetry struct {
	delay time.Duration
	fn    func()
}

// retryLanes serializes retries per partition key. Each key gets one lane
// goroutine, so a backoff sleep suspends only that key's lane and retries
// run in original enqueue order relative to other retries on the same key.
type retryLanes struct {
	mu     sync.Mutex
	lanes  map[string]chan scheduledRetry
	logger *slog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

const laneBuffer = 128

func newRetryLanes(logger *slog.Logger) *retryLanes {
	return &retryLanes{
		lanes:  make(map[string]chan scheduledRetry),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Schedule enqueues fn to run after delay on the lane for key. Returns false
// if the lanes are shut down or the lane is full.
func (r *retryLanes) Schedule(key string, delay time.Duration, fn func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	lane, exists := r.lanes[key]
	if !exists {
		lane = make(chan scheduledRetry, laneBuffer)
		r.lanes[key] = lane
		r.wg.Add(1)
		go r.run(key, lane)
	}
	r.mu.Unlock()

	select {
	case lane <- scheduledRetry{delay: delay, fn: fn}:
		return true
	default:
		r.logger.Error("retry lane full, dropping retry", "key", key)
		return false
	}
}

// run drains one lane sequentially. On shutdown, backoff sleeps are cut
// short and pending retries execute immediately so they are not lost;
// retry state is in-memory best-effort and does not survive the process.
func (r *retryLanes) run(key string, lane chan scheduledRetry) {
	defer r.wg.Done()
	for {
		select {
		case item, ok := <-lane:
			if !ok {
				return
			}
			select {
			case <-time.After(item.delay):
			case <-r.done:
			}
			item.fn()
		case <-r.done:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case item, ok := <-lane:
					if !ok {
						return
					}
					item.fn()
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting new retries and drains pending ones, bounded by ctx.
func (r *retryLanes) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		r.logger.Error("retry lanes did not drain before shutdown deadline")
		return ctx.Err()
	}
}
