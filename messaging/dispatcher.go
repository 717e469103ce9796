package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/serialization"
)

// MessageHandler processes a decoded message.
type MessageHandler interface {
	Handle(ctx context.Context, msg contracts.Message) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface
type MessageHandlerFunc func(ctx context.Context, msg contracts.Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg contracts.Message) error {
	return f(ctx, msg)
}

// MessageDispatcher routes decoded messages to their registered handler. Exactly
// one handler per type tag; registering a second is an error.
type MessageDispatcher struct {
	registry serialization.TypeRegistry
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// DispatcherOption configures the MessageDispatcher
type DispatcherOption func(*MessageDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.logger = logger
	}
}

// NewMessageDispatcher creates a dispatcher backed by the given type registry
func NewMessageDispatcher(registry serialization.TypeRegistry, options ...DispatcherOption) *MessageDispatcher {
	d := &MessageDispatcher{
		registry: registry,
		logger:   slog.Default(),
		handlers: make(map[string]MessageHandler),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// RegisterHandler binds a handler to a type tag. The tag must already be
// registered with the type registry so envelopes can be decoded.
func (d *MessageDispatcher) RegisterHandler(typeTag string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if !d.registry.IsRegistered(typeTag) {
		return fmt.Errorf("type %s not registered with the type registry", typeTag)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[typeTag]; exists {
		return fmt.Errorf("handler already registered for type %s", typeTag)
	}
	d.handlers[typeTag] = handler

	d.logger.Debug("handler registered", "messageType", typeTag)
	return nil
}

// Dispatch decodes the envelope and invokes the handler for its type. An
// unknown type or a malformed body is a SerializationError; the caller
// treats it as non-retryable.
func (d *MessageDispatcher) Dispatch(ctx context.Context, envelope *contracts.Envelope) error {
	d.mu.RLock()
	handler, exists := d.handlers[envelope.Type]
	d.mu.RUnlock()

	if !exists {
		return &contracts.SerializationError{
			MessageID: envelope.ID,
			Err:       fmt.Errorf("no handler registered for type %s", envelope.Type),
		}
	}

	msg, err := d.registry.Decode(envelope)
	if err != nil {
		return err
	}

	return handler.Handle(ctx, msg)
}

// HandledTypes returns the type tags with a registered handler
func (d *MessageDispatcher) HandledTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for tag := range d.handlers {
		types = append(types, tag)
	}
	return types
}
