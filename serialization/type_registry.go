package serialization

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/relaymq/relay-go/contracts"
)

// Factory constructs an empty instance of a registered message type, ready
// to be unmarshaled into.
type Factory func() contracts.Message

// TypeRegistry maps message type tags to factories. Types are registered
// explicitly at startup; envelope bodies are decoded by tag before routing
// to type-specific handlers and validation.
type TypeRegistry interface {
	// Register registers a factory for a type tag
	Register(typeTag string, factory Factory) error

	// Decode decodes an envelope body into the type registered for its tag
	Decode(envelope *contracts.Envelope) (contracts.Message, error)

	// IsRegistered checks if a tag is registered
	IsRegistered(typeTag string) bool

	// ListTypes returns all registered type tags
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		factories: make(map[string]Factory),
	}
}

// Register registers a factory for a type tag
func (r *DefaultTypeRegistry) Register(typeTag string, factory Factory) error {
	if typeTag == "" {
		return fmt.Errorf("type tag cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeTag]; exists {
		return fmt.Errorf("type tag %s already registered", typeTag)
	}

	r.factories[typeTag] = factory
	return nil
}

// Decode decodes the envelope body into the concrete type registered for the
// envelope's type tag. Unknown tags and malformed bodies both fail with a
// SerializationError, which classifies as non-retryable.
func (r *DefaultTypeRegistry) Decode(envelope *contracts.Envelope) (contracts.Message, error) {
	if envelope == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	r.mu.RLock()
	factory, exists := r.factories[envelope.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, &contracts.SerializationError{
			MessageID: envelope.ID,
			Err:       fmt.Errorf("no type registered for tag %s", envelope.Type),
		}
	}

	msg := factory()
	if err := json.Unmarshal(envelope.Body, msg); err != nil {
		return nil, &contracts.SerializationError{
			MessageID: envelope.ID,
			Err:       fmt.Errorf("decode %s: %w", envelope.Type, err),
		}
	}

	return msg, nil
}

// IsRegistered checks if a tag is registered
func (r *DefaultTypeRegistry) IsRegistered(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[typeTag]
	return exists
}

// ListTypes returns all registered type tags, sorted
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
