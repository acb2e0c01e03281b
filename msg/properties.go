// Package msg defines the message model carried between the host engine and
// extension instances: commands, data payloads, and audio/video frames, each
// with a typed property bag.
package msg

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Properties holds the key-value metadata attached to a message.
type Properties struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewProperties creates a new, empty property bag.
func NewProperties() *Properties {
	return &Properties{
		data: make(map[string]any),
	}
}

// Set adds or updates a key-value pair.
func (p *Properties) Set(key string, value any) {
	if p == nil {
		log.Error().Str("key", key).Msg("attempted to set property on nil *Properties instance")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		p.data = make(map[string]any)
	}
	p.data[key] = value
}

// Get retrieves a value by key. It returns the value (as any) and a boolean
// indicating whether the key was found.
func (p *Properties) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.data == nil {
		return nil, false
	}
	value, ok := p.data[key]
	return value, ok
}

// Len returns the number of stored properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data)
}

// Map returns a shallow copy of the stored properties, for serialization.
func (p *Properties) Map() map[string]any {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}

// Prop retrieves a property and asserts it to the requested type T.
//
// Returns:
//   - t (T): the value if found and the type assertion succeeds, zero value otherwise.
//   - err (error): an error if the key is missing or the assertion fails.
func Prop[T any](p *Properties, key string) (t T, err error) {
	rawValue, ok := p.Get(key)
	if !ok {
		err = fmt.Errorf("msg: property %q not found", key)
		return
	}

	typedValue, ok := rawValue.(T)
	if !ok {
		err = fmt.Errorf("msg: property %q has type %T, but type %T was requested", key, rawValue, *new(T))
		return
	}

	t = typedValue
	return
}

// MustProp retrieves a property and asserts it to the requested type T.
// Panics if the key is missing or the assertion fails.
func MustProp[T any](p *Properties, key string) T {
	t, err := Prop[T](p, key)
	if err != nil {
		panic(err)
	}
	return t
}
