// Package codec encodes RPC and event payloads. A codec is identified by the
// content type it writes on the message envelope.
package codec

import (
	"errors"
	"fmt"
	"sync"
)

// Content types of the built-in codecs.
const (
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeJSON    = "application/json"
)

// ErrUnknownContentType is returned by Registry.Get for unregistered
// content types.
var ErrUnknownContentType = errors.New("unknown content type")

// Codec marshals values to bytes and back. Decoding into an interface value
// yields map[string]any for maps, []any for arrays, int64 for integers,
// float64 for other numbers and string for strings, whatever the codec.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs and knows the codec used to encode
// outgoing messages.
type Registry struct {
	mu       sync.RWMutex
	codecs   map[string]Codec
	fallback Codec
}

// NewRegistry returns a registry encoding with fallback and decoding with any
// of fallback and others.
func NewRegistry(fallback Codec, others ...Codec) *Registry {
	r := &Registry{
		codecs:   map[string]Codec{},
		fallback: fallback,
	}

	r.Register(fallback)

	for _, c := range others {
		r.Register(c)
	}

	return r
}

// DefaultRegistry returns a registry with msgpack as default and JSON.
func DefaultRegistry() *Registry {
	return NewRegistry(Msgpack(), JSON())
}

// Register adds or replaces the codec for c.ContentType().
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codecs[c.ContentType()] = c
}

// SetDefault makes c the codec used for encoding and registers it.
func (r *Registry) SetDefault(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codecs[c.ContentType()] = c
	r.fallback = c
}

// Default returns the codec used for encoding.
func (r *Registry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.fallback
}

// Get returns the codec registered for contentType.
func (r *Registry) Get(contentType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codecs[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContentType, contentType)
	}

	return c, nil
}

// Lookup returns the codec for contentType, or the default codec when the
// content type is empty or unknown.
func (r *Registry) Lookup(contentType string) Codec {
	if c, err := r.Get(contentType); err == nil {
		return c
	}

	return r.Default()
}
