package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// UnknownSelectorError is returned when no codec is registered for a selector.
type UnknownSelectorError struct {
	Selector Selector
}

func (e *UnknownSelectorError) Error() string {
	return fmt.Sprintf("no codec registered for selector %q", e.Selector)
}

// MalformedPayloadError is returned when raw bytes cannot be decoded for a selector.
type MalformedPayloadError struct {
	Selector Selector
	Err      error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload for selector %q: %v", e.Selector, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Codec turns structured data into bytes and back for one family of selectors.
type Codec interface {
	Encode(data any) ([]byte, error)
	Decode(raw []byte) (any, error)
}

// JSONCodec encodes structured data as JSON and decodes into map[string]any,
// so numbers come back as float64. Use TypedCodec to keep field types.
type JSONCodec struct{}

func (JSONCodec) Encode(data any) ([]byte, error) { return json.Marshal(data) }

func (JSONCodec) Decode(raw []byte) (any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TypedCodec encodes as JSON and decodes into a fresh *T.
type TypedCodec[T any] struct{}

func (TypedCodec[T]) Encode(data any) ([]byte, error) { return json.Marshal(data) }

func (TypedCodec[T]) Decode(raw []byte) (any, error) {
	out := new(T)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Registry maps selectors to codecs. A codec registered for a selector also
// covers its descendants; the longest registered prefix wins.
type Registry struct {
	mu     sync.RWMutex
	codecs map[Selector]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[Selector]Codec)}
}

// NewJSONRegistry returns a registry with JSONCodec bound to every root.
func NewJSONRegistry(roots ...Selector) *Registry {
	r := NewRegistry()
	for _, root := range roots {
		r.codecs[root] = JSONCodec{}
	}
	return r
}

// Register binds codec to selector and its descendants.
func (r *Registry) Register(selector Selector, codec Codec) error {
	if err := selector.Validate(); err != nil {
		return err
	}
	if codec == nil {
		return fmt.Errorf("nil codec for %q", selector)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[selector] = codec
	return nil
}

func (r *Registry) lookup(selector Selector) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := selector; s != ""; s = s.Parent() {
		if codec, ok := r.codecs[s]; ok {
			return codec, true
		}
	}
	return nil, false
}

// Serialize encodes data for selector.
func (r *Registry) Serialize(selector Selector, data any) ([]byte, error) {
	codec, ok := r.lookup(selector)
	if !ok {
		return nil, &UnknownSelectorError{Selector: selector}
	}
	raw, err := codec.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", selector, err)
	}
	return raw, nil
}

// Deserialize decodes raw bytes published on selector.
func (r *Registry) Deserialize(selector Selector, raw []byte) (any, error) {
	codec, ok := r.lookup(selector)
	if !ok {
		return nil, &UnknownSelectorError{Selector: selector}
	}
	data, err := codec.Decode(raw)
	if err != nil {
		return nil, &MalformedPayloadError{Selector: selector, Err: err}
	}
	return data, nil
}

// Decode deserializes m.
func (r *Registry) Decode(m Message) (any, error) {
	return r.Deserialize(m.Selector, m.Raw)
}
