package statemachine

import (
	"fmt"
	"sort"
	"sync"
)

// DecodeFunc turns bytes into a value of a registered kind.
type DecodeFunc func(data []byte) (interface{}, error)

// Registry maps payload kinds to decoders. It is passed to the runtime at
// construction, so separate nodes in one process may hold separate
// registries.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Kind]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Kind]DecodeFunc)}
}

// Register sets the decoder for kind, replacing any earlier one.
func (r *Registry) Register(kind Kind, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.decoders, kind)
		return
	}
	r.decoders[kind] = fn
}

// Registered reports whether kind has a decoder.
func (r *Registry) Registered(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[kind]
	return ok
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.decoders))
	for k := range r.decoders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Decode resolves data through the decoder registered for kind. The lock is
// released before the decoder runs.
func (r *Registry) Decode(kind Kind, data []byte) (v interface{}, err error) {
	r.mu.RLock()
	fn, ok := r.decoders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &DecodingError{Kind: kind, Err: ErrNoDecoder}
	}

	defer func() {
		if p := recover(); p != nil {
			v, err = nil, &DecodingError{Kind: kind, Err: panicError(p)}
		}
	}()

	v, err = fn(data)
	if err != nil {
		return nil, &DecodingError{Kind: kind, Err: err}
	}
	return v, nil
}

// DecodeLogEntry decodes data with the KindLogEntry decoder.
func (r *Registry) DecodeLogEntry(data []byte) (LogEntry, error) {
	v, err := r.Decode(KindLogEntry, data)
	if err != nil {
		return nil, err
	}
	entry, ok := v.(LogEntry)
	if !ok {
		return nil, &DecodingError{Kind: KindLogEntry, Err: fmt.Errorf("decoder returned %T", v)}
	}
	return entry, nil
}

// DecodeStateMachine decodes data with the KindStateMachine decoder.
func (r *Registry) DecodeStateMachine(data []byte) (StateMachine, error) {
	v, err := r.Decode(KindStateMachine, data)
	if err != nil {
		return nil, err
	}
	sm, ok := v.(StateMachine)
	if !ok {
		return nil, &DecodingError{Kind: KindStateMachine, Err: fmt.Errorf("decoder returned %T", v)}
	}
	return sm, nil
}
