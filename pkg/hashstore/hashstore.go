// Package hashstore is a replicated map[uint64]string used by the memstore
// example and the cluster tests.
package hashstore

import (
	"fmt"
	"sync"

	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/vmihailenco/msgpack/v5"
)

// Insert sets Key to Value.
type Insert struct {
	Key   uint64 `msgpack:"key" json:"key"`
	Value string `msgpack:"value" json:"value"`
}

func (i *Insert) Encode() ([]byte, error) {
	return msgpack.Marshal(i)
}

func (i *Insert) String() string {
	return fmt.Sprintf("Insert{key: %d, value: %q}", i.Key, i.Value)
}

// DecodeInsert is the log entry decoder for Insert commands.
func DecodeInsert(data []byte) (*Insert, error) {
	var ins Insert
	if err := msgpack.Unmarshal(data, &ins); err != nil {
		return nil, err
	}
	return &ins, nil
}

// HashStore implements statemachine.StateMachine. Get may be called while
// entries are being applied.
type HashStore struct {
	mu   sync.RWMutex
	data map[uint64]string
}

func New() *HashStore {
	return &HashStore{data: make(map[uint64]string)}
}

// Decode rebuilds a store from Encode output.
func Decode(data []byte) (*HashStore, error) {
	hs := New()
	if err := hs.Restore(data); err != nil {
		return nil, err
	}
	return hs, nil
}

func (hs *HashStore) Get(key uint64) (string, bool) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	v, ok := hs.data[key]
	return v, ok
}

func (hs *HashStore) String() string {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return fmt.Sprintf("HashStore%v", hs.data)
}

func (hs *HashStore) Len() int {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return len(hs.data)
}

// Apply executes an Insert and echoes it back as the result.
func (hs *HashStore) Apply(data []byte) ([]byte, error) {
	ins, err := DecodeInsert(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode insert: %w", err)
	}

	hs.mu.Lock()
	hs.data[ins.Key] = ins.Value
	hs.mu.Unlock()

	return ins.Encode()
}

func (hs *HashStore) Snapshot() ([]byte, error) {
	return hs.Encode()
}

func (hs *HashStore) Restore(data []byte) error {
	restored := make(map[uint64]string)
	if len(data) > 0 {
		if err := msgpack.Unmarshal(data, &restored); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
	}

	hs.mu.Lock()
	hs.data = restored
	hs.mu.Unlock()
	return nil
}

func (hs *HashStore) Encode() ([]byte, error) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return msgpack.Marshal(hs.data)
}

// Register installs the Insert and HashStore decoders in reg.
func Register(reg *statemachine.Registry) {
	reg.Register(statemachine.KindLogEntry, func(data []byte) (interface{}, error) {
		return DecodeInsert(data)
	})
	reg.Register(statemachine.KindStateMachine, func(data []byte) (interface{}, error) {
		return Decode(data)
	})
}
