package statemachine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Machine owns the single live StateMachine of a node. Apply, Snapshot and
// Restore are mutually exclusive, and Apply only accepts the index directly
// after the applied index.
type Machine struct {
	mu      sync.Mutex
	sm      StateMachine
	applied uint64
	logger  *zap.Logger
}

// NewMachine wraps sm whose state already reflects every entry up to applied.
func NewMachine(sm StateMachine, applied uint64, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{sm: sm, applied: applied, logger: logger}
}

// Applied returns the last applied index.
func (m *Machine) Applied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Apply hands the entry at index to the plugin. A plugin error is returned as
// ApplyError after the applied index has moved past the entry.
func (m *Machine) Apply(index uint64, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkNext(index); err != nil {
		return nil, err
	}

	result, err := m.applyLocked(data)
	m.applied = index
	if err != nil {
		m.logger.Warn("Apply failed", zap.Uint64("index", index), zap.Error(err))
		return nil, &ApplyError{Index: index, Err: err}
	}
	return result, nil
}

// Skip advances the applied index over an entry that carries no plugin
// command, such as a configuration change.
func (m *Machine) Skip(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkNext(index); err != nil {
		return err
	}
	m.applied = index
	return nil
}

func (m *Machine) checkNext(index uint64) error {
	if index <= m.applied {
		return fmt.Errorf("%w: %d, applied %d", ErrAlreadyApplied, index, m.applied)
	}
	if index != m.applied+1 {
		return fmt.Errorf("%w: %d, applied %d", ErrIndexGap, index, m.applied)
	}
	return nil
}

func (m *Machine) applyLocked(data []byte) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, panicError(p)
		}
	}()
	return m.sm.Apply(data)
}

// Snapshot captures the plugin state together with the index it reflects.
func (m *Machine) Snapshot() (data []byte, index uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			data, err = nil, &SnapshotError{Err: panicError(p)}
		}
	}()

	data, err = m.sm.Snapshot()
	if err != nil {
		return nil, 0, &SnapshotError{Err: err}
	}
	return data, m.applied, nil
}

// Restore replaces the plugin state with a snapshot taken at index. The next
// Apply must carry index+1.
func (m *Machine) Restore(data []byte, index uint64) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = &RestoreError{Index: index, Err: panicError(p)}
		}
	}()

	if err := m.sm.Restore(data); err != nil {
		return &RestoreError{Index: index, Err: err}
	}
	m.applied = index
	m.logger.Info("Restored state machine", zap.Uint64("index", index), zap.Int("bytes", len(data)))
	return nil
}

// Encode serializes the plugin state.
func (m *Machine) Encode() (data []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			data, err = nil, &EncodingError{Err: panicError(p)}
		}
	}()

	data, err = m.sm.Encode()
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return data, nil
}

// StateMachine returns the wrapped plugin. Reads through it must be safe
// against a concurrent Apply.
func (m *Machine) StateMachine() StateMachine {
	return m.sm
}
