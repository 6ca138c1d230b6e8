package statemachine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

// counter sums applied 8-byte values and records the order it saw them in.
type counter struct {
	mu    sync.Mutex
	total uint64
	seen  []uint64
}

func encodeUint(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func (c *counter) Apply(data []byte) ([]byte, error) {
	if len(data) != 8 {
		if string(data) == "panic" {
			panic("bad command")
		}
		return nil, errors.New("malformed command")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := binary.BigEndian.Uint64(data)
	c.total += v
	c.seen = append(c.seen, v)
	return encodeUint(c.total), nil
}

func (c *counter) Snapshot() ([]byte, error) { return c.Encode() }

func (c *counter) Restore(data []byte) error {
	if len(data) != 8 {
		return errors.New("bad snapshot")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = binary.BigEndian.Uint64(data)
	c.seen = nil
	return nil
}

func (c *counter) Encode() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return encodeUint(c.total), nil
}

type add uint64

func (a add) Encode() ([]byte, error) { return encodeUint(uint64(a)), nil }

func TestRegistry_DecodeBeforeRegistration(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.DecodeLogEntry(encodeUint(7))
	var de *DecodingError
	if !errors.As(err, &de) || !errors.Is(err, ErrNoDecoder) {
		t.Fatalf("Expected DecodingError wrapping ErrNoDecoder, got %v", err)
	}
	if de.Kind != KindLogEntry {
		t.Fatalf("Expected kind %s, got %s", KindLogEntry, de.Kind)
	}

	reg.Register(KindLogEntry, func(data []byte) (interface{}, error) {
		if len(data) != 8 {
			return nil, errors.New("short payload")
		}
		return add(binary.BigEndian.Uint64(data)), nil
	})

	original := add(7)
	encoded, _ := original.Encode()
	entry, err := reg.DecodeLogEntry(encoded)
	if err != nil {
		t.Fatalf("DecodeLogEntry failed: %v", err)
	}
	if entry.(add) != original {
		t.Fatalf("Expected %d, got %v", original, entry)
	}

	if _, err := reg.DecodeLogEntry([]byte{1}); !errors.As(err, &de) {
		t.Fatalf("Expected DecodingError for decoder failure, got %v", err)
	}
}

func TestRegistry_LastWriteWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(KindStateMachine, func([]byte) (interface{}, error) { return nil, errors.New("old") })
	reg.Register(KindStateMachine, func(data []byte) (interface{}, error) {
		c := &counter{}
		return c, c.Restore(data)
	})

	sm, err := reg.DecodeStateMachine(encodeUint(42))
	if err != nil {
		t.Fatalf("DecodeStateMachine failed: %v", err)
	}
	if sm.(*counter).total != 42 {
		t.Fatalf("Expected restored total 42, got %d", sm.(*counter).total)
	}

	if kinds := reg.Kinds(); len(kinds) != 1 || kinds[0] != KindStateMachine {
		t.Fatalf("Unexpected kinds: %v", kinds)
	}
}

func TestRegistry_WrongTypeAndPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register(KindStateMachine, func([]byte) (interface{}, error) { return "not a machine", nil })
	reg.Register(KindLogEntry, func([]byte) (interface{}, error) { panic("boom") })

	var de *DecodingError
	if _, err := reg.DecodeStateMachine(nil); !errors.As(err, &de) {
		t.Fatalf("Expected DecodingError for wrong type, got %v", err)
	}
	if _, err := reg.DecodeLogEntry(nil); !errors.As(err, &de) {
		t.Fatalf("Expected DecodingError for panicking decoder, got %v", err)
	}
}

func TestRegistry_ConcurrentRegisterAndDecode(t *testing.T) {
	reg := NewRegistry()
	fn := func(data []byte) (interface{}, error) { return add(len(data)), nil }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Register(KindLogEntry, fn)
		}()
		go func() {
			defer wg.Done()
			reg.Decode(KindLogEntry, []byte("x"))
		}()
	}
	wg.Wait()

	if !reg.Registered(KindLogEntry) {
		t.Fatal("Expected decoder to be registered")
	}
}

func TestMachine_AppliesInOrder(t *testing.T) {
	c := &counter{}
	m := NewMachine(c, 0, nil)

	for i := uint64(1); i <= 5; i++ {
		if _, err := m.Apply(i, encodeUint(i)); err != nil {
			t.Fatalf("Apply(%d) failed: %v", i, err)
		}
	}

	if _, err := m.Apply(3, encodeUint(100)); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("Expected ErrAlreadyApplied, got %v", err)
	}
	if _, err := m.Apply(7, encodeUint(100)); !errors.Is(err, ErrIndexGap) {
		t.Fatalf("Expected ErrIndexGap, got %v", err)
	}

	if c.total != 15 || len(c.seen) != 5 {
		t.Fatalf("Expected each index applied once, got total=%d seen=%v", c.total, c.seen)
	}
	if m.Applied() != 5 {
		t.Fatalf("Expected applied index 5, got %d", m.Applied())
	}

	if err := m.Skip(6); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if _, err := m.Apply(7, encodeUint(1)); err != nil {
		t.Fatalf("Apply after skip failed: %v", err)
	}
}

func TestMachine_ApplyErrorAdvances(t *testing.T) {
	m := NewMachine(&counter{}, 10, nil)

	_, err := m.Apply(11, []byte("bad"))
	var ae *ApplyError
	if !errors.As(err, &ae) || ae.Index != 11 {
		t.Fatalf("Expected ApplyError at 11, got %v", err)
	}

	_, err = m.Apply(12, []byte("panic"))
	if !errors.As(err, &ae) || ae.Index != 12 {
		t.Fatalf("Expected ApplyError from panic at 12, got %v", err)
	}

	if m.Applied() != 12 {
		t.Fatalf("Expected applied index 12, got %d", m.Applied())
	}
	if _, err := m.Apply(13, encodeUint(1)); err != nil {
		t.Fatalf("Apply after failure failed: %v", err)
	}
}

func TestMachine_SnapshotRestore(t *testing.T) {
	source := NewMachine(&counter{}, 0, nil)
	for i := uint64(1); i <= 4; i++ {
		source.Apply(i, encodeUint(i*10))
	}

	data, index, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if index != 4 {
		t.Fatalf("Expected snapshot index 4, got %d", index)
	}

	fresh := NewMachine(&counter{}, 0, nil)
	if err := fresh.Restore(data, index); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	want, _ := source.Encode()
	got, _ := fresh.Encode()
	if !bytes.Equal(want, got) {
		t.Fatalf("Restored state differs: %x vs %x", got, want)
	}

	if _, err := fresh.Apply(4, encodeUint(1)); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("Expected ErrAlreadyApplied after restore, got %v", err)
	}
	if _, err := fresh.Apply(5, encodeUint(1)); err != nil {
		t.Fatalf("Apply after restore failed: %v", err)
	}

	var re *RestoreError
	if err := fresh.Restore([]byte{1}, 9); !errors.As(err, &re) {
		t.Fatalf("Expected RestoreError, got %v", err)
	}
	if fresh.Applied() != 5 {
		t.Fatalf("Failed restore must keep applied index, got %d", fresh.Applied())
	}
}

func TestMachine_ConcurrentApplyAndSnapshot(t *testing.T) {
	m := NewMachine(&counter{}, 0, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			m.Apply(i, encodeUint(1))
		}
	}()

	for i := 0; i < 50; i++ {
		data, index, err := m.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if binary.BigEndian.Uint64(data) != index {
			t.Fatalf("Snapshot state %d does not match index %d", binary.BigEndian.Uint64(data), index)
		}
	}
	wg.Wait()
}
