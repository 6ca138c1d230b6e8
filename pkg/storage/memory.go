package storage

import (
	"fmt"
	"sync"
)

// MemoryStorage keeps the log in memory. ents[0] is a placeholder carrying
// the index and term of the last compacted entry.
type MemoryStorage struct {
	mu sync.RWMutex

	hardState HardState
	confState ConfState
	snapshot  Snapshot
	ents      []Entry
	closed    bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		ents: make([]Entry, 1),
	}
}

func (ms *MemoryStorage) Type() Type {
	return TypeMemory
}

func (ms *MemoryStorage) InitialState() (HardState, ConfState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return HardState{}, ConfState{}, wrapErr("initial state", ErrClosed)
	}
	return ms.hardState, ms.confState.Clone(), nil
}

func (ms *MemoryStorage) FirstIndex() (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return 0, wrapErr("first index", ErrClosed)
	}
	return ms.firstIndex(), nil
}

func (ms *MemoryStorage) firstIndex() uint64 {
	return ms.ents[0].Index + 1
}

func (ms *MemoryStorage) LastIndex() (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return 0, wrapErr("last index", ErrClosed)
	}
	return ms.lastIndex(), nil
}

func (ms *MemoryStorage) lastIndex() uint64 {
	return ms.ents[0].Index + uint64(len(ms.ents)) - 1
}

func (ms *MemoryStorage) Term(i uint64) (uint64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return 0, wrapErr("term", ErrClosed)
	}
	return ms.term(i)
}

func (ms *MemoryStorage) term(i uint64) (uint64, error) {
	offset := ms.ents[0].Index
	if i < offset {
		return 0, ErrCompacted
	}
	if int(i-offset) >= len(ms.ents) {
		return 0, ErrUnavailable
	}
	return ms.ents[i-offset].Term, nil
}

func (ms *MemoryStorage) Entries(lo, hi, maxSize uint64) ([]Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return nil, wrapErr("entries", ErrClosed)
	}
	if lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d)", lo, hi)
	}
	offset := ms.ents[0].Index
	if lo <= offset {
		return nil, ErrCompacted
	}
	if hi > ms.lastIndex()+1 {
		return nil, ErrUnavailable
	}
	if lo == hi {
		return nil, nil
	}
	ents := ms.ents[lo-offset : hi-offset]
	out := make([]Entry, len(ents))
	copy(out, ents)
	return limitSize(out, maxSize), nil
}

func (ms *MemoryStorage) AllEntries() ([]Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return nil, wrapErr("all entries", ErrClosed)
	}
	out := make([]Entry, len(ms.ents)-1)
	copy(out, ms.ents[1:])
	return out, nil
}

func (ms *MemoryStorage) Append(entries []Entry) error {
	return ms.Save(HardState{}, entries)
}

func (ms *MemoryStorage) Save(hs HardState, entries []Entry) error {
	if len(entries) == 0 && hs.IsEmpty() {
		return nil
	}
	if err := checkBatch(entries); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return wrapErr("save", ErrClosed)
	}
	if len(entries) > 0 {
		if err := ms.appendLocked(entries); err != nil {
			return err
		}
	}
	if !hs.IsEmpty() {
		ms.hardState = hs
	}
	return nil
}

func (ms *MemoryStorage) appendLocked(entries []Entry) error {
	first := ms.firstIndex()
	last := entries[len(entries)-1].Index
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	offset := entries[0].Index - ms.ents[0].Index
	if offset > uint64(len(ms.ents)) {
		return fmt.Errorf("%w: missing entries before %d, last index is %d",
			ErrLogGap, entries[0].Index, ms.lastIndex())
	}
	if prev := ms.ents[offset-1]; entries[0].Term < prev.Term {
		return fmt.Errorf("%w: entry %d has term %d after term %d",
			ErrTermRegression, entries[0].Index, entries[0].Term, prev.Term)
	}

	ms.ents = append(ms.ents[:offset:offset], entries...)
	return nil
}

func (ms *MemoryStorage) HardState() (HardState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return HardState{}, wrapErr("hard state", ErrClosed)
	}
	return ms.hardState, nil
}

func (ms *MemoryStorage) SetHardState(hs HardState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return wrapErr("set hard state", ErrClosed)
	}
	ms.hardState = hs
	return nil
}

func (ms *MemoryStorage) ConfState() (ConfState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return ConfState{}, wrapErr("conf state", ErrClosed)
	}
	return ms.confState.Clone(), nil
}

func (ms *MemoryStorage) SetConfState(cs ConfState) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return wrapErr("set conf state", ErrClosed)
	}
	ms.confState = cs.Clone()
	return nil
}

func (ms *MemoryStorage) Snapshot(requestIndex, requestTerm uint64) (Snapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.closed {
		return Snapshot{}, wrapErr("snapshot", ErrClosed)
	}
	if !snapshotSatisfies(ms.snapshot, requestIndex, requestTerm) {
		return Snapshot{}, ErrSnapshotTemporarilyUnavailable
	}
	return ms.snapshot, nil
}

func (ms *MemoryStorage) CreateSnapshot(index uint64, cs *ConfState, data []byte) (Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return Snapshot{}, wrapErr("create snapshot", ErrClosed)
	}
	if index <= ms.snapshot.Metadata.Index {
		return Snapshot{}, ErrSnapOutOfDate
	}
	term, err := ms.term(index)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Metadata: SnapshotMetadata{Index: index, Term: term, ConfState: ms.confState.Clone()},
		Data:     append([]byte(nil), data...),
	}
	if cs != nil {
		snap.Metadata.ConfState = cs.Clone()
	}
	ms.snapshot = snap
	return snap, nil
}

func (ms *MemoryStorage) ApplySnapshot(snap Snapshot) error {
	if err := snap.Metadata.ConfState.Validate(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return wrapErr("apply snapshot", ErrClosed)
	}
	if snap.Metadata.Index <= ms.snapshot.Metadata.Index {
		return ErrSnapOutOfDate
	}

	ms.snapshot = snap
	ms.confState = snap.Metadata.ConfState.Clone()
	ms.ents = []Entry{{Index: snap.Metadata.Index, Term: snap.Metadata.Term}}
	return nil
}

func (ms *MemoryStorage) Compact(upTo uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return wrapErr("compact", ErrClosed)
	}

	first := ms.firstIndex()
	if upTo <= first {
		return ErrCompacted
	}
	last := ms.lastIndex()
	if upTo > last || upTo-1 > ms.snapshot.Metadata.Index {
		return &CompactionError{Index: upTo, LastIndex: last, SnapshotIndex: ms.snapshot.Metadata.Index}
	}

	// the entry at upTo-1 becomes the new placeholder
	i := upTo - 1 - ms.ents[0].Index
	ents := make([]Entry, 1, uint64(len(ms.ents))-i)
	ents[0] = Entry{Index: ms.ents[i].Index, Term: ms.ents[i].Term}
	ms.ents = append(ents, ms.ents[i+1:]...)
	return nil
}

func (ms *MemoryStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

func snapshotSatisfies(snap Snapshot, requestIndex, requestTerm uint64) bool {
	if snap.Metadata.Index < requestIndex {
		return false
	}
	return requestTerm == 0 || snap.Metadata.Term >= requestTerm
}
