// Package storage persists the replicated log, hard state, configuration
// state and snapshots of a single node.
//
// Two variants implement Storage: BoltStorage keeps everything in a bbolt
// file and survives restarts, MemoryStorage keeps it in process memory.
package storage

import (
	"fmt"
	"math"
	"sort"
)

// NoLimit disables the size limit of Entries.
const NoLimit = math.MaxUint64

// Type selects a storage variant at node creation time.
type Type string

const (
	TypeBolt   Type = "bolt"
	TypeMemory Type = "memory"
)

// Storage is the durable (or volatile) backing store of one node.
//
// Read methods may be called concurrently with each other and with the
// single writer. Mutations (Append, Save, SetHardState, SetConfState,
// CreateSnapshot, ApplySnapshot, Compact) are serialized by the
// implementation.
type Storage interface {
	Type() Type

	// InitialState returns the saved HardState and ConfState.
	InitialState() (HardState, ConfState, error)

	// FirstIndex is the lowest retained entry index. It is one more than the
	// last compacted index.
	FirstIndex() (uint64, error)
	// LastIndex is the highest stored index, FirstIndex()-1 for an empty log.
	LastIndex() (uint64, error)
	// Term returns the term of entry i, which must be in the range
	// [FirstIndex()-1, LastIndex()].
	Term(i uint64) (uint64, error)
	// Entries returns entries in [lo, hi). The result is limited to maxSize
	// bytes but always contains at least one entry when lo < hi.
	Entries(lo, hi, maxSize uint64) ([]Entry, error)
	AllEntries() ([]Entry, error)

	// Append writes entries, discarding any stored suffix starting at the
	// index of the first new entry.
	Append(entries []Entry) error
	// Save appends entries and then records hs as one atomic update. An
	// empty hs is not written.
	Save(hs HardState, entries []Entry) error

	HardState() (HardState, error)
	SetHardState(hs HardState) error
	ConfState() (ConfState, error)
	SetConfState(cs ConfState) error

	// Snapshot returns the latest snapshot. If it does not cover
	// requestIndex (or is older than requestTerm) it fails with
	// ErrSnapshotTemporarilyUnavailable.
	Snapshot(requestIndex, requestTerm uint64) (Snapshot, error)
	// CreateSnapshot records data as the state at index. cs replaces the
	// stored ConfState in the metadata when non-nil.
	CreateSnapshot(index uint64, cs *ConfState, data []byte) (Snapshot, error)
	// ApplySnapshot replaces the whole log with snap.
	ApplySnapshot(snap Snapshot) error
	// Compact discards entries below upTo. A snapshot covering them must
	// already be stored.
	Compact(upTo uint64) error

	Close() error
}

// EntryType distinguishes application entries from configuration changes.
type EntryType int

const (
	EntryNormal     EntryType = 0
	EntryConfChange EntryType = 1
)

func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "Normal"
	case EntryConfChange:
		return "ConfChange"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// Entry is a Raft log entry
type Entry struct {
	Term  uint64    `msgpack:"term" json:"term"`
	Index uint64    `msgpack:"index" json:"index"`
	Type  EntryType `msgpack:"type" json:"type"`
	Data  []byte    `msgpack:"data" json:"data"`
}

// size approximates the encoded size of an entry for Entries limits.
func (e Entry) size() uint64 {
	return uint64(len(e.Data)) + 24
}

// HardState is the persistent consensus state that must be durable before a
// vote or append is acknowledged.
type HardState struct {
	Term   uint64 `msgpack:"term" json:"term"`
	Vote   uint64 `msgpack:"vote" json:"vote"`
	Commit uint64 `msgpack:"commit" json:"commit"`
}

func (hs HardState) IsEmpty() bool {
	return hs == HardState{}
}

// ConfState is the membership configuration. A non-empty VotersOutgoing
// marks a joint configuration that is not yet finalized.
type ConfState struct {
	Voters         []uint64 `msgpack:"voters" json:"voters"`
	Learners       []uint64 `msgpack:"learners" json:"learners"`
	VotersOutgoing []uint64 `msgpack:"voters_outgoing" json:"voters_outgoing"`
	LearnersNext   []uint64 `msgpack:"learners_next" json:"learners_next"`
	AutoLeave      bool     `msgpack:"auto_leave" json:"auto_leave"`
}

func (cs ConfState) IsJoint() bool {
	return len(cs.VotersOutgoing) > 0
}

func (cs ConfState) IsEmpty() bool {
	return len(cs.Voters) == 0 && len(cs.Learners) == 0 &&
		len(cs.VotersOutgoing) == 0 && len(cs.LearnersNext) == 0
}

// Validate checks that no node is a voter and a learner at the same time.
func (cs ConfState) Validate() error {
	learners := make(map[uint64]struct{}, len(cs.Learners))
	for _, id := range cs.Learners {
		learners[id] = struct{}{}
	}
	for _, set := range [][]uint64{cs.Voters, cs.VotersOutgoing} {
		for _, id := range set {
			if _, ok := learners[id]; ok {
				return fmt.Errorf("node %d is both voter and learner", id)
			}
		}
	}
	return nil
}

// Clone returns a deep copy with every id set sorted.
func (cs ConfState) Clone() ConfState {
	return ConfState{
		Voters:         sortedCopy(cs.Voters),
		Learners:       sortedCopy(cs.Learners),
		VotersOutgoing: sortedCopy(cs.VotersOutgoing),
		LearnersNext:   sortedCopy(cs.LearnersNext),
		AutoLeave:      cs.AutoLeave,
	}
}

// Contains reports whether id is a voter or learner in either half of the
// configuration.
func (cs ConfState) Contains(id uint64) bool {
	for _, set := range [][]uint64{cs.Voters, cs.Learners, cs.VotersOutgoing, cs.LearnersNext} {
		for _, v := range set {
			if v == id {
				return true
			}
		}
	}
	return false
}

func sortedCopy(ids []uint64) []uint64 {
	if len(ids) == 0 {
		return nil
	}
	out := append([]uint64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot represents a point-in-time state
type Snapshot struct {
	Metadata SnapshotMetadata `msgpack:"metadata" json:"metadata"`
	Data     []byte           `msgpack:"data" json:"data"`
}

func (s Snapshot) IsEmpty() bool {
	return s.Metadata.Index == 0
}

type SnapshotMetadata struct {
	Index     uint64    `msgpack:"index" json:"index"`
	Term      uint64    `msgpack:"term" json:"term"`
	ConfState ConfState `msgpack:"conf_state" json:"conf_state"`
}

// limitSize trims ents to maxSize bytes, keeping at least one entry.
func limitSize(ents []Entry, maxSize uint64) []Entry {
	if len(ents) == 0 || maxSize == NoLimit {
		return ents
	}
	size := ents[0].size()
	limit := 1
	for ; limit < len(ents); limit++ {
		size += ents[limit].size()
		if size > maxSize {
			break
		}
	}
	return ents[:limit]
}

// checkBatch verifies that a batch is contiguous and its terms never
// decrease.
func checkBatch(entries []Entry) error {
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("%w: entry %d follows %d", ErrLogGap, entries[i].Index, entries[i-1].Index)
		}
		if entries[i].Term < entries[i-1].Term {
			return fmt.Errorf("%w: entry %d has term %d after term %d",
				ErrTermRegression, entries[i].Index, entries[i].Term, entries[i-1].Term)
		}
	}
	return nil
}
