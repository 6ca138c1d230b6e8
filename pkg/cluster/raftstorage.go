package cluster

import (
	"errors"

	"github.com/lumadb/rsm/pkg/storage"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
)

// raftStorage exposes a storage.Storage to the consensus engine.
type raftStorage struct {
	s storage.Storage
}

var _ raft.Storage = (*raftStorage)(nil)

func (rs *raftStorage) InitialState() (pb.HardState, pb.ConfState, error) {
	hs, cs, err := rs.s.InitialState()
	if err != nil {
		return pb.HardState{}, pb.ConfState{}, err
	}
	return toHardState(hs), toConfState(cs), nil
}

func (rs *raftStorage) Entries(lo, hi, maxSize uint64) ([]pb.Entry, error) {
	ents, err := rs.s.Entries(lo, hi, maxSize)
	if err != nil {
		return nil, raftErr(err)
	}
	out := make([]pb.Entry, len(ents))
	for i, e := range ents {
		out[i] = toEntry(e)
	}
	return out, nil
}

func (rs *raftStorage) Term(i uint64) (uint64, error) {
	term, err := rs.s.Term(i)
	return term, raftErr(err)
}

func (rs *raftStorage) LastIndex() (uint64, error) {
	return rs.s.LastIndex()
}

func (rs *raftStorage) FirstIndex() (uint64, error) {
	return rs.s.FirstIndex()
}

func (rs *raftStorage) Snapshot() (pb.Snapshot, error) {
	snap, err := rs.s.Snapshot(0, 0)
	if err != nil {
		return pb.Snapshot{}, raftErr(err)
	}
	return toSnapshot(snap), nil
}

// raftErr maps storage sentinels onto the ones the engine compares against.
func raftErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrCompacted):
		return raft.ErrCompacted
	case errors.Is(err, storage.ErrUnavailable):
		return raft.ErrUnavailable
	case errors.Is(err, storage.ErrSnapOutOfDate):
		return raft.ErrSnapOutOfDate
	case errors.Is(err, storage.ErrSnapshotTemporarilyUnavailable):
		return raft.ErrSnapshotTemporarilyUnavailable
	default:
		return err
	}
}

func toHardState(hs storage.HardState) pb.HardState {
	return pb.HardState{Term: hs.Term, Vote: hs.Vote, Commit: hs.Commit}
}

func fromHardState(hs pb.HardState) storage.HardState {
	return storage.HardState{Term: hs.Term, Vote: hs.Vote, Commit: hs.Commit}
}

func toConfState(cs storage.ConfState) pb.ConfState {
	return pb.ConfState{
		Voters:         cs.Voters,
		Learners:       cs.Learners,
		VotersOutgoing: cs.VotersOutgoing,
		LearnersNext:   cs.LearnersNext,
		AutoLeave:      cs.AutoLeave,
	}
}

func fromConfState(cs pb.ConfState) storage.ConfState {
	return storage.ConfState{
		Voters:         cs.Voters,
		Learners:       cs.Learners,
		VotersOutgoing: cs.VotersOutgoing,
		LearnersNext:   cs.LearnersNext,
		AutoLeave:      cs.AutoLeave,
	}.Clone()
}

// Configuration changes are always stored in the v2 encoding.
func toEntry(e storage.Entry) pb.Entry {
	typ := pb.EntryNormal
	if e.Type == storage.EntryConfChange {
		typ = pb.EntryConfChangeV2
	}
	return pb.Entry{Term: e.Term, Index: e.Index, Type: typ, Data: e.Data}
}

func fromEntry(e pb.Entry) (storage.Entry, error) {
	out := storage.Entry{Term: e.Term, Index: e.Index, Type: storage.EntryNormal, Data: e.Data}
	switch e.Type {
	case pb.EntryConfChangeV2:
		out.Type = storage.EntryConfChange
	case pb.EntryConfChange:
		var cc pb.ConfChange
		if err := cc.Unmarshal(e.Data); err != nil {
			return storage.Entry{}, err
		}
		v2 := cc.AsV2()
		data, err := v2.Marshal()
		if err != nil {
			return storage.Entry{}, err
		}
		out.Type = storage.EntryConfChange
		out.Data = data
	}
	return out, nil
}

func fromEntries(ents []pb.Entry) ([]storage.Entry, error) {
	out := make([]storage.Entry, len(ents))
	for i, e := range ents {
		se, err := fromEntry(e)
		if err != nil {
			return nil, err
		}
		out[i] = se
	}
	return out, nil
}

func toSnapshot(s storage.Snapshot) pb.Snapshot {
	return pb.Snapshot{
		Data: s.Data,
		Metadata: pb.SnapshotMetadata{
			ConfState: toConfState(s.Metadata.ConfState),
			Index:     s.Metadata.Index,
			Term:      s.Metadata.Term,
		},
	}
}

func fromSnapshot(s pb.Snapshot) storage.Snapshot {
	return storage.Snapshot{
		Data: s.Data,
		Metadata: storage.SnapshotMetadata{
			ConfState: fromConfState(s.Metadata.ConfState),
			Index:     s.Metadata.Index,
			Term:      s.Metadata.Term,
		},
	}
}
