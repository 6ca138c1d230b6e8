package cluster

import (
	"testing"

	"github.com/lumadb/rsm/pkg/storage"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
)

func TestRaftStorage_ErrorMapping(t *testing.T) {
	s := storage.NewMemoryStorage()
	defer s.Close()

	ents := []storage.Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 2},
		{Index: 4, Term: 2},
	}
	if err := s.Append(ents); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := s.CreateSnapshot(3, nil, []byte("state")); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if err := s.Compact(3); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	rs := &raftStorage{s: s}
	if _, err := rs.Entries(1, 3, storage.NoLimit); err != raft.ErrCompacted {
		t.Fatalf("Expected raft.ErrCompacted, got %v", err)
	}
	if _, err := rs.Term(1); err != raft.ErrCompacted {
		t.Fatalf("Expected raft.ErrCompacted, got %v", err)
	}
	if _, err := rs.Term(9); err != raft.ErrUnavailable {
		t.Fatalf("Expected raft.ErrUnavailable, got %v", err)
	}
	if term, err := rs.Term(2); err != nil || term != 1 {
		t.Fatalf("Expected term 1 for the compaction boundary, got %d, %v", term, err)
	}

	got, err := rs.Entries(3, 5, storage.NoLimit)
	if err != nil || len(got) != 2 || got[0].Index != 3 || got[1].Term != 2 {
		t.Fatalf("Unexpected entries %+v, %v", got, err)
	}

	snap, err := rs.Snapshot()
	if err != nil || snap.Metadata.Index != 3 || string(snap.Data) != "state" {
		t.Fatalf("Unexpected snapshot %+v, %v", snap.Metadata, err)
	}
}

func TestRaftStorage_ConfChangeEntries(t *testing.T) {
	v1 := pb.ConfChange{Type: pb.ConfChangeAddNode, NodeID: 4}
	data, err := v1.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	se, err := fromEntry(pb.Entry{Index: 5, Term: 2, Type: pb.EntryConfChange, Data: data})
	if err != nil {
		t.Fatalf("fromEntry failed: %v", err)
	}
	if se.Type != storage.EntryConfChange {
		t.Fatalf("Expected conf change entry, got %s", se.Type)
	}

	back := toEntry(se)
	if back.Type != pb.EntryConfChangeV2 {
		t.Fatalf("Expected v2 entry, got %s", back.Type)
	}
	var cc pb.ConfChangeV2
	if err := cc.Unmarshal(back.Data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(cc.Changes) != 1 || cc.Changes[0].NodeID != 4 || cc.Changes[0].Type != pb.ConfChangeAddNode {
		t.Fatalf("Conf change lost in conversion: %+v", cc)
	}
}

func TestMembership_Reserve(t *testing.T) {
	m := newMembership()
	m.restore(seedMembership(map[uint64]string{1: "a", 3: "c"}))

	if id := m.reserve(); id != 4 {
		t.Fatalf("Expected first reservation to be 4, got %d", id)
	}
	if !m.isReserved(4) || m.isReserved(5) {
		t.Fatal("Unexpected reservation state")
	}

	m.remove(3)
	if m.contains(3) || !m.isRemoved(3) {
		t.Fatal("Expected member 3 to be removed")
	}

	// restored state never hands out an id twice
	restored := newMembership()
	restored.restore(m.state())
	if id := restored.reserve(); id != 5 {
		t.Fatalf("Expected 5 after restore, got %d", id)
	}
}
