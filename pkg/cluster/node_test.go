package cluster

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lumadb/rsm/pkg/config"
	"github.com/lumadb/rsm/pkg/hashstore"
	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/lumadb/rsm/pkg/storage"
	"github.com/lumadb/rsm/pkg/transport"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

func testConfig(id uint64) *config.Config {
	cfg := config.DefaultConfig()
	cfg.NodeID = id
	cfg.StorageType = "memory"
	cfg.RaftAddr = "127.0.0.1:0" // Random port
	cfg.Raft.TickIntervalMs = 10
	cfg.Raft.ElectionTick = 10
	cfg.Raft.HeartbeatTick = 2
	cfg.Raft.ProposalTimeoutMs = 5000
	cfg.Raft.RPCTimeoutMs = 2000
	return cfg
}

type testNode struct {
	*Node
	store *hashstore.HashStore
}

func newTestNode(t *testing.T, cfg *config.Config, opts ...Option) *testNode {
	t.Helper()
	store := hashstore.New()
	reg := statemachine.NewRegistry()
	hashstore.Register(reg)

	node, err := NewNode(cfg, store, zap.NewNop(), append([]Option{WithRegistry(reg)}, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	t.Cleanup(func() { node.Shutdown() })
	return &testNode{Node: node, store: store}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			t.Fatalf("Timeout waiting for %s", what)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func waitForLeader(t *testing.T, nodes ...*testNode) *testNode {
	t.Helper()
	var leader *testNode
	waitFor(t, "leader", func() bool {
		for _, n := range nodes {
			if n.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	})
	return leader
}

func insert(t *testing.T, n *testNode, key uint64, value string) {
	t.Helper()
	cmd, err := (&hashstore.Insert{Key: key, Value: value}).Encode()
	if err != nil {
		t.Fatalf("Failed to encode insert: %v", err)
	}
	result, err := n.Mailbox().Propose(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	echo, err := hashstore.DecodeInsert(result)
	if err != nil || echo.Key != key || echo.Value != value {
		t.Fatalf("Unexpected apply result %+v, %v", echo, err)
	}
}

// joinNode reserves an id through addr and joins a new node with it.
func joinNode(t *testing.T, addr string) *testNode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := RequestID(ctx, addr, zap.NewNop())
	if err != nil {
		t.Fatalf("RequestID failed: %v", err)
	}
	n := newTestNode(t, testConfig(resp.ReservedID))
	if err := n.Join(ctx, resp); err != nil {
		t.Fatalf("Join of node %d failed: %v", resp.ReservedID, err)
	}
	return n
}

func TestNode_SingleNodePropose(t *testing.T) {
	n := newTestNode(t, testConfig(1))
	if err := n.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, n)

	insert(t, n, 7, "a")
	if v, ok := n.store.Get(7); !ok || v != "a" {
		t.Fatalf("Expected key 7 to be %q, got %q", "a", v)
	}

	// A failing command still commits and advances the applied index
	before := n.AppliedIndex()
	_, err := n.Mailbox().Propose(context.Background(), []byte{0xc1})
	var applyErr *statemachine.ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("Expected ApplyError, got %v", err)
	}
	if n.AppliedIndex() <= before {
		t.Fatalf("Applied index did not advance past failed entry")
	}
	insert(t, n, 8, "b")

	if err := n.Bootstrap(nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestNode_NotStarted(t *testing.T) {
	n := newTestNode(t, testConfig(1))
	if _, err := n.Mailbox().Propose(context.Background(), []byte("x")); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Expected ErrNotStarted, got %v", err)
	}
	if err := n.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := n.Bootstrap(nil); err == nil {
		t.Fatal("Expected bootstrap after shutdown to fail")
	}
}

func TestCluster_JoinAndSnapshot(t *testing.T) {
	n1 := newTestNode(t, testConfig(1))
	if err := n1.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, n1)

	n2 := joinNode(t, n1.Addr())
	// Reservations through a follower are forwarded to the leader
	n3 := joinNode(t, n2.Addr())
	if n2.ID() != 2 || n3.ID() != 3 {
		t.Fatalf("Expected ids 2 and 3, got %d and %d", n2.ID(), n3.ID())
	}

	waitFor(t, "voters {1,2,3}", func() bool {
		cs, err := n1.ConfState()
		return err == nil && len(cs.Voters) == 3 && cs.Voters[0] == 1 && cs.Voters[2] == 3
	})

	insert(t, n1, 7, "a")
	for _, n := range []*testNode{n2, n3} {
		n := n
		waitFor(t, "replication of key 7", func() bool {
			v, ok := n.store.Get(7)
			return ok && v == "a"
		})
	}

	if err := n1.TriggerSnapshot(context.Background()); err != nil {
		t.Fatalf("TriggerSnapshot failed: %v", err)
	}
	snap, err := n1.Storage().Snapshot(0, 0)
	if err != nil || snap.Metadata.Index < 2 {
		t.Fatalf("Expected a fresh snapshot, got %+v, %v", snap.Metadata, err)
	}

	n4 := joinNode(t, n1.Addr())
	if n4.ID() != 4 {
		t.Fatalf("Expected id 4, got %d", n4.ID())
	}
	waitFor(t, "key 7 on node 4", func() bool {
		v, ok := n4.store.Get(7)
		return ok && v == "a"
	})
	restored, err := n4.Storage().Snapshot(0, 0)
	if err != nil || restored.Metadata.Index < snap.Metadata.Index {
		t.Fatalf("Expected node 4 to install a snapshot, got %+v, %v", restored.Metadata, err)
	}
}

func TestCluster_NotLeaderAndLeave(t *testing.T) {
	n1 := newTestNode(t, testConfig(1))
	if err := n1.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, n1)
	n2 := joinNode(t, n1.Addr())
	n3 := joinNode(t, n1.Addr())

	waitFor(t, "leader known on node 3", func() bool { return n3.LeaderAddr() == n1.Addr() })
	_, err := n3.Mailbox().Propose(context.Background(), []byte("x"))
	var nle *NotLeaderError
	if !errors.As(err, &nle) {
		t.Fatalf("Expected NotLeaderError, got %v", err)
	}
	if nle.LeaderID != 1 || nle.LeaderAddr != n1.Addr() {
		t.Fatalf("Unexpected leader hint %+v", nle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n3.Mailbox().Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	select {
	case <-n3.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Node 3 kept running after leaving")
	}
	if !errors.Is(n3.Err(), ErrRemoved) {
		t.Fatalf("Expected ErrRemoved, got %v", n3.Err())
	}

	waitFor(t, "voters {1,2}", func() bool {
		cs, err := n1.ConfState()
		return err == nil && len(cs.Voters) == 2 && !cs.Contains(3)
	})
	insert(t, n1, 1, "after-leave")
	waitFor(t, "replication to node 2", func() bool {
		v, _ := n2.store.Get(1)
		return v == "after-leave"
	})

	// A removed id is never admitted again
	err = n1.MemberBootstrapReady(context.Background(), 3, n3.Addr())
	var me *MembershipError
	if !errors.As(err, &me) {
		t.Fatalf("Expected MembershipError, got %v", err)
	}
}

func TestNode_MemberBootstrapReadyValidation(t *testing.T) {
	n := newTestNode(t, testConfig(1))
	if err := n.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, n)
	ctx := context.Background()

	var me *MembershipError
	if err := n.MemberBootstrapReady(ctx, 5, "127.0.0.1:1"); !errors.As(err, &me) {
		t.Fatalf("Expected unreserved id to be rejected, got %v", err)
	}
	if err := n.MemberBootstrapReady(ctx, 1, n.Addr()); err != nil {
		t.Fatalf("Expected re-admission of an existing member to succeed, got %v", err)
	}

	resp, err := n.RequestID(ctx)
	if err != nil {
		t.Fatalf("RequestID failed: %v", err)
	}
	next, err := n.RequestID(ctx)
	if err != nil {
		t.Fatalf("RequestID failed: %v", err)
	}
	if resp.ReservedID != 2 || next.ReservedID != 3 {
		t.Fatalf("Expected ids 2 and 3, got %d and %d", resp.ReservedID, next.ReservedID)
	}
	if resp.LeaderID != 1 || resp.Peers[1] != n.Addr() {
		t.Fatalf("Unexpected reservation response %+v", resp)
	}
}

func TestRequestID_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := RequestID(ctx, "127.0.0.1:1", zap.NewNop())
	var ire *IdReservationError
	if !errors.As(err, &ire) {
		t.Fatalf("Expected IdReservationError, got %v", err)
	}
}

func TestNode_RestartFromBolt(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rsm-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := testConfig(1)
	cfg.StorageType = string(storage.TypeBolt)
	cfg.DataDir = tmpDir
	cfg.Snapshot.Count = 5
	cfg.Snapshot.CatchUpEntries = 2

	n := newTestNode(t, cfg)
	if err := n.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, n)
	for i := uint64(1); i <= 12; i++ {
		insert(t, n, i, "v")
	}
	applied := n.AppliedIndex()
	if err := n.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	restarted := newTestNode(t, cfg)
	if err := restarted.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to restart: %v", err)
	}
	waitFor(t, "replay after restart", func() bool { return restarted.AppliedIndex() >= applied })
	if restarted.store.Len() != 12 {
		t.Fatalf("Expected 12 keys after restart, got %d", restarted.store.Len())
	}
	first, err := restarted.Storage().FirstIndex()
	if err != nil || first <= 2 {
		t.Fatalf("Expected a compacted log, first index %d, %v", first, err)
	}

	waitForLeader(t, restarted)
	insert(t, restarted, 13, "w")
}

func TestNode_DebugNode(t *testing.T) {
	n := newTestNode(t, testConfig(1))
	if err := n.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, n)
	insert(t, n, 1, "x")

	info, err := n.Debug()
	if err != nil {
		t.Fatalf("Debug failed: %v", err)
	}
	if info.NodeID != 1 || info.LeaderID != 1 || info.AppliedIndex < 2 || len(info.Raft) == 0 {
		t.Fatalf("Unexpected debug info %+v", info)
	}
	if info.Membership.Members[1] != n.Addr() || info.Membership.NextID != 2 {
		t.Fatalf("Unexpected membership %+v", info.Membership)
	}

	ents, err := n.Storage().AllEntries()
	if err != nil {
		t.Fatalf("AllEntries failed: %v", err)
	}
	described := DescribeEntries(ents, n.Registry())
	found := false
	for _, e := range described {
		if e.Kind == "command" && e.Detail == `Insert{key: 1, value: "x"}` {
			found = true
		}
	}
	if !found {
		t.Fatalf("Insert not found in %+v", described)
	}

	snap, err := n.Storage().Snapshot(0, 0)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if info := DescribeSnapshot(snap, n.Registry()); info.Error != "" || info.Membership.Members[1] == "" {
		t.Fatalf("Unexpected snapshot description %+v", info)
	}
}

// brokenLog accepts metadata writes but fails every log write.
type brokenLog struct {
	*storage.MemoryStorage
}

func (s brokenLog) Append([]storage.Entry) error {
	return &storage.StorageError{Op: "append", Err: errors.New("disk full")}
}

func (s brokenLog) Save(storage.HardState, []storage.Entry) error {
	return &storage.StorageError{Op: "save", Err: errors.New("disk full")}
}

func TestNode_FailedLogWriteKeepsStorageRecoverable(t *testing.T) {
	mem := storage.NewMemoryStorage()
	n := newTestNode(t, testConfig(1), WithStorage(brokenLog{mem}))
	if err := n.writeBootstrapSnapshot(map[uint64]string{1: n.Addr()}); err != nil {
		t.Fatalf("Failed to write bootstrap snapshot: %v", err)
	}

	// a follower catching up receives entries with a commit covering them
	rd := raft.Ready{
		HardState: pb.HardState{Term: 2, Commit: 4},
		Entries: []pb.Entry{
			{Index: 2, Term: 2},
			{Index: 3, Term: 2},
			{Index: 4, Term: 2},
		},
	}
	if _, err := n.handleReady(rd); !storage.IsStorageError(err) {
		t.Fatalf("Expected StorageError, got %v", err)
	}

	hs, _ := mem.HardState()
	last, _ := mem.LastIndex()
	if hs.Commit > last {
		t.Fatalf("Commit %d persisted beyond last index %d", hs.Commit, last)
	}

	rn := raft.RestartNode(&raft.Config{
		ID:              1,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         &raftStorage{s: mem},
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 16,
		Logger:          newRaftLogger(zap.NewNop()),
	})
	rn.Stop()
}

// gatedStore holds every Apply until release is closed.
type gatedStore struct {
	*hashstore.HashStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Apply(data []byte) ([]byte, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.HashStore.Apply(data)
}

func TestNode_CancelledWaitStillApplies(t *testing.T) {
	store := &gatedStore{
		HashStore: hashstore.New(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	node, err := NewNode(testConfig(1), store, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	t.Cleanup(func() { node.Shutdown() })
	var once sync.Once
	release := func() { once.Do(func() { close(store.release) }) }
	t.Cleanup(release)

	if err := node.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitFor(t, "leader", node.IsLeader)

	cmd, err := (&hashstore.Insert{Key: 7, Value: "late"}).Encode()
	if err != nil {
		t.Fatalf("Failed to encode insert: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := node.Mailbox().Propose(ctx, cmd)
		errc <- err
	}()

	// the entry is committed and being applied when the proposer gives up
	select {
	case <-store.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for apply")
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if got := node.waits.len(); got != 0 {
		t.Fatalf("Expected no pending waiters, got %d", got)
	}

	release()
	waitFor(t, "cancelled entry to apply", func() bool {
		v, ok := store.Get(7)
		return ok && v == "late"
	})
	if err := node.Err(); err != nil {
		t.Fatalf("Node failed after cancelled wait: %v", err)
	}
}

func TestNode_JoinRetriesUntilReserved(t *testing.T) {
	leader := newTestNode(t, testConfig(1))
	if err := leader.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, leader)

	// announce id 2 before the leader has reserved it
	joiner := newTestNode(t, testConfig(2))
	resp := &transport.RequestIdResponse{
		ReservedID: 2,
		LeaderID:   1,
		LeaderAddr: leader.Addr(),
		Peers:      map[uint64]string{1: leader.Addr()},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- joiner.Join(ctx, resp) }()

	time.Sleep(300 * time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("Join gave up before the reservation: %v", err)
	default:
	}

	reserved, err := leader.RequestID(ctx)
	if err != nil {
		t.Fatalf("RequestID failed: %v", err)
	}
	if reserved.ReservedID != 2 {
		t.Fatalf("Expected id 2, got %d", reserved.ReservedID)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, "joiner to learn the leader", func() bool {
		id, _ := joiner.Leader()
		return id == 1
	})
}

func TestMembershipError_Temporary(t *testing.T) {
	n := newTestNode(t, testConfig(1))
	if err := n.Bootstrap(nil); err != nil {
		t.Fatalf("Failed to bootstrap: %v", err)
	}
	waitForLeader(t, n)

	err := n.MemberBootstrapReady(context.Background(), 5, "127.0.0.1:1")
	if !transport.IsTemporary(err) {
		t.Fatalf("Expected unreserved id to be retryable, got %v", err)
	}
	err = n.MemberBootstrapReady(context.Background(), 0, "127.0.0.1:1")
	if err == nil || transport.IsTemporary(err) {
		t.Fatalf("Expected id 0 to be rejected for good, got %v", err)
	}
}
