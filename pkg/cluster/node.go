// Package cluster runs a replicated state machine on top of the etcd raft
// consensus engine.
//
// A Node owns the storage, the state machine plugin and the consensus
// engine of one member. It serves the raft RPC service, applies committed
// entries in order, takes snapshots and drives membership changes. Callers
// submit commands through the node's Mailbox.
package cluster

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumadb/rsm/pkg/config"
	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/lumadb/rsm/pkg/storage"
	"github.com/lumadb/rsm/pkg/transport"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// AppliedEntry describes one applied log entry to an ApplyHook.
type AppliedEntry struct {
	NodeID uint64 `json:"node_id"`
	Index  uint64 `json:"index"`
	Term   uint64 `json:"term"`
	Kind   string `json:"kind"`
	Failed bool   `json:"failed,omitempty"`
}

// ApplyHook observes applied entries. It runs on the apply path and must
// not block.
type ApplyHook func(AppliedEntry)

// Option customizes a Node.
type Option func(*Node)

// WithStorage makes the node use s instead of opening the configured
// storage. The node closes s on shutdown.
func WithStorage(s storage.Storage) Option {
	return func(n *Node) { n.storage = s }
}

// WithRegistry sets the decoder registry used to describe entries and
// snapshots.
func WithRegistry(reg *statemachine.Registry) Option {
	return func(n *Node) { n.registry = reg }
}

func WithApplyHook(hook ApplyHook) Option {
	return func(n *Node) { n.applyHook = hook }
}

// WithClientConfig tunes the outgoing RPC client.
func WithClientConfig(cfg transport.ClientConfig) Option {
	return func(n *Node) { n.clientCfg = &cfg }
}

// Node represents a cluster node with Raft consensus
type Node struct {
	config    *config.Config
	logger    *zap.Logger
	id        uint64
	addr      string
	storage   storage.Storage
	registry  *statemachine.Registry
	machine   *statemachine.Machine
	members   *membership
	applyHook ApplyHook
	clientCfg *transport.ClientConfig

	raft     raft.Node
	client   *transport.Client
	peers    *transport.Peers
	server   *transport.Server
	listener net.Listener
	waits    *waiters
	mailbox  *Mailbox

	leaderID  atomic.Uint64
	snapIndex atomic.Uint64

	// confMu serializes membership changes proposed by this node.
	confMu sync.Mutex

	snapc    chan chan error
	joinedc  chan struct{}
	joinOnce sync.Once

	startMu sync.Mutex
	started bool

	stopc    chan struct{}
	donec    chan struct{}
	stopOnce sync.Once
	errMu    sync.Mutex
	err      error

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewNode creates a node and binds its RPC listener. The node does not take
// part in the cluster until Bootstrap or Join is called.
func NewNode(cfg *config.Config, sm statemachine.StateMachine, logger *zap.Logger, opts ...Option) (*Node, error) {
	if cfg.NodeID == 0 {
		return nil, errors.New("node id must be set")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		config:  cfg,
		id:      cfg.NodeID,
		members: newMembership(),
		waits:   newWaiters(),
		snapc:   make(chan chan error),
		joinedc: make(chan struct{}),
		stopc:   make(chan struct{}),
		donec:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.registry == nil {
		n.registry = statemachine.NewRegistry()
	}

	if n.storage == nil {
		s, err := storage.Open(storage.Type(cfg.StorageType), cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		n.storage = s
	}

	lis, err := net.Listen("tcp", cfg.RaftAddr)
	if err != nil {
		n.storage.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.RaftAddr, err)
	}
	n.listener = lis
	n.addr = lis.Addr().String()
	n.logger = logger.With(zap.Uint64("node", n.id), zap.String("addr", n.addr))

	clientCfg := transport.DefaultClientConfig()
	if n.clientCfg != nil {
		clientCfg = *n.clientCfg
	} else if cfg.RPCTimeout() > 0 {
		clientCfg.Timeout = cfg.RPCTimeout()
	}
	n.client = transport.NewClient(clientCfg, n.logger)
	n.peers = transport.NewPeers(n.addr, n.client, n, n.logger)
	n.server = transport.NewServer(n, n.logger)
	n.machine = statemachine.NewMachine(sm, 0, n.logger)
	n.mailbox = &Mailbox{node: n}

	return n, nil
}

// Bootstrap starts the node as a member of the static cluster peers
// (id -> address). With no peers the node forms a single member cluster.
// If the storage already holds state the node restarts from it and peers
// is ignored.
func (n *Node) Bootstrap(peers map[uint64]string) error {
	fresh, err := storage.IsFresh(n.storage)
	if err != nil {
		return err
	}
	if fresh {
		if len(peers) == 0 {
			peers = map[uint64]string{n.id: n.addr}
		}
		if _, ok := peers[n.id]; !ok {
			return fmt.Errorf("node %d is not among the bootstrap peers", n.id)
		}
		if err := n.writeBootstrapSnapshot(peers); err != nil {
			return err
		}
		n.logger.Info("Bootstrapping new cluster", zap.Int("peers", len(peers)))
	} else {
		n.logger.Info("Restarting from existing storage")
	}
	return n.start()
}

// writeBootstrapSnapshot stores the initial configuration as a snapshot at
// index 1, so every static member starts from an identical log.
func (n *Node) writeBootstrapSnapshot(peers map[uint64]string) error {
	data, _, err := n.machine.Snapshot()
	if err != nil {
		return err
	}
	payload, err := encodeSnapshot(&snapshotEnvelope{Membership: seedMembership(peers), Machine: data})
	if err != nil {
		return err
	}

	voters := make([]uint64, 0, len(peers))
	for id := range peers {
		voters = append(voters, id)
	}
	snap := storage.Snapshot{
		Metadata: storage.SnapshotMetadata{
			Index:     1,
			Term:      1,
			ConfState: storage.ConfState{Voters: voters}.Clone(),
		},
		Data: payload,
	}
	if err := n.storage.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("failed to store bootstrap snapshot: %w", err)
	}
	return n.storage.SetHardState(storage.HardState{Term: 1, Commit: 1})
}

func (n *Node) raftConfig(applied uint64) *raft.Config {
	rc := n.config.Raft
	return &raft.Config{
		ID:                        n.id,
		ElectionTick:              rc.ElectionTick,
		HeartbeatTick:             rc.HeartbeatTick,
		Storage:                   &raftStorage{s: n.storage},
		Applied:                   applied,
		MaxSizePerMsg:             rc.MaxSizePerMsg,
		MaxInflightMsgs:           rc.MaxInflightMsgs,
		CheckQuorum:               rc.CheckQuorum,
		PreVote:                   rc.PreVote,
		DisableProposalForwarding: true,
		StepDownOnRemoval:         true,
		Logger:                    newRaftLogger(n.logger),
	}
}

// start recovers the state machine from the stored snapshot and launches
// the consensus engine, the run loop and the RPC server.
func (n *Node) start() error {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	select {
	case <-n.stopc:
		return n.Err()
	default:
	}

	snap, err := n.storage.Snapshot(0, 0)
	if err != nil {
		return err
	}
	hs, err := n.storage.HardState()
	if err != nil {
		return err
	}

	n.raft = raft.RestartNode(n.raftConfig(snap.Metadata.Index))
	if !snap.IsEmpty() {
		if err := n.restoreSnapshot(snap); err != nil {
			n.raft.Stop()
			return err
		}
	}

	n.started = true
	go n.run()
	go func() {
		if err := n.server.Serve(n.listener); err != nil {
			n.logger.Warn("Raft RPC server stopped", zap.Error(err))
		}
	}()

	n.logger.Info("Node started",
		zap.Uint64("term", hs.Term),
		zap.Uint64("commit", hs.Commit),
		zap.Uint64("snapshot_index", snap.Metadata.Index))
	return nil
}

// restoreSnapshot loads the plugin state and membership table of snap.
func (n *Node) restoreSnapshot(snap storage.Snapshot) error {
	env, err := decodeSnapshot(snap.Data)
	if err != nil {
		return err
	}
	if err := n.machine.Restore(env.Machine, snap.Metadata.Index); err != nil {
		return err
	}
	n.members.restore(env.Membership)
	for id, addr := range n.members.members() {
		if id != n.id && addr != "" {
			n.peers.Add(id, addr)
		}
	}
	if n.members.contains(n.id) {
		n.markJoined()
	}
	n.snapIndex.Store(snap.Metadata.Index)
	return nil
}

func (n *Node) markJoined() {
	n.joinOnce.Do(func() { close(n.joinedc) })
}

func (n *Node) run() {
	defer close(n.donec)
	defer n.raft.Stop()

	ticker := time.NewTicker(n.config.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.raft.Tick()

		case rd := <-n.raft.Ready():
			removed, err := n.handleReady(rd)
			if err != nil {
				n.logger.Error("Node halted", zap.Error(err))
				n.halt(err)
				return
			}
			if removed {
				n.logger.Info("Node removed from cluster")
				n.halt(ErrRemoved)
				return
			}

		case respc := <-n.snapc:
			respc <- n.maybeSnapshot(true)

		case <-n.stopc:
			return
		}
	}
}

// handleReady persists, sends and applies one batch from the engine. It
// reports whether the node applied its own removal.
func (n *Node) handleReady(rd raft.Ready) (bool, error) {
	if rd.SoftState != nil {
		n.setLeader(rd.SoftState.Lead)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		snap := fromSnapshot(rd.Snapshot)
		if err := n.storage.ApplySnapshot(snap); err != nil {
			return false, fmt.Errorf("failed to store snapshot %d: %w", snap.Metadata.Index, err)
		}
	}
	// entries land together with, never after, the commit index covering them
	ents, err := fromEntries(rd.Entries)
	if err != nil {
		return false, err
	}
	if err := n.storage.Save(fromHardState(rd.HardState), ents); err != nil {
		return false, err
	}

	n.peers.Send(rd.Messages)

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.restoreSnapshot(fromSnapshot(rd.Snapshot)); err != nil {
			return false, err
		}
		n.logger.Info("Installed snapshot from leader", zap.Uint64("index", rd.Snapshot.Metadata.Index))
	}

	removed := false
	for _, ent := range rd.CommittedEntries {
		if ent.Index <= n.machine.Applied() {
			continue
		}
		self, err := n.applyEntry(ent)
		if err != nil {
			return false, err
		}
		removed = removed || self
	}

	if err := n.maybeSnapshot(false); err != nil {
		return false, err
	}

	n.raft.Advance()
	return removed, nil
}

func (n *Node) applyEntry(ent pb.Entry) (bool, error) {
	switch ent.Type {
	case pb.EntryNormal:
		return false, n.applyNormal(ent)
	case pb.EntryConfChange, pb.EntryConfChangeV2:
		return n.applyConfChange(ent)
	default:
		return false, fmt.Errorf("unknown entry type %s at %d", ent.Type, ent.Index)
	}
}

func (n *Node) applyNormal(ent pb.Entry) error {
	if len(ent.Data) == 0 {
		// leader no-op
		if err := n.machine.Skip(ent.Index); err != nil {
			return err
		}
		n.notifyApplied(ent, "empty", false)
		return nil
	}

	p, err := decodeProposal(ent.Data)
	if err != nil {
		return fmt.Errorf("failed to decode entry %d: %w", ent.Index, err)
	}

	switch p.Kind {
	case kindCommand:
		data, err := n.machine.Apply(ent.Index, p.Data)
		var applyErr *statemachine.ApplyError
		if err != nil && !errors.As(err, &applyErr) {
			return err
		}
		n.waits.trigger(p.RequestID, result{data: data, err: err})
		n.notifyApplied(ent, p.Kind.String(), err != nil)

	case kindReserveID:
		id := n.members.reserve()
		if err := n.machine.Skip(ent.Index); err != nil {
			return err
		}
		n.logger.Info("Reserved node id", zap.Uint64("reserved", id))
		n.waits.trigger(p.RequestID, result{data: encodeID(id)})
		n.notifyApplied(ent, p.Kind.String(), false)

	default:
		n.logger.Warn("Skipping entry of unknown kind", zap.Uint64("index", ent.Index), zap.Stringer("kind", p.Kind))
		if err := n.machine.Skip(ent.Index); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) applyConfChange(ent pb.Entry) (bool, error) {
	var cc pb.ConfChangeV2
	if ent.Type == pb.EntryConfChange {
		var v1 pb.ConfChange
		if err := v1.Unmarshal(ent.Data); err != nil {
			return false, fmt.Errorf("failed to decode conf change %d: %w", ent.Index, err)
		}
		cc = v1.AsV2()
	} else if err := cc.Unmarshal(ent.Data); err != nil {
		return false, fmt.Errorf("failed to decode conf change %d: %w", ent.Index, err)
	}

	cs := n.raft.ApplyConfChange(cc)
	if err := n.storage.SetConfState(fromConfState(*cs)); err != nil {
		return false, err
	}

	cctx, err := decodeConfContext(cc.Context)
	if err != nil {
		n.logger.Warn("Ignoring undecodable conf change context", zap.Uint64("index", ent.Index), zap.Error(err))
	}

	removedSelf := false
	for _, c := range cc.Changes {
		switch c.Type {
		case pb.ConfChangeAddNode, pb.ConfChangeAddLearnerNode:
			addr := ""
			if cctx.NodeID == c.NodeID {
				addr = cctx.Addr
			}
			n.members.add(c.NodeID, addr)
			if c.NodeID == n.id {
				n.markJoined()
			} else if addr != "" {
				n.peers.Add(c.NodeID, addr)
			}
		case pb.ConfChangeRemoveNode:
			n.members.remove(c.NodeID)
			if c.NodeID == n.id {
				removedSelf = true
			} else {
				n.peers.Remove(c.NodeID)
			}
		}
		n.logger.Info("Applied membership change",
			zap.Uint64("index", ent.Index),
			zap.String("type", c.Type.String()),
			zap.Uint64("member", c.NodeID))
	}

	if err := n.machine.Skip(ent.Index); err != nil {
		return false, err
	}
	n.waits.trigger(cctx.RequestID, result{})
	n.notifyApplied(ent, "conf_change", false)
	return removedSelf, nil
}

func (n *Node) notifyApplied(ent pb.Entry, kind string, failed bool) {
	if n.applyHook == nil {
		return
	}
	n.applyHook(AppliedEntry{NodeID: n.id, Index: ent.Index, Term: ent.Term, Kind: kind, Failed: failed})
}

// halt stops the run loop. The first error recorded wins.
func (n *Node) halt(err error) {
	n.errMu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.errMu.Unlock()
	n.stopOnce.Do(func() {
		close(n.stopc)
		n.waits.failAll(err)
	})
}

// Err returns why the node stopped, or nil while it runs.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

// Done is closed once the node has stopped participating, either through
// Shutdown, a fatal error or its own removal.
func (n *Node) Done() <-chan struct{} {
	return n.stopc
}

// checkRunning fails unless the run loop is active.
func (n *Node) checkRunning() error {
	select {
	case <-n.stopc:
		return n.Err()
	default:
	}
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if !n.started {
		return ErrNotStarted
	}
	return nil
}

// Shutdown gracefully shuts down the node
func (n *Node) Shutdown() error {
	n.shutdownOnce.Do(func() {
		n.logger.Info("Shutting down node")
		n.halt(ErrStopped)

		n.startMu.Lock()
		started := n.started
		n.startMu.Unlock()

		if started {
			<-n.donec
			n.server.Stop()
		} else {
			n.listener.Close()
		}
		n.peers.Stop()
		if err := n.client.Close(); err != nil {
			n.logger.Warn("Failed to close RPC client", zap.Error(err))
		}
		if err := n.storage.Close(); err != nil {
			n.shutdownErr = fmt.Errorf("failed to close storage: %w", err)
		}
	})
	return n.shutdownErr
}

func (n *Node) setLeader(id uint64) {
	if old := n.leaderID.Swap(id); old != id {
		addr, _ := n.members.addr(id)
		n.logger.Info("Leader changed", zap.Uint64("leader", id), zap.String("leader_addr", addr))
	}
}

// Leader returns the id and address of the leader known to this node. The
// id is zero when no leader is known.
func (n *Node) Leader() (uint64, string) {
	id := n.leaderID.Load()
	if id == 0 {
		return 0, ""
	}
	if addr, ok := n.members.addr(id); ok {
		return id, addr
	}
	addr, _ := n.peers.Addr(id)
	return id, addr
}

// IsLeader returns true if this node is the cluster leader
func (n *Node) IsLeader() bool {
	return n.leaderID.Load() == n.id
}

// LeaderAddr returns the address of the current leader
func (n *Node) LeaderAddr() string {
	_, addr := n.Leader()
	return addr
}

func (n *Node) notLeader() error {
	id, addr := n.Leader()
	return &NotLeaderError{LeaderID: id, LeaderAddr: addr}
}

func (n *Node) ID() uint64 { return n.id }

// Addr returns the address the RPC server listens on.
func (n *Node) Addr() string { return n.addr }

func (n *Node) Mailbox() *Mailbox { return n.mailbox }

func (n *Node) Storage() storage.Storage { return n.storage }

func (n *Node) Registry() *statemachine.Registry { return n.registry }

// StateMachine returns the plugin instance fed by this node.
func (n *Node) StateMachine() statemachine.StateMachine { return n.machine.StateMachine() }

// AppliedIndex returns the index of the last applied entry.
func (n *Node) AppliedIndex() uint64 { return n.machine.Applied() }

// Members returns the membership table (id -> address).
func (n *Node) Members() map[uint64]string { return n.members.members() }

// ConfState returns the committed configuration.
func (n *Node) ConfState() (storage.ConfState, error) { return n.storage.ConfState() }

// ReportUnreachable and ReportSnapshot forward delivery feedback from the
// peer senders to the engine.
func (n *Node) ReportUnreachable(id uint64) {
	if r := n.raftNode(); r != nil {
		r.ReportUnreachable(id)
	}
}

func (n *Node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	if r := n.raftNode(); r != nil {
		r.ReportSnapshot(id, status)
	}
}

func (n *Node) raftNode() raft.Node {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if !n.started {
		return nil
	}
	return n.raft
}
