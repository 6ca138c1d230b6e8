package cluster

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/lumadb/rsm/pkg/transport"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// Mailbox is the client-facing entry point of a node.
type Mailbox struct {
	node *Node
}

// Propose replicates command and returns the plugin's apply result once the
// entry is applied on this node. Only the leader accepts proposals; other
// nodes return NotLeaderError. A plugin failure is returned as
// statemachine.ApplyError after the entry has committed.
//
// Abandoning the wait through ctx does not withdraw the entry.
func (m *Mailbox) Propose(ctx context.Context, command []byte) ([]byte, error) {
	return m.node.propose(ctx, kindCommand, command)
}

// Leave removes this node from the cluster and returns once the removal
// has committed. The node keeps serving until then and stops afterwards
// with ErrRemoved.
func (m *Mailbox) Leave(ctx context.Context) error {
	n := m.node
	if err := n.checkRunning(); err != nil {
		return err
	}
	ctx, cancel := n.withProposalTimeout(ctx)
	defer cancel()

	var err error
	if n.IsLeader() {
		err = n.removeMember(ctx, n.id)
	} else {
		err = n.forwardRemoval(ctx, n.id)
	}
	if err != nil {
		return err
	}

	n.logger.Info("Left cluster")
	n.halt(ErrRemoved)
	return nil
}

// forwardRemoval asks the leader to remove id, following one redirect.
func (n *Node) forwardRemoval(ctx context.Context, id uint64) error {
	leaderID, addr := n.Leader()
	if leaderID == 0 || addr == "" {
		return n.notLeader()
	}
	err := n.client.RemoveMember(ctx, addr, id)
	var nle *transport.NotLeaderError
	if errors.As(err, &nle) && nle.LeaderAddr != "" && nle.LeaderAddr != addr {
		err = n.client.RemoveMember(ctx, nle.LeaderAddr, id)
	}
	return err
}

func (n *Node) withProposalTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || n.config.ProposalTimeout() <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.config.ProposalTimeout())
}

func (n *Node) propose(ctx context.Context, kind entryKind, data []byte) ([]byte, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	if !n.IsLeader() {
		return nil, n.notLeader()
	}
	ctx, cancel := n.withProposalTimeout(ctx)
	defer cancel()

	p := &proposal{Kind: kind, RequestID: uuid.NewString(), Data: data}
	payload, err := encodeProposal(p)
	if err != nil {
		return nil, &statemachine.EncodingError{Err: err}
	}

	waitc := n.waits.register(p.RequestID)
	if err := n.raft.Propose(ctx, payload); err != nil {
		n.waits.cancel(p.RequestID)
		return nil, n.proposeErr(err)
	}
	return n.wait(ctx, p.RequestID, waitc)
}

// proposeConfChange proposes a single membership change and waits until it
// is applied here.
func (n *Node) proposeConfChange(ctx context.Context, typ pb.ConfChangeType, id uint64, addr string) error {
	reqID := uuid.NewString()
	cctx, err := encodeConfContext(&confContext{RequestID: reqID, NodeID: id, Addr: addr})
	if err != nil {
		return err
	}
	cc := pb.ConfChangeV2{
		Changes: []pb.ConfChangeSingle{{Type: typ, NodeID: id}},
		Context: cctx,
	}

	waitc := n.waits.register(reqID)
	if err := n.raft.ProposeConfChange(ctx, cc); err != nil {
		n.waits.cancel(reqID)
		return n.proposeErr(err)
	}
	_, err = n.wait(ctx, reqID, waitc)
	return err
}

func (n *Node) wait(ctx context.Context, reqID string, waitc <-chan result) ([]byte, error) {
	select {
	case r := <-waitc:
		return r.data, r.err
	case <-ctx.Done():
		n.waits.cancel(reqID)
		n.logger.Debug("Stopped waiting for proposal", zap.String("request", reqID), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	case <-n.stopc:
		// the entry may have been applied right before the node stopped
		select {
		case r := <-waitc:
			return r.data, r.err
		default:
		}
		n.waits.cancel(reqID)
		return nil, n.Err()
	}
}

func (n *Node) proposeErr(err error) error {
	switch {
	case errors.Is(err, raft.ErrProposalDropped):
		return n.notLeader()
	case errors.Is(err, raft.ErrStopped):
		if stopErr := n.Err(); stopErr != nil {
			return stopErr
		}
		return ErrStopped
	default:
		return err
	}
}

// addMember admits a node holding a reserved id. Only the leader admits.
func (n *Node) addMember(ctx context.Context, id uint64, addr string) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	switch {
	case id == 0:
		return &MembershipError{NodeID: id, Reason: "id 0 is reserved"}
	case addr == "":
		return &MembershipError{NodeID: id, Reason: "no address given"}
	case n.members.isRemoved(id):
		return &MembershipError{NodeID: id, Reason: "id belongs to a removed member"}
	case !n.members.isReserved(id):
		// a new leader may not have applied the reservation yet
		return &MembershipError{NodeID: id, Reason: "id was never reserved", Retryable: true}
	}

	n.confMu.Lock()
	defer n.confMu.Unlock()

	if current, ok := n.members.addr(id); ok {
		if current == addr {
			return nil
		}
		return &MembershipError{NodeID: id, Reason: "already a member at " + current}
	}

	typ := pb.ConfChangeAddNode
	if n.config.Raft.JoinAsLearner {
		typ = pb.ConfChangeAddLearnerNode
	}
	n.logger.Info("Admitting member", zap.Uint64("member", id), zap.String("member_addr", addr), zap.String("type", typ.String()))
	return n.proposeConfChange(ctx, typ, id, addr)
}

// removeMember removes id from the configuration. Only the leader removes.
func (n *Node) removeMember(ctx context.Context, id uint64) error {
	if !n.IsLeader() {
		return n.notLeader()
	}

	n.confMu.Lock()
	defer n.confMu.Unlock()

	if !n.members.contains(id) {
		if n.members.isRemoved(id) {
			return nil
		}
		return &MembershipError{NodeID: id, Reason: "not a member"}
	}
	n.logger.Info("Removing member", zap.Uint64("member", id))
	return n.proposeConfChange(ctx, pb.ConfChangeRemoveNode, id, "")
}
