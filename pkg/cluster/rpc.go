package cluster

import (
	"context"
	"fmt"

	"github.com/lumadb/rsm/pkg/transport"
	pb "go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// Node implements the raft RPC service.
var _ transport.Handler = (*Node)(nil)

// Step feeds messages received from the peer listening on from into the
// engine. A sender this node has no address for yet, such as a leader
// reaching a freshly joined member, is learned here.
func (n *Node) Step(ctx context.Context, from string, msgs []pb.Message) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	for _, m := range msgs {
		if n.members.isRemoved(m.From) {
			n.logger.Debug("Dropping message from removed member", zap.Uint64("peer", m.From))
			continue
		}
		if from != "" && m.From != 0 {
			if _, ok := n.peers.Addr(m.From); !ok {
				n.peers.Add(m.From, from)
			}
		}
		if err := n.raft.Step(ctx, m); err != nil {
			return n.proposeErr(err)
		}
	}
	return nil
}

// RequestID reserves a node id. A follower forwards the call to the leader.
func (n *Node) RequestID(ctx context.Context) (*transport.RequestIdResponse, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	if !n.IsLeader() {
		leaderID, addr := n.Leader()
		if leaderID == 0 || addr == "" {
			return nil, n.notLeader()
		}
		n.logger.Debug("Forwarding id reservation to leader", zap.Uint64("leader", leaderID))
		return n.client.RequestID(ctx, addr)
	}

	data, err := n.propose(ctx, kindReserveID, nil)
	if err != nil {
		return nil, err
	}
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	return &transport.RequestIdResponse{
		ReservedID: id,
		LeaderID:   n.id,
		LeaderAddr: n.addr,
		Peers:      n.members.members(),
	}, nil
}

func (n *Node) MemberBootstrapReady(ctx context.Context, id uint64, addr string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	ctx, cancel := n.withProposalTimeout(ctx)
	defer cancel()
	return n.addMember(ctx, id, addr)
}

func (n *Node) RemoveMember(ctx context.Context, id uint64) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	ctx, cancel := n.withProposalTimeout(ctx)
	defer cancel()
	return n.removeMember(ctx, id)
}

// Propose serves proposals from remote callers.
func (n *Node) Propose(ctx context.Context, data []byte) ([]byte, error) {
	return n.propose(ctx, kindCommand, data)
}

// RequestID reserves a node id through the cluster member at addr. Any
// failure, including the absence of a leader, is an IdReservationError.
func RequestID(ctx context.Context, addr string, logger *zap.Logger) (*transport.RequestIdResponse, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := transport.NewClient(transport.DefaultClientConfig(), logger)
	defer client.Close()

	resp, err := client.RequestID(ctx, addr)
	if err != nil {
		return nil, &IdReservationError{Addr: addr, Err: err}
	}
	if resp.ReservedID == 0 {
		return nil, &IdReservationError{Addr: addr, Err: fmt.Errorf("reserved id 0")}
	}
	logger.Info("Reserved node id",
		zap.Uint64("id", resp.ReservedID),
		zap.Uint64("leader", resp.LeaderID),
		zap.String("leader_addr", resp.LeaderAddr))
	return resp, nil
}
