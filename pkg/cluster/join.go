package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumadb/rsm/pkg/storage"
	"github.com/lumadb/rsm/pkg/transport"
	"go.uber.org/zap"
)

const (
	joinRetryMin = 100 * time.Millisecond
	joinRetryMax = 2 * time.Second
)

// Join makes the node a member of the cluster that reserved its id. resp
// is the answer of RequestID. The node starts with empty state, announces
// itself to the leader with MemberBootstrapReady and returns once its
// admission has been applied locally.
//
// Unreachable or changing leaders, dropped conf changes and reservations
// the leader has not applied yet are retried with backoff until ctx ends.
//
// A node whose storage already holds state just restarts.
func (n *Node) Join(ctx context.Context, resp *transport.RequestIdResponse) error {
	if resp.ReservedID != n.id {
		return fmt.Errorf("reserved id %d does not match node id %d", resp.ReservedID, n.id)
	}
	fresh, err := storage.IsFresh(n.storage)
	if err != nil {
		return err
	}
	for id, addr := range resp.Peers {
		if id != n.id && addr != "" {
			n.peers.Add(id, addr)
		}
	}
	if err := n.start(); err != nil {
		return err
	}
	if !fresh {
		n.logger.Info("Restarting from existing storage")
		return nil
	}

	leaderAddr := resp.LeaderAddr
	backoff := joinRetryMin
	for {
		err := n.client.MemberBootstrapReady(ctx, leaderAddr, n.id, n.addr)
		if err == nil {
			break
		}

		var nle *NotLeaderError
		switch {
		case errors.As(err, &nle):
			if nle.LeaderAddr != "" {
				leaderAddr = nle.LeaderAddr
			}
		case transport.IsConnectionError(err), transport.IsTemporary(err):
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// the leader dropped the conf change, e.g. one was already pending
		default:
			return fmt.Errorf("failed to join via %s: %w", leaderAddr, err)
		}
		n.logger.Debug("Retrying join", zap.String("leader_addr", leaderAddr), zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stopc:
			return n.Err()
		}
		if backoff *= 2; backoff > joinRetryMax {
			backoff = joinRetryMax
		}
	}

	select {
	case <-n.joinedc:
		n.logger.Info("Joined cluster", zap.String("leader_addr", leaderAddr))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopc:
		return n.Err()
	}
}

// Joined is closed once this node appears in the applied membership.
func (n *Node) Joined() <-chan struct{} {
	return n.joinedc
}
