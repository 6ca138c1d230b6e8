package cluster

import (
	"errors"
	"fmt"

	"github.com/lumadb/rsm/pkg/transport"
)

var (
	// ErrStopped is returned once the node has been shut down.
	ErrStopped = errors.New("node stopped")
	// ErrRemoved is returned once the removal of this node has committed.
	ErrRemoved = errors.New("node removed from cluster")
	// ErrNotStarted is returned by operations that need a running node.
	ErrNotStarted = errors.New("node not started")
	// ErrAlreadyStarted is returned by a second Bootstrap or Join.
	ErrAlreadyStarted = errors.New("node already started")
)

// NotLeaderError is returned by leader-only operations on a follower. It
// carries the leader known to this node, if any.
type NotLeaderError = transport.NotLeaderError

// IdReservationError reports that no node id could be reserved through
// Addr. The join handshake may be retried.
type IdReservationError struct {
	Addr string
	Err  error
}

func (e *IdReservationError) Error() string {
	return fmt.Sprintf("failed to reserve node id via %s: %v", e.Addr, e.Err)
}

func (e *IdReservationError) Unwrap() error { return e.Err }

// MembershipError rejects an admission or removal request. A Retryable
// rejection may succeed once the leader has caught up.
type MembershipError struct {
	NodeID    uint64
	Reason    string
	Retryable bool
}

func (e *MembershipError) Error() string {
	return fmt.Sprintf("member %d: %s", e.NodeID, e.Reason)
}

func (e *MembershipError) Temporary() bool { return e.Retryable }
