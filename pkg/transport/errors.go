package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/lumadb/rsm/pkg/statemachine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	leaderIDKey   = "rsm-leader-id"
	leaderAddrKey = "rsm-leader-addr"
	applyIndexKey = "rsm-apply-index"
)

// ConnectionError reports that addr could not be reached. Retrying is up to
// the caller.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to reach %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotLeaderError is returned by operations that only the leader serves.
// LeaderID is zero when no leader is known.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "not leader, leader unknown"
	}
	return fmt.Sprintf("not leader, leader is %d at %s", e.LeaderID, e.LeaderAddr)
}

// RemoteError is a failure reported by the handler on the remote node.
type RemoteError struct {
	Addr    string
	Code    codes.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s: %s", e.Addr, e.Code, e.Message)
}

// Temporary reports whether the remote handler marked the failure as
// retryable.
func (e *RemoteError) Temporary() bool {
	return e.Code == codes.Aborted
}

// temporary is implemented by handler errors that may succeed on retry.
type temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err, local or remote, may succeed on retry.
func IsTemporary(err error) bool {
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

// IsConnectionError reports whether err means the peer was unreachable.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// toStatus converts a handler error into a gRPC status error, attaching the
// leader hint or the index of a failed apply as trailer metadata.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var nle *NotLeaderError
	var ae *statemachine.ApplyError
	switch {
	case errors.As(err, &ae):
		grpc.SetTrailer(ctx, metadata.Pairs(applyIndexKey, strconv.FormatUint(ae.Index, 10)))
		msg := err.Error()
		if ae.Err != nil {
			msg = ae.Err.Error()
		}
		return status.Error(codes.FailedPrecondition, msg)
	case errors.As(err, &nle):
		grpc.SetTrailer(ctx, metadata.Pairs(
			leaderIDKey, strconv.FormatUint(nle.LeaderID, 10),
			leaderAddrKey, nle.LeaderAddr,
		))
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case IsTemporary(err):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// fromStatus converts a call error back into the typed errors above.
func fromStatus(addr string, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &ConnectionError{Addr: addr, Err: err}
	}

	switch st.Code() {
	case codes.Unavailable:
		return &ConnectionError{Addr: addr, Err: errors.New(st.Message())}
	case codes.DeadlineExceeded:
		return fmt.Errorf("call to %s: %w", addr, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("call to %s: %w", addr, context.Canceled)
	case codes.FailedPrecondition:
		// the entry committed, only the plugin rejected it
		if idx := trailer.Get(applyIndexKey); len(idx) > 0 {
			ae := &statemachine.ApplyError{Err: &RemoteError{Addr: addr, Code: st.Code(), Message: st.Message()}}
			ae.Index, _ = strconv.ParseUint(idx[0], 10, 64)
			return ae
		}
		if ids := trailer.Get(leaderIDKey); len(ids) > 0 {
			nle := &NotLeaderError{}
			nle.LeaderID, _ = strconv.ParseUint(ids[0], 10, 64)
			if addrs := trailer.Get(leaderAddrKey); len(addrs) > 0 {
				nle.LeaderAddr = addrs[0]
			}
			return nle
		}
	}
	return &RemoteError{Addr: addr, Code: st.Code(), Message: st.Message()}
}
