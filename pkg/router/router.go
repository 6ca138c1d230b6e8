// Package router hands commands to whichever node currently leads the
// cluster, following leader hints and skipping unreachable nodes.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lumadb/rsm/pkg/transport"
	"go.uber.org/zap"
)

// ErrNoNodes is returned when the router has no address to try.
var ErrNoNodes = errors.New("no cluster nodes known")

// Router routes proposals to the leader of a cluster.
type Router struct {
	client *transport.Client
	logger *zap.Logger

	mu         sync.RWMutex
	nodes      []string
	leader     string
	roundRobin uint64
}

// NewRouter creates a router over the seed addresses.
func NewRouter(client *transport.Client, seeds []string, logger *zap.Logger) *Router {
	r := &Router{
		client: client,
		logger: logger,
	}
	for _, addr := range seeds {
		r.AddNode(addr)
	}
	return r
}

// AddNode makes addr a candidate target.
func (r *Router) AddNode(addr string) {
	if addr == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n == addr {
			return
		}
	}
	r.nodes = append(r.nodes, addr)
}

// Nodes returns the known addresses.
func (r *Router) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.nodes...)
}

// Leader returns the cached leader address, if any.
func (r *Router) Leader() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader
}

// RouteWrite returns the address a write should go to: the cached leader,
// or the next known node.
func (r *Router) RouteWrite() (string, error) {
	if leader := r.Leader(); leader != "" {
		return leader, nil
	}
	return r.RouteRead()
}

// RouteRead load balances across all known nodes.
func (r *Router) RouteRead() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) == 0 {
		return "", ErrNoNodes
	}
	idx := atomic.AddUint64(&r.roundRobin, 1) % uint64(len(r.nodes))
	return r.nodes[idx], nil
}

func (r *Router) setLeader(addr string) {
	r.mu.Lock()
	r.leader = addr
	r.mu.Unlock()
	if addr != "" {
		r.AddNode(addr)
	}
}

// Propose replicates command through the leader and returns its apply
// result. Each known node is tried at most twice.
func (r *Router) Propose(ctx context.Context, command []byte) ([]byte, error) {
	attempts := 2 * len(r.Nodes())
	if attempts == 0 {
		return nil, ErrNoNodes
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		addr, err := r.RouteWrite()
		if err != nil {
			return nil, err
		}
		result, err := r.client.Propose(ctx, addr, command)
		if err == nil {
			r.setLeader(addr)
			return result, nil
		}
		lastErr = err

		var nle *transport.NotLeaderError
		switch {
		case errors.As(err, &nle):
			r.logger.Debug("Redirected to leader", zap.String("from", addr), zap.String("leader", nle.LeaderAddr))
			r.setLeader(nle.LeaderAddr)
		case transport.IsConnectionError(err):
			r.logger.Debug("Node unreachable", zap.String("addr", addr), zap.Error(err))
			r.setLeader("")
		default:
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no leader accepted the proposal: %w", lastErr)
}
