package transport

import (
	"context"
	"time"

	"github.com/lumadb/rsm/pkg/pool"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Pool pool.PoolConfig
	// Timeout bounds calls whose context has no deadline.
	Timeout time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Pool:    pool.DefaultPoolConfig(),
		Timeout: 5 * time.Second,
	}
}

// grpcConn adapts a ClientConn to pool.Connection.
type grpcConn struct {
	*grpc.ClientConn
}

func (c *grpcConn) IsValid() bool {
	state := c.GetState()
	return state != connectivity.Shutdown && state != connectivity.TransientFailure
}

func dialGRPC(ctx context.Context, addr string) (pool.Connection, error) {
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	return &grpcConn{ClientConn: conn}, nil
}

// Client calls the raft service of any node by address.
type Client struct {
	conns   *pool.Group
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conns:   pool.NewGroup(cfg.Pool, dialGRPC),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (c *Client) invoke(ctx context.Context, addr, method string, req, resp interface{}) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.conns.Acquire(ctx, addr)
	if err != nil {
		if IsConnectionError(err) {
			return err
		}
		return &ConnectionError{Addr: addr, Err: err}
	}

	// a ClientConn multiplexes calls, so the slot goes back before the call
	// and long waits such as Propose never hold up heartbeats. A broken
	// conn fails IsValid and is dropped on a later Acquire.
	c.conns.Release(addr, conn)

	var trailer metadata.MD
	err = conn.(*grpcConn).Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.Trailer(&trailer))
	return fromStatus(addr, err, trailer)
}

// SendMessages delivers consensus messages to the node at addr. from is the
// sender's own raft address, used by the receiver to answer unknown peers.
func (c *Client) SendMessages(ctx context.Context, addr, from string, msgs []raftpb.Message) error {
	req := &MessageRequest{From: from, Messages: make([][]byte, len(msgs))}
	for i := range msgs {
		data, err := msgs[i].Marshal()
		if err != nil {
			return err
		}
		req.Messages[i] = data
	}
	return c.invoke(ctx, addr, "SendMessage", req, &Empty{})
}

// RequestID asks the node at addr to reserve a new node id.
func (c *Client) RequestID(ctx context.Context, addr string) (*RequestIdResponse, error) {
	resp := &RequestIdResponse{}
	if err := c.invoke(ctx, addr, "RequestId", &RequestIdRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// MemberBootstrapReady tells the leader at addr that node id at nodeAddr is
// initialized and may be added to the cluster.
func (c *Client) MemberBootstrapReady(ctx context.Context, addr string, id uint64, nodeAddr string) error {
	return c.invoke(ctx, addr, "MemberBootstrapReady", &BootstrapReadyRequest{ID: id, Addr: nodeAddr}, &Empty{})
}

// RemoveMember asks the leader at addr to remove member id.
func (c *Client) RemoveMember(ctx context.Context, addr string, id uint64) error {
	return c.invoke(ctx, addr, "RemoveMember", &RemoveMemberRequest{ID: id}, &Empty{})
}

func (c *Client) DebugNode(ctx context.Context, addr string) (string, error) {
	resp := &DebugNodeResponse{}
	if err := c.invoke(ctx, addr, "DebugNode", &DebugNodeRequest{}, resp); err != nil {
		return "", err
	}
	return resp.JSON, nil
}

// DebugNodes queries several nodes concurrently. The result is keyed by
// address; the first failure aborts the whole call.
func (c *Client) DebugNodes(ctx context.Context, addrs []string) (map[string]string, error) {
	results := make([]string, len(addrs))
	g, ctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			out, err := c.DebugNode(ctx, addr)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(addrs))
	for i, addr := range addrs {
		out[addr] = results[i]
	}
	return out, nil
}

// Propose hands a command to the node at addr, which must be the leader.
func (c *Client) Propose(ctx context.Context, addr string, data []byte) ([]byte, error) {
	resp := &ProposeResponse{}
	if err := c.invoke(ctx, addr, "Propose", &ProposeRequest{Data: data}, resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Forget drops pooled connections to addr.
func (c *Client) Forget(addr string) {
	c.conns.Remove(addr)
}

func (c *Client) Stats() map[string]pool.PoolStats {
	return c.conns.Stats()
}

func (c *Client) Close() error {
	return c.conns.Close()
}
