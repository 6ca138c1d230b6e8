// Package transport carries consensus messages and membership calls between
// nodes over gRPC.
//
// The service is described by hand and encoded with msgpack, so no generated
// protobuf code is involved. Client connections are pooled per address.
package transport

import (
	"context"
	"fmt"
	"net"

	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const serviceName = "rsm.RaftService"

// maxMessageSize bounds a single RPC, which must fit a whole snapshot.
const maxMessageSize = 256 << 20

// Handler is implemented by the node runtime.
type Handler interface {
	// Step delivers consensus messages from the peer listening on from.
	Step(ctx context.Context, from string, msgs []raftpb.Message) error
	// RequestID reserves a node id for a joining node.
	RequestID(ctx context.Context) (*RequestIdResponse, error)
	// MemberBootstrapReady admits a node holding a reserved id.
	MemberBootstrapReady(ctx context.Context, id uint64, addr string) error
	// RemoveMember proposes the removal of a member.
	RemoveMember(ctx context.Context, id uint64) error
	// DebugNode returns the node's internal state as JSON.
	DebugNode(ctx context.Context) (string, error)
	// Propose replicates a command and returns its apply result.
	Propose(ctx context.Context, data []byte) ([]byte, error)
}

// raftServiceServer is the wire-level shape checked by grpc.RegisterService.
type raftServiceServer interface {
	SendMessage(context.Context, *MessageRequest) (*Empty, error)
	RequestId(context.Context, *RequestIdRequest) (*RequestIdResponse, error)
	MemberBootstrapReady(context.Context, *BootstrapReadyRequest) (*Empty, error)
	RemoveMember(context.Context, *RemoveMemberRequest) (*Empty, error)
	DebugNode(context.Context, *DebugNodeRequest) (*DebugNodeResponse, error)
	Propose(context.Context, *ProposeRequest) (*ProposeResponse, error)
}

type service struct {
	h Handler
}

func (s *service) SendMessage(ctx context.Context, req *MessageRequest) (*Empty, error) {
	msgs := make([]raftpb.Message, len(req.Messages))
	for i, data := range req.Messages {
		if err := msgs[i].Unmarshal(data); err != nil {
			return nil, fmt.Errorf("failed to decode raft message: %w", err)
		}
	}
	return &Empty{}, s.h.Step(ctx, req.From, msgs)
}

func (s *service) RequestId(ctx context.Context, _ *RequestIdRequest) (*RequestIdResponse, error) {
	return s.h.RequestID(ctx)
}

func (s *service) MemberBootstrapReady(ctx context.Context, req *BootstrapReadyRequest) (*Empty, error) {
	return &Empty{}, s.h.MemberBootstrapReady(ctx, req.ID, req.Addr)
}

func (s *service) RemoveMember(ctx context.Context, req *RemoveMemberRequest) (*Empty, error) {
	return &Empty{}, s.h.RemoveMember(ctx, req.ID)
}

func (s *service) DebugNode(ctx context.Context, _ *DebugNodeRequest) (*DebugNodeResponse, error) {
	out, err := s.h.DebugNode(ctx)
	if err != nil {
		return nil, err
	}
	return &DebugNodeResponse{JSON: out}, nil
}

func (s *service) Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error) {
	result, err := s.h.Propose(ctx, req.Data)
	if err != nil {
		return nil, err
	}
	return &ProposeResponse{Result: result}, nil
}

type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

// unary builds the method handler for one RPC.
func unary[Req, Resp any](method string, call func(raftServiceServer, context.Context, *Req) (*Resp, error)) methodHandler {
	fullMethod := "/" + serviceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(raftServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(raftServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: unary("SendMessage", raftServiceServer.SendMessage)},
		{MethodName: "RequestId", Handler: unary("RequestId", raftServiceServer.RequestId)},
		{MethodName: "MemberBootstrapReady", Handler: unary("MemberBootstrapReady", raftServiceServer.MemberBootstrapReady)},
		{MethodName: "RemoveMember", Handler: unary("RemoveMember", raftServiceServer.RemoveMember)},
		{MethodName: "DebugNode", Handler: unary("DebugNode", raftServiceServer.DebugNode)},
		{MethodName: "Propose", Handler: unary("Propose", raftServiceServer.Propose)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rsm/raft_service",
}

// Server serves the raft service on one listener.
type Server struct {
	grpc   *grpc.Server
	logger *zap.Logger
}

func NewServer(h Handler, logger *zap.Logger) *Server {
	s := &Server{logger: logger}
	s.grpc = grpc.NewServer(
		grpc.UnaryInterceptor(s.intercept),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.grpc.RegisterService(&serviceDesc, &service{h: h})
	return s
}

// intercept maps handler errors onto status codes and logs failures.
func (s *Server) intercept(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("RPC failed", zap.String("method", info.FullMethod), zap.Error(err))
		return nil, toStatus(ctx, err)
	}
	return resp, nil
}

// Serve blocks until the listener fails or the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Raft RPC server starting", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

func (s *Server) Stop() {
	s.grpc.Stop()
}
