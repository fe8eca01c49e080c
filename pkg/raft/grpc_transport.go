package raft

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	serviceName         = "nqdb.raft.Raft"
	methodRequestVote   = "RequestVote"
	methodAppendEntries = "AppendEntries"
	methodStatus        = "Status"
	requestVoteFullName = "/" + serviceName + "/" + methodRequestVote
	appendEntriesFull   = "/" + serviceName + "/" + methodAppendEntries
	statusFullName      = "/" + serviceName + "/" + methodStatus
)

// serviceDesc is hand-authored in place of protoc output (DESIGN.md:
// "Raft transport without protoc"): it wires RPCHandler's three methods
// (RequestVote, AppendEntries, Status) onto grpc's server dispatch table
// directly.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RPCHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: methodRequestVote,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				args := new(RequestVoteArgs)
				if err := dec(args); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(RPCHandler).HandleRequestVote(ctx, args)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: requestVoteFullName}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(RPCHandler).HandleRequestVote(ctx, req.(*RequestVoteArgs))
				}
				return interceptor(ctx, args, info, handler)
			},
		},
		{
			MethodName: methodAppendEntries,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				args := new(AppendEntriesArgs)
				if err := dec(args); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(RPCHandler).HandleAppendEntries(ctx, args)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: appendEntriesFull}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(RPCHandler).HandleAppendEntries(ctx, req.(*AppendEntriesArgs))
				}
				return interceptor(ctx, args, info, handler)
			},
		},
		{
			MethodName: methodStatus,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				args := new(StatusArgs)
				if err := dec(args); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(RPCHandler).HandleStatus(ctx, args)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusFullName}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(RPCHandler).HandleStatus(ctx, req.(*StatusArgs))
				}
				return interceptor(ctx, args, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nqdb/raft.proto",
}

// GRPCServer hosts a node's RPCHandler on a grpc.Server using the JSON
// codec, so raft traffic rides the same transport stack as the rest of the
// cluster without a protoc build step.
type GRPCServer struct {
	server *grpc.Server
	lis    net.Listener
}

// NewGRPCServer binds addr and registers handler under serviceDesc.
func NewGRPCServer(addr string, handler RPCHandler) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "RaftListenFailed", "bind raft transport", err)
	}
	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, handler)
	return &GRPCServer{server: srv, lis: lis}, nil
}

// Serve blocks, accepting connections until Stop is called.
func (s *GRPCServer) Serve() error {
	return s.server.Serve(s.lis)
}

// Stop gracefully stops the server.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}

// Addr returns the bound listen address.
func (s *GRPCServer) Addr() string { return s.lis.Addr().String() }

// GRPCTransport implements Transport by dialing peers over grpc with the
// JSON content subtype, caching one connection per peer address.
type GRPCTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	dialLog func(string)
}

// NewGRPCTransport constructs a transport with no connections yet; they are
// dialed lazily on first use and reused afterward.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) connFor(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "RaftDialFailed", fmt.Sprintf("dial peer %s", addr), err)
	}
	t.conns[addr] = conn
	log.WithComponent("raft").Debug().Str("addr", addr).Msg("dialed peer")
	return conn, nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peerAddr string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	conn, err := t.connFor(peerAddr)
	if err != nil {
		return nil, err
	}
	reply := new(RequestVoteReply)
	if err := conn.Invoke(ctx, requestVoteFullName, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peerAddr string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	conn, err := t.connFor(peerAddr)
	if err != nil {
		return nil, err
	}
	reply := new(AppendEntriesReply)
	if err := conn.Invoke(ctx, appendEntriesFull, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Status queries a live node's Raft status directly, for `nqdbd status`
// rather than node-to-node replication traffic.
func (t *GRPCTransport) Status(ctx context.Context, addr string) (*StatusReply, error) {
	conn, err := t.connFor(addr)
	if err != nil {
		return nil, err
	}
	reply := new(StatusReply)
	if err := conn.Invoke(ctx, statusFullName, new(StatusArgs), reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Close tears down every cached peer connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return nil
}
