package raft

import "context"

// Transport abstracts the RPCs a Raft node issues against its peers, so the
// state machine in node.go can be tested against an in-memory fake instead
// of a live network (spec.md §4.6). grpc_transport.go supplies the
// production implementation.
type Transport interface {
	// RequestVote sends a RequestVote RPC to peerID and returns its reply.
	RequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error)

	// AppendEntries sends an AppendEntries RPC (or heartbeat, if
	// args.Entries is empty) to peerID and returns its reply.
	AppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
}

// RPCHandler is implemented by Node and invoked by a Transport's server side
// when a peer's RPC arrives for this node.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	HandleStatus(ctx context.Context, args *StatusArgs) (*StatusReply, error)
}
