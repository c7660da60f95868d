package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"concord/internal/raft/ports"
	"concord/internal/transport/wire"

	"go.etcd.io/raft/v3/raftpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type raftServer interface {
	appendEntries(ctx context.Context, msg *raftpb.Message) (any, error)
	requestVote(ctx context.Context, msg *raftpb.Message) (any, error)
	installSnapshot(ctx context.Context, req *wire.SnapshotRequest) (any, error)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(raftServiceName, "AppendEntries", func(srv any, ctx context.Context, req *raftpb.Message) (any, error) {
			return srv.(raftServer).appendEntries(ctx, req)
		}),
		unary(raftServiceName, "RequestVote", func(srv any, ctx context.Context, req *raftpb.Message) (any, error) {
			return srv.(raftServer).requestVote(ctx, req)
		}),
		unary(raftServiceName, "InstallSnapshot", func(srv any, ctx context.Context, req *wire.SnapshotRequest) (any, error) {
			return srv.(raftServer).installSnapshot(ctx, req)
		}),
	},
	Metadata: "concord.proto",
}

// RaftEndpoint exposes a ports.Handler to remote peers.
type RaftEndpoint struct {
	handler ports.Handler
}

func NewRaftEndpoint(h ports.Handler) *RaftEndpoint {
	return &RaftEndpoint{handler: h}
}

func (s *RaftEndpoint) appendEntries(_ context.Context, msg *raftpb.Message) (any, error) {
	resp := s.handler.HandleAppendEntries(*msg)
	return &resp, nil
}

func (s *RaftEndpoint) requestVote(_ context.Context, msg *raftpb.Message) (any, error) {
	resp := s.handler.HandleVoteRequest(*msg)
	return &resp, nil
}

func (s *RaftEndpoint) installSnapshot(_ context.Context, req *wire.SnapshotRequest) (any, error) {
	resp := s.handler.HandleSnapshot(req.Message, req.Snapshot)
	return &resp, nil
}

// PeerTransport sends raft RPCs to the peers listed in the raft-peers
// table. Connections are created on first use and kept until Close.
type PeerTransport struct {
	peers map[uint64]string

	mu     sync.Mutex
	conns  map[uint64]*grpc.ClientConn
	closed bool
}

func NewPeerTransport(peers map[uint64]string) *PeerTransport {
	return &PeerTransport{
		peers: peers,
		conns: make(map[uint64]*grpc.ClientConn),
	}
}

func (t *PeerTransport) conn(to uint64) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("peer transport closed")
	}
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	addr, ok := t.peers[to]
	if !ok {
		return nil, fmt.Errorf("no address for peer %d", to)
	}
	c, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial peer %d at %s: %w", to, addr, err)
	}
	t.conns[to] = c
	return c, nil
}

func (t *PeerTransport) call(ctx context.Context, to uint64, method string, in message) (raftpb.Message, error) {
	var out raftpb.Message
	c, err := t.conn(to)
	if err != nil {
		return out, err
	}
	if err := c.Invoke(ctx, fullMethod(raftServiceName, method), in, &out); err != nil {
		slog.Debug("raft rpc failed", "peer", to, "method", method, "error", err)
		return out, err
	}
	return out, nil
}

func (t *PeerTransport) SendAppendEntries(ctx context.Context, to uint64, msg raftpb.Message) (raftpb.Message, error) {
	return t.call(ctx, to, "AppendEntries", &msg)
}

func (t *PeerTransport) SendVoteRequest(ctx context.Context, to uint64, msg raftpb.Message) (raftpb.Message, error) {
	return t.call(ctx, to, "RequestVote", &msg)
}

func (t *PeerTransport) SendSnapshot(ctx context.Context, to uint64, msg raftpb.Message, snap raftpb.Snapshot) (raftpb.Message, error) {
	return t.call(ctx, to, "InstallSnapshot", &wire.SnapshotRequest{Message: msg, Snapshot: snap})
}

func (t *PeerTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, c := range t.conns {
		if err := c.Close(); err != nil {
			slog.Warn("close peer connection failed", "peer", id, "error", err)
		}
		delete(t.conns, id)
	}
}
