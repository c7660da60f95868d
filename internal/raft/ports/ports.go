package ports

import (
	"context"

	"go.etcd.io/raft/v3/raftpb"
)

// Transport delivers raft RPCs to a single peer and returns its reply.
// Delivery is at most once per call; callers retry on the next heartbeat.
type Transport interface {
	SendAppendEntries(ctx context.Context, to uint64, msg raftpb.Message) (raftpb.Message, error)
	SendVoteRequest(ctx context.Context, to uint64, msg raftpb.Message) (raftpb.Message, error)
	SendSnapshot(ctx context.Context, to uint64, msg raftpb.Message, snap raftpb.Snapshot) (raftpb.Message, error)
}

// Handler is the receiving side of Transport.
type Handler interface {
	HandleAppendEntries(msg raftpb.Message) raftpb.Message
	HandleVoteRequest(msg raftpb.Message) raftpb.Message
	HandleSnapshot(msg raftpb.Message, snap raftpb.Snapshot) raftpb.Message
}

// SnapshotRestorer replaces local state with a snapshot taken by the leader.
type SnapshotRestorer interface {
	RestoreSnapshot(snap raftpb.Snapshot) error
}
