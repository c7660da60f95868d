package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"concord/internal/cluster"
	"concord/internal/command"
	"concord/internal/raft"
	"concord/internal/storage"
	"concord/internal/txmerger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type grpcNode struct {
	engine     *cluster.Engine
	clientAddr string
}

// startGRPCCluster runs size engines talking to each other over real gRPC
// connections on loopback.
func startGRPCCluster(t *testing.T, size int) map[uint64]*grpcNode {
	t.Helper()

	raftLis := make(map[uint64]net.Listener)
	clientLis := make(map[uint64]net.Listener)
	raftPeers := make(map[uint64]string)
	clientPeers := make(map[uint64]string)
	var ids []uint64
	for i := 1; i <= size; i++ {
		id := uint64(i)
		ids = append(ids, id)
		rl, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		cl, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		raftLis[id], clientLis[id] = rl, cl
		raftPeers[id], clientPeers[id] = rl.Addr().String(), cl.Addr().String()
	}

	nodes := make(map[uint64]*grpcNode)
	for _, id := range ids {
		peers := NewPeerTransport(raftPeers)
		e, err := cluster.New(cluster.Config{
			Raft: raft.Config{
				ID:              id,
				Peers:           ids,
				ElectionTickMin: 10,
				ElectionTickMax: 20,
				HeartbeatTick:   2,
				RPCTimeout:      300 * time.Millisecond,
				CheckQuorum:     true,
			},
			Merger:       txmerger.Config{MaxBatchSize: 16, LowResourceBatchSize: 4, MaxBatchDuration: 5 * time.Millisecond},
			TopologyID:   "grpc-test",
			ClientPeers:  clientPeers,
			TickInterval: 10 * time.Millisecond,
			DrainTimeout: time.Second,
		}, raft.NewMemoryLog(), storage.NewMemory(), peers)
		require.NoError(t, err)

		ts := &Service{timeout: 5 * time.Second}
		rs := grpc.NewServer(ts.serverOptions()...)
		rs.RegisterService(&raftServiceDesc, NewRaftEndpoint(e.Handler()))
		cs := grpc.NewServer(ts.serverOptions()...)
		cs.RegisterService(&clientServiceDesc, NewClientEndpoint(e))
		go func() { _ = rs.Serve(raftLis[id]) }()
		go func() { _ = cs.Serve(clientLis[id]) }()

		e.Start()
		t.Cleanup(func() {
			cs.Stop()
			e.Stop()
			rs.Stop()
			peers.Close()
		})
		nodes[id] = &grpcNode{engine: e, clientAddr: clientPeers[id]}
	}
	return nodes
}

func leaderOf(t *testing.T, nodes map[uint64]*grpcNode) *grpcNode {
	t.Helper()
	var leader *grpcNode
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.engine.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "no leader elected")
	return leader
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPC_SubmitAndReadThroughLeader(t *testing.T) {
	nodes := startGRPCCluster(t, 3)
	leader := leaderOf(t, nodes)
	c := dial(t, leader.clientAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Submit(ctx, command.Put("greeting", []byte("hello")))
	require.NoError(t, err)

	v, err := c.Submit(ctx, command.Increment("hits", 5))
	require.NoError(t, err)
	assert.Equal(t, "5", string(v))

	got, ok, err := c.Read(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", string(got))

	_, ok, err = c.Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGRPC_FollowerRedirectsToLeader(t *testing.T) {
	nodes := startGRPCCluster(t, 3)
	leader := leaderOf(t, nodes)

	var follower *grpcNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The follower may not have heard from the new leader yet.
	var nle *cluster.NotLeaderError
	require.Eventually(t, func() bool {
		_, err := dial(t, follower.clientAddr).Submit(ctx, command.Put("k", []byte("v")))
		return errors.As(err, &nle) && nle.LeaderAddr != ""
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, leader.engine.NodeID(), nle.LeaderID)
	assert.Equal(t, leader.clientAddr, nle.LeaderAddr)
	assert.ErrorIs(t, nle, raft.ErrNotLeader)

	_, err := SubmitToLeader(ctx, follower.clientAddr, command.Put("k", []byte("v2")), 2)
	require.NoError(t, err)
	v, ok, err := dial(t, leader.clientAddr).Read(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(v))
}

func TestGRPC_CommandFailuresKeepTheirIdentity(t *testing.T) {
	nodes := startGRPCCluster(t, 3)
	c := dial(t, leaderOf(t, nodes).clientAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Submit(ctx, command.Delete("nothing-here"))
	assert.ErrorIs(t, err, command.ErrKeyNotFound)

	_, err = c.Submit(ctx, command.CompareExchange("nothing-here", []byte("x"), []byte("y")))
	assert.ErrorIs(t, err, command.ErrCompareFailed)

	_, err = c.Submit(ctx, command.Put("", []byte("v")))
	assert.ErrorIs(t, err, command.ErrInvalidCommand)
}

func TestGRPC_StatusAndClusterLog(t *testing.T) {
	nodes := startGRPCCluster(t, 3)
	leader := leaderOf(t, nodes)
	c := dial(t, leader.clientAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := range 3 {
		_, err := c.Submit(ctx, command.Put(fmt.Sprintf("k%d", i), []byte("v")))
		require.NoError(t, err)
	}

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, leader.engine.NodeID(), st.NodeID)
	assert.Equal(t, "grpc-test", st.TopologyID)
	assert.Equal(t, "StateLeader", st.Role)
	assert.GreaterOrEqual(t, st.Commit, uint64(4))

	page, err := c.ClusterLog(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, int(page.LastIndex-page.FirstIndex+1))
	last := page.Entries[len(page.Entries)-1]
	assert.True(t, last.Committed)
	assert.Contains(t, last.Summary, "k2")
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"shutting down", cluster.ErrShuttingDown, codes.Unavailable},
		{"dropped", cluster.ErrProposalDropped, codes.Unavailable},
		{"no quorum", raft.ErrNoQuorum, codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"canceled", context.Canceled, codes.Canceled},
		{"not found", command.ErrKeyNotFound, codes.NotFound},
		{"compare", command.ErrCompareFailed, codes.Aborted},
		{"not counter", command.ErrNotCounter, codes.InvalidArgument},
		{"other", errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(toStatus(context.Background(), tt.err)))
		})
	}
}

func TestFromStatus_NotLeaderWithoutTrailer(t *testing.T) {
	err := status.Error(codes.FailedPrecondition, "something else")
	assert.Equal(t, err, fromStatus(err, nil))

	md := metadata.Pairs(leaderIDKey, "3", leaderAddrKey, "10.0.0.3:7001")
	var nle *cluster.NotLeaderError
	require.ErrorAs(t, fromStatus(err, md), &nle)
	assert.Equal(t, uint64(3), nle.LeaderID)
	assert.Equal(t, "10.0.0.3:7001", nle.LeaderAddr)
}
