package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"concord/internal/raft/rafttest"

	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
)

type recordingRestorer struct {
	mu    sync.Mutex
	snaps []raftpb.Snapshot
}

func (r *recordingRestorer) RestoreSnapshot(snap raftpb.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingRestorer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type testCluster struct {
	t         *testing.T
	net       *rafttest.Network
	ids       []uint64
	nodes     map[uint64]*Node
	restorers map[uint64]*recordingRestorer

	stopTicker func()
}

func testConfig(id uint64, peers []uint64) Config {
	return Config{
		ID:               id,
		Peers:            peers,
		ElectionTickMin:  10,
		ElectionTickMax:  20,
		HeartbeatTick:    2,
		MaxEntriesPerMsg: 4,
		RPCTimeout:       200 * time.Millisecond,
	}
}

func newTestCluster(t *testing.T, size int, tweak func(*Config)) *testCluster {
	t.Helper()

	c := &testCluster{
		t:         t,
		net:       rafttest.NewNetwork(),
		nodes:     make(map[uint64]*Node),
		restorers: make(map[uint64]*recordingRestorer),
	}
	for i := 1; i <= size; i++ {
		c.ids = append(c.ids, uint64(i))
	}
	for _, id := range c.ids {
		cfg := testConfig(id, c.ids)
		if tweak != nil {
			tweak(&cfg)
		}
		r := &recordingRestorer{}
		n, err := NewNode(cfg, NewMemoryLog(), c.net.Endpoint(id), r)
		require.NoError(t, err)
		c.nodes[id] = n
		c.restorers[id] = r
		c.net.Register(id, n)
	}

	t.Cleanup(func() {
		if c.stopTicker != nil {
			c.stopTicker()
		}
		for _, n := range c.nodes {
			n.Stop()
		}
	})
	return c
}

// startTicker drives every node's clock in the background.
func (c *testCluster) startTicker(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				for _, n := range c.nodes {
					n.Tick()
				}
			}
		}
	}()
	c.stopTicker = func() {
		cancel()
		<-done
	}
}

// elect makes id campaign and waits until it is leader.
func (c *testCluster) elect(id uint64) *Node {
	c.t.Helper()
	n := c.nodes[id]
	n.Campaign()
	require.Eventually(c.t, n.IsLeader, 2*time.Second, 5*time.Millisecond, "node %d not elected", id)
	return n
}

// heartbeat ticks the leader until it broadcasts once.
func (c *testCluster) heartbeat(leader *Node) {
	for range leader.cfg.HeartbeatTick {
		leader.Tick()
	}
}

func (c *testCluster) propose(leader *Node, count int) uint64 {
	c.t.Helper()
	var last uint64
	for i := range count {
		idx, _, err := leader.Propose([]byte{byte(i)})
		require.NoError(c.t, err)
		last = idx
	}
	return last
}

func (c *testCluster) waitCommit(id, index uint64) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		return c.nodes[id].CommitIndex() >= index
	}, 3*time.Second, 5*time.Millisecond, "node %d commit below %d", id, index)
}

func (c *testCluster) entries(id uint64) []raftpb.Entry {
	c.t.Helper()
	l := c.nodes[id].Log()
	var out []raftpb.Entry
	for e, err := range l.Scan(l.FirstIndex(), l.LastIndex()+1, 16) {
		require.NoError(c.t, err)
		out = append(out, e)
	}
	return out
}
