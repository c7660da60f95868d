package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"concord/internal/command"
	"concord/internal/raft"
	"concord/internal/raft/rafttest"
	"concord/internal/storage"
	"concord/internal/txmerger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engineConfig(id uint64, peers []uint64) Config {
	clients := make(map[uint64]string, len(peers))
	for _, p := range peers {
		clients[p] = fmt.Sprintf("127.0.0.1:%d", 7000+p)
	}
	return Config{
		Raft: raft.Config{
			ID:               id,
			Peers:            peers,
			ElectionTickMin:  10,
			ElectionTickMax:  20,
			HeartbeatTick:    2,
			MaxEntriesPerMsg: 16,
			RPCTimeout:       200 * time.Millisecond,
			CheckQuorum:      true,
		},
		Merger:       txmerger.Config{MaxBatchSize: 32, LowResourceBatchSize: 4, MaxBatchDuration: 5 * time.Millisecond},
		TopologyID:   "test-topology",
		ClientPeers:  clients,
		TickInterval: 5 * time.Millisecond,
		DrainTimeout: time.Second,
	}
}

type testCluster struct {
	t       *testing.T
	net     *rafttest.Network
	engines map[uint64]*Engine
	stores  map[uint64]*storage.Store
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		net:     rafttest.NewNetwork(),
		engines: make(map[uint64]*Engine),
		stores:  make(map[uint64]*storage.Store),
	}
	var peers []uint64
	for i := 1; i <= size; i++ {
		peers = append(peers, uint64(i))
	}
	for _, id := range peers {
		st := storage.NewMemory()
		e, err := New(engineConfig(id, peers), raft.NewMemoryLog(), st, c.net.Endpoint(id))
		require.NoError(t, err)
		c.net.Register(id, e.Handler())
		c.engines[id] = e
		c.stores[id] = st
	}
	for _, e := range c.engines {
		e.Start()
	}
	t.Cleanup(func() {
		for _, e := range c.engines {
			e.Stop()
		}
	})
	return c
}

func (c *testCluster) leader(exclude ...uint64) *Engine {
	c.t.Helper()
	var leader *Engine
	require.Eventually(c.t, func() bool {
		leader = nil
		var term uint64
		for id, e := range c.engines {
			if slices.Contains(exclude, id) {
				continue
			}
			st := e.Status()
			if st.Role == "StateLeader" && st.Term > term {
				leader, term = e, st.Term
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no leader elected")
	return leader
}

func (c *testCluster) follower(leader *Engine) *Engine {
	for _, e := range c.engines {
		if e != leader {
			return e
		}
	}
	return nil
}

func (c *testCluster) waitValue(key, want string) {
	c.t.Helper()
	for id, st := range c.stores {
		require.Eventually(c.t, func() bool {
			v, ok := st.Get(key)
			return ok && string(v) == want
		}, 5*time.Second, 10*time.Millisecond, "node %d never saw %s=%s", id, key, want)
	}
}

func TestSubmit_ConcurrentProducersApplyExactlyOnce(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.leader()

	const producers = 50
	results := make([]int, producers)
	errs := make([]error, producers)

	var wg sync.WaitGroup
	for i := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			v, err := leader.Submit(ctx, command.Increment("counter", 1))
			errs[i] = err
			if err == nil {
				results[i], _ = strconv.Atoi(string(v.([]byte)))
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "producer %d", i)
	}
	slices.Sort(results)
	for i, v := range results {
		require.Equal(t, i+1, v)
	}
	c.waitValue("counter", "50")
}

func TestSubmit_FollowerRedirectsToLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.leader()
	f := c.follower(leader)
	require.Eventually(t, func() bool {
		id, _ := f.Leader()
		return id == leader.NodeID()
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.Submit(context.Background(), command.Put("k", []byte("v")))
	require.ErrorIs(t, err, raft.ErrNotLeader)

	var nl *NotLeaderError
	require.True(t, errors.As(err, &nl))
	assert.Equal(t, leader.NodeID(), nl.LeaderID)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", 7000+leader.NodeID()), nl.LeaderAddr)
}

func TestSubmit_PerCommandFailures(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.leader()
	ctx := context.Background()

	_, err := leader.Submit(ctx, command.Delete("missing"))
	require.ErrorIs(t, err, command.ErrKeyNotFound)

	_, err = leader.Submit(ctx, command.Put("", []byte("x")))
	require.ErrorIs(t, err, command.ErrInvalidCommand)

	_, err = leader.Submit(ctx, command.Put(storage.AppliedIndexKey, []byte("x")))
	require.ErrorIs(t, err, command.ErrInvalidCommand)

	v, err := leader.Submit(ctx, command.Put("k", []byte("v")))
	require.NoError(t, err)
	assert.Nil(t, v)
	c.waitValue("k", "v")
}

func TestRead_Linearizable(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.leader()
	ctx := context.Background()

	_, err := leader.Submit(ctx, command.Put("color", []byte("blue")))
	require.NoError(t, err)

	v, ok, err := leader.Read(ctx, "color")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "blue", string(v))

	_, ok, err = leader.Read(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = leader.Read(ctx, storage.AppliedIndexKey)
	require.ErrorIs(t, err, command.ErrInvalidCommand)

	_, _, err = c.follower(leader).Read(ctx, "color")
	require.ErrorIs(t, err, raft.ErrNotLeader)
}

func TestClusterLog(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.leader()
	ctx := context.Background()

	for i := range 5 {
		_, err := leader.Submit(ctx, command.Put(fmt.Sprintf("k%d", i), []byte("v")))
		require.NoError(t, err)
	}

	page, err := leader.ClusterLog(0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, page.Entries)
	assert.Equal(t, page.FirstIndex, page.Entries[0].Index)
	assert.Equal(t, page.LastIndex, page.Entries[len(page.Entries)-1].Index)

	var puts int
	for _, e := range page.Entries {
		assert.True(t, e.Committed)
		if strings.Contains(e.Summary, "PUT k") {
			puts++
		}
	}
	assert.Equal(t, 5, puts)

	page, err = leader.ClusterLog(page.LastIndex-1, 1)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, page.LastIndex-1, page.Entries[0].Index)

	page, err = leader.ClusterLog(page.LastIndex+10, 5)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func TestFailover_NewLeaderKeepsCommittedWrites(t *testing.T) {
	c := newTestCluster(t, 3)
	old := c.leader()
	ctx := context.Background()

	for range 3 {
		_, err := old.Submit(ctx, command.Increment("n", 1))
		require.NoError(t, err)
	}

	c.net.Isolate(old.NodeID())
	leader := c.leader(old.NodeID())

	v, err := leader.Submit(ctx, command.Increment("n", 1))
	require.NoError(t, err)
	assert.Equal(t, "4", string(v.([]byte)))

	c.net.Heal()
	c.waitValue("n", "4")
	require.Eventually(t, func() bool { return !old.IsLeader() }, 3*time.Second, 10*time.Millisecond)
}

func TestStop_RejectsNewSubmissions(t *testing.T) {
	c := newTestCluster(t, 1)
	e := c.leader()
	e.Stop()

	_, err := e.Submit(context.Background(), command.Put("k", []byte("v")))
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestStop_ConcurrentWithSubmissions(t *testing.T) {
	c := newTestCluster(t, 1)
	e := c.leader()

	const submitters = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, submitters*8)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for j := 0; j < 8; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, err := e.Submit(ctx, command.Put(fmt.Sprintf("k-%d-%d", i, j), []byte("v")))
				cancel()
				errs <- err
			}
		}(i)
	}

	close(start)
	e.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submissions did not return after Stop")
	}
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrShuttingDown)
		}
	}

	_, err := e.Submit(context.Background(), command.Put("after", []byte("v")))
	require.ErrorIs(t, err, ErrShuttingDown)
}
