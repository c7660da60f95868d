package raft

import (
	"math/rand/v2"
	"testing"
	"time"

	"concord/internal/raft/rafttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

func newLoneNode(t *testing.T, l *Log, tweak func(*Config)) *Node {
	t.Helper()
	cfg := testConfig(1, []uint64{1, 2, 3})
	if tweak != nil {
		tweak(&cfg)
	}
	n, err := NewNode(cfg, l, rafttest.NewNetwork().Endpoint(1), nil)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n
}

func voteReq(from, term, lastIndex, lastTerm uint64) raftpb.Message {
	return raftpb.Message{Type: raftpb.MsgVote, From: from, To: 1, Term: term, Index: lastIndex, LogTerm: lastTerm}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
	}{
		{"zero id", func(c *Config) { c.ID = 0 }},
		{"id not in peers", func(c *Config) { c.Peers = []uint64{2, 3} }},
		{"min not below max", func(c *Config) { c.ElectionTickMax = c.ElectionTickMin }},
		{"heartbeat too slow", func(c *Config) { c.HeartbeatTick = c.ElectionTickMin }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(1, []uint64{1, 2, 3})
			tt.tweak(&cfg)
			_, err := NewNode(cfg, NewMemoryLog(), nil, nil)
			require.Error(t, err)
		})
	}
}

func TestSingleNodeElectsItselfAndCommits(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	n := c.nodes[1]

	n.Campaign()
	require.True(t, n.IsLeader())
	assert.Equal(t, uint64(1), n.Term())
	assert.Equal(t, uint64(1), n.CommitIndex())

	idx, term, err := n.Propose([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)
	assert.Equal(t, uint64(1), term)
	assert.Equal(t, uint64(2), n.CommitIndex())
}

func TestThreeNodesAgreeOnLeader(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	leader := c.elect(1)

	for _, id := range []uint64{2, 3} {
		require.Eventually(t, func() bool { return c.nodes[id].Leader() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, leader.Term(), c.nodes[id].Term())
	}

	_, _, err := c.nodes[2].Propose([]byte("x"))
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestVote_OncePerTerm(t *testing.T) {
	n := newLoneNode(t, NewMemoryLog(), nil)

	resp := n.HandleVoteRequest(voteReq(2, 1, 0, 0))
	assert.False(t, resp.Reject)
	assert.Equal(t, uint64(1), resp.Term)

	resp = n.HandleVoteRequest(voteReq(3, 1, 0, 0))
	assert.True(t, resp.Reject)

	// A retransmitted request from the same candidate is granted again.
	resp = n.HandleVoteRequest(voteReq(2, 1, 0, 0))
	assert.False(t, resp.Reject)
}

func TestVote_RejectsStaleLog(t *testing.T) {
	l := NewMemoryLog()
	require.NoError(t, l.Append(ents(2, 1, 3)))
	n := newLoneNode(t, l, nil)

	tests := []struct {
		name              string
		lastIndex, lastTerm uint64
		granted           bool
	}{
		{"older last term", 10, 1, false},
		{"same term shorter log", 2, 2, false},
		{"same term same length", 3, 2, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := n.HandleVoteRequest(voteReq(uint64(10+i), uint64(5+i), tt.lastIndex, tt.lastTerm))
			assert.Equal(t, tt.granted, !resp.Reject)
		})
	}
}

func TestVote_RejectsLowerTerm(t *testing.T) {
	l := NewMemoryLog()
	require.NoError(t, l.SetHardState(raftpb.HardState{Term: 4}))
	n := newLoneNode(t, l, nil)

	resp := n.HandleVoteRequest(voteReq(2, 3, 10, 3))
	assert.True(t, resp.Reject)
	assert.Equal(t, uint64(4), resp.Term)
}

func TestVote_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	l := openLog(t, dir)
	n, err := NewNode(testConfig(1, []uint64{1, 2, 3}), l, rafttest.NewNetwork().Endpoint(1), nil)
	require.NoError(t, err)
	require.False(t, n.HandleVoteRequest(voteReq(2, 7, 0, 0)).Reject)
	n.Stop()
	require.NoError(t, l.Close())

	l = openLog(t, dir)
	defer l.Close()
	assert.Equal(t, raftpb.HardState{Term: 7, Vote: 2}, l.HardState())

	n = newLoneNode(t, l, nil)
	assert.True(t, n.HandleVoteRequest(voteReq(3, 7, 0, 0)).Reject)
}

func TestVote_IgnoredDuringLeaderLease(t *testing.T) {
	n := newLoneNode(t, NewMemoryLog(), func(c *Config) { c.CheckQuorum = true })

	hb := raftpb.Message{Type: raftpb.MsgApp, From: 2, To: 1, Term: 1}
	require.False(t, n.HandleAppendEntries(hb).Reject)

	resp := n.HandleVoteRequest(voteReq(3, 2, 5, 1))
	assert.True(t, resp.Reject)
	assert.Equal(t, uint64(1), n.Term())
	assert.Equal(t, uint64(2), n.Leader())
}

func TestVote_HigherTermStepsDownWithoutLease(t *testing.T) {
	n := newLoneNode(t, NewMemoryLog(), nil)

	hb := raftpb.Message{Type: raftpb.MsgApp, From: 2, To: 1, Term: 1}
	require.False(t, n.HandleAppendEntries(hb).Reject)

	resp := n.HandleVoteRequest(voteReq(3, 2, 5, 1))
	assert.False(t, resp.Reject)
	assert.Equal(t, uint64(2), n.Term())
	assert.Equal(t, uint64(0), n.Leader())
}

func TestCheckQuorum_IsolatedLeaderStepsDown(t *testing.T) {
	c := newTestCluster(t, 3, func(cfg *Config) { cfg.CheckQuorum = true })
	leader := c.elect(1)
	c.net.Isolate(1)

	require.Eventually(t, func() bool {
		leader.Tick()
		return !leader.IsLeader()
	}, 2*time.Second, time.Millisecond)

	_, _, err := leader.Propose([]byte("x"))
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestElectionSafety_AtMostOneLeaderPerTerm(t *testing.T) {
	if testing.Short() {
		t.Skip("randomized election run")
	}

	c := newTestCluster(t, 5, func(cfg *Config) { cfg.CheckQuorum = true })
	c.startTicker(2 * time.Millisecond)

	leaders := make(map[uint64]uint64)
	observe := func() {
		for _, n := range c.nodes {
			st := n.Status()
			if st.Role != etcdraft.StateLeader {
				continue
			}
			if prev, ok := leaders[st.Term]; ok {
				require.Equal(t, prev, st.ID, "two leaders in term %d", st.Term)
			}
			leaders[st.Term] = st.ID
		}
	}

	rng := rand.New(rand.NewPCG(1, 2))
	deadline := time.Now().Add(1500 * time.Millisecond)
	nextChange := time.Now()
	for time.Now().Before(deadline) {
		if time.Now().After(nextChange) {
			perm := rng.Perm(5)
			split := 1 + rng.IntN(4)
			var a, b []uint64
			for i, p := range perm {
				if i < split {
					a = append(a, uint64(p+1))
				} else {
					b = append(b, uint64(p+1))
				}
			}
			if rng.IntN(3) == 0 {
				c.net.Heal()
			} else {
				c.net.Partition(a, b)
			}
			nextChange = time.Now().Add(100 * time.Millisecond)
		}
		observe()
		time.Sleep(time.Millisecond)
	}

	c.net.Heal()
	require.Eventually(t, func() bool {
		observe()
		for _, n := range c.nodes {
			if n.IsLeader() {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, leaders)
}
