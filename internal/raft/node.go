package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"concord/internal/metrics"
	"concord/internal/raft/ports"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/quorum"
	"go.etcd.io/raft/v3/raftpb"
)

type Config struct {
	ID    uint64
	Peers []uint64

	ElectionTickMin int
	ElectionTickMax int
	HeartbeatTick   int

	MaxEntriesPerMsg uint64
	RPCTimeout       time.Duration
	// CheckQuorum makes a leader step down when it has not heard from a
	// majority within ElectionTickMin ticks, and makes followers ignore vote
	// requests while they still trust a live leader.
	CheckQuorum bool
}

func (c Config) validate() error {
	if c.ID == 0 {
		return fmt.Errorf("raft: node id must be non-zero")
	}
	if !slices.Contains(c.Peers, c.ID) {
		return fmt.Errorf("raft: node %d missing from peers %v", c.ID, c.Peers)
	}
	if c.ElectionTickMin <= 0 || c.ElectionTickMax <= c.ElectionTickMin {
		return fmt.Errorf("raft: election ticks must satisfy 0 < min < max, got [%d, %d)", c.ElectionTickMin, c.ElectionTickMax)
	}
	if c.HeartbeatTick <= 0 || c.HeartbeatTick >= c.ElectionTickMin {
		return fmt.Errorf("raft: heartbeat tick %d must be in (0, %d)", c.HeartbeatTick, c.ElectionTickMin)
	}
	return nil
}

type progress struct {
	Next  uint64
	Match uint64
}

// Node holds the per-node consensus context. Role, term, vote, commit index
// and peer progress share one mutex; RPCs are always sent without it.
type Node struct {
	cfg       Config
	log       *Log
	transport ports.Transport
	restorer  ports.SnapshotRestorer
	voters    quorum.MajorityConfig

	mu                sync.Mutex
	state             etcdraft.StateType
	term              uint64
	vote              uint64
	lead              uint64
	commit            uint64
	electionElapsed   int
	heartbeatElapsed  int
	randomizedTimeout int
	votes             map[uint64]bool
	progress          map[uint64]*progress
	recentActive      map[uint64]bool
	wake              map[uint64]chan struct{}
	leaderCancel      context.CancelFunc
	installing        bool
	stopped           bool

	commitC chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewNode(cfg Config, log *Log, transport ports.Transport, restorer ports.SnapshotRestorer) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxEntriesPerMsg == 0 {
		cfg.MaxEntriesPerMsg = 64
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = time.Second
	}

	voters := quorum.MajorityConfig{}
	for _, id := range cfg.Peers {
		voters[id] = struct{}{}
	}

	hs := log.HardState()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		log:       log,
		transport: transport,
		restorer:  restorer,
		voters:    voters,
		state:     etcdraft.StateFollower,
		term:      hs.Term,
		vote:      hs.Vote,
		commit:    hs.Commit,
		commitC:   make(chan struct{}, 1),
		runCtx:    ctx,
		runCancel: cancel,
	}
	n.resetRandomizedTimeout()

	metrics.RaftRole.Set(float64(n.state))
	metrics.RaftTerm.Set(float64(n.term))
	metrics.RaftCommitIndex.Set(float64(n.commit))

	slog.Info("raft node created",
		"node_id", cfg.ID,
		"peers", cfg.Peers,
		"term", hs.Term,
		"vote", hs.Vote,
		"commit", hs.Commit,
		"last_index", log.LastIndex(),
	)
	return n, nil
}

// Tick advances the logical clock by one tick. Election timeouts and
// heartbeats are counted in ticks.
func (n *Node) Tick() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return
	}
	if n.state == etcdraft.StateLeader {
		n.tickHeartbeatLocked()
		return
	}
	n.tickElectionLocked()
}

func (n *Node) tickElectionLocked() {
	n.electionElapsed++
	if n.electionElapsed >= n.randomizedTimeout {
		n.electionElapsed = 0
		n.campaignLocked()
	}
}

func (n *Node) tickHeartbeatLocked() {
	n.heartbeatElapsed++
	n.electionElapsed++

	if n.electionElapsed >= n.cfg.ElectionTickMin {
		n.electionElapsed = 0
		if n.cfg.CheckQuorum && !n.quorumActiveLocked() {
			slog.Warn("leader lost contact with quorum, stepping down", "node_id", n.cfg.ID, "term", n.term)
			n.becomeFollowerLocked(n.term, 0, "check_quorum")
			return
		}
		clear(n.recentActive)
	}

	if n.heartbeatElapsed >= n.cfg.HeartbeatTick {
		n.heartbeatElapsed = 0
		n.broadcastLocked()
	}
}

func (n *Node) quorumActiveLocked() bool {
	votes := map[uint64]bool{n.cfg.ID: true}
	for id := range n.voters {
		if id != n.cfg.ID {
			votes[id] = n.recentActive[id]
		}
	}
	return n.voters.VoteResult(votes) == quorum.VoteWon
}

func (n *Node) resetRandomizedTimeout() {
	n.randomizedTimeout = n.cfg.ElectionTickMin + rand.IntN(n.cfg.ElectionTickMax-n.cfg.ElectionTickMin)
}

func (n *Node) becomeFollowerLocked(term, lead uint64, reason string) {
	wasLeader := n.state == etcdraft.StateLeader
	if term > n.term {
		n.term = term
		n.vote = 0
	}
	n.state = etcdraft.StateFollower
	n.lead = lead
	n.electionElapsed = 0
	n.resetRandomizedTimeout()
	n.stopReplicatorsLocked()

	if err := n.persistLocked(); err != nil {
		slog.Error("persist hard state on step down failed", "node_id", n.cfg.ID, "term", n.term, "error", err)
	}

	if wasLeader {
		metrics.RaftStepDownsTotal.WithLabelValues(reason).Inc()
		slog.Info("leader stepped down", "node_id", n.cfg.ID, "term", n.term, "reason", reason)
	}
	metrics.RaftRole.Set(float64(n.state))
	metrics.RaftTerm.Set(float64(n.term))
}

func (n *Node) persistLocked() error {
	return n.log.SetHardState(raftpb.HardState{Term: n.term, Vote: n.vote, Commit: n.commit})
}

func (n *Node) setCommitLocked(index uint64) {
	if index <= n.commit {
		return
	}
	n.commit = index
	if err := n.persistLocked(); err != nil {
		slog.Warn("persist commit index failed", "node_id", n.cfg.ID, "commit", index, "error", err)
	}
	metrics.RaftCommitIndex.Set(float64(index))

	select {
	case n.commitC <- struct{}{}:
	default:
	}
}

func (n *Node) othersLocked() []uint64 {
	out := make([]uint64, 0, len(n.voters)-1)
	for id := range n.voters {
		if id != n.cfg.ID {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Stop cancels every in-flight RPC and waits for background goroutines.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.stopReplicatorsLocked()
	n.mu.Unlock()

	n.runCancel()
	n.wg.Wait()
	slog.Info("raft node stopped", "node_id", n.cfg.ID)
}

func (n *Node) ID() uint64 { return n.cfg.ID }

func (n *Node) Log() *Log { return n.log }

// CommitC is signalled whenever the commit index advances. Signals coalesce.
func (n *Node) CommitC() <-chan struct{} { return n.commitC }

func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commit
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == etcdraft.StateLeader
}

// Leader returns the known leader id, or 0.
func (n *Node) Leader() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lead
}

func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

type PeerProgress struct {
	Next  uint64
	Match uint64
}

type Status struct {
	ID         uint64
	Role       etcdraft.StateType
	Term       uint64
	Vote       uint64
	Lead       uint64
	Commit     uint64
	FirstIndex uint64
	LastIndex  uint64
	// Progress is only populated on the leader.
	Progress map[uint64]PeerProgress
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := Status{
		ID:         n.cfg.ID,
		Role:       n.state,
		Term:       n.term,
		Vote:       n.vote,
		Lead:       n.lead,
		Commit:     n.commit,
		FirstIndex: n.log.FirstIndex(),
		LastIndex:  n.log.LastIndex(),
	}
	if n.state == etcdraft.StateLeader {
		st.Progress = make(map[uint64]PeerProgress, len(n.progress))
		for id, pr := range n.progress {
			st.Progress[id] = PeerProgress{Next: pr.Next, Match: pr.Match}
		}
	}
	return st
}
