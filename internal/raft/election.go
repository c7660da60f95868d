package raft

import (
	"context"
	"log/slog"

	"concord/internal/metrics"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/quorum"
	"go.etcd.io/raft/v3/raftpb"
)

// Campaign starts an election immediately instead of waiting for the
// election timeout.
func (n *Node) Campaign() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || n.state == etcdraft.StateLeader {
		return
	}
	n.campaignLocked()
}

func (n *Node) campaignLocked() {
	if _, ok := n.voters[n.cfg.ID]; !ok {
		return
	}

	n.stopReplicatorsLocked()
	n.state = etcdraft.StateCandidate
	n.term++
	n.vote = n.cfg.ID
	n.lead = 0
	n.electionElapsed = 0
	n.resetRandomizedTimeout()
	n.votes = map[uint64]bool{n.cfg.ID: true}

	if err := n.persistLocked(); err != nil {
		slog.Error("persist vote failed, abandoning election", "node_id", n.cfg.ID, "term", n.term, "error", err)
		n.state = etcdraft.StateFollower
		return
	}

	metrics.RaftElectionsTotal.Inc()
	metrics.RaftRole.Set(float64(n.state))
	metrics.RaftTerm.Set(float64(n.term))
	slog.Info("starting election", "node_id", n.cfg.ID, "term", n.term)

	if n.voters.VoteResult(n.votes) == quorum.VoteWon {
		n.becomeLeaderLocked()
		return
	}

	req := raftpb.Message{
		Type:    raftpb.MsgVote,
		From:    n.cfg.ID,
		Term:    n.term,
		Index:   n.log.LastIndex(),
		LogTerm: n.log.LastTerm(),
	}
	for _, peer := range n.othersLocked() {
		msg := req
		msg.To = peer
		n.wg.Add(1)
		go n.requestVote(msg)
	}
}

func (n *Node) requestVote(msg raftpb.Message) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(n.runCtx, n.cfg.RPCTimeout)
	defer cancel()

	metrics.RaftMessagesTotal.WithLabelValues("out", msg.Type.String()).Inc()
	resp, err := n.transport.SendVoteRequest(ctx, msg.To, msg)
	if err != nil {
		metrics.RaftMessageErrors.WithLabelValues(msg.Type.String()).Inc()
		slog.Debug("vote request failed", "node_id", n.cfg.ID, "peer", msg.To, "term", msg.Term, "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.handleVoteResponseLocked(msg.Term, resp)
}

func (n *Node) handleVoteResponseLocked(term uint64, resp raftpb.Message) {
	if n.stopped {
		return
	}
	if resp.Term > n.term {
		slog.Debug("vote response carries higher term", "node_id", n.cfg.ID, "peer", resp.From, "term", n.term, "peer_term", resp.Term, "error", ErrStaleTerm)
		n.becomeFollowerLocked(resp.Term, 0, "stale_term")
		return
	}
	if n.state != etcdraft.StateCandidate || n.term != term {
		return
	}

	n.votes[resp.From] = !resp.Reject
	switch n.voters.VoteResult(n.votes) {
	case quorum.VoteWon:
		n.becomeLeaderLocked()
	case quorum.VoteLost:
		slog.Info("election lost", "node_id", n.cfg.ID, "term", n.term)
		n.becomeFollowerLocked(n.term, 0, "election_lost")
	}
}

// HandleVoteRequest decides whether to grant a vote. The vote is persisted
// before the reply is returned, so a restarted node never votes twice in
// the same term.
func (n *Node) HandleVoteRequest(msg raftpb.Message) raftpb.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	metrics.RaftMessagesTotal.WithLabelValues("in", msg.Type.String()).Inc()
	resp := raftpb.Message{Type: raftpb.MsgVoteResp, From: n.cfg.ID, To: msg.From, Term: n.term, Reject: true}
	if n.stopped {
		return resp
	}

	// Under lease the higher term is not adopted; a deposed leader learns
	// it from the next append or heartbeat exchange instead.
	if msg.Term > n.term && n.inLeaseLocked() {
		slog.Debug("ignoring vote request while leader lease is valid",
			"node_id", n.cfg.ID, "candidate", msg.From, "term", n.term, "candidate_term", msg.Term, "lead", n.lead)
		return resp
	}

	if msg.Term > n.term {
		n.becomeFollowerLocked(msg.Term, 0, "stale_term")
	}
	resp.Term = n.term
	if msg.Term < n.term {
		return resp
	}

	canVote := n.vote == 0 || n.vote == msg.From
	lastIndex, lastTerm := n.log.LastIndex(), n.log.LastTerm()
	upToDate := msg.LogTerm > lastTerm || (msg.LogTerm == lastTerm && msg.Index >= lastIndex)
	if !canVote || !upToDate {
		slog.Debug("rejecting vote",
			"node_id", n.cfg.ID, "candidate", msg.From, "term", n.term,
			"voted_for", n.vote, "up_to_date", upToDate)
		return resp
	}

	prevVote := n.vote
	n.vote = msg.From
	if err := n.persistLocked(); err != nil {
		n.vote = prevVote
		slog.Error("persist vote failed", "node_id", n.cfg.ID, "term", n.term, "error", err)
		return resp
	}
	n.electionElapsed = 0

	slog.Info("granted vote", "node_id", n.cfg.ID, "candidate", msg.From, "term", n.term)
	resp.Reject = false
	return resp
}

func (n *Node) inLeaseLocked() bool {
	if !n.cfg.CheckQuorum {
		return false
	}
	if n.state == etcdraft.StateLeader {
		return true
	}
	return n.lead != 0 && n.electionElapsed < n.cfg.ElectionTickMin
}
