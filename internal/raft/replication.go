package raft

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"concord/internal/metrics"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/quorum"
	"go.etcd.io/raft/v3/raftpb"
)

func (n *Node) becomeLeaderLocked() {
	n.state = etcdraft.StateLeader
	n.lead = n.cfg.ID
	n.electionElapsed = 0
	n.heartbeatElapsed = 0

	last := n.log.LastIndex()
	n.progress = make(map[uint64]*progress, len(n.voters))
	n.recentActive = make(map[uint64]bool, len(n.voters))
	for _, peer := range n.othersLocked() {
		n.progress[peer] = &progress{Next: last + 1}
	}

	metrics.RaftRole.Set(float64(n.state))
	slog.Info("became leader", "node_id", n.cfg.ID, "term", n.term, "last_index", last)

	// An entry of the new term lets earlier-term entries commit through it.
	empty := raftpb.Entry{Term: n.term, Index: last + 1, Type: raftpb.EntryNormal}
	if err := n.log.Append([]raftpb.Entry{empty}); err != nil {
		slog.Error("append leader entry failed", "node_id", n.cfg.ID, "term", n.term, "error", err)
		n.becomeFollowerLocked(n.term, 0, "storage_failure")
		return
	}

	ctx, cancel := context.WithCancel(n.runCtx)
	n.leaderCancel = cancel
	n.wake = make(map[uint64]chan struct{}, len(n.progress))
	for peer := range n.progress {
		ch := make(chan struct{}, 1)
		n.wake[peer] = ch
		n.wg.Add(1)
		go n.replicate(ctx, peer, ch)
	}

	n.maybeCommitLocked()
	n.broadcastLocked()
}

func (n *Node) stopReplicatorsLocked() {
	if n.leaderCancel != nil {
		n.leaderCancel()
		n.leaderCancel = nil
	}
	n.wake = nil
	n.progress = nil
}

func (n *Node) broadcastLocked() {
	for _, ch := range n.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Propose appends data to the leader's log and returns the entry position.
// The entry is committed once a majority stores it.
func (n *Node) Propose(data []byte) (index, term uint64, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return 0, 0, ErrStopped
	}
	if n.state != etcdraft.StateLeader {
		metrics.RaftProposalsTotal.WithLabelValues("not_leader").Inc()
		return 0, 0, ErrNotLeader
	}

	e := raftpb.Entry{Term: n.term, Index: n.log.LastIndex() + 1, Type: raftpb.EntryNormal, Data: data}
	if err := n.log.Append([]raftpb.Entry{e}); err != nil {
		metrics.RaftProposalsTotal.WithLabelValues("error").Inc()
		return 0, 0, err
	}
	metrics.RaftProposalsTotal.WithLabelValues("ok").Inc()

	n.maybeCommitLocked()
	n.broadcastLocked()
	return e.Index, e.Term, nil
}

// replicate drives one follower: every wake-up sends appends until the
// follower has caught up or an RPC fails.
func (n *Node) replicate(ctx context.Context, peer uint64, wake <-chan struct{}) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
		for n.sendAppend(ctx, peer) {
		}
	}
}

func (n *Node) sendAppend(ctx context.Context, peer uint64) (more bool) {
	n.mu.Lock()
	if ctx.Err() != nil || n.state != etcdraft.StateLeader {
		n.mu.Unlock()
		return false
	}
	term := n.term
	msg, snap, isSnap := n.buildAppendLocked(peer)
	n.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	metrics.RaftMessagesTotal.WithLabelValues("out", msg.Type.String()).Inc()
	var resp raftpb.Message
	var err error
	if isSnap {
		slog.Info("sending snapshot to lagging follower", "node_id", n.cfg.ID, "peer", peer, "snap_index", snap.Metadata.Index)
		resp, err = n.transport.SendSnapshot(rctx, peer, msg, snap)
	} else {
		resp, err = n.transport.SendAppendEntries(rctx, peer, msg)
	}
	if err != nil {
		metrics.RaftMessageErrors.WithLabelValues(msg.Type.String()).Inc()
		slog.Debug("append to peer failed", "node_id", n.cfg.ID, "peer", peer, "type", msg.Type, "error", err)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handleAppendResponseLocked(peer, term, msg, resp)
}

func (n *Node) buildAppendLocked(peer uint64) (raftpb.Message, raftpb.Snapshot, bool) {
	pr := n.progress[peer]
	prev := pr.Next - 1
	prevTerm, err := n.log.Term(prev)
	if err != nil || pr.Next < n.log.FirstIndex() {
		snap, serr := n.log.Snapshot()
		if serr == nil && !etcdraft.IsEmptySnap(snap) {
			msg := raftpb.Message{
				Type:    raftpb.MsgSnap,
				To:      peer,
				From:    n.cfg.ID,
				Term:    n.term,
				Index:   snap.Metadata.Index,
				LogTerm: snap.Metadata.Term,
			}
			return msg, snap, true
		}
		slog.Warn("no term for previous index and no snapshot", "node_id", n.cfg.ID, "peer", peer, "prev", prev, "error", err)
	}

	msg := raftpb.Message{
		Type:    raftpb.MsgApp,
		To:      peer,
		From:    n.cfg.ID,
		Term:    n.term,
		Index:   prev,
		LogTerm: prevTerm,
	}
	last := n.log.LastIndex()
	if pr.Next <= last {
		hi := min(last+1, pr.Next+n.cfg.MaxEntriesPerMsg)
		ents, err := n.log.Entries(pr.Next, hi, math.MaxUint64)
		if err != nil {
			slog.Warn("read entries for peer failed", "node_id", n.cfg.ID, "peer", peer, "next", pr.Next, "error", err)
		}
		msg.Entries = ents
	}
	msg.Commit = min(n.commit, prev+uint64(len(msg.Entries)))
	return msg, raftpb.Snapshot{}, false
}

func (n *Node) handleAppendResponseLocked(peer, term uint64, sent, resp raftpb.Message) (more bool) {
	metrics.RaftMessagesTotal.WithLabelValues("in", resp.Type.String()).Inc()
	if resp.Term > n.term {
		slog.Info("follower reports higher term", "node_id", n.cfg.ID, "peer", peer, "term", n.term, "peer_term", resp.Term, "reason", ErrStaleTerm)
		n.becomeFollowerLocked(resp.Term, 0, "stale_term")
		return false
	}
	if n.state != etcdraft.StateLeader || n.term != term {
		return false
	}
	pr, ok := n.progress[peer]
	if !ok {
		return false
	}
	n.recentActive[peer] = true

	if resp.Reject {
		// Only a rejection of the position we last tried moves Next back.
		if sent.Type != raftpb.MsgApp || sent.Index != pr.Next-1 {
			return false
		}
		next := max(min(pr.Next-1, resp.RejectHint+1), pr.Match+1)
		slog.Debug("follower rejected append", "node_id", n.cfg.ID, "peer", peer, "prev", sent.Index, "hint", resp.RejectHint, "next", next)
		if next >= pr.Next {
			return false
		}
		pr.Next = next
		return true
	}

	if resp.Index > pr.Match {
		pr.Match = resp.Index
	}
	if resp.Index+1 > pr.Next {
		pr.Next = resp.Index + 1
	}
	n.maybeCommitLocked()
	return pr.Next <= n.log.LastIndex()
}

// ackIndexer reports each voter's match index to quorum.MajorityConfig.
type ackIndexer map[uint64]quorum.Index

func (m ackIndexer) AckedIndex(id uint64) (quorum.Index, bool) {
	idx, ok := m[id]
	return idx, ok
}

// maybeCommitLocked advances the commit index to the highest index stored
// on a majority, counting only entries of the current term.
func (n *Node) maybeCommitLocked() {
	acks := ackIndexer{n.cfg.ID: quorum.Index(n.log.LastIndex())}
	for id, pr := range n.progress {
		acks[id] = quorum.Index(pr.Match)
	}
	ci := uint64(n.voters.CommittedIndex(acks))
	if ci <= n.commit {
		return
	}
	t, err := n.log.Term(ci)
	if err != nil || t != n.term {
		return
	}
	n.setCommitLocked(ci)
}

// HandleAppendEntries is the follower side of log replication and
// heartbeats. New entries are durable before a success reply is returned.
func (n *Node) HandleAppendEntries(msg raftpb.Message) raftpb.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	metrics.RaftMessagesTotal.WithLabelValues("in", msg.Type.String()).Inc()
	resp := raftpb.Message{Type: raftpb.MsgAppResp, From: n.cfg.ID, To: msg.From, Term: n.term, Index: msg.Index}
	if n.stopped || msg.Term < n.term {
		resp.Reject = true
		return resp
	}
	n.acceptLeaderLocked(msg)
	resp.Term = n.term

	last := n.log.LastIndex()
	if msg.Index > last {
		resp.Reject = true
		resp.RejectHint = last
		return resp
	}
	if t, err := n.log.Term(msg.Index); err == nil && t != msg.LogTerm {
		resp.Reject = true
		resp.RejectHint = n.conflictHintLocked(msg.Index, t)
		slog.Debug("log mismatch at previous index",
			"node_id", n.cfg.ID, "leader", msg.From, "prev", msg.Index, "prev_term", msg.LogTerm, "local_term", t, "hint", resp.RejectHint)
		return resp
	}

	if err := n.log.Append(msg.Entries); err != nil {
		if errors.Is(err, ErrLogConflict) {
			slog.Error("leader tried to overwrite committed entries", "node_id", n.cfg.ID, "leader", msg.From, "error", err)
		} else {
			slog.Error("append entries failed", "node_id", n.cfg.ID, "leader", msg.From, "error", err)
		}
		resp.Reject = true
		resp.RejectHint = n.commit
		return resp
	}

	lastNew := msg.Index + uint64(len(msg.Entries))
	n.setCommitLocked(min(msg.Commit, lastNew))
	resp.Index = lastNew
	return resp
}

// conflictHintLocked walks back over the run of conflictTerm entries so the
// leader can skip them in one round trip.
func (n *Node) conflictHintLocked(index, conflictTerm uint64) uint64 {
	first := n.log.FirstIndex()
	for index > n.commit+1 && index > first {
		t, err := n.log.Term(index - 1)
		if err != nil || t != conflictTerm {
			break
		}
		index--
	}
	return index - 1
}

func (n *Node) acceptLeaderLocked(msg raftpb.Message) {
	if msg.Term > n.term || n.state != etcdraft.StateFollower {
		n.becomeFollowerLocked(msg.Term, msg.From, "stale_term")
	}
	if n.lead != msg.From {
		slog.Info("following leader", "node_id", n.cfg.ID, "leader", msg.From, "term", msg.Term)
	}
	n.lead = msg.From
	n.electionElapsed = 0
}

// HandleSnapshot installs a leader snapshot: local state is replaced through
// the restorer, then the log is reset to start after the snapshot index.
// The restorer runs without n.mu held since it waits for the apply path.
func (n *Node) HandleSnapshot(msg raftpb.Message, snap raftpb.Snapshot) raftpb.Message {
	n.mu.Lock()
	metrics.RaftMessagesTotal.WithLabelValues("in", msg.Type.String()).Inc()
	resp := raftpb.Message{Type: raftpb.MsgAppResp, From: n.cfg.ID, To: msg.From, Term: n.term}
	if n.stopped || msg.Term < n.term {
		n.mu.Unlock()
		resp.Reject = true
		return resp
	}
	n.acceptLeaderLocked(msg)
	resp.Term = n.term

	idx := snap.Metadata.Index
	if idx <= n.commit {
		resp.Index = n.commit
		n.mu.Unlock()
		return resp
	}
	if n.installing {
		resp.Reject = true
		resp.RejectHint = n.log.LastIndex()
		n.mu.Unlock()
		return resp
	}
	n.installing = true
	n.mu.Unlock()

	var restoreErr error
	if n.restorer != nil {
		restoreErr = n.restorer.RestoreSnapshot(snap)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.installing = false

	if restoreErr != nil {
		slog.Error("restore snapshot failed", "node_id", n.cfg.ID, "snap_index", idx, "error", restoreErr)
		resp.Reject = true
		resp.RejectHint = n.log.LastIndex()
		return resp
	}
	if n.stopped {
		resp.Reject = true
		return resp
	}
	// Appends accepted while restoring may already cover the snapshot.
	if idx <= n.commit {
		resp.Index = n.commit
		return resp
	}
	if err := n.log.ApplySnapshot(snap); err != nil {
		slog.Error("install snapshot into log failed", "node_id", n.cfg.ID, "snap_index", idx, "error", err)
		resp.Reject = true
		resp.RejectHint = n.log.LastIndex()
		return resp
	}
	n.setCommitLocked(idx)

	resp.Index = idx
	return resp
}
