package raft

import (
	"context"
	"log/slog"

	"concord/internal/metrics"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/quorum"
	"go.etcd.io/raft/v3/raftpb"
)

// ReadIndex confirms leadership with a round of heartbeats and returns the
// commit index as of the start of the round. State applied up to the
// returned index reflects every write acknowledged before the call.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return 0, ErrStopped
	}
	if n.state != etcdraft.StateLeader {
		n.mu.Unlock()
		metrics.ReadIndexTotal.WithLabelValues("not_leader").Inc()
		return 0, ErrNotLeader
	}
	if t, err := n.log.Term(n.commit); err != nil || t != n.term {
		n.mu.Unlock()
		metrics.ReadIndexTotal.WithLabelValues("not_ready").Inc()
		return 0, ErrLeaderNotReady
	}

	index, term := n.commit, n.term
	peers := n.othersLocked()
	msgs := make([]raftpb.Message, 0, len(peers))
	for _, peer := range peers {
		match := n.progress[peer].Match
		prevTerm, _ := n.log.Term(match)
		msgs = append(msgs, raftpb.Message{
			Type:    raftpb.MsgApp,
			To:      peer,
			From:    n.cfg.ID,
			Term:    term,
			Index:   match,
			LogTerm: prevTerm,
			Commit:  min(n.commit, match),
		})
	}
	n.mu.Unlock()

	acks := map[uint64]bool{n.cfg.ID: true}
	if n.voters.VoteResult(acks) == quorum.VoteWon {
		metrics.ReadIndexTotal.WithLabelValues("ok").Inc()
		return index, nil
	}

	rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	type ack struct {
		peer uint64
		ok   bool
	}
	results := make(chan ack, len(msgs))
	for _, msg := range msgs {
		go func() {
			resp, err := n.transport.SendAppendEntries(rctx, msg.To, msg)
			if err != nil {
				results <- ack{peer: msg.To}
				return
			}
			if resp.Term > term {
				n.mu.Lock()
				if resp.Term > n.term {
					n.becomeFollowerLocked(resp.Term, 0, "stale_term")
				}
				n.mu.Unlock()
			}
			results <- ack{peer: msg.To, ok: resp.Term == term}
		}()
	}

	for range msgs {
		select {
		case <-rctx.Done():
			metrics.ReadIndexTotal.WithLabelValues("timeout").Inc()
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, ErrNoQuorum
		case a := <-results:
			acks[a.peer] = a.ok
		}

		switch n.voters.VoteResult(acks) {
		case quorum.VoteWon:
			if n.Term() != term {
				metrics.ReadIndexTotal.WithLabelValues("not_leader").Inc()
				return 0, ErrNotLeader
			}
			metrics.ReadIndexTotal.WithLabelValues("ok").Inc()
			return index, nil
		case quorum.VoteLost:
			metrics.ReadIndexTotal.WithLabelValues("no_quorum").Inc()
			slog.Debug("read index lost quorum", "node_id", n.cfg.ID, "term", term)
			return 0, ErrNoQuorum
		}
	}
	return 0, ErrNoQuorum
}
