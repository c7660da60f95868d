package cluster

import (
	"errors"
	"fmt"

	"concord/internal/raft"
)

var (
	ErrShuttingDown = errors.New("cluster engine shutting down")
	// ErrProposalDropped means another leader's entry took the proposal's
	// log position; the command was never applied.
	ErrProposalDropped = errors.New("proposal dropped by leader change")
)

// NotLeaderError carries the known leader so callers can redirect. It
// matches raft.ErrNotLeader.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "not leader (leader unknown)"
	}
	return fmt.Sprintf("not leader (leader %d at %s)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Unwrap() error { return raft.ErrNotLeader }
