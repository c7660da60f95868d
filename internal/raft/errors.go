package raft

import (
	"errors"

	etcdraft "go.etcd.io/raft/v3"
)

var (
	ErrNotLeader = errors.New("not leader")
	// ErrLogConflict is returned when an append would overwrite a committed
	// entry. Conflicts in the uncommitted suffix are resolved by truncation.
	ErrLogConflict = errors.New("log conflict below commit index")
	ErrLogGap      = errors.New("log append leaves a gap")
	// ErrStaleTerm is the step-down reason when a higher term is observed.
	// It is logged, never returned to callers.
	ErrStaleTerm      = errors.New("stale term")
	ErrStopped        = errors.New("raft node stopped")
	ErrLeaderNotReady = errors.New("leader has not committed an entry in its term")
	ErrNoQuorum       = errors.New("leadership not confirmed by a quorum")

	ErrCompacted   = etcdraft.ErrCompacted
	ErrUnavailable = etcdraft.ErrUnavailable
)
