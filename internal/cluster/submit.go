package cluster

import (
	"context"
	"errors"
	"strings"
	"time"

	"concord/internal/command"
	"concord/internal/metrics"
	"concord/internal/raft"
	"concord/internal/statemachine"
	"concord/internal/storage"

	"go.etcd.io/raft/v3/raftpb"
)

type waiter struct {
	term uint64
	ch   chan statemachine.Outcome
}

// Submit replicates cmd and returns its result once the entry is applied
// on this node. Non-leaders fail with *NotLeaderError.
func (e *Engine) Submit(ctx context.Context, cmd command.Command) (any, error) {
	start := time.Now()
	kind := cmd.Kind.String()

	value, err := e.submit(ctx, cmd)

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, raft.ErrNotLeader):
		status = "not_leader"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "canceled"
	default:
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues(kind, status).Inc()
	metrics.CommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return value, err
}

func (e *Engine) submit(ctx context.Context, cmd command.Command) (any, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if !e.enter() {
		return nil, ErrShuttingDown
	}
	defer e.inFlight.Done()

	data := command.Encode(cmd)

	// waitMu is held across Propose so the waiter exists before the entry
	// can possibly be applied.
	e.waitMu.Lock()
	index, term, err := e.node.Propose(data)
	if err != nil {
		e.waitMu.Unlock()
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, e.notLeader()
		}
		return nil, err
	}
	w := &waiter{term: term, ch: make(chan statemachine.Outcome, 1)}
	e.waiters[index] = w
	e.waitMu.Unlock()

	select {
	case out := <-w.ch:
		return out.Value, out.Err
	case <-ctx.Done():
		e.waitMu.Lock()
		if e.waiters[index] == w {
			delete(e.waiters, index)
		}
		e.waitMu.Unlock()
		return nil, ctx.Err()
	}
}

func (e *Engine) onApply(entry raftpb.Entry, out statemachine.Outcome) {
	e.waitMu.Lock()
	w, ok := e.waiters[entry.Index]
	if ok {
		delete(e.waiters, entry.Index)
	}
	e.waitMu.Unlock()
	if !ok {
		return
	}

	if w.term != entry.Term {
		out = statemachine.Outcome{Err: ErrProposalDropped}
	}
	w.ch <- out
}

// enter registers an in-flight submission unless Stop has begun. The check
// and the Add happen under drainMu so Stop's Wait never races an Add.
func (e *Engine) enter() bool {
	e.drainMu.RLock()
	defer e.drainMu.RUnlock()
	if e.shuttingDown.Load() {
		return false
	}
	e.inFlight.Add(1)
	return true
}

func (e *Engine) failWaiters(err error) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	for idx, w := range e.waiters {
		w.ch <- statemachine.Outcome{Err: err}
		delete(e.waiters, idx)
	}
}

func (e *Engine) notLeader() error {
	id, addr := e.Leader()
	return &NotLeaderError{LeaderID: id, LeaderAddr: addr}
}

// Read returns the value of key as of a linearizable point: leadership is
// confirmed by a quorum and the state machine has caught up to the commit
// index observed at that moment.
func (e *Engine) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if e.shuttingDown.Load() {
		return nil, false, ErrShuttingDown
	}
	if key == "" || strings.HasPrefix(key, storage.ReservedPrefix) {
		return nil, false, command.ErrInvalidCommand
	}

	index, err := e.node.ReadIndex(ctx)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, false, e.notLeader()
		}
		return nil, false, err
	}
	if err := e.waitApplied(ctx, index); err != nil {
		return nil, false, err
	}
	v, ok := e.store.Get(key)
	return v, ok, nil
}
