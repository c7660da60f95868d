package statemachine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"concord/internal/command"
	"concord/internal/metrics"
	"concord/internal/storage"
	"concord/internal/txmerger"

	"go.etcd.io/raft/v3/raftpb"
)

const applyPageSize = 256

// EntryReader reads committed entries from the replicated log.
type EntryReader interface {
	Scan(lo, hi, pageSize uint64) iter.Seq2[raftpb.Entry, error]
}

// Outcome is the result of one applied entry. Err holds the command's own
// failure; the entry still counts as applied.
type Outcome struct {
	Value any
	Err   error
}

type ApplyCallback func(entry raftpb.Entry, out Outcome)

// StateMachine applies committed entries through the transaction merger.
// Each entry's effects and the applied index marker commit in the same
// storage transaction, so a restart resumes exactly after the last durable
// entry.
type StateMachine struct {
	log    EntryReader
	engine storage.Engine
	merger *txmerger.Merger

	mu      sync.Mutex
	applied atomic.Uint64

	cbMu      sync.RWMutex
	callbacks []ApplyCallback
}

func New(log EntryReader, engine storage.Engine, merger *txmerger.Merger) (*StateMachine, error) {
	sm := &StateMachine{log: log, engine: engine, merger: merger}

	applied, err := appliedIndexFrom(engine.Get(storage.AppliedIndexKey))
	if err != nil {
		return nil, err
	}
	sm.applied.Store(applied)
	metrics.RaftAppliedIndex.Set(float64(applied))

	slog.Info("state machine loaded", "applied", applied, "keys", engine.Len())
	return sm, nil
}

func (sm *StateMachine) OnApply(cb ApplyCallback) {
	sm.cbMu.Lock()
	sm.callbacks = append(sm.callbacks, cb)
	sm.cbMu.Unlock()
}

func (sm *StateMachine) LastApplied() uint64 {
	return sm.applied.Load()
}

// ApplyUpTo applies every entry in (LastApplied, index] in ascending order.
// Entries of one page are submitted together so the merger can batch them.
// On error the applied index stays at the last durable entry and a later
// call resumes from there. Apply callbacks run after the page's lock is
// released, so a blocked callback never holds up RestoreSnapshot.
func (sm *StateMachine) ApplyUpTo(ctx context.Context, index uint64) error {
	for {
		done, more, err := sm.applyNext(ctx, index)
		for _, a := range done {
			sm.notify(a.entry, a.out)
		}
		if err != nil || !more {
			return err
		}
	}
}

type appliedEntry struct {
	entry raftpb.Entry
	out   Outcome
}

func (sm *StateMachine) applyNext(ctx context.Context, index uint64) ([]appliedEntry, bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.applied.Load() + 1
	if from > index {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	hi := min(index+1, from+applyPageSize)
	done, err := sm.applyPage(from, hi)
	return done, true, err
}

type submitted struct {
	entry  raftpb.Entry
	future *txmerger.Future
}

func (sm *StateMachine) applyPage(lo, hi uint64) ([]appliedEntry, error) {
	var (
		pending []submitted
		readErr error
	)
	for e, err := range sm.log.Scan(lo, hi, applyPageSize) {
		if err != nil {
			readErr = fmt.Errorf("read entries [%d, %d): %w", lo, hi, err)
			break
		}
		f, err := sm.merger.Submit(&entryOp{entry: e})
		if err != nil {
			readErr = err
			break
		}
		pending = append(pending, submitted{entry: e, future: f})
	}

	// Submitted ops always run; their results are collected even when a
	// later read failed.
	done := make([]appliedEntry, 0, len(pending))
	for _, p := range pending {
		v, err := p.future.Wait(context.Background())
		switch {
		case err == nil:
			sm.advance(p.entry.Index)
			done = append(done, appliedEntry{entry: p.entry, out: v.(Outcome)})
		case errors.Is(err, txmerger.ErrAlreadyApplied):
			sm.advance(p.entry.Index)
		default:
			slog.Error("apply entry failed", "index", p.entry.Index, "term", p.entry.Term, "error", err)
			return done, fmt.Errorf("apply entry %d: %w", p.entry.Index, err)
		}
	}
	return done, readErr
}

func (sm *StateMachine) advance(index uint64) {
	if index > sm.applied.Load() {
		sm.applied.Store(index)
		metrics.RaftAppliedIndex.Set(float64(index))
	}
}

func (sm *StateMachine) notify(e raftpb.Entry, out Outcome) {
	sm.cbMu.RLock()
	defer sm.cbMu.RUnlock()
	for _, cb := range sm.callbacks {
		cb(e, out)
	}
}

// entryOp applies one log entry inside a merger batch. The durable applied
// index gates it, so a duplicate delivery changes nothing.
type entryOp struct {
	entry raftpb.Entry
}

func (op *entryOp) Apply(tx storage.Txn) (any, error) {
	raw, ok, err := tx.Get(storage.AppliedIndexKey)
	if err != nil {
		return nil, err
	}
	cur, err := appliedIndexFrom(raw, ok)
	if err != nil {
		return nil, err
	}
	switch {
	case op.entry.Index <= cur:
		return nil, txmerger.ErrAlreadyApplied
	case op.entry.Index != cur+1:
		return nil, fmt.Errorf("%w: entry %d after applied %d", txmerger.ErrOutOfOrder, op.entry.Index, cur)
	}

	var out Outcome
	if op.entry.Type == raftpb.EntryNormal && len(op.entry.Data) > 0 {
		out = applyCommand(tx, op.entry.Data)
	}

	if err := tx.Put(storage.AppliedIndexKey, encodeIndex(op.entry.Index)); err != nil {
		return nil, err
	}
	return out, nil
}

func applyCommand(tx storage.Txn, data []byte) Outcome {
	cmd, err := command.Decode(data)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("unknown", "invalid").Inc()
		return Outcome{Err: err}
	}

	start := time.Now()
	sp := tx.Savepoint()
	v, err := cmd.Apply(tx)
	metrics.CommandDuration.WithLabelValues(cmd.Kind.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		tx.RollbackTo(sp)
		metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "failed").Inc()
		return Outcome{Err: err}
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Kind.String(), "applied").Inc()
	return Outcome{Value: v}
}

func encodeIndex(index uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, index)
}

func appliedIndexFrom(raw []byte, ok bool) (uint64, error) {
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: applied index marker has %d bytes", storage.ErrCorruptRecord, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
