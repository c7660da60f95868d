package statemachine

import (
	"errors"
	"fmt"
	"log/slog"

	"concord/internal/storage"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// Compactor is the part of the replicated log that stores snapshots and
// drops the entries they cover.
type Compactor interface {
	SnapshotIndex() uint64
	CreateSnapshot(index uint64, data []byte) (raftpb.Snapshot, error)
	Compact(index uint64) error
}

// Snapshot captures storage state together with the index it reflects.
func (sm *StateMachine) Snapshot() (uint64, []byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	data, err := sm.engine.Snapshot()
	if err != nil {
		return 0, nil, fmt.Errorf("storage snapshot: %w", err)
	}
	return sm.applied.Load(), data, nil
}

// RestoreSnapshot replaces storage with a leader snapshot. Entries up to
// the snapshot index count as applied afterwards.
func (sm *StateMachine) RestoreSnapshot(snap raftpb.Snapshot) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if applied := sm.applied.Load(); applied >= snap.Metadata.Index {
		slog.Info("skipping snapshot already covered by applied entries", "applied", applied, "snap_index", snap.Metadata.Index)
		return nil
	}
	if err := sm.engine.Restore(snap.Data); err != nil {
		return fmt.Errorf("restore storage: %w", err)
	}

	applied, err := appliedIndexFrom(sm.engine.Get(storage.AppliedIndexKey))
	if err != nil {
		return err
	}
	if applied != snap.Metadata.Index {
		slog.Warn("snapshot marker differs from snapshot index", "marker", applied, "snap_index", snap.Metadata.Index)
	}
	sm.advance(snap.Metadata.Index)

	slog.Info("restored state from snapshot", "index", snap.Metadata.Index, "keys", sm.engine.Len())
	return nil
}

// MaybeCompact snapshots storage once snapCount entries have been applied
// since the last snapshot, then drops log entries older than the newest
// snapCount so slow followers can still catch up from the log.
func (sm *StateMachine) MaybeCompact(log Compactor, snapCount uint64) error {
	if snapCount == 0 {
		return nil
	}
	snapIndex := log.SnapshotIndex()
	applied := sm.LastApplied()
	if applied <= snapIndex || applied-snapIndex < snapCount {
		return nil
	}

	index, data, err := sm.Snapshot()
	if err != nil {
		return err
	}
	snap, err := log.CreateSnapshot(index, data)
	if err != nil {
		if errors.Is(err, etcdraft.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("create snapshot: %w", err)
	}

	if index <= snapCount {
		return nil
	}
	compactIndex := index - snapCount
	if err := log.Compact(compactIndex); err != nil {
		return fmt.Errorf("compact log: %w", err)
	}

	slog.Info("compacted log behind snapshot",
		"snap_index", snap.Metadata.Index,
		"snap_term", snap.Metadata.Term,
		"compact_index", compactIndex,
		"data_size", len(data),
	)
	return nil
}
