package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"concord/internal/metrics"

	"github.com/tidwall/wal"
	"go.etcd.io/etcd/pkg/v3/pbutil"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

const (
	RecordTypeEntry     byte = 1
	RecordTypeHardState byte = 2
	// RecordTypeSnapshot marks a local compaction point; entries after it
	// stay valid.
	RecordTypeSnapshot byte = 3
	// RecordTypeSnapshotInstall marks a snapshot received from a leader; every
	// entry recorded before it is discarded on replay.
	RecordTypeSnapshotInstall byte = 4
)

const (
	snapshotFolder = "snapshot"
	walFolder      = "wal"
)

// Log is the persistent replicated log. Records are journaled to a tidwall
// WAL (entries, hard state, snapshot markers) and mirrored in an etcd
// MemoryStorage that serves reads. A Log created by NewMemoryLog keeps
// nothing on disk.
type Log struct {
	mu sync.Mutex

	dir    string
	log    *wal.Log
	noSync bool
	ms     *etcdraft.MemoryStorage

	hs   raftpb.HardState
	snap raftpb.Snapshot

	nextWALIdx uint64
	// entryIndex maps a log index to the WAL position of its latest record.
	entryIndex map[uint64]uint64
}

func NewMemoryLog() *Log {
	return &Log{
		ms:         etcdraft.NewMemoryStorage(),
		entryIndex: make(map[uint64]uint64),
		nextWALIdx: 1,
	}
}

func OpenLog(dir string, noSync bool) (*Log, error) {
	if err := os.MkdirAll(filepath.Join(dir, snapshotFolder), 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	opts := *wal.DefaultOptions
	// Syncs are issued explicitly so one fsync covers a whole append.
	opts.NoSync = true
	w, err := wal.Open(filepath.Join(dir, walFolder), &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	l := NewMemoryLog()
	l.dir = dir
	l.log = w
	l.noSync = noSync

	if err := l.replay(); err != nil {
		_ = w.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	empty, err := l.log.IsEmpty()
	if err != nil {
		return fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil
	}

	first, err := l.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := l.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}

	var entries []raftpb.Entry
	for idx := first; idx <= last; idx++ {
		data, err := l.log.Read(idx)
		if err != nil {
			return fmt.Errorf("wal.Read(%d): %w", idx, err)
		}
		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("unmarshal record %d: %w", idx, err)
		}

		switch recType {
		case RecordTypeEntry:
			var e raftpb.Entry
			if !pbutil.MaybeUnmarshal(&e, payload) {
				return fmt.Errorf("record %d: corrupt entry", idx)
			}
			if n := len(entries); n > 0 && e.Index <= entries[n-1].Index {
				if e.Index <= entries[0].Index {
					entries = entries[:0]
				} else {
					entries = entries[:e.Index-entries[0].Index]
				}
			}
			entries = append(entries, e)
			l.entryIndex[e.Index] = idx

		case RecordTypeHardState:
			var hs raftpb.HardState
			if !pbutil.MaybeUnmarshal(&hs, payload) {
				return fmt.Errorf("record %d: corrupt hard state", idx)
			}
			l.hs = hs

		case RecordTypeSnapshot, RecordTypeSnapshotInstall:
			var meta raftpb.SnapshotMetadata
			if !pbutil.MaybeUnmarshal(&meta, payload) {
				return fmt.Errorf("record %d: corrupt snapshot metadata", idx)
			}
			if recType == RecordTypeSnapshotInstall {
				entries = entries[:0]
			}
			data, err := l.loadSnapshotData(meta.Index)
			if err != nil {
				slog.Warn("snapshot data missing, skipping", "index", meta.Index, "error", err)
				continue
			}
			l.snap = raftpb.Snapshot{Metadata: meta, Data: data}

		default:
			return fmt.Errorf("record %d: unknown type %d", idx, recType)
		}
	}
	l.nextWALIdx = last + 1

	snapIndex := l.snap.Metadata.Index
	if !etcdraft.IsEmptySnap(l.snap) {
		if err := l.ms.ApplySnapshot(l.snap); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}
	if !etcdraft.IsEmptyHardState(l.hs) {
		if err := l.ms.SetHardState(l.hs); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}

	var live []raftpb.Entry
	for _, e := range entries {
		if e.Index > snapIndex {
			live = append(live, e)
		}
	}
	if len(live) > 0 {
		if live[0].Index != snapIndex+1 {
			return fmt.Errorf("%w: replay starts at %d after snapshot %d", ErrLogGap, live[0].Index, snapIndex)
		}
		if err := l.ms.Append(live); err != nil {
			return fmt.Errorf("append entries: %w", err)
		}
	}

	slog.Info("replayed raft log",
		"wal_first", first,
		"wal_last", last,
		"entries", len(live),
		"snap_index", snapIndex,
		"term", l.hs.Term,
		"vote", l.hs.Vote,
		"commit", l.hs.Commit,
	)
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.log != nil {
		return l.log.Close()
	}
	return nil
}

// Append stores entries durably. An entry whose index already holds a
// different term replaces that entry and everything after it, unless the
// index is at or below the commit index, in which case ErrLogConflict is
// returned and nothing is written. Entries identical to stored ones are
// skipped, so re-delivered appends are no-ops.
func (l *Log) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	first, _ := l.ms.FirstIndex()
	last, _ := l.ms.LastIndex()
	if entries[0].Index > last+1 {
		return fmt.Errorf("%w: append at %d, last index %d", ErrLogGap, entries[0].Index, last)
	}

	start := len(entries)
	for i, e := range entries {
		if e.Index < first {
			continue
		}
		if e.Index > last {
			start = i
			break
		}
		t, err := l.ms.Term(e.Index)
		if err != nil {
			return err
		}
		if t != e.Term {
			if e.Index <= l.hs.Commit {
				return fmt.Errorf("%w: index %d has term %d, got %d (commit %d)",
					ErrLogConflict, e.Index, t, e.Term, l.hs.Commit)
			}
			slog.Info("truncating conflicting log suffix", "index", e.Index, "old_term", t, "new_term", e.Term)
			start = i
			break
		}
	}
	entries = entries[start:]
	if len(entries) == 0 {
		return nil
	}

	begin := time.Now()
	for i := range entries {
		if err := l.appendRecordLocked(RecordTypeEntry, &entries[i]); err != nil {
			return err
		}
		l.entryIndex[entries[i].Index] = l.nextWALIdx - 1
	}
	if err := l.syncLocked(); err != nil {
		return err
	}
	metrics.WALWriteDuration.Observe(time.Since(begin).Seconds())
	metrics.WALWritesTotal.WithLabelValues("entry").Add(float64(len(entries)))

	if err := l.ms.Append(entries); err != nil {
		return fmt.Errorf("MemoryStorage.Append: %w", err)
	}
	return nil
}

// SetHardState persists term, vote and commit. Term or vote changes are
// synced before returning; a commit-only change is written without sync
// because it can be recomputed from the leader.
func (l *Log) SetHardState(hs raftpb.HardState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if isHardStateEqual(l.hs, hs) {
		return nil
	}
	needSync := hs.Term != l.hs.Term || hs.Vote != l.hs.Vote

	if err := l.appendRecordLocked(RecordTypeHardState, &hs); err != nil {
		return err
	}
	if needSync {
		if err := l.syncLocked(); err != nil {
			return err
		}
	}
	metrics.WALWritesTotal.WithLabelValues("hard_state").Inc()

	l.hs = hs
	if err := l.ms.SetHardState(hs); err != nil {
		return fmt.Errorf("MemoryStorage.SetHardState: %w", err)
	}
	return nil
}

func (l *Log) HardState() raftpb.HardState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hs
}

func (l *Log) FirstIndex() uint64 {
	i, _ := l.ms.FirstIndex()
	return i
}

func (l *Log) LastIndex() uint64 {
	i, _ := l.ms.LastIndex()
	return i
}

// Term returns the term of the entry at index i. The snapshot index itself
// is answerable; anything older returns ErrCompacted.
func (l *Log) Term(i uint64) (uint64, error) {
	return l.ms.Term(i)
}

func (l *Log) LastTerm() uint64 {
	t, _ := l.ms.Term(l.LastIndex())
	return t
}

// Entries returns entries in [lo, hi), capped at maxSize bytes but always at
// least one entry.
func (l *Log) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	if lo >= hi {
		return nil, nil
	}
	if lo < l.FirstIndex() {
		return nil, ErrCompacted
	}
	if hi > l.LastIndex()+1 {
		return nil, fmt.Errorf("%w: entries up to %d, last index %d", ErrUnavailable, hi-1, l.LastIndex())
	}
	return l.ms.Entries(lo, hi, maxSize)
}

// Scan lazily yields entries in [lo, hi), reading pageSize entries at a time.
// Iteration stops at the first error, which is yielded once.
func (l *Log) Scan(lo, hi, pageSize uint64) iter.Seq2[raftpb.Entry, error] {
	if pageSize == 0 {
		pageSize = 64
	}
	return func(yield func(raftpb.Entry, error) bool) {
		for lo < hi {
			ents, err := l.Entries(lo, min(hi, lo+pageSize), math.MaxUint64)
			if err != nil {
				yield(raftpb.Entry{}, err)
				return
			}
			for _, e := range ents {
				if !yield(e, nil) {
					return
				}
			}
			lo += uint64(len(ents))
		}
	}
}

// CreateSnapshot records data as the state at index and makes it the
// snapshot served to lagging followers. Log entries are kept until Compact.
func (l *Log) CreateSnapshot(index uint64, data []byte) (raftpb.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, _ := l.ms.LastIndex(); index > last {
		return raftpb.Snapshot{}, fmt.Errorf("%w: snapshot at %d, last index %d", ErrUnavailable, index, last)
	}
	snap, err := l.ms.CreateSnapshot(index, nil, data)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	if err := l.persistSnapshotLocked(RecordTypeSnapshot, snap); err != nil {
		return raftpb.Snapshot{}, err
	}

	slog.Info("saved snapshot", "index", snap.Metadata.Index, "term", snap.Metadata.Term, "data_size", len(data))
	return snap, nil
}

// ApplySnapshot installs a snapshot received from the leader, discarding the
// whole local log, and raises the commit index to the snapshot index.
func (l *Log) ApplySnapshot(snap raftpb.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if snap.Metadata.Index <= l.snap.Metadata.Index {
		return etcdraft.ErrSnapOutOfDate
	}
	if err := l.persistSnapshotLocked(RecordTypeSnapshotInstall, snap); err != nil {
		return err
	}
	if err := l.ms.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("ApplySnapshot: %w", err)
	}
	clear(l.entryIndex)

	hs := l.hs
	hs.Commit = max(hs.Commit, snap.Metadata.Index)
	hs.Term = max(hs.Term, snap.Metadata.Term)
	if !isHardStateEqual(hs, l.hs) {
		if err := l.appendRecordLocked(RecordTypeHardState, &hs); err != nil {
			return err
		}
		if err := l.syncLocked(); err != nil {
			return err
		}
		l.hs = hs
		if err := l.ms.SetHardState(hs); err != nil {
			return fmt.Errorf("MemoryStorage.SetHardState: %w", err)
		}
	}

	metrics.RaftSnapshotsInstalled.Inc()
	slog.Info("installed snapshot from leader", "index", snap.Metadata.Index, "term", snap.Metadata.Term)
	return nil
}

// Snapshot returns the latest snapshot, including its data.
func (l *Log) Snapshot() (raftpb.Snapshot, error) {
	return l.ms.Snapshot()
}

func (l *Log) SnapshotIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap.Metadata.Index
}

// Compact discards entries up to and including index. index must not exceed
// the latest snapshot index.
func (l *Log) Compact(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index > l.snap.Metadata.Index {
		return fmt.Errorf("compact %d beyond snapshot %d", index, l.snap.Metadata.Index)
	}
	if err := l.ms.Compact(index); err != nil {
		if errors.Is(err, etcdraft.ErrCompacted) {
			return nil
		}
		return fmt.Errorf("MemoryStorage.Compact: %w", err)
	}
	metrics.RaftCompactionsTotal.Inc()

	walIdx, ok := l.entryIndex[index]
	if !ok || l.log == nil {
		return nil
	}

	// The WAL prefix about to be dropped may hold the only snapshot marker and
	// hard state record, so both are rewritten at the tail first.
	if err := l.appendRecordLocked(RecordTypeSnapshot, &l.snap.Metadata); err != nil {
		return err
	}
	if err := l.appendRecordLocked(RecordTypeHardState, &l.hs); err != nil {
		return err
	}
	if err := l.syncLocked(); err != nil {
		return err
	}
	if err := l.log.TruncateFront(walIdx); err != nil {
		return fmt.Errorf("wal.TruncateFront: %w", err)
	}
	for ri, wi := range l.entryIndex {
		if wi < walIdx {
			delete(l.entryIndex, ri)
		}
	}
	l.cleanupOldSnapshots()

	slog.Debug("compacted raft log", "index", index, "wal_index", walIdx)
	return nil
}

func (l *Log) persistSnapshotLocked(recType byte, snap raftpb.Snapshot) error {
	if l.log != nil {
		if err := l.saveSnapshotData(snap); err != nil {
			return fmt.Errorf("save snapshot data: %w", err)
		}
		if err := l.appendRecordLocked(recType, &snap.Metadata); err != nil {
			return fmt.Errorf("append snapshot record: %w", err)
		}
		if err := l.syncLocked(); err != nil {
			return err
		}
	}
	l.snap = snap
	return nil
}

func (l *Log) saveSnapshotData(snap raftpb.Snapshot) error {
	path := filepath.Join(l.dir, snapshotFolder, fmt.Sprintf("%016x", snap.Metadata.Index))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(snap.Data); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Log) loadSnapshotData(index uint64) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.dir, snapshotFolder, fmt.Sprintf("%016x", index)))
}

func (l *Log) cleanupOldSnapshots() {
	snapDir := filepath.Join(l.dir, snapshotFolder)
	files, err := os.ReadDir(snapDir)
	if err != nil {
		return
	}

	for _, f := range files {
		var idx uint64
		if f.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(f.Name(), "%016x", &idx); err != nil {
			continue
		}
		if idx < l.snap.Metadata.Index {
			path := filepath.Join(snapDir, f.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to remove old snapshot", "path", path, "error", err)
			}
		}
	}
}

func (l *Log) appendRecordLocked(recType byte, msg pbutil.Marshaler) error {
	if l.log == nil {
		return nil
	}
	data := marshalRecord(recType, pbutil.MustMarshal(msg))
	if err := l.log.Write(l.nextWALIdx, data); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", l.nextWALIdx, err)
	}
	l.nextWALIdx++
	return nil
}

func (l *Log) syncLocked() error {
	if l.log == nil || l.noSync {
		return nil
	}
	if err := l.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}
	return nil
}

func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	end := start + int(length)
	if end > len(data) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return recType, data[start:end], nil
}

func isHardStateEqual(a, b raftpb.HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}
