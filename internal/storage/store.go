package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"concord/internal/metrics"

	"github.com/tidwall/wal"
)

// Store is a key/value engine with single-writer transactions. When opened
// on a directory every commit is journaled to a write-ahead log before it
// becomes visible; NewMemory keeps everything in process memory.
type Store struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	data    map[string][]byte
	log     *wal.Log
	lastIdx uint64
	closed  bool
}

func NewMemory() *Store {
	return &Store{data: make(map[string][]byte)}
}

func Open(dir string, noSync bool) (*Store, error) {
	opts := *wal.DefaultOptions
	opts.NoSync = noSync

	log, err := wal.Open(filepath.Join(dir, "journal"), &opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	s := &Store{data: make(map[string][]byte), log: log}
	if err := s.replay(); err != nil {
		_ = log.Close()
		return nil, err
	}
	metrics.StorageKeysTotal.Set(float64(len(s.data)))
	slog.Info("storage opened", "dir", dir, "keys", len(s.data), "journal_index", s.lastIdx)
	return s, nil
}

func (s *Store) replay() error {
	first, err := s.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("journal first index: %w", err)
	}
	last, err := s.log.LastIndex()
	if err != nil {
		return fmt.Errorf("journal last index: %w", err)
	}
	s.lastIdx = last
	if last == 0 {
		return nil
	}

	for idx := first; idx <= last; idx++ {
		data, err := s.log.Read(idx)
		if err != nil {
			return fmt.Errorf("read journal %d: %w", idx, err)
		}
		recType, ops, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("journal %d: %w", idx, err)
		}
		switch recType {
		case recordTypeCheckpoint:
			s.data = make(map[string][]byte, len(ops))
			applyOps(s.data, ops)
		case recordTypeCommit:
			applyOps(s.data, ops)
		default:
			return fmt.Errorf("journal %d: %w: type %d", idx, ErrCorruptRecord, recType)
		}
	}
	return nil
}

func applyOps(data map[string][]byte, ops []op) {
	for _, o := range ops {
		if o.deleted {
			delete(data, o.key)
		} else {
			data[o.key] = o.value
		}
	}
}

// BeginTransaction blocks until any other write transaction is closed.
func (s *Store) BeginTransaction() (Txn, error) {
	s.writeMu.Lock()
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		s.writeMu.Unlock()
		return nil, ErrClosed
	}
	return &txn{store: s, writes: make(map[string]write)}, nil
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Snapshot encodes the committed state, including AppliedIndexKey.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return marshalRecord(recordTypeCheckpoint, s.sortedOpsLocked()), nil
}

// Restore replaces the entire state with a snapshot and compacts the journal
// to a single checkpoint record.
func (s *Store) Restore(snapshot []byte) error {
	recType, ops, err := unmarshalRecord(snapshot)
	if err != nil {
		return err
	}
	if recType != recordTypeCheckpoint {
		return fmt.Errorf("%w: snapshot has record type %d", ErrCorruptRecord, recType)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.journal(snapshot); err != nil {
		return err
	}
	if s.log != nil {
		if err := s.log.TruncateFront(s.lastIdx); err != nil {
			slog.Warn("journal truncate after restore failed", "index", s.lastIdx, "error", err)
		}
	}

	data := make(map[string][]byte, len(ops))
	applyOps(data, ops)

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	metrics.StorageKeysTotal.Set(float64(len(data)))
	return nil
}

func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.log != nil {
		return s.log.Close()
	}
	return nil
}

func (s *Store) sortedOpsLocked() []op {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	ops := make([]op, len(keys))
	for i, k := range keys {
		ops[i] = op{key: k, value: s.data[k]}
	}
	return ops
}

// journal appends one record; callers hold writeMu.
func (s *Store) journal(rec []byte) error {
	if s.log == nil {
		return nil
	}
	if err := s.log.Write(s.lastIdx+1, rec); err != nil {
		return fmt.Errorf("%w: journal write: %w", ErrStorageFailure, err)
	}
	s.lastIdx++
	return nil
}

type write struct {
	value   []byte
	deleted bool
}

type undo struct {
	key  string
	prev write
	had  bool
}

type txn struct {
	store  *Store
	writes map[string]write
	undo   []undo
	done   bool
}

func (t *txn) Get(key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxnClosed
	}
	if w, ok := t.writes[key]; ok {
		return w.value, !w.deleted, nil
	}
	v, ok := t.store.Get(key)
	return v, ok, nil
}

func (t *txn) Put(key string, value []byte) error {
	return t.set(key, write{value: slices.Clone(value)})
}

func (t *txn) Delete(key string) error {
	return t.set(key, write{deleted: true})
}

func (t *txn) set(key string, w write) error {
	if t.done {
		return ErrTxnClosed
	}
	prev, had := t.writes[key]
	t.undo = append(t.undo, undo{key: key, prev: prev, had: had})
	t.writes[key] = w
	return nil
}

func (t *txn) Savepoint() int {
	return len(t.undo)
}

func (t *txn) RollbackTo(savepoint int) {
	for i := len(t.undo) - 1; i >= savepoint && i >= 0; i-- {
		u := t.undo[i]
		if u.had {
			t.writes[u.key] = u.prev
		} else {
			delete(t.writes, u.key)
		}
	}
	if savepoint < len(t.undo) {
		t.undo = t.undo[:max(savepoint, 0)]
	}
}

func (t *txn) Commit() error {
	if t.done {
		return ErrTxnClosed
	}
	defer t.close()

	if len(t.writes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	ops := make([]op, len(keys))
	for i, k := range keys {
		w := t.writes[k]
		ops[i] = op{key: k, value: w.value, deleted: w.deleted}
	}

	if err := t.store.journal(marshalRecord(recordTypeCommit, ops)); err != nil {
		metrics.StorageCommitsTotal.WithLabelValues("error").Inc()
		return err
	}

	t.store.mu.Lock()
	if t.store.closed {
		t.store.mu.Unlock()
		return errors.Join(ErrStorageFailure, ErrClosed)
	}
	applyOps(t.store.data, ops)
	n := len(t.store.data)
	t.store.mu.Unlock()

	metrics.StorageCommitsTotal.WithLabelValues("ok").Inc()
	metrics.StorageKeysTotal.Set(float64(n))
	return nil
}

func (t *txn) Rollback() {
	if t.done {
		return
	}
	t.close()
}

func (t *txn) close() {
	t.done = true
	t.writes = nil
	t.undo = nil
	t.store.writeMu.Unlock()
}
