package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commit(t *testing.T, s *Store, fn func(tx Txn)) {
	t.Helper()
	tx, err := s.BeginTransaction()
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func TestStore_CommitIsVisibleAndRollbackIsNot(t *testing.T) {
	s := NewMemory()

	commit(t, s, func(tx Txn) {
		require.NoError(t, tx.Put("a", []byte("1")))
		v, ok, err := tx.Get("a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", string(v))

		_, ok = s.Get("a")
		assert.False(t, ok, "uncommitted write leaked")
	})
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	tx, err := s.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Delete("a"))
	tx.Rollback()

	_, ok = s.Get("a")
	assert.True(t, ok)
	assert.ErrorIs(t, tx.Commit(), ErrTxnClosed)
}

func TestTxn_RollbackToSavepoint(t *testing.T) {
	s := NewMemory()
	commit(t, s, func(tx Txn) {
		require.NoError(t, tx.Put("keep", []byte("1")))
		sp := tx.Savepoint()
		require.NoError(t, tx.Put("keep", []byte("2")))
		require.NoError(t, tx.Put("drop", []byte("x")))
		tx.RollbackTo(sp)

		v, ok, err := tx.Get("keep")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", string(v))
		_, ok, _ = tx.Get("drop")
		assert.False(t, ok)
	})
	assert.Equal(t, 1, s.Len())
}

func TestStore_JournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, true)
	require.NoError(t, err)
	commit(t, s, func(tx Txn) {
		require.NoError(t, tx.Put("a", []byte("1")))
		require.NoError(t, tx.Put("b", []byte("2")))
	})
	commit(t, s, func(tx Txn) {
		require.NoError(t, tx.Delete("a"))
	})
	require.NoError(t, s.Close())

	s, err = Open(dir, true)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Get("a")
	assert.False(t, ok)
	v, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
}

func TestStore_SnapshotRestore(t *testing.T) {
	src := NewMemory()
	commit(t, src, func(tx Txn) {
		require.NoError(t, tx.Put("x", []byte("1")))
		require.NoError(t, tx.Put(AppliedIndexKey, []byte{0, 0, 0, 0, 0, 0, 0, 9}))
	})
	snap, err := src.Snapshot()
	require.NoError(t, err)

	dir := t.TempDir()
	dst, err := Open(dir, true)
	require.NoError(t, err)
	commit(t, dst, func(tx Txn) {
		require.NoError(t, tx.Put("stale", []byte("old")))
	})
	require.NoError(t, dst.Restore(snap))

	_, ok := dst.Get("stale")
	assert.False(t, ok)
	v, ok := dst.Get("x")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	require.NoError(t, dst.Close())

	dst, err = Open(dir, true)
	require.NoError(t, err)
	defer dst.Close()
	assert.Equal(t, 2, dst.Len())
	_, ok = dst.Get("stale")
	assert.False(t, ok)
}

func TestStore_RestoreRejectsCommitRecord(t *testing.T) {
	s := NewMemory()
	err := s.Restore(marshalRecord(recordTypeCommit, []op{{key: "a", value: []byte("1")}}))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestStore_ClosedRejectsTransactions(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())
	_, err := s.BeginTransaction()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
}
