package storage

import "errors"

// Keys under ReservedPrefix belong to the consensus core and are rejected
// from command payloads.
const ReservedPrefix = "@sys/"

// AppliedIndexKey holds the highest log index whose effects are committed in
// the same transaction.
const AppliedIndexKey = ReservedPrefix + "applied-index"

var (
	ErrStorageFailure = errors.New("storage failure")
	ErrTxnClosed      = errors.New("transaction already closed")
	ErrClosed         = errors.New("storage engine closed")
	ErrCorruptRecord  = errors.New("corrupt storage record")
)

// Engine is the transactional storage consumed by the transaction merger.
// At most one write transaction is open at a time.
type Engine interface {
	BeginTransaction() (Txn, error)
	Get(key string) ([]byte, bool)
	Len() int
	Snapshot() ([]byte, error)
	Restore(data []byte) error
	Close() error
}

type Txn interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Savepoint marks the current write set; RollbackTo discards every write
	// made after the mark while keeping the transaction open.
	Savepoint() int
	RollbackTo(savepoint int)
	Commit() error
	Rollback()
}
