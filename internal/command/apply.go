package command

import (
	"bytes"
	"fmt"
	"strconv"

	"concord/internal/storage"
)

// Apply runs the command against an open transaction and returns its result
// value. Errors from the package error block are per-command failures; the
// caller is expected to discard any writes made before the error.
func (c Command) Apply(tx storage.Txn) (any, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch c.Kind {
	case KindNoop:
		return nil, nil
	case KindPut:
		return nil, tx.Put(c.Key, c.Value)
	case KindDelete:
		return nil, applyDelete(tx, c.Key)
	case KindIncrement:
		return applyIncrement(tx, c.Key, c.Delta)
	case KindCompareExchange:
		return applyCompareExchange(tx, c.Key, c.Expected, c.Value)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(c.Kind))
	}
}

func applyDelete(tx storage.Txn, key string) error {
	_, ok, err := tx.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return tx.Delete(key)
}

func applyIncrement(tx storage.Txn, key string, delta int64) ([]byte, error) {
	cur, ok, err := tx.Get(key)
	if err != nil {
		return nil, err
	}

	var n int64
	if ok {
		n, err = strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrNotCounter, key)
		}
	}

	next := []byte(strconv.FormatInt(n+delta, 10))
	if err := tx.Put(key, next); err != nil {
		return nil, err
	}
	return next, nil
}

func applyCompareExchange(tx storage.Txn, key string, expected, value []byte) ([]byte, error) {
	cur, ok, err := tx.Get(key)
	if err != nil {
		return nil, err
	}

	matched := ok && expected != nil && bytes.Equal(cur, expected)
	if expected == nil {
		matched = !ok
	}
	if !matched {
		return cur, fmt.Errorf("%w: %q", ErrCompareFailed, key)
	}
	return value, tx.Put(key, value)
}
