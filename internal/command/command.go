package command

import (
	"fmt"
	"strings"

	"concord/internal/storage"
)

// Kind tags a command variant. The set is closed: Apply and Validate switch
// over every Kind and reject anything else with ErrUnknownKind.
type Kind uint8

const (
	KindNoop Kind = iota
	KindPut
	KindDelete
	KindIncrement
	KindCompareExchange
)

func (k Kind) String() string {
	switch k {
	case KindNoop:
		return "NOOP"
	case KindPut:
		return "PUT"
	case KindDelete:
		return "DELETE"
	case KindIncrement:
		return "INCREMENT"
	case KindCompareExchange:
		return "CMPXCHG"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

type Command struct {
	Kind     Kind
	Key      string
	Value    []byte
	Expected []byte
	Delta    int64
	// RequestID is assigned by the submitter and only used for tracing.
	RequestID string
}

func Noop() Command { return Command{Kind: KindNoop} }

func Put(key string, value []byte) Command {
	return Command{Kind: KindPut, Key: key, Value: value}
}

func Delete(key string) Command {
	return Command{Kind: KindDelete, Key: key}
}

func Increment(key string, delta int64) Command {
	return Command{Kind: KindIncrement, Key: key, Delta: delta}
}

// CompareExchange replaces key with value only if its current value equals
// expected. A nil expected means the key must not exist.
func CompareExchange(key string, expected, value []byte) Command {
	return Command{Kind: KindCompareExchange, Key: key, Expected: expected, Value: value}
}

func (c Command) Validate() error {
	switch c.Kind {
	case KindNoop:
		return nil
	case KindPut, KindDelete, KindIncrement, KindCompareExchange:
		if c.Key == "" {
			return fmt.Errorf("%w: %s requires a key", ErrInvalidCommand, c.Kind)
		}
		if strings.HasPrefix(c.Key, storage.ReservedPrefix) {
			return fmt.Errorf("%w: key %q is reserved", ErrInvalidCommand, c.Key)
		}
		if c.Kind == KindIncrement && c.Delta == 0 {
			return fmt.Errorf("%w: increment by zero", ErrInvalidCommand)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(c.Kind))
	}
}

// Summary is the one-line description shown by the cluster log view.
func (c Command) Summary() string {
	switch c.Kind {
	case KindNoop:
		return "NOOP"
	case KindPut:
		return fmt.Sprintf("PUT %s (%d bytes)", c.Key, len(c.Value))
	case KindDelete:
		return "DELETE " + c.Key
	case KindIncrement:
		return fmt.Sprintf("INCREMENT %s by %d", c.Key, c.Delta)
	case KindCompareExchange:
		return fmt.Sprintf("CMPXCHG %s (%d bytes)", c.Key, len(c.Value))
	default:
		return c.Kind.String()
	}
}
