package txmerger

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	stateQueued int32 = iota
	stateBatched
	stateCanceled
)

// Future is the submitter's handle on a pending command. It is resolved
// exactly once by the apply loop, or by Cancel while still queued.
type Future struct {
	id    uuid.UUID
	op    Op
	state atomic.Int32
	done  chan struct{}

	value any
	err   error
}

func newFuture(op Op) *Future {
	return &Future{id: uuid.New(), op: op, done: make(chan struct{})}
}

func (f *Future) ID() uuid.UUID { return f.id }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the owning batch resolves. A context cancellation while
// still queued cancels the command; once batched, Wait keeps waiting for the
// batch outcome.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
	}

	if f.Cancel() {
		return nil, ctx.Err()
	}
	<-f.done
	return f.value, f.err
}

// Cancel withdraws the command if it has not been taken into a batch yet.
func (f *Future) Cancel() bool {
	if !f.state.CompareAndSwap(stateQueued, stateCanceled) {
		return false
	}
	f.resolve(nil, ErrCanceled)
	return true
}

func (f *Future) claim() bool {
	return f.state.CompareAndSwap(stateQueued, stateBatched)
}

func (f *Future) resolve(value any, err error) {
	f.value, f.err = value, err
	close(f.done)
}
