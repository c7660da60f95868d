package txmerger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"concord/internal/metrics"
	"concord/internal/storage"
)

// Op is one unit of work applied inside a batch transaction. A returned
// error is a per-command failure: writes made by the op are discarded and
// the rest of the batch still commits.
type Op interface {
	Apply(tx storage.Txn) (any, error)
}

type OpFunc func(tx storage.Txn) (any, error)

func (f OpFunc) Apply(tx storage.Txn) (any, error) { return f(tx) }

type Config struct {
	MaxBatchSize         int
	LowResourceBatchSize int
	// MaxBatchDuration bounds how long a batch keeps pulling new commands
	// once its transaction is open. Zero disables the time slice.
	MaxBatchDuration time.Duration
}

// Merger is the single writer of the storage engine. Submitted ops are
// queued and a dedicated loop applies them in batches, one storage
// transaction per batch, in submission order.
type Merger struct {
	engine storage.Engine
	cfg    Config

	lowResources atomic.Bool

	mu     sync.Mutex
	queue  []*Future
	closed bool

	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(engine storage.Engine, cfg Config) *Merger {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.LowResourceBatchSize <= 0 || cfg.LowResourceBatchSize > cfg.MaxBatchSize {
		cfg.LowResourceBatchSize = cfg.MaxBatchSize
	}

	m := &Merger{
		engine: engine,
		cfg:    cfg,
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.run()

	slog.Info("transaction merger started",
		"max_batch_size", cfg.MaxBatchSize,
		"low_resource_batch_size", cfg.LowResourceBatchSize,
		"max_batch_duration", cfg.MaxBatchDuration,
	)
	return m
}

// Submit queues op for the next batch and returns immediately.
func (m *Merger) Submit(op Op) (*Future, error) {
	f := newFuture(op)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.queue = append(m.queue, f)
	depth := len(m.queue)
	m.mu.Unlock()

	metrics.MergerQueueDepth.Set(float64(depth))

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return f, nil
}

// Apply submits op and waits for its batch to resolve.
func (m *Merger) Apply(ctx context.Context, op Op) (any, error) {
	f, err := m.Submit(op)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// SetLowResources switches between the normal and the reduced batch size.
// Batches already open are not affected.
func (m *Merger) SetLowResources(low bool) {
	if m.lowResources.Swap(low) != low {
		slog.Warn("transaction merger resource mode changed", "low_resources", low, "batch_limit", m.BatchLimit())
	}
	metrics.MergerLowResources.Set(metrics.BoolToFloat(low))
}

func (m *Merger) LowResources() bool {
	return m.lowResources.Load()
}

func (m *Merger) BatchLimit() int {
	if m.lowResources.Load() {
		return m.cfg.LowResourceBatchSize
	}
	return m.cfg.MaxBatchSize
}

// Close stops the apply loop after the batch in progress. Commands still
// queued resolve with ErrStopped.
func (m *Merger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.failQueued(ErrStopped)
	slog.Info("transaction merger stopped")
}

func (m *Merger) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.signal:
		}

		for m.pending() {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.runBatch()
		}
	}
}

func (m *Merger) pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0
}

// next pops the oldest queued command and claims it for the open batch.
// Canceled commands are dropped on the way.
func (m *Merger) next() *Future {
	m.mu.Lock()
	defer func() {
		depth := len(m.queue)
		m.mu.Unlock()
		metrics.MergerQueueDepth.Set(float64(depth))
	}()

	for len(m.queue) > 0 {
		f := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if len(m.queue) == 0 {
			m.queue = nil
		}
		if f.claim() {
			return f
		}
	}
	return nil
}

type outcome struct {
	value any
	err   error
}

func (m *Merger) runBatch() {
	limit := m.BatchLimit()
	start := time.Now()

	tx, err := m.engine.BeginTransaction()
	if err != nil {
		cause := storageFailure("begin transaction", err)
		var batch []*Future
		for len(batch) < limit {
			f := m.next()
			if f == nil {
				break
			}
			batch = append(batch, f)
		}
		m.failBatch(batch, cause, start)
		return
	}

	var (
		batch   []*Future
		results []outcome
		reason  = "drained"
	)
	for {
		if len(batch) >= limit {
			reason = "full"
			break
		}
		if m.cfg.MaxBatchDuration > 0 && len(batch) > 0 && time.Since(start) >= m.cfg.MaxBatchDuration {
			reason = "time_slice"
			break
		}
		f := m.next()
		if f == nil {
			break
		}

		sp := tx.Savepoint()
		value, err := f.op.Apply(tx)
		if err != nil {
			tx.RollbackTo(sp)
			slog.Debug("command failed in batch", "op_id", f.id, "error", err)
		}
		batch = append(batch, f)
		results = append(results, outcome{value: value, err: err})
	}

	if len(batch) == 0 {
		tx.Rollback()
		return
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		m.failBatch(batch, storageFailure("commit", err), start)
		return
	}

	for i, f := range batch {
		f.resolve(results[i].value, results[i].err)
	}

	metrics.MergerBatchSize.Observe(float64(len(batch)))
	metrics.MergerBatchDuration.Observe(time.Since(start).Seconds())
	metrics.MergerBatchesTotal.WithLabelValues("committed", reason).Inc()
	slog.Debug("batch committed", "batch_size", len(batch), "reason", reason,
		"first_op", batch[0].id, "last_op", batch[len(batch)-1].id, "duration", time.Since(start))
}

func (m *Merger) failBatch(batch []*Future, cause error, start time.Time) {
	ids := make([]string, len(batch))
	for i, f := range batch {
		ids[i] = f.id.String()
		f.resolve(nil, cause)
	}
	metrics.MergerBatchSize.Observe(float64(len(batch)))
	metrics.MergerBatchDuration.Observe(time.Since(start).Seconds())
	metrics.MergerBatchesTotal.WithLabelValues("failed", "storage").Inc()
	slog.Error("batch failed", "batch_size", len(batch), "op_ids", ids, "error", cause)
}

func (m *Merger) failQueued(err error) {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, f := range queued {
		if f.claim() {
			f.resolve(nil, err)
		}
	}
	metrics.MergerQueueDepth.Set(0)
}

func storageFailure(stage string, err error) error {
	if errors.Is(err, storage.ErrStorageFailure) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return fmt.Errorf("%w: %s: %w", storage.ErrStorageFailure, stage, err)
}
