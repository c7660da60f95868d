package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"concord/internal/metrics"
	"concord/internal/raft"
	"concord/internal/raft/ports"
	"concord/internal/statemachine"
	"concord/internal/storage"
	"concord/internal/txmerger"
)

const applyRetryInterval = 100 * time.Millisecond

type Config struct {
	Raft   raft.Config
	Merger txmerger.Config

	TopologyID  string
	ClientPeers map[uint64]string

	TickInterval time.Duration
	SnapCount    uint64
	DrainTimeout time.Duration
}

// Engine wires the raft node, the state machine and the transaction merger
// of one cluster member into a single addressable unit.
type Engine struct {
	cfg Config

	log    *raft.Log
	store  storage.Engine
	merger *txmerger.Merger
	sm     *statemachine.StateMachine
	node   *raft.Node

	waitMu  sync.Mutex
	waiters map[uint64]*waiter

	appliedMu sync.Mutex
	appliedC  chan struct{}

	drainMu      sync.RWMutex
	inFlight     sync.WaitGroup
	shuttingDown atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an engine over an opened log and storage engine. The engine
// owns both and closes them on Stop.
func New(cfg Config, log *raft.Log, store storage.Engine, transport ports.Transport) (*Engine, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}

	merger := txmerger.New(store, cfg.Merger)
	sm, err := statemachine.New(log, store, merger)
	if err != nil {
		merger.Close()
		return nil, err
	}
	node, err := raft.NewNode(cfg.Raft, log, transport, sm)
	if err != nil {
		merger.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    store,
		merger:   merger,
		sm:       sm,
		node:     node,
		waiters:  make(map[uint64]*waiter),
		appliedC: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	sm.OnApply(e.onApply)
	return e, nil
}

// Start launches the tick and apply loops.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.tickLoop()
	go e.applyLoop()
	slog.Info("cluster engine started", "node_id", e.cfg.Raft.ID, "topology_id", e.cfg.TopologyID)
}

// Handler is the raft RPC receiver to register with a transport.
func (e *Engine) Handler() ports.Handler { return e.node }

func (e *Engine) Node() *raft.Node { return e.node }

func (e *Engine) Merger() *txmerger.Merger { return e.merger }

func (e *Engine) NodeID() uint64 { return e.cfg.Raft.ID }

func (e *Engine) IsLeader() bool { return e.node.IsLeader() }

// Leader returns the known leader id and its client address.
func (e *Engine) Leader() (uint64, string) {
	id := e.node.Leader()
	return id, e.cfg.ClientPeers[id]
}

func (e *Engine) LastApplied() uint64 { return e.sm.LastApplied() }

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			e.node.Tick()
		}
	}
}

func (e *Engine) applyLoop() {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	var retry <-chan time.Time
	apply := func() {
		retry = nil
		if err := e.sm.ApplyUpTo(ctx, e.node.CommitIndex()); err != nil {
			if ctx.Err() == nil {
				slog.Error("apply committed entries failed, will retry", "node_id", e.cfg.Raft.ID, "applied", e.sm.LastApplied(), "error", err)
				retry = time.After(applyRetryInterval)
			}
		}
		e.broadcastApplied()
		if err := e.sm.MaybeCompact(e.log, e.cfg.SnapCount); err != nil {
			slog.Warn("log compaction failed", "node_id", e.cfg.Raft.ID, "error", err)
		}
		metrics.RaftFirstIndex.Set(float64(e.log.FirstIndex()))
	}

	apply()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.node.CommitC():
			apply()
		case <-retry:
			apply()
		}
	}
}

func (e *Engine) broadcastApplied() {
	e.appliedMu.Lock()
	close(e.appliedC)
	e.appliedC = make(chan struct{})
	e.appliedMu.Unlock()
}

// waitApplied blocks until the state machine has applied index.
func (e *Engine) waitApplied(ctx context.Context, index uint64) error {
	for {
		e.appliedMu.Lock()
		ch := e.appliedC
		e.appliedMu.Unlock()

		if e.sm.LastApplied() >= index {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return ErrShuttingDown
		case <-ch:
		}
	}
}

// Stop rejects new submissions, waits up to DrainTimeout for in-flight
// ones, then stops the loops, the node, the merger, the log and storage.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.drainMu.Lock()
		e.shuttingDown.Store(true)
		e.drainMu.Unlock()

		drained := make(chan struct{})
		go func() {
			e.inFlight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(e.cfg.DrainTimeout):
			slog.Warn("drain timeout, failing in-flight submissions", "node_id", e.cfg.Raft.ID)
		}
		e.failWaiters(ErrShuttingDown)

		close(e.stopCh)
		e.wg.Wait()
		e.node.Stop()
		e.merger.Close()

		if err := e.log.Close(); err != nil {
			slog.Warn("close raft log failed", "error", err)
		}
		if err := e.store.Close(); err != nil {
			slog.Warn("close storage failed", "error", err)
		}
		slog.Info("cluster engine stopped", "node_id", e.cfg.Raft.ID)
	})
}
