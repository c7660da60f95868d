// Package rafttest provides an in-process network for multi-node raft tests.
package rafttest

import (
	"context"
	"errors"
	"sync"

	"concord/internal/raft/ports"

	"go.etcd.io/raft/v3/raftpb"
)

var ErrUnreachable = errors.New("rafttest: peer unreachable")

type link struct{ from, to uint64 }

// Network routes RPCs between registered handlers. Links can be cut to
// model partitions, and requests can be delivered twice to model
// retransmission.
type Network struct {
	mu        sync.RWMutex
	handlers  map[uint64]ports.Handler
	cut       map[link]bool
	duplicate bool
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[uint64]ports.Handler),
		cut:      make(map[link]bool),
	}
}

func (nw *Network) Register(id uint64, h ports.Handler) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.handlers[id] = h
}

// Unregister makes id unreachable, as if its process were down.
func (nw *Network) Unregister(id uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	delete(nw.handlers, id)
}

// Endpoint returns the transport used by node id.
func (nw *Network) Endpoint(id uint64) ports.Transport {
	return &endpoint{nw: nw, id: id}
}

// Cut drops traffic in both directions between a and b.
func (nw *Network) Cut(a, b uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.cut[link{a, b}] = true
	nw.cut[link{b, a}] = true
}

// Isolate cuts id off from every other registered node.
func (nw *Network) Isolate(id uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	for other := range nw.handlers {
		if other != id {
			nw.cut[link{id, other}] = true
			nw.cut[link{other, id}] = true
		}
	}
}

// Partition allows traffic only between nodes of the same group.
func (nw *Network) Partition(groups ...[]uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	group := make(map[uint64]int)
	for i, g := range groups {
		for _, id := range g {
			group[id] = i
		}
	}
	clear(nw.cut)
	for a := range nw.handlers {
		for b := range nw.handlers {
			if a != b && group[a] != group[b] {
				nw.cut[link{a, b}] = true
			}
		}
	}
}

// Heal restores every link.
func (nw *Network) Heal() {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	clear(nw.cut)
}

// SetDuplicate makes every request be delivered twice; the second reply is
// returned to the sender.
func (nw *Network) SetDuplicate(on bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.duplicate = on
}

func (nw *Network) route(ctx context.Context, from, to uint64) (ports.Handler, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	h, ok := nw.handlers[to]
	if !ok || nw.cut[link{from, to}] {
		return nil, false, ErrUnreachable
	}
	return h, nw.duplicate, nil
}

func (nw *Network) reply(from, to uint64) error {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	if nw.cut[link{to, from}] {
		return ErrUnreachable
	}
	return nil
}

type endpoint struct {
	nw *Network
	id uint64
}

func (e *endpoint) call(ctx context.Context, to uint64, fn func(h ports.Handler) raftpb.Message) (raftpb.Message, error) {
	h, dup, err := e.nw.route(ctx, e.id, to)
	if err != nil {
		return raftpb.Message{}, err
	}
	resp := fn(h)
	if dup {
		resp = fn(h)
	}
	if err := e.nw.reply(e.id, to); err != nil {
		return raftpb.Message{}, err
	}
	return resp, nil
}

func (e *endpoint) SendAppendEntries(ctx context.Context, to uint64, msg raftpb.Message) (raftpb.Message, error) {
	return e.call(ctx, to, func(h ports.Handler) raftpb.Message { return h.HandleAppendEntries(msg) })
}

func (e *endpoint) SendVoteRequest(ctx context.Context, to uint64, msg raftpb.Message) (raftpb.Message, error) {
	return e.call(ctx, to, func(h ports.Handler) raftpb.Message { return h.HandleVoteRequest(msg) })
}

func (e *endpoint) SendSnapshot(ctx context.Context, to uint64, msg raftpb.Message, snap raftpb.Snapshot) (raftpb.Message, error) {
	return e.call(ctx, to, func(h ports.Handler) raftpb.Message { return h.HandleSnapshot(msg, snap) })
}
