package cluster

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"concord/internal/command"
	"concord/internal/raft"
	"concord/internal/raft/rafttest"
	"concord/internal/statemachine"
	"concord/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
)

func storageImage(t *testing.T, index uint64) []byte {
	t.Helper()
	st := storage.NewMemory()
	tx, err := st.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Put("from-snapshot", []byte("yes")))
	require.NoError(t, tx.Put(storage.AppliedIndexKey, binary.BigEndian.AppendUint64(nil, index)))
	require.NoError(t, tx.Commit())
	data, err := st.Snapshot()
	require.NoError(t, err)
	return data
}

// finishes runs fn and reports whether it returned within d.
func finishes(d time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func TestSnapshotInstall_WhileApplyCallbackBlockedAndSubmitting(t *testing.T) {
	peers := []uint64{1, 2}
	net := rafttest.NewNetwork()

	release := make(chan struct{})
	var releaseOnce sync.Once
	unpark := func() { releaseOnce.Do(func() { close(release) }) }

	engines := make(map[uint64]*Engine)
	parked := make(map[uint64]chan struct{})
	for _, id := range peers {
		e, err := New(engineConfig(id, peers), raft.NewMemoryLog(), storage.NewMemory(), net.Endpoint(id))
		require.NoError(t, err)
		net.Register(id, e.Handler())

		ch := make(chan struct{})
		var once sync.Once
		e.sm.OnApply(func(ent raftpb.Entry, _ statemachine.Outcome) {
			if ent.Index == 1 {
				once.Do(func() { close(ch) })
				<-release
			}
		})
		engines[id], parked[id] = e, ch
	}
	for _, e := range engines {
		e.Start()
	}
	t.Cleanup(func() {
		unpark()
		for _, e := range engines {
			e.Stop()
		}
	})

	var leader *Engine
	require.Eventually(t, func() bool {
		for _, e := range engines {
			if e.IsLeader() {
				leader = e
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	var follower *Engine
	for _, e := range engines {
		if e != leader {
			follower = e
		}
	}

	select {
	case <-parked[follower.NodeID()]:
	case <-time.After(5 * time.Second):
		t.Fatal("follower never applied the first entry")
	}

	snap := raftpb.Snapshot{
		Data:     storageImage(t, 10),
		Metadata: raftpb.SnapshotMetadata{Index: 10, Term: leader.Status().Term},
	}
	msg := raftpb.Message{Type: raftpb.MsgSnap, From: leader.NodeID(), To: follower.NodeID(), Term: snap.Metadata.Term}

	var resp raftpb.Message
	installed := make(chan struct{})
	go func() {
		resp = follower.Handler().HandleSnapshot(msg, snap)
		close(installed)
	}()

	var submitErr error
	require.True(t, finishes(2*time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_, submitErr = follower.Submit(ctx, command.Put("k", []byte("v")))
	}), "Submit blocked on a follower installing a snapshot")
	var nle *NotLeaderError
	assert.True(t, errors.As(submitErr, &nle), "got %v", submitErr)

	select {
	case <-installed:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleSnapshot blocked behind the apply path")
	}
	assert.False(t, resp.Reject)
	assert.Equal(t, uint64(10), resp.Index)
	require.True(t, finishes(time.Second, func() { follower.Status() }), "Status blocked")

	unpark()
	require.Eventually(t, func() bool { return follower.LastApplied() >= 10 }, 2*time.Second, 5*time.Millisecond)
	v, ok := follower.store.Get("from-snapshot")
	assert.True(t, ok)
	assert.Equal(t, "yes", string(v))
}
