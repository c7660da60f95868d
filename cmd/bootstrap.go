package main

import (
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"concord/internal/cluster"
	"concord/internal/configuration"
	"concord/internal/raft"
	"concord/internal/storage"
	"concord/internal/transport"
	"concord/internal/txmerger"
)

type Services struct {
	Engine    *cluster.Engine
	Peers     *transport.PeerTransport
	Transport *transport.Service
}

// NewServices opens storage and the raft log under raft.storage-dir and
// wires the cluster engine to its gRPC servers. Nothing is started yet.
func NewServices(cfg configuration.ConfigProvider) (*Services, error) {
	raftCfg := cfg.GetRaft()
	storageCfg := cfg.GetStorage()

	store, log, err := openStorage(raftCfg, storageCfg)
	if err != nil {
		return nil, err
	}

	topology := raftCfg.TopologyID
	if topology == "" {
		topology = cluster.TopologyID(raftCfg.RaftPeers)
	}

	peers := transport.NewPeerTransport(raftCfg.RaftPeers)
	engine, err := cluster.New(engineConfig(raftCfg, cfg.GetMerger(), topology), log, store, peers)
	if err != nil {
		peers.Close()
		_ = log.Close()
		_ = store.Close()
		return nil, fmt.Errorf("create cluster engine: %w", err)
	}

	return &Services{
		Engine:    engine,
		Peers:     peers,
		Transport: transport.NewTransportService(cfg.GetTransport(), engine.Handler(), engine),
	}, nil
}

func openStorage(raftCfg *configuration.RaftConfigurationProperties, storageCfg *configuration.StorageConfigurationProperties) (*storage.Store, *raft.Log, error) {
	if storageCfg.InMemory {
		slog.Warn("running with in-memory storage, state is lost on exit")
		return storage.NewMemory(), raft.NewMemoryLog(), nil
	}

	store, err := storage.Open(filepath.Join(raftCfg.StorageDir, "data"), storageCfg.NoSync)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	log, err := raft.OpenLog(filepath.Join(raftCfg.StorageDir, "raft"), raftCfg.Wal.NoSync)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("open raft log: %w", err)
	}
	return store, log, nil
}

func engineConfig(r *configuration.RaftConfigurationProperties, m *configuration.MergerConfigurationProperties, topology string) cluster.Config {
	return cluster.Config{
		Raft: raft.Config{
			ID:               r.NodeID,
			Peers:            slices.Sorted(maps.Keys(r.RaftPeers)),
			ElectionTickMin:  r.ElectionTickMin,
			ElectionTickMax:  r.ElectionTickMax,
			HeartbeatTick:    r.HeartbeatTick,
			MaxEntriesPerMsg: uint64(max(r.MaxEntriesPerMsg, 0)),
			RPCTimeout:       r.RPCTimeout,
			CheckQuorum:      r.CheckQuorum,
		},
		Merger: txmerger.Config{
			MaxBatchSize:         m.MaxBatchSize,
			LowResourceBatchSize: m.LowResourceBatchSize,
			MaxBatchDuration:     m.MaxBatchDuration,
		},
		TopologyID:   topology,
		ClientPeers:  r.ClientPeers,
		TickInterval: r.TickInterval,
		SnapCount:    r.SnapCount,
		DrainTimeout: max(r.DrainTimeout, time.Second),
	}
}
