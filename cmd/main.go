package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"concord/internal/configuration"
	"concord/internal/logging"
	"concord/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	props, err := configuration.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := configuration.NewProvider(props)

	logging.Init(cfg.GetApplication().LogLevel)
	slog.Info("starting concord node", "node_id", cfg.GetRaft().NodeID, "profile", cfg.GetApplication().Profile)

	svcs, err := NewServices(cfg)
	if err != nil {
		slog.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	var metricsServer *metrics.Server
	if addr := cfg.GetApplication().MetricsAddr(); addr != "" {
		metricsServer = metrics.NewServer(addr)
		metricsServer.Handle("/debug/cluster-log", svcs.Engine.ClusterLogHandler())
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
	}

	if _, err := svcs.Transport.StartRaftServer(); err != nil {
		slog.Error("failed to start raft server", "error", err)
		os.Exit(1)
	}
	svcs.Engine.Start()

	if m := cfg.GetMerger(); m.MemorySoftLimitMB > 0 {
		go svcs.Engine.Merger().WatchMemory(ctx, m.MemorySoftLimitMB<<20, m.MemoryCheckInterval)
	}

	if _, err := svcs.Transport.StartClientServer(); err != nil {
		slog.Error("failed to start client server", "error", err)
		svcs.Engine.Stop()
		os.Exit(1)
	}

	slog.Info("concord node ready", "raft_addr", cfg.GetTransport().RaftAddr(), "client_addr", cfg.GetTransport().ClientAddr())
	<-ctx.Done()

	slog.Info("shutting down concord node")
	svcs.Transport.StopClientServer()
	svcs.Engine.Stop()
	svcs.Transport.StopRaftServer()
	svcs.Peers.Close()
	if metricsServer != nil {
		metricsServer.Stop()
	}
}
