package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"concord/internal/configuration"
	"concord/internal/metrics"
	"concord/internal/raft/ports"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// Service runs the raft peer server and the client server of one node.
type Service struct {
	network              string
	raftAddr             string
	clientAddr           string
	timeout              time.Duration
	maxConcurrentStreams uint32

	raftHandler ports.Handler
	cluster     ClusterService

	RaftServer   *grpc.Server
	ClientServer *grpc.Server
}

func NewTransportService(cfg *configuration.TransportConfigurationProperties, raftHandler ports.Handler, svc ClusterService) *Service {
	timeout := cfg.Timeout
	if timeout < time.Second {
		slog.Warn("transport timeout below 1s, using 1s", "configured", timeout)
		timeout = time.Second
	}
	return &Service{
		network:              cfg.Network,
		raftAddr:             cfg.RaftAddr(),
		clientAddr:           cfg.ClientAddr(),
		timeout:              timeout,
		maxConcurrentStreams: cfg.MaxConcurrentStreams,
		raftHandler:          raftHandler,
		cluster:              svc,
	}
}

func (ts *Service) serverOptions() []grpc.ServerOption {
	var opts []grpc.ServerOption
	if ts.maxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(ts.maxConcurrentStreams))
	}
	// Peer connections ping every 10s even when idle.
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, grpc.ChainUnaryInterceptor(
		metrics.UnaryServerInterceptor(),
		timeoutInterceptor(ts.timeout),
	))
	return opts
}

func (ts *Service) StartRaftServer() (net.Listener, error) {
	lis, err := net.Listen(ts.network, ts.raftAddr)
	if err != nil {
		return nil, err
	}

	ts.RaftServer = grpc.NewServer(ts.serverOptions()...)
	ts.RaftServer.RegisterService(&raftServiceDesc, NewRaftEndpoint(ts.raftHandler))
	reflection.Register(ts.RaftServer)
	slog.Info("transport listening for raft", "addr", lis.Addr())

	go func() {
		if err := ts.RaftServer.Serve(lis); err != nil {
			slog.Error("failed to serve raft listener", "error", err)
		}
	}()
	return lis, nil
}

func (ts *Service) StartClientServer() (net.Listener, error) {
	lis, err := net.Listen(ts.network, ts.clientAddr)
	if err != nil {
		return nil, err
	}

	ts.ClientServer = grpc.NewServer(ts.serverOptions()...)
	ts.ClientServer.RegisterService(&clientServiceDesc, NewClientEndpoint(ts.cluster))
	reflection.Register(ts.ClientServer)
	slog.Info("transport listening for client", "addr", lis.Addr())

	go func() {
		if err := ts.ClientServer.Serve(lis); err != nil {
			slog.Error("failed to serve client listener", "error", err)
		}
	}()
	return lis, nil
}

// StopClientServer stops accepting client calls and waits for running ones.
func (ts *Service) StopClientServer() {
	if ts.ClientServer != nil {
		ts.ClientServer.GracefulStop()
	}
}

// StopRaftServer is called after the engine has drained, since in-flight
// submissions still need peer traffic to commit.
func (ts *Service) StopRaftServer() {
	if ts.RaftServer != nil {
		ts.RaftServer.Stop()
	}
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}
