package transport

import (
	"context"
	"errors"
	"strconv"

	"concord/internal/cluster"
	"concord/internal/command"
	"concord/internal/raft"
	"concord/internal/transport/wire"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Trailer keys set on FailedPrecondition replies from a non-leader.
const (
	leaderIDKey   = "leader-id"
	leaderAddrKey = "leader-addr"
)

// ClusterService is the part of cluster.Engine served to clients.
type ClusterService interface {
	Submit(ctx context.Context, cmd command.Command) (any, error)
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Status() cluster.Status
	ClusterLog(start, pageSize uint64) (cluster.LogPage, error)
}

type clientServer interface {
	submit(ctx context.Context, req *wire.SubmitRequest) (any, error)
	read(ctx context.Context, req *wire.ReadRequest) (any, error)
	status(ctx context.Context, req *wire.Empty) (any, error)
	clusterLog(ctx context.Context, req *wire.ClusterLogRequest) (any, error)
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: clientServiceName,
	HandlerType: (*clientServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(clientServiceName, "Submit", func(srv any, ctx context.Context, req *wire.SubmitRequest) (any, error) {
			return srv.(clientServer).submit(ctx, req)
		}),
		unary(clientServiceName, "Read", func(srv any, ctx context.Context, req *wire.ReadRequest) (any, error) {
			return srv.(clientServer).read(ctx, req)
		}),
		unary(clientServiceName, "Status", func(srv any, ctx context.Context, req *wire.Empty) (any, error) {
			return srv.(clientServer).status(ctx, req)
		}),
		unary(clientServiceName, "ClusterLog", func(srv any, ctx context.Context, req *wire.ClusterLogRequest) (any, error) {
			return srv.(clientServer).clusterLog(ctx, req)
		}),
	},
	Metadata: "concord.proto",
}

type ClientEndpoint struct {
	svc ClusterService
}

func NewClientEndpoint(svc ClusterService) *ClientEndpoint {
	return &ClientEndpoint{svc: svc}
}

func (s *ClientEndpoint) submit(ctx context.Context, req *wire.SubmitRequest) (any, error) {
	v, err := s.svc.Submit(ctx, req.Command)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	resp := &wire.SubmitResponse{}
	if b, ok := v.([]byte); ok {
		resp.Value, resp.HasValue = b, true
	}
	return resp, nil
}

func (s *ClientEndpoint) read(ctx context.Context, req *wire.ReadRequest) (any, error) {
	v, ok, err := s.svc.Read(ctx, req.Key)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &wire.ReadResponse{Value: v, Found: ok}, nil
}

func (s *ClientEndpoint) status(context.Context, *wire.Empty) (any, error) {
	st := s.svc.Status()
	return &wire.StatusResponse{
		NodeID:     st.NodeID,
		TopologyID: st.TopologyID,
		Role:       st.Role,
		Term:       st.Term,
		Leader:     st.Leader,
		Commit:     st.Commit,
		Applied:    st.Applied,
		FirstIndex: st.FirstIndex,
		LastIndex:  st.LastIndex,
	}, nil
}

func (s *ClientEndpoint) clusterLog(ctx context.Context, req *wire.ClusterLogRequest) (any, error) {
	page, err := s.svc.ClusterLog(req.Start, req.PageSize)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	resp := &wire.ClusterLogResponse{FirstIndex: page.FirstIndex, LastIndex: page.LastIndex}
	for _, e := range page.Entries {
		resp.Entries = append(resp.Entries, wire.LogEntry{
			Index:     e.Index,
			Term:      e.Term,
			Committed: e.Committed,
			Summary:   e.Summary,
		})
	}
	return resp, nil
}

// toStatus maps engine and command errors to gRPC codes. A NotLeaderError
// also sets the leader trailers.
func toStatus(ctx context.Context, err error) error {
	var nle *cluster.NotLeaderError
	switch {
	case errors.As(err, &nle):
		md := metadata.Pairs(leaderIDKey, strconv.FormatUint(nle.LeaderID, 10))
		if nle.LeaderAddr != "" {
			md.Append(leaderAddrKey, nle.LeaderAddr)
		}
		_ = grpc.SetTrailer(ctx, md)
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, cluster.ErrShuttingDown),
		errors.Is(err, cluster.ErrProposalDropped),
		errors.Is(err, raft.ErrNoQuorum),
		errors.Is(err, raft.ErrLeaderNotReady):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, command.ErrKeyNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, command.ErrCompareFailed):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, command.ErrInvalidCommand),
		errors.Is(err, command.ErrUnknownKind),
		errors.Is(err, command.ErrNotCounter):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

// fromStatus reverses toStatus for the errors a caller can act on.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		ids := trailer.Get(leaderIDKey)
		if len(ids) == 0 {
			return err
		}
		nle := &cluster.NotLeaderError{}
		nle.LeaderID, _ = strconv.ParseUint(ids[0], 10, 64)
		if addrs := trailer.Get(leaderAddrKey); len(addrs) > 0 {
			nle.LeaderAddr = addrs[0]
		}
		return nle
	case codes.NotFound:
		return command.ErrKeyNotFound
	case codes.Aborted:
		return command.ErrCompareFailed
	case codes.InvalidArgument:
		return errors.Join(command.ErrInvalidCommand, err)
	}
	return err
}
