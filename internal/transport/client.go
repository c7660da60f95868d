package transport

import (
	"context"
	"errors"
	"fmt"

	"concord/internal/cluster"
	"concord/internal/command"
	"concord/internal/transport/wire"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client talks to the client service of one node. Errors a caller can act
// on come back as their package sentinels; a non-leader reply is a
// *cluster.NotLeaderError naming the leader's client address.
type Client struct {
	conn *grpc.ClientConn
}

func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out message) error {
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, fullMethod(clientServiceName, method), in, out, grpc.Trailer(&trailer))
	if err != nil {
		return fromStatus(err, trailer)
	}
	return nil
}

// Submit returns the command's result value, nil for commands without one.
func (c *Client) Submit(ctx context.Context, cmd command.Command) ([]byte, error) {
	var resp wire.SubmitResponse
	if err := c.invoke(ctx, "Submit", &wire.SubmitRequest{Command: cmd}, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var resp wire.ReadResponse
	if err := c.invoke(ctx, "Read", &wire.ReadRequest{Key: key}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *Client) Status(ctx context.Context) (cluster.Status, error) {
	var resp wire.StatusResponse
	if err := c.invoke(ctx, "Status", &wire.Empty{}, &resp); err != nil {
		return cluster.Status{}, err
	}
	return cluster.Status{
		NodeID:     resp.NodeID,
		TopologyID: resp.TopologyID,
		Role:       resp.Role,
		Term:       resp.Term,
		Leader:     resp.Leader,
		Commit:     resp.Commit,
		Applied:    resp.Applied,
		FirstIndex: resp.FirstIndex,
		LastIndex:  resp.LastIndex,
	}, nil
}

func (c *Client) ClusterLog(ctx context.Context, start, pageSize uint64) (cluster.LogPage, error) {
	var resp wire.ClusterLogResponse
	if err := c.invoke(ctx, "ClusterLog", &wire.ClusterLogRequest{Start: start, PageSize: pageSize}, &resp); err != nil {
		return cluster.LogPage{}, err
	}
	page := cluster.LogPage{FirstIndex: resp.FirstIndex, LastIndex: resp.LastIndex, Entries: []cluster.LogEntryView{}}
	for _, e := range resp.Entries {
		page.Entries = append(page.Entries, cluster.LogEntryView(e))
	}
	return page, nil
}

// SubmitToLeader follows NotLeader redirects up to maxHops times, dialing
// the named leader each time.
func SubmitToLeader(ctx context.Context, addr string, cmd command.Command, maxHops int) ([]byte, error) {
	for range maxHops + 1 {
		c, err := Dial(addr)
		if err != nil {
			return nil, err
		}
		v, err := c.Submit(ctx, cmd)
		_ = c.Close()

		var nle *cluster.NotLeaderError
		if !errors.As(err, &nle) || nle.LeaderAddr == "" || nle.LeaderAddr == addr {
			return v, err
		}
		addr = nle.LeaderAddr
	}
	return nil, fmt.Errorf("no leader after %d redirects", maxHops)
}
