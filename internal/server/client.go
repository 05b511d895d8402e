package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cube-builder/internal/worker"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// Client calls a remote CubeBuilder service.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

func (c *Client) call(ctx context.Context, method string, in any, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

// Submit sends a build request and returns the new build's ID.
func (c *Client) Submit(ctx context.Context, req types.BuildRequest) (types.BuildID, error) {
	var ref BuildRef
	if err := c.call(ctx, "Submit", req, &ref); err != nil {
		return "", err
	}
	return ref.BuildID, nil
}

// Status fetches a build's status.
func (c *Client) Status(ctx context.Context, id types.BuildID) (*types.BuildStatus, error) {
	var st types.BuildStatus
	if err := c.call(ctx, "GetStatus", BuildRef{BuildID: id}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Cancel cancels a build.
func (c *Client) Cancel(ctx context.Context, id types.BuildID) error {
	return c.call(ctx, "Cancel", BuildRef{BuildID: id}, nil)
}

// ReportResult reports a worker result. applied is false for duplicate or
// stale reports.
func (c *Client) ReportResult(ctx context.Context, r worker.Result) (applied bool, err error) {
	rep := ResultReport{
		JobID:      r.JobID,
		Attempt:    r.Attempt,
		OK:         r.Success(),
		Output:     r.Output,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	var ack ReportAck
	if err := c.call(ctx, "ReportResult", rep, &ack); err != nil {
		return false, err
	}
	return ack.Applied, nil
}
