// Package server exposes the scheduler over gRPC.
//
// Messages are google.protobuf.Struct values carrying the JSON form of the
// domain types, so the service needs no generated code:
//
//	cubebuilder.v1.CubeBuilder/Submit        BuildRequest       -> {build_id}
//	cubebuilder.v1.CubeBuilder/GetStatus     {build_id}         -> BuildStatus
//	cubebuilder.v1.CubeBuilder/Cancel        {build_id}         -> {}
//	cubebuilder.v1.CubeBuilder/ReportResult  {job_id, attempt, ok, error, output, duration_ms} -> {applied}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/internal/planner"
	"github.com/ChuLiYu/cube-builder/internal/worker"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cubebuilder.v1.CubeBuilder"

// Backend is the part of the scheduler the service forwards to.
type Backend interface {
	Submit(ctx context.Context, req types.BuildRequest) (types.BuildID, error)
	Status(ctx context.Context, id types.BuildID) (*types.BuildStatus, error)
	Cancel(ctx context.Context, id types.BuildID) error
	HandleResult(ctx context.Context, result worker.Result) error
}

// CubeBuilderServer is the server API for the CubeBuilder service.
type CubeBuilderServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// BuildRef names a build in GetStatus and Cancel.
type BuildRef struct {
	BuildID types.BuildID `json:"build_id"`
}

// ResultReport is a completion reported by a remote worker.
type ResultReport struct {
	JobID      types.JobID     `json:"job_id"`
	Attempt    int             `json:"attempt"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	Output     *types.AssetRef `json:"output,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ReportAck tells the worker whether its report changed any state.
// Duplicate or stale reports are acknowledged with Applied=false.
type ReportAck struct {
	Applied bool `json:"applied"`
}

// Server implements CubeBuilderServer on top of a Backend.
type Server struct {
	backend Backend
}

// NewServer creates a new gRPC service instance.
func NewServer(b Backend) *Server {
	return &Server{backend: b}
}

// Register attaches the service to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv CubeBuilderServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Submit handles build submission from clients.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.BuildRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid build request: %v", err)
	}
	id, err := s.backend.Submit(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	log.Info("Build accepted over gRPC", "build", id, "cube", req.Cube)
	return toStruct(BuildRef{BuildID: id})
}

// GetStatus returns the current status of a build.
func (s *Server) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := buildRef(in)
	if err != nil {
		return nil, err
	}
	st, err := s.backend.Status(ctx, ref.BuildID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

// Cancel cancels a build.
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := buildRef(in)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Cancel(ctx, ref.BuildID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// ReportResult feeds a remote completion into the scheduler.
func (s *Server) ReportResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var rep ResultReport
	if err := fromStruct(in, &rep); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid result report: %v", err)
	}
	if rep.JobID == "" || rep.Attempt < 1 {
		return nil, status.Error(codes.InvalidArgument, "job_id and a positive attempt are required")
	}

	result := worker.Result{
		JobID:    rep.JobID,
		Attempt:  rep.Attempt,
		Output:   rep.Output,
		Duration: time.Duration(rep.DurationMs) * time.Millisecond,
	}
	if !rep.OK {
		msg := rep.Error
		if msg == "" {
			msg = "remote worker failure"
		}
		result.Err = errors.New(msg)
		result.Output = nil
	}

	err := s.backend.HandleResult(ctx, result)
	switch {
	case errors.Is(err, jobstore.ErrStale):
		return toStruct(ReportAck{Applied: false})
	case err != nil:
		return nil, toStatus(err)
	}
	return toStruct(ReportAck{Applied: true})
}

func buildRef(in *structpb.Struct) (BuildRef, error) {
	var ref BuildRef
	if err := fromStruct(in, &ref); err != nil {
		return ref, status.Errorf(codes.InvalidArgument, "invalid build reference: %v", err)
	}
	if ref.BuildID == "" {
		return ref, status.Error(codes.InvalidArgument, "build_id is required")
	}
	return ref, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(err error) error {
	var cfgErr *planner.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobstore.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, jobstore.ErrInvalidOutcome):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ============================================================================
// Struct <-> domain type conversion
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ============================================================================
// Service descriptor
// ============================================================================

func unaryHandler(method string, call func(CubeBuilderServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CubeBuilderServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CubeBuilderServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for the CubeBuilder service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CubeBuilderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", CubeBuilderServer.Submit)},
		{MethodName: "GetStatus", Handler: unaryHandler("GetStatus", CubeBuilderServer.GetStatus)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", CubeBuilderServer.Cancel)},
		{MethodName: "ReportResult", Handler: unaryHandler("ReportResult", CubeBuilderServer.ReportResult)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cubebuilder/v1/cubebuilder.proto",
}
