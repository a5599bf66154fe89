// Package grpcserver exposes the courtsync operator gRPC API.
package grpcserver

import (
	"context"

	"github.com/and161185/courtsync/internal/convert"
	"github.com/and161185/courtsync/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the operator API.
const (
	ServiceName           = "courtsync.v1.SyncAdmin"
	TriggerScheduleMethod = "/" + ServiceName + "/TriggerSchedule"
)

// SyncAdminServer is the operator API.
type SyncAdminServer interface {
	// TriggerSchedule runs one scheduler pass and returns its summary.
	TriggerSchedule(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// SyncAdminServiceDesc describes SyncAdmin for grpc.Server.RegisterService.
var SyncAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "TriggerSchedule", Handler: triggerScheduleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "courtsync/v1/admin.proto",
}

func triggerScheduleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncAdminServer).TriggerSchedule(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: TriggerScheduleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncAdminServer).TriggerSchedule(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Register attaches the operator API to s.
func Register(s grpc.ServiceRegistrar, srv SyncAdminServer) {
	s.RegisterService(&SyncAdminServiceDesc, srv)
}

// TriggerSchedule calls the operator API over cc.
func TriggerSchedule(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, TriggerScheduleMethod, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Server wires services into gRPC handlers.
type Server struct {
	sched service.SchedulerService
	log   *zap.Logger
}

var _ SyncAdminServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(sched service.SchedulerService, log *zap.Logger) *Server {
	return &Server{sched: sched, log: log}
}

// TriggerSchedule runs the scheduler on behalf of the calling operator.
func (s *Server) TriggerSchedule(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	trigger := "grpc"
	if name, ok := OperatorFromCtx(ctx); ok {
		trigger = "grpc:" + name
	}
	sum, err := s.sched.Run(ctx, trigger)
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := convert.ToProtoRunSummary(sum)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}
