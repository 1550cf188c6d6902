package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matt-riley/togglez/internal/metrics"
	"github.com/matt-riley/togglez/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// EvaluationServiceName is the fully qualified gRPC service name.
const EvaluationServiceName = "togglez.v1.Evaluation"

const defaultGRPCStreamPollInterval = time.Second

// EvaluationServer is the gRPC surface. Messages are google.protobuf.Struct
// values carrying the same JSON shapes as the HTTP API.
type EvaluationServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVariant(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFeature(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// EvaluationServiceDesc describes [EvaluationServer] for grpc.Server.
var EvaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: EvaluationServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", EvaluationServer.Evaluate)},
		{MethodName: "GetVariant", Handler: unaryHandler("GetVariant", EvaluationServer.GetVariant)},
		{MethodName: "ListFeatures", Handler: unaryHandler("ListFeatures", EvaluationServer.ListFeatures)},
		{MethodName: "GetFeature", Handler: unaryHandler("GetFeature", EvaluationServer.GetFeature)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "togglez/v1/evaluation",
}

// RegisterEvaluationServer registers srv with s.
func RegisterEvaluationServer(s grpc.ServiceRegistrar, srv EvaluationServer) {
	s.RegisterService(&EvaluationServiceDesc, srv)
}

func unaryHandler(method string, call func(EvaluationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + EvaluationServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EvaluationServer).Watch(in, stream)
}

// GRPCServer implements [EvaluationServer].
type GRPCServer struct {
	service            Service
	recorder           EvaluationRecorder
	streamPollInterval time.Duration
}

// GRPCOption configures [NewGRPCServer].
type GRPCOption func(*GRPCServer)

// WithGRPCMetrics counts evaluations served over gRPC.
func WithGRPCMetrics(m *metrics.Metrics) GRPCOption {
	return func(s *GRPCServer) {
		if m != nil {
			s.recorder = m
		}
	}
}

// WithGRPCStreamPollInterval sets how often Watch checks for a new
// generation.
func WithGRPCStreamPollInterval(d time.Duration) GRPCOption {
	return func(s *GRPCServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// NewGRPCServer creates a [GRPCServer].
func NewGRPCServer(svc Service, opts ...GRPCOption) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	s := &GRPCServer{
		service:            svc,
		recorder:           nopRecorder{},
		streamPollInterval: defaultGRPCStreamPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GRPCServer) Evaluate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateJSONRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	requests, err := resolveRequests(request)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	results := s.service.ResolveBatch(requests)
	for _, result := range results {
		s.recorder.RecordEvaluation(evaluationKindIsEnabled, result.Value)
	}

	return toStruct(evaluateJSONResponse{Results: results})
}

func (s *GRPCServer) GetVariant(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request variantJSONRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if strings.TrimSpace(request.Key) == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}

	result := s.service.GetVariant(request.Key, request.Context)
	s.recorder.RecordEvaluation(evaluationKindVariant, result.Enabled)

	return toStruct(result)
}

func (s *GRPCServer) ListFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(featuresJSONResponse{Features: s.service.ListFeatures()})
}

func (s *GRPCServer) GetFeature(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := strings.TrimSpace(req.GetFields()["name"].GetStringValue())
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}

	feature, err := s.service.GetFeature(name)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return toStruct(feature)
}

// Watch streams the service status each time a new generation is published,
// starting after last_generation when given.
func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	var lastGeneration uint64
	if value := req.GetFields()["last_generation"]; value != nil {
		number := value.GetNumberValue()
		if number < 0 {
			return status.Error(codes.InvalidArgument, "last_generation must be non-negative")
		}
		lastGeneration = uint64(number)
	}

	sendIfChanged := func() error {
		current := s.service.Status()
		if current.Generation == 0 || current.Generation == lastGeneration {
			return nil
		}
		msg, err := toStruct(current)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
		lastGeneration = current.Generation
		return nil
	}

	if err := sendIfChanged(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendIfChanged(); err != nil {
				return err
			}
		}
	}
}

// HealthSetter is the subset of *health.Server that [SyncHealth] drives.
type HealthSetter interface {
	SetServingStatus(service string, servingStatus healthpb.HealthCheckResponse_ServingStatus)
}

// SyncHealth mirrors svc readiness into the gRPC health service until ctx is
// done. Both the overall status ("") and [EvaluationServiceName] are set.
func SyncHealth(ctx context.Context, svc Service, health HealthSetter, clock clockwork.Clock, interval time.Duration) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = defaultGRPCStreamPollInterval
	}

	set := func() {
		servingStatus := healthpb.HealthCheckResponse_NOT_SERVING
		if svc.Ready() {
			servingStatus = healthpb.HealthCheckResponse_SERVING
		}
		health.SetServingStatus("", servingStatus)
		health.SetServingStatus(EvaluationServiceName, servingStatus)
	}
	set()

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			set()
		}
	}
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrFlagNotFound):
		return status.Error(codes.NotFound, "flag not found")
	case errors.Is(err, service.ErrNotReady):
		return status.Error(codes.Unavailable, "not ready")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func fromStruct(msg *structpb.Struct, dst any) error {
	if msg == nil {
		msg = &structpb.Struct{}
	}
	data, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
