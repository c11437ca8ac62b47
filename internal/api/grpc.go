package api

import (
	"bytes"
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"

	"quantdesk/internal/service"
	"quantdesk/pkg/quantdesk"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "quantdesk.Backtest"

const (
	methodRun            = "/" + ServiceName + "/Run"
	methodOptimize       = "/" + ServiceName + "/Optimize"
	methodListStrategies = "/" + ServiceName + "/ListStrategies"
)

// BacktestServer is the server API of the quantdesk.Backtest service.
// Requests and responses are google.protobuf.Struct values carrying the
// same JSON documents as the HTTP API.
type BacktestServer interface {
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Optimize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListStrategies(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// backtestServiceDesc declares the service without generated stubs.
var backtestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler(methodRun, BacktestServer.Run)},
		{MethodName: "Optimize", Handler: unaryHandler(methodOptimize, BacktestServer.Optimize)},
		{MethodName: "ListStrategies", Handler: unaryHandler(methodListStrategies, BacktestServer.ListStrategies)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quantdesk/backtest.proto",
}

type unaryMethod func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterBacktestServer registers srv on s.
func RegisterBacktestServer(s grpc.ServiceRegistrar, srv BacktestServer) {
	s.RegisterService(&backtestServiceDesc, srv)
}

// BacktestService implements BacktestServer over a service.Service.
type BacktestService struct {
	svc *service.Service
}

var _ BacktestServer = (*BacktestService)(nil)

// NewBacktestService creates a BacktestService.
func NewBacktestService(svc *service.Service) *BacktestService {
	return &BacktestService{svc: svc}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (b *BacktestService) RegisterGRPC(gs *grpc.Server) {
	RegisterBacktestServer(gs, b)
}

// Run executes one backtest.
func (b *BacktestService) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req quantdesk.BacktestRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	res, err := b.svc.Backtest(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// Optimize executes a parameter sweep.
func (b *BacktestService) Optimize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req quantdesk.OptimizeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	res, err := b.svc.Optimize(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// ListStrategies returns {"strategies": [...]}.
func (b *BacktestService) ListStrategies(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(struct {
		Strategies []quantdesk.StrategyInfo `json:"strategies"`
	}{b.svc.Strategies()})
}

// fromStruct decodes a Struct into a wire DTO, rejecting unknown fields.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encoding request: %v", err)
	}
	if err := decodeStrict(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}

// toStruct encodes a wire DTO as a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}

// CodeFor maps a classified error onto a gRPC code.
func CodeFor(e *service.Error) codes.Code {
	switch e.Kind {
	case service.KindInvalid:
		return codes.InvalidArgument
	case service.KindNotFound:
		return codes.NotFound
	case service.KindBudget:
		return codes.FailedPrecondition
	case service.KindCancelled:
		return codes.Canceled
	}
	return codes.Internal
}

// toStatus renders err as a status whose detail is the JSON error document.
func toStatus(err error) error {
	e := service.Classify(err)
	st := status.New(CodeFor(e), e.Error())

	body := quantdesk.ErrorResponse{
		Error:  e.Error(),
		Stage:  e.Stage,
		Symbol: e.Symbol,
		Total:  e.Total,
		Limit:  e.Limit,
	}
	if len(e.Params) > 0 {
		body.Parameters = e.Params
	}
	detail, derr := toStruct(body)
	if derr != nil {
		return st.Err()
	}
	withDetail, derr := st.WithDetails(protoadapt.MessageV1Of(detail))
	if derr != nil {
		return st.Err()
	}
	return withDetail.Err()
}

// errorDetail extracts the JSON error document from a status error.
func errorDetail(err error) (quantdesk.ErrorResponse, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return quantdesk.ErrorResponse{}, false
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		var body quantdesk.ErrorResponse
		if fromStruct(s, &body) == nil {
			return body, true
		}
	}
	return quantdesk.ErrorResponse{Error: st.Message()}, false
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
