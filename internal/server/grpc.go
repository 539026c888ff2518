package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-fusion/internal/common"
)

const (
	FusionServiceName = "invoicefusion.v1.FusionService"

	extractMethod    = "/" + FusionServiceName + "/Extract"
	getInvoiceMethod = "/" + FusionServiceName + "/GetInvoice"
)

// FusionServer is the gRPC surface. Payloads are JSON-shaped structs: Extract takes an
// ExtractRequest and returns an InvoiceRecord, GetInvoice takes {"id": "<uuid>"}.
type FusionServer interface {
	Extract(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetInvoice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// FusionServiceDesc describes FusionService without generated code.
var FusionServiceDesc = grpc.ServiceDesc{
	ServiceName: FusionServiceName,
	HandlerType: (*FusionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Extract", Handler: unaryHandler(extractMethod, FusionServer.Extract)},
		{MethodName: "GetInvoice", Handler: unaryHandler(getInvoiceMethod, FusionServer.GetInvoice)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "invoicefusion/v1/fusion.proto",
}

func unaryHandler(fullMethod string, call func(FusionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FusionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(FusionServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCService adapts Service to FusionServer.
type GRPCService struct {
	svc    *Service
	logger *slog.Logger
}

func NewGRPCService(svc *Service) *GRPCService {
	return &GRPCService{svc: svc, logger: svc.logger}
}

func (g *GRPCService) Extract(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ExtractRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, common.InvalidArgumentErrorf("invalid extract request: %v", err)
	}
	rec, err := g.svc.Extract(ctx, req)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return toStruct(rec)
}

func (g *GRPCService) GetInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw := strings.TrimSpace(in.GetFields()["id"].GetStringValue())
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, common.InvalidArgumentError("id must be a UUID")
	}
	inv, err := g.svc.store.GetInvoice(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NotFoundError("invoice " + id.String() + " not found")
	}
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return toStruct(inv)
}

// NewGRPCServer registers FusionService, health and reflection. Non-empty apiKeys are
// checked against the "authorization: Bearer <key>" metadata.
func NewGRPCServer(svc *Service, apiKeys []string) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		loggingInterceptor(svc.logger),
		authInterceptor(apiKeys),
	))
	gs.RegisterService(&FusionServiceDesc, NewGRPCService(svc))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(FusionServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(gs)
	return gs, hs
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		attrs := []any{"method", info.FullMethod, "code", code.String(), "latency_ms", time.Since(start).Milliseconds()}
		if err != nil && code == codes.Internal {
			logger.Error("grpc.request.failed", append(attrs, "error", err)...)
		} else {
			logger.Info("grpc.request", attrs...)
		}
		return resp, err
	}
}

func authInterceptor(apiKeys []string) grpc.UnaryServerInterceptor {
	valid := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			valid[k] = struct{}{}
		}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(valid) == 0 || strings.HasPrefix(info.FullMethod, "/grpc.health.") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		for _, v := range md.Get("authorization") {
			if key, ok := strings.CutPrefix(v, "Bearer "); ok {
				if _, ok := valid[key]; ok {
					return handler(ctx, req)
				}
			}
		}
		return nil, status.Error(codes.Unauthenticated, "missing or invalid api key")
	}
}

// FusionClient calls FusionService over conn.
type FusionClient struct {
	conn grpc.ClientConnInterface
}

func NewFusionClient(conn grpc.ClientConnInterface) *FusionClient {
	return &FusionClient{conn: conn}
}

func (c *FusionClient) Extract(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, extractMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FusionClient) GetInvoice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getInvoiceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// toStruct round-trips v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
