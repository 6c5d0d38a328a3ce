package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/olyamironova/ledger-engine/internal/api/dto"
	"github.com/olyamironova/ledger-engine/internal/core"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "ledger.v1.Ledger"

	// AccountMetadata carries the caller identity, mirroring the HTTP
	// X-Account-ID header.
	AccountMetadata     = "x-account-id"
	IdempotencyMetadata = "idempotency-key"
)

// LedgerServer is the account-scoped surface exposed over gRPC. Payloads are
// google.protobuf.Struct values shaped like the HTTP JSON bodies.
type LedgerServer interface {
	SubmitOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitOrder", Handler: unary("SubmitOrder", LedgerServer.SubmitOrder)},
		{MethodName: "GetPosition", Handler: unary("GetPosition", LedgerServer.GetPosition)},
		{MethodName: "GetStatistics", Handler: unary("GetStatistics", LedgerServer.GetStatistics)},
	},
	Streams: []grpc.StreamDesc{},
}

type method func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type GRPCServer struct {
	Eng *core.Engine
	log *zap.Logger
}

func NewGRPCServer(eng *core.Engine, log *zap.Logger) *GRPCServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCServer{Eng: eng, log: log}
}

// NewServer builds a grpc.Server with the ledger and health services
// registered.
func NewServer(eng *core.Engine, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	s := NewGRPCServer(eng, log)
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryLogger(s.log))}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

func (s *GRPCServer) SubmitOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountFrom(ctx, in)
	if err != nil {
		return nil, err
	}
	var req dto.SubmitOrderRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid_argument: %v", err)
	}
	key := firstMetadata(ctx, IdempotencyMetadata)
	if key == "" {
		key = in.GetFields()["idempotency_key"].GetStringValue()
	}
	order, err := req.ToDomain(accountID, key)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.Eng.SubmitOrder(ctx, order)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(dto.SubmitOrderResponse{
		Trade:      dto.FromTrade(res.Trade),
		NewBalance: res.NewBalance,
		Replayed:   res.Replayed,
	})
}

func (s *GRPCServer) GetPosition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountFrom(ctx, in)
	if err != nil {
		return nil, err
	}
	instrumentID := in.GetFields()["instrument_id"].GetStringValue()
	if instrumentID == "" {
		return nil, status.Error(codes.InvalidArgument, "invalid_argument: instrument_id required")
	}
	qty, err := s.Eng.GetPosition(ctx, accountID, instrumentID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(dto.PositionResponse{AccountID: accountID, InstrumentID: instrumentID, Quantity: qty})
}

func (s *GRPCServer) GetStatistics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountFrom(ctx, in)
	if err != nil {
		return nil, err
	}
	st, err := s.Eng.GetStatistics(ctx, accountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(dto.FromStatistics(st))
}

func accountFrom(ctx context.Context, in *structpb.Struct) (string, error) {
	id := firstMetadata(ctx, AccountMetadata)
	if id == "" {
		id = strings.TrimSpace(in.GetFields()["account_id"].GetStringValue())
	}
	if id == "" {
		return "", status.Error(codes.Unauthenticated, "unauthenticated: "+AccountMetadata+" metadata required")
	}
	return id, nil
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// fromStruct decodes a Struct into a JSON-tagged dto.
func fromStruct(in *structpb.Struct, v any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// CodeFor maps a ledger error onto a gRPC status code.
func CodeFor(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidSide),
		errors.Is(err, domain.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrInstrumentNotFound),
		errors.Is(err, domain.ErrTradeNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrInstrumentInactive),
		errors.Is(err, domain.ErrInsufficientInventory),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientPosition):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrContention),
		errors.Is(err, domain.ErrStoreUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func toStatus(err error) error {
	code := CodeFor(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// UnaryLogger logs each call with its status code; internal failures at
// error level.
func UnaryLogger(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("latency", time.Since(start)),
		}
		if id := firstMetadata(ctx, AccountMetadata); id != "" {
			fields = append(fields, zap.String("account_id", id))
		}
		switch code {
		case codes.OK:
			log.Debug("rpc", fields...)
		case codes.Internal, codes.Unknown, codes.Unavailable:
			log.Error("rpc", append(fields, zap.Error(err))...)
		default:
			log.Info("rpc", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

// Client calls the ledger service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) SubmitOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SubmitOrder", in, opts...)
}

func (c *Client) GetPosition(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetPosition", in, opts...)
}

func (c *Client) GetStatistics(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetStatistics", in, opts...)
}

func (c *Client) invoke(ctx context.Context, name string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+name, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
