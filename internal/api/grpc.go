package api

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tradegate/internal/errs"
	"tradegate/internal/events"
)

// TradeServiceName is the fully qualified gRPC service name.
const TradeServiceName = "tradegate.v1.TradeService"

// Full method names, shared with the SDK client.
const (
	MethodSubmit       = "/" + TradeServiceName + "/Submit"
	MethodConfirm      = "/" + TradeServiceName + "/Confirm"
	MethodCancel       = "/" + TradeServiceName + "/Cancel"
	MethodStatus       = "/" + TradeServiceName + "/Status"
	MethodStreamEvents = "/" + TradeServiceName + "/StreamEvents"
)

// AttemptRef addresses one attempt in gRPC requests.
type AttemptRef struct {
	AttemptID string `json:"attempt_id"`
	Token     string `json:"token,omitempty"`
}

// StreamRequest selects the events streamed by StreamEvents.
type StreamRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// tradeServiceServer is the handler type of the service descriptor.
type tradeServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Confirm(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// TradeService implements tradegate.v1.TradeService. Messages are
// google.protobuf.Struct carrying the same JSON shapes as the HTTP API.
type TradeService struct {
	engine Engine
	bus    *events.Bus
	log    *slog.Logger
}

var _ tradeServiceServer = (*TradeService)(nil)

// NewTradeService creates a TradeService backed by engine. bus may be nil,
// in which case StreamEvents is unavailable.
func NewTradeService(engine Engine, bus *events.Bus, log *slog.Logger) *TradeService {
	return &TradeService{engine: engine, bus: bus, log: log}
}

// RegisterGRPC registers the service on gs.
func (s *TradeService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&tradeServiceDesc, s)
}

func (s *TradeService) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body SubmitTradeRequest
	if err := FromStruct(in, &body); err != nil {
		return nil, grpcError(errs.New(errs.CodeInvalidRequest, errs.WithMessage("malformed request"), errs.WithCause(err)))
	}
	req, err := body.TradeRequest()
	if err != nil {
		return nil, grpcError(err)
	}
	a, err := s.engine.SubmitTrade(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(AttemptResponse{Attempt: a})
}

func (s *TradeService) Confirm(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref AttemptRef
	if err := FromStruct(in, &ref); err != nil {
		return nil, grpcError(errs.New(errs.CodeInvalidRequest, errs.WithCause(err)))
	}
	a, err := s.engine.ConfirmTrade(ctx, ref.AttemptID, ref.Token)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(AttemptResponse{Attempt: a})
}

func (s *TradeService) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref AttemptRef
	if err := FromStruct(in, &ref); err != nil {
		return nil, grpcError(errs.New(errs.CodeInvalidRequest, errs.WithCause(err)))
	}
	a, err := s.engine.CancelTrade(ctx, ref.AttemptID)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(AttemptResponse{Attempt: a})
}

func (s *TradeService) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref AttemptRef
	if err := FromStruct(in, &ref); err != nil {
		return nil, grpcError(errs.New(errs.CodeInvalidRequest, errs.WithCause(err)))
	}
	a, err := s.engine.AttemptStatus(ctx, ref.AttemptID)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(AttemptResponse{Attempt: a})
}

// StreamEvents streams transition events until the client disconnects.
func (s *TradeService) StreamEvents(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.bus == nil {
		return status.Error(codes.Unimplemented, "event streaming not configured")
	}
	var req StreamRequest
	if err := FromStruct(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	subID, ch := s.bus.Subscribe(req.UserID, wsBufferSize)
	defer s.bus.Unsubscribe(subID)
	s.log.Info("grpc client subscribed", "subID", subID, "user", req.UserID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := ToStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

func unary(name string, call func(tradeServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	full := "/" + TradeServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(tradeServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(tradeServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var tradeServiceDesc = grpc.ServiceDesc{
	ServiceName: TradeServiceName,
	HandlerType: (*tradeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", tradeServiceServer.Submit),
		unary("Confirm", tradeServiceServer.Confirm),
		unary("Cancel", tradeServiceServer.Cancel),
		unary("Status", tradeServiceServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(tradeServiceServer).StreamEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
			},
		},
	},
	Metadata: "tradegate/v1/trade.proto",
}

// ---------------------------------------------------------------------------
// Struct conversion
// ---------------------------------------------------------------------------

// ToStruct converts v to a Struct through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// grpcError maps an error onto a gRPC status. The message is prefixed with
// the stable error code.
func grpcError(err error) error {
	p := errs.Public(err)
	var c codes.Code
	switch p.Code {
	case errs.CodeInvalidRequest:
		c = codes.InvalidArgument
	case errs.CodeNotFound:
		c = codes.NotFound
	case errs.CodeDuplicateInFlight:
		c = codes.AlreadyExists
	case errs.CodeThrottled:
		c = codes.ResourceExhausted
	case errs.CodeShuttingDown:
		c = codes.Unavailable
	case errs.CodeInternal:
		c = codes.Internal
	default:
		c = codes.FailedPrecondition
	}
	msg := string(p.Code)
	if p.Message != "" {
		msg += ": " + p.Message
	}
	return status.Error(c, msg)
}
