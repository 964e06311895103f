// Package flash toggles an external flash over gRPC.
//
// The service has no generated stubs: its descriptor is declared here and
// every message is a protobuf well-known type, so the default proto codec
// carries it without a .proto build step.
package flash

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "pilapse.flash.v1.Flash"

const (
	methodTurnOn  = "/" + serviceName + "/TurnOn"
	methodTurnOff = "/" + serviceName + "/TurnOff"
	methodStop    = "/" + serviceName + "/Stop"
	methodState   = "/" + serviceName + "/State"
)

// ErrServerStopped is returned by the client once the server has shut down.
var ErrServerStopped = errors.New("flash: server stopped")

// Handler is the server side of the Flash service.
type Handler interface {
	TurnOn(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	TurnOff(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	State(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
}

// RegisterHandler attaches h to s.
func RegisterHandler(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

func unary(fullMethod string, call func(Handler, context.Context, *emptypb.Empty) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Handler), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(Handler), ctx, req.(*emptypb.Empty))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "TurnOn",
			Handler: unary(methodTurnOn, func(h Handler, ctx context.Context, in *emptypb.Empty) (any, error) {
				return h.TurnOn(ctx, in)
			}),
		},
		{
			MethodName: "TurnOff",
			Handler: unary(methodTurnOff, func(h Handler, ctx context.Context, in *emptypb.Empty) (any, error) {
				return h.TurnOff(ctx, in)
			}),
		},
		{
			MethodName: "Stop",
			Handler: unary(methodStop, func(h Handler, ctx context.Context, in *emptypb.Empty) (any, error) {
				return h.Stop(ctx, in)
			}),
		},
		{
			MethodName: "State",
			Handler: unary(methodState, func(h Handler, ctx context.Context, in *emptypb.Empty) (any, error) {
				return h.State(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pilapse/flash/v1/flash.proto",
}
