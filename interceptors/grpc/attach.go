package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pitabwire/appcheck/interceptors"
	"github.com/pitabwire/appcheck/sdk"
)

func withToken(ctx context.Context, source sdk.TokenSource, key string) context.Context {
	if existing, ok := metadata.FromOutgoingContext(ctx); ok && len(existing.Get(key)) > 0 {
		return ctx
	}

	token, ok := interceptors.Outgoing(ctx, source)
	if !ok {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, key, token)
}

// UnaryAttachInterceptor adds the token from source to outgoing unary calls.
func UnaryAttachInterceptor(source sdk.TokenSource, opts ...interceptors.Option) grpc.UnaryClientInterceptor {
	key := interceptors.Apply(opts...).MetadataKey()

	return func(ctx context.Context, method string, req, reply any,
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		return invoker(withToken(ctx, source, key), method, req, reply, cc, callOpts...)
	}
}

// StreamAttachInterceptor adds the token from source to outgoing streams.
func StreamAttachInterceptor(source sdk.TokenSource, opts ...interceptors.Option) grpc.StreamClientInterceptor {
	key := interceptors.Apply(opts...).MetadataKey()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn,
		method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(withToken(ctx, source, key), desc, cc, method, callOpts...)
	}
}
