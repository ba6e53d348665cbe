package grpc

import (
	"context"
	"strings"

	"github.com/pitabwire/util"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pitabwire/appcheck/interceptors"
	"github.com/pitabwire/appcheck/verifier"
)

func incomingToken(ctx context.Context, key string) string {
	requestMetadata, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	vv := requestMetadata.Get(key)
	if len(vv) == 0 {
		return ""
	}
	return strings.TrimSpace(vv[0])
}

func verify(
	ctx context.Context,
	tokenVerifier verifier.TokenVerifier,
	options interceptors.Options,
) (context.Context, error) {
	token := incomingToken(ctx, options.MetadataKey())
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "no appcheck token found in request metadata")
	}

	claims, err := tokenVerifier.Verify(ctx, token)
	if err != nil {
		util.Log(ctx).WithError(err).Info("could not verify appcheck token")
		return nil, status.Error(codes.Unauthenticated, "appcheck token is invalid")
	}

	return verifier.ClaimsToContext(ctx, claims), nil
}

// UnaryVerifyInterceptor rejects unary calls without a valid app check token.
func UnaryVerifyInterceptor(
	tokenVerifier verifier.TokenVerifier,
	opts ...interceptors.Option,
) grpc.UnaryServerInterceptor {
	options := interceptors.Apply(opts...)

	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		verifiedCtx, err := verify(ctx, tokenVerifier, options)
		if err != nil {
			return nil, err
		}
		return handler(verifiedCtx, req)
	}
}

type serverStreamWrapper struct {
	ctx context.Context
	grpc.ServerStream
}

func (s *serverStreamWrapper) Context() context.Context {
	return s.ctx
}

// StreamVerifyInterceptor rejects streams without a valid app check token.
func StreamVerifyInterceptor(
	tokenVerifier verifier.TokenVerifier,
	opts ...interceptors.Option,
) grpc.StreamServerInterceptor {
	options := interceptors.Apply(opts...)

	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if verifier.ClaimsFromContext(ss.Context()) != nil {
			return handler(srv, ss)
		}

		verifiedCtx, err := verify(ss.Context(), tokenVerifier, options)
		if err != nil {
			return err
		}
		return handler(srv, &serverStreamWrapper{verifiedCtx, ss})
	}
}
