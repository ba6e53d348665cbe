package connect

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/interceptors"
	"github.com/pitabwire/appcheck/sdk"
	"github.com/pitabwire/appcheck/verifier"
)

// ErrInvalidToken is the error reported to callers whose token fails verification.
var ErrInvalidToken = errors.New("invalid appcheck token")

// VerifyInterceptor implements connect.Interceptor for handlers that require app check.
type VerifyInterceptor struct {
	verifier verifier.TokenVerifier
	options  interceptors.Options
}

func NewVerifyInterceptor(tokenVerifier verifier.TokenVerifier, opts ...interceptors.Option) *VerifyInterceptor {
	return &VerifyInterceptor{
		verifier: tokenVerifier,
		options:  interceptors.Apply(opts...),
	}
}

func (v *VerifyInterceptor) verify(ctx context.Context, header string) (context.Context, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return nil, connect.NewError(connect.CodeUnauthenticated, verifier.ErrMissingToken)
	}

	claims, err := v.verifier.Verify(ctx, token)
	if err != nil {
		util.Log(ctx).WithError(err).Info("could not verify appcheck token")
		return nil, connect.NewError(connect.CodeUnauthenticated, ErrInvalidToken)
	}

	return verifier.ClaimsToContext(ctx, claims), nil
}

func (v *VerifyInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}

		verifiedCtx, err := v.verify(ctx, req.Header().Get(v.options.Header))
		if err != nil {
			return nil, err
		}
		return next(verifiedCtx, req)
	}
}

func (v *VerifyInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (v *VerifyInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		verifiedCtx, err := v.verify(ctx, conn.RequestHeader().Get(v.options.Header))
		if err != nil {
			return err
		}
		return next(verifiedCtx, conn)
	}
}

// AttachInterceptor implements connect.Interceptor for clients calling app check protected services.
type AttachInterceptor struct {
	source  sdk.TokenSource
	options interceptors.Options
}

func NewAttachInterceptor(source sdk.TokenSource, opts ...interceptors.Option) *AttachInterceptor {
	return &AttachInterceptor{
		source:  source,
		options: interceptors.Apply(opts...),
	}
}

func (a *AttachInterceptor) attach(ctx context.Context, header http.Header) {
	if header.Get(a.options.Header) != "" {
		return
	}
	if token, ok := interceptors.Outgoing(ctx, a.source); ok {
		header.Set(a.options.Header, token)
	}
}

func (a *AttachInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			a.attach(ctx, req.Header())
		}
		return next(ctx, req)
	}
}

func (a *AttachInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return func(ctx context.Context, spec connect.Spec) connect.StreamingClientConn {
		conn := next(ctx, spec)
		a.attach(ctx, conn.RequestHeader())
		return conn
	}
}

func (a *AttachInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}
