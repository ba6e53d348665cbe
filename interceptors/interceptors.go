// Package interceptors holds what the transport specific app check interceptors share.
package interceptors

import (
	"context"
	"strings"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/sdk"
)

type Options struct {
	Header string
}

type Option func(*Options)

// WithHeader sets the header carrying the token. gRPC metadata uses its lower case form.
func WithHeader(name string) Option {
	return func(o *Options) {
		if strings.TrimSpace(name) != "" {
			o.Header = name
		}
	}
}

// FromConfig uses the header named by cfg.
func FromConfig(cfg config.ConfigurationAppCheckVerification) Option {
	return WithHeader(cfg.GetAppCheckHeader())
}

func Apply(opts ...Option) Options {
	o := Options{Header: config.DefaultHeaderName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MetadataKey is the gRPC metadata key for the header.
func (o Options) MetadataKey() string {
	return strings.ToLower(o.Header)
}

// Outgoing returns the token to attach to an outgoing call.
// Failing sources are logged and the call proceeds without a token.
func Outgoing(ctx context.Context, source sdk.TokenSource) (string, bool) {
	if source == nil {
		return "", false
	}

	token, err := source(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not obtain appcheck token for outgoing call")
		return "", false
	}
	if token.Empty() {
		return "", false
	}
	return token.Token, true
}
