package client

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pitabwire/appcheck/interceptors"
	"github.com/pitabwire/appcheck/sdk"
)

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultHTTPIdleTimeout = 90 * time.Second
)

// HTTPOption configures HTTP client behavior.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	timeout     time.Duration
	idleTimeout time.Duration
	transport   http.RoundTripper

	source      sdk.TokenSource
	tokenOpts   []interceptors.Option
	logRequests bool
	logHeaders  bool
}

// WithHTTPTimeout sets the request timeout.
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(c *httpConfig) {
		c.timeout = timeout
	}
}

// WithHTTPIdleTimeout sets the idle timeout of the default transport.
func WithHTTPIdleTimeout(timeout time.Duration) HTTPOption {
	return func(c *httpConfig) {
		c.idleTimeout = timeout
	}
}

// WithHTTPTransport replaces the base transport.
func WithHTTPTransport(transport http.RoundTripper) HTTPOption {
	return func(c *httpConfig) {
		c.transport = transport
	}
}

// WithHTTPTokenSource attaches app check tokens from source to every request.
func WithHTTPTokenSource(source sdk.TokenSource, opts ...interceptors.Option) HTTPOption {
	return func(c *httpConfig) {
		c.source = source
		c.tokenOpts = opts
	}
}

// WithHTTPTraceRequests logs requests and responses, with headers when headers is set.
func WithHTTPTraceRequests(headers bool) HTTPOption {
	return func(c *httpConfig) {
		c.logRequests = true
		c.logHeaders = headers
	}
}

// NewHTTPClient creates an otelhttp instrumented client.
func NewHTTPClient(opts ...HTTPOption) *http.Client {
	cfg := &httpConfig{
		timeout:     defaultHTTPTimeout,
		idleTimeout: defaultHTTPIdleTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.IdleConnTimeout = cfg.idleTimeout
		cfg.transport = base
	}

	var transport http.RoundTripper = otelhttp.NewTransport(cfg.transport)

	if cfg.logRequests {
		transport = NewLoggingTransport(transport,
			WithTransportLogHeaders(cfg.logHeaders),
			WithTransportRedactHeaders(interceptors.Apply(cfg.tokenOpts...).Header))
	}

	if cfg.source != nil {
		transport = NewTokenTransport(transport, cfg.source, cfg.tokenOpts...)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.timeout,
	}
}
