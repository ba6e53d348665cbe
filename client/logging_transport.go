package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/config"
)

const (
	defaultMaxBodySize = 1024
	redacted           = "[redacted]"
)

// LoggingTransportOption configures the logging HTTP transport.
type LoggingTransportOption func(*loggingTransport)

// loggingTransport logs requests and responses, never printing credential headers.
type loggingTransport struct {
	transport   http.RoundTripper
	logHeaders  bool
	logBody     bool
	maxBodySize int64
	sensitive   map[string]struct{}
}

// NewLoggingTransport creates a new logging HTTP transport.
// Headers and bodies are left out unless enabled.
func NewLoggingTransport(transport http.RoundTripper, opts ...LoggingTransportOption) http.RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}

	t := &loggingTransport{
		transport:   transport,
		maxBodySize: defaultMaxBodySize,
		sensitive:   map[string]struct{}{},
	}
	for _, name := range []string{"Authorization", "Proxy-Authorization", "Cookie", config.DefaultHeaderName} {
		t.sensitive[http.CanonicalHeaderKey(name)] = struct{}{}
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func WithTransportLogHeaders(enabled bool) LoggingTransportOption {
	return func(t *loggingTransport) {
		t.logHeaders = enabled
	}
}

func WithTransportLogBody(enabled bool) LoggingTransportOption {
	return func(t *loggingTransport) {
		t.logBody = enabled
	}
}

func WithTransportMaxBodySize(size int64) LoggingTransportOption {
	return func(t *loggingTransport) {
		if size > 0 {
			t.maxBodySize = size
		}
	}
}

// WithTransportRedactHeaders adds headers whose values are never logged.
func WithTransportRedactHeaders(names ...string) LoggingTransportOption {
	return func(t *loggingTransport) {
		for _, name := range names {
			t.sensitive[http.CanonicalHeaderKey(name)] = struct{}{}
		}
	}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	t.logRequest(ctx, req)

	resp, err := t.transport.RoundTrip(req)

	t.logResponse(ctx, resp, err, time.Since(start))

	return resp, err
}

func (t *loggingTransport) headers(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		if _, ok := t.sensitive[http.CanonicalHeaderKey(name)]; ok {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, " , ")
	}
	return out
}

func (t *loggingTransport) readBody(body *io.ReadCloser) string {
	if *body == nil || *body == http.NoBody {
		return ""
	}

	content, err := io.ReadAll(*body)
	_ = (*body).Close()
	*body = io.NopCloser(bytes.NewReader(content))
	if err != nil || len(content) == 0 {
		return ""
	}

	if int64(len(content)) > t.maxBodySize {
		content = content[:t.maxBodySize]
	}
	return string(content)
}

func (t *loggingTransport) logRequest(ctx context.Context, req *http.Request) {
	logger := util.Log(ctx).
		WithField("method", req.Method).
		WithField("url", req.URL.Redacted())

	if t.logHeaders {
		logger = logger.WithField("headers", t.headers(req.Header))
	}

	if t.logBody && req.Body != nil {
		if body := t.readBody(&req.Body); body != "" {
			logger = logger.WithField("body", body)
		}
	}

	logger.Debug("HTTP request sent")
}

func (t *loggingTransport) logResponse(ctx context.Context, resp *http.Response, err error, duration time.Duration) {
	logger := util.Log(ctx).WithField("duration", duration.String())

	if err != nil {
		logger.WithError(err).Error("HTTP request failed")
		return
	}

	logger = logger.WithField("status", resp.StatusCode)

	if t.logHeaders {
		logger = logger.WithField("headers", t.headers(resp.Header))
	}

	if t.logBody && resp.Body != nil {
		if body := t.readBody(&resp.Body); body != "" {
			logger = logger.WithField("body", body)
		}
	}

	logger.Debug("HTTP response received")
}
