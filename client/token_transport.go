package client

import (
	"net/http"

	"github.com/pitabwire/appcheck/interceptors"
	"github.com/pitabwire/appcheck/sdk"
)

type tokenTransport struct {
	transport http.RoundTripper
	source    sdk.TokenSource
	header    string
}

// NewTokenTransport attaches the token from source to each outgoing request.
// Requests that already carry the header keep it, and no header is sent while the token is empty.
func NewTokenTransport(
	transport http.RoundTripper,
	source sdk.TokenSource,
	opts ...interceptors.Option,
) http.RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &tokenTransport{
		transport: transport,
		source:    source,
		header:    interceptors.Apply(opts...).Header,
	}
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(t.header) != "" {
		return t.transport.RoundTrip(req)
	}

	token, ok := interceptors.Outgoing(req.Context(), t.source)
	if !ok {
		return t.transport.RoundTrip(req)
	}

	attached := req.Clone(req.Context())
	attached.Header.Set(t.header, token)
	return t.transport.RoundTrip(attached)
}
