package client //nolint:testpackage // tests access unexported loggingTransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

type LoggingTransportSuite struct {
	suite.Suite
}

func TestLoggingTransportSuite(t *testing.T) {
	suite.Run(t, new(LoggingTransportSuite))
}

func (s *LoggingTransportSuite) TestHeadersAreRedacted() {
	rt, ok := NewLoggingTransport(nil, WithTransportRedactHeaders("x-attest")).(*loggingTransport)
	s.Require().True(ok)

	logged := rt.headers(http.Header{
		"Authorization": {"Bearer secret"},
		"X-App-Check":   {"token"},
		"X-Attest":      {"token"},
		"Accept":        {"application/json", "text/plain"},
	})

	s.Equal(redacted, logged["Authorization"])
	s.Equal(redacted, logged["X-App-Check"])
	s.Equal(redacted, logged["X-Attest"])
	s.Equal("application/json , text/plain", logged["Accept"])
}

func (s *LoggingTransportSuite) TestRoundTripKeepsBodies() {
	var sent string
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		sent = string(body)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewBufferString("response body")),
			Header:     http.Header{"X-Test": []string{"yes"}},
		}, nil
	})

	rt := NewLoggingTransport(base,
		WithTransportLogHeaders(true),
		WithTransportLogBody(true),
		WithTransportMaxBodySize(10),
	)

	req, err := http.NewRequestWithContext(
		context.Background(),
		http.MethodPost,
		"http://example.com",
		io.NopCloser(strings.NewReader("request body payload")),
	)
	s.Require().NoError(err)

	resp, err := rt.RoundTrip(req)
	s.Require().NoError(err)
	s.Equal("request body payload", sent)

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Equal("response body", string(body))
	s.NoError(resp.Body.Close())
}

func (s *LoggingTransportSuite) TestRoundTripError() {
	base := roundTripFunc(func(_ *http.Request) (*http.Response, error) {
		return nil, errors.New("network down")
	})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://example.com", nil)
	s.Require().NoError(err)

	resp, err := NewLoggingTransport(base).RoundTrip(req)
	s.Nil(resp)
	s.Require().EqualError(err, "network down")
}
