package sdk_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/pitabwire/appcheck/cache"
	"github.com/pitabwire/appcheck/sdk"
	"github.com/pitabwire/appcheck/workerpool"
)

type countingProvider struct {
	calls    atomic.Int32
	lifetime time.Duration
	err      error
}

func (p *countingProvider) Attest(_ context.Context, app sdk.AppInfo) (sdk.Token, error) {
	n := p.calls.Add(1)
	if p.err != nil {
		return sdk.Token{}, p.err
	}
	now := time.Now()
	return sdk.Token{
		Token:      fmt.Sprintf("%s-%d", app.Key(), n),
		IssuedAt:   now,
		ExpireTime: now.Add(p.lifetime),
	}, nil
}

type recorder struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recorder) listen(t sdk.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, t.Token)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

type ClientSuite struct {
	suite.Suite
	reader *sdkmetric.ManualReader
	app    sdk.AppInfo
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupSuite() {
	s.reader = sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader)))
	s.app = sdk.AppInfo{Name: "svc", ID: "app-1"}
}

func (s *ClientSuite) SetupTest() {
	sdk.SetDebug(context.Background(), false)
}

func (s *ClientSuite) TearDownTest() {
	sdk.SetDebug(context.Background(), false)
}

func (s *ClientSuite) newClient(provider sdk.AttestationProvider, opts ...sdk.Option) sdk.Client {
	opts = append([]sdk.Option{sdk.WithProvider(provider)}, opts...)
	c, err := sdk.Default.Initialize(context.Background(), s.app, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *ClientSuite) TestInitializeValidation() {
	ctx := context.Background()

	_, err := sdk.Initialize(ctx, sdk.AppInfo{}, sdk.WithProvider(&countingProvider{}))
	s.Require().ErrorIs(err, sdk.ErrInvalidApp)

	_, err = sdk.Initialize(ctx, s.app)
	s.Require().ErrorIs(err, sdk.ErrNoProvider)

	sdk.SetDebug(ctx, "debug-only")
	c, err := sdk.Initialize(ctx, s.app)
	s.Require().NoError(err)
	s.Require().NoError(c.Close())
}

func (s *ClientSuite) TestCachedTokenIsReusedUntilForced() {
	ctx := context.Background()
	provider := &countingProvider{lifetime: time.Hour}
	c := s.newClient(provider)

	first, err := c.Token(ctx, false)
	s.Require().NoError(err)
	s.Equal("app-1-1", first.Token)

	again, err := c.Token(ctx, false)
	s.Require().NoError(err)
	s.Equal(first, again)
	s.Equal(int32(1), provider.calls.Load())

	forced, err := c.Token(ctx, true)
	s.Require().NoError(err)
	s.Equal("app-1-2", forced.Token)
	s.Equal(int32(2), provider.calls.Load())
}

func (s *ClientSuite) TestTokenInsideMarginIsRefreshed() {
	ctx := context.Background()
	provider := &countingProvider{lifetime: time.Minute}
	c := s.newClient(provider, sdk.WithRefreshMargin(5*time.Minute))

	_, err := c.Token(ctx, false)
	s.Require().NoError(err)
	_, err = c.Token(ctx, false)
	s.Require().NoError(err)
	s.Equal(int32(2), provider.calls.Load())
}

func (s *ClientSuite) TestListenersReceiveRefreshesInOrder() {
	ctx := context.Background()
	c := s.newClient(&countingProvider{lifetime: time.Hour})

	first, second := &recorder{}, &recorder{}
	c.OnTokenChanged(first.listen)
	unsubscribe := c.OnTokenChanged(second.listen)

	for range 3 {
		_, err := c.Token(ctx, true)
		s.Require().NoError(err)
	}
	unsubscribe()
	unsubscribe()
	_, err := c.Token(ctx, true)
	s.Require().NoError(err)

	s.Equal([]string{"app-1-1", "app-1-2", "app-1-3", "app-1-4"}, first.seen())
	s.Equal([]string{"app-1-1", "app-1-2", "app-1-3"}, second.seen())
}

func (s *ClientSuite) TestListenerMayFetchAgain() {
	ctx := context.Background()
	c := s.newClient(&countingProvider{lifetime: time.Minute}, sdk.WithRefreshMargin(5*time.Minute))

	r := &recorder{}
	var refetched atomic.Bool
	c.OnTokenChanged(func(t sdk.Token) {
		r.listen(t)
		if refetched.CompareAndSwap(false, true) {
			_, err := c.Token(ctx, false)
			s.NoError(err)
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Token(ctx, false)
		done <- err
	}()

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(3 * time.Second):
		s.FailNow("token fetch blocked on a listener fetching again")
	}

	s.Equal([]string{"app-1-1", "app-1-2"}, r.seen())

	_, err := c.Token(ctx, true)
	s.Require().NoError(err)
	s.Equal([]string{"app-1-1", "app-1-2", "app-1-3"}, r.seen())
}

func (s *ClientSuite) TestNewListenerReceivesCurrentToken() {
	ctx := context.Background()
	c := s.newClient(&countingProvider{lifetime: time.Hour})

	late := &recorder{}
	c.OnTokenChanged(late.listen)
	s.Empty(late.seen())

	_, err := c.Token(ctx, false)
	s.Require().NoError(err)

	later := &recorder{}
	c.OnTokenChanged(later.listen)
	s.Equal([]string{"app-1-1"}, later.seen())
}

func (s *ClientSuite) TestDebugTokenReplacesProvider() {
	ctx := context.Background()
	provider := &countingProvider{lifetime: time.Hour}
	c := s.newClient(provider)

	s.Equal("my-token", sdk.SetDebug(ctx, "my-token"))

	token, err := c.Token(ctx, true)
	s.Require().NoError(err)
	s.Equal("my-token", token.Token)
	s.Zero(provider.calls.Load())
	s.True(token.ValidAt(time.Now(), time.Minute))
}

func (s *ClientSuite) TestDebugProviderOverride() {
	ctx := context.Background()
	sdk.SetDebug(ctx, "raw-debug")

	exchanged := sdk.ProviderFunc(func(_ context.Context, _ sdk.AppInfo) (sdk.Token, error) {
		return sdk.Token{Token: "exchanged:" + sdk.DebugToken()}, nil
	})
	c := s.newClient(&countingProvider{}, sdk.WithDebugProvider(exchanged))

	token, err := c.Token(ctx, false)
	s.Require().NoError(err)
	s.Equal("exchanged:raw-debug", token.Token)
	s.False(token.IssuedAt.IsZero())
}

func (s *ClientSuite) TestProviderFailures() {
	ctx := context.Background()
	boom := errors.New("attestation refused")

	testCases := []struct {
		name     string
		provider sdk.AttestationProvider
		wantErr  error
	}{
		{name: "provider error", provider: &countingProvider{err: boom}, wantErr: boom},
		{name: "empty token", provider: sdk.ProviderFunc(func(context.Context, sdk.AppInfo) (sdk.Token, error) {
			return sdk.Token{}, nil
		})},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			c := s.newClient(tc.provider)
			_, err := c.Token(ctx, false)
			s.Require().Error(err)
			if tc.wantErr != nil {
				s.Require().ErrorIs(err, tc.wantErr)
			}
		})
	}

	var rm metricdata.ResourceMetrics
	s.Require().NoError(s.reader.Collect(ctx, &rm))
	s.True(hasMetric(rm, "appcheck/sdk/refresh_failures"))
}

func (s *ClientSuite) TestCacheSurvivesClientRestart() {
	ctx := context.Background()
	raw := cache.NewInMemoryCache()
	s.T().Cleanup(func() { _ = raw.Close() })

	provider := &countingProvider{lifetime: time.Hour}
	first := s.newClient(provider, sdk.WithCache(raw))
	issued, err := first.Token(ctx, false)
	s.Require().NoError(err)
	s.Require().NoError(first.Close())

	exists, err := raw.Exists(ctx, "appcheck:app-1")
	s.Require().NoError(err)
	s.True(exists)

	second := s.newClient(provider, sdk.WithCache(raw))
	restored, err := second.Token(ctx, false)
	s.Require().NoError(err)
	s.Equal(issued.Token, restored.Token)
	s.Equal(int32(1), provider.calls.Load())
}

func (s *ClientSuite) TestClosedClient() {
	ctx := context.Background()
	c := s.newClient(&countingProvider{lifetime: time.Hour})

	s.Require().NoError(c.Close())
	s.Require().NoError(c.Close())

	_, err := c.Token(ctx, false)
	s.Require().ErrorIs(err, sdk.ErrClientClosed)

	r := &recorder{}
	c.OnTokenChanged(r.listen)()
	c.SetAutoRefresh(true)
	s.Empty(r.seen())
}

func (s *ClientSuite) TestAutoRefreshRunsInBackground() {
	ctx := context.Background()
	pool, err := workerpool.New(ctx, nil)
	s.Require().NoError(err)
	s.T().Cleanup(pool.Shutdown)

	provider := &countingProvider{lifetime: 200 * time.Millisecond}
	c := s.newClient(provider,
		sdk.WithAutoRefresh(true),
		sdk.WithRefreshMargin(0),
		sdk.WithWorkerPool(pool),
	)

	r := &recorder{}
	c.OnTokenChanged(r.listen)

	s.Eventually(func() bool {
		return len(r.seen()) >= 3
	}, 3*time.Second, 10*time.Millisecond)

	c.SetAutoRefresh(false)
	settled := provider.calls.Load()
	time.Sleep(300 * time.Millisecond)
	s.LessOrEqual(provider.calls.Load(), settled+1)

	var rm metricdata.ResourceMetrics
	s.Require().NoError(s.reader.Collect(ctx, &rm))
	s.True(hasMetric(rm, "appcheck/sdk/refreshes"))
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func TestSetDebug(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() { sdk.SetDebug(ctx, nil) })

	testCases := []struct {
		name      string
		value     any
		want      string
		generated bool
	}{
		{name: "bool true generates", value: true, generated: true},
		{name: "string true generates", value: "true", generated: true},
		{name: "one generates", value: "1", generated: true},
		{name: "fixed token", value: "my-token", want: "my-token"},
		{name: "bool false", value: false},
		{name: "string false", value: "false"},
		{name: "zero", value: "0"},
		{name: "empty", value: ""},
		{name: "nil", value: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := sdk.SetDebug(ctx, tc.value)
			if got != sdk.DebugToken() {
				t.Fatalf("SetDebug returned %q but DebugToken is %q", got, sdk.DebugToken())
			}
			if tc.generated {
				if got == "" || got == "true" || got == "1" {
					t.Fatalf("expected a generated debug token, got %q", got)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("SetDebug(%v) = %q, want %q", tc.value, got, tc.want)
			}
		})
	}
}

func TestTokenValidity(t *testing.T) {
	now := time.Now()

	testCases := []struct {
		name   string
		token  sdk.Token
		margin time.Duration
		want   bool
	}{
		{name: "empty", token: sdk.Token{}, want: false},
		{name: "no expiry", token: sdk.Token{Token: "t"}, margin: time.Hour, want: true},
		{name: "valid", token: sdk.Token{Token: "t", ExpireTime: now.Add(time.Hour)}, margin: time.Minute, want: true},
		{name: "inside margin", token: sdk.Token{Token: "t", ExpireTime: now.Add(time.Minute)}, margin: 5 * time.Minute, want: false},
		{name: "expired", token: sdk.Token{Token: "t", ExpireTime: now.Add(-time.Second)}, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.token.ValidAt(now, tc.margin); got != tc.want {
				t.Fatalf("ValidAt = %v, want %v", got, tc.want)
			}
		})
	}

	tok := sdk.Token{Token: "secret", IssuedAt: now, ExpireTime: now.Add(time.Hour)}
	if tok.Lifetime() != time.Hour {
		t.Fatalf("unexpected lifetime %v", tok.Lifetime())
	}
	if fp := tok.Fingerprint(); fp == "" || fp == "secret" || len(fp) != 12 {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if (sdk.Token{}).Fingerprint() != "" {
		t.Fatal("empty token must have an empty fingerprint")
	}
}
