package sdk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel/metric"

	"github.com/pitabwire/appcheck/cache"
	"github.com/pitabwire/appcheck/telemetry"
	"github.com/pitabwire/appcheck/workerpool"
)

const telemetryPackage = "appcheck/sdk"

// Default initialises the token managing client shipped with this module.
//
//nolint:gochecknoglobals // stateless initializer
var Default Initializer = InitializerFunc(Initialize)

type listener struct {
	id uint64
	fn TokenListener
}

// emission is a token waiting to be delivered. A zero target broadcasts to every listener
// registered up to ceiling; otherwise only the target listener receives it.
type emission struct {
	token   Token
	ceiling uint64
	target  uint64
}

type client struct {
	app  AppInfo
	opts *Options

	store *cache.Typed[Token]

	tracer     telemetry.Tracer
	refreshes  metric.Int64Counter
	failures   metric.Int64Counter
	background context.Context
	cancel     context.CancelFunc

	// fetchMu serialises calls to the provider. It is never held while listeners run.
	fetchMu sync.Mutex

	mu          sync.Mutex
	current     Token
	listeners   []listener
	nextID      uint64
	pending     []emission
	draining    bool
	autoRefresh bool
	timer       *workerpool.Timer
	attempt     int
	closed      bool
}

// Initialize creates a client for app, restoring a still valid token from the cache when one is configured.
func Initialize(ctx context.Context, app AppInfo, opts ...Option) (Client, error) {
	if app.Key() == "" {
		return nil, ErrInvalidApp
	}

	o := newOptions(opts...)
	if o.Provider == nil && DebugToken() == "" {
		return nil, ErrNoProvider
	}

	background, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &client{
		app:        app,
		opts:       o,
		tracer:     telemetry.NewTracer(telemetryPackage),
		refreshes:  telemetry.DimensionlessMeasure(telemetryPackage, "/refreshes", "tokens obtained from a provider"),
		failures:   telemetry.DimensionlessMeasure(telemetryPackage, "/refresh_failures", "failed attempts to obtain a token"),
		background: background,
		cancel:     cancel,
	}

	if o.Cache != nil {
		c.store = cache.NewTyped[Token](o.Cache, cacheKeyPrefix)
		c.restore(ctx)
	}

	c.SetAutoRefresh(o.AutoRefresh)
	return c, nil
}

func (c *client) log(ctx context.Context) *util.LogEntry {
	return util.Log(ctx).WithField("app", c.app.Key())
}

func (c *client) restore(ctx context.Context) {
	cached, found, err := c.store.Get(ctx, c.app.Key())
	if err != nil {
		c.log(ctx).WithError(err).Warn("could not read cached appcheck token")
		return
	}
	if !found || !cached.ValidAt(c.opts.Now(), 0) {
		return
	}

	c.mu.Lock()
	c.current = cached
	c.mu.Unlock()
	c.log(ctx).WithField("token", cached.Fingerprint()).Debug("restored cached appcheck token")
}

func (c *client) Token(ctx context.Context, forceRefresh bool) (Token, error) {
	current, closed := c.snapshot()
	if closed {
		return Token{}, ErrClientClosed
	}
	if !forceRefresh && current.ValidAt(c.opts.Now(), c.opts.RefreshMargin) {
		return current, nil
	}
	return c.fetch(ctx, forceRefresh)
}

func (c *client) snapshot() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.closed
}

func (c *client) provider() AttestationProvider {
	if DebugToken() != "" {
		return c.opts.DebugProvider
	}
	return c.opts.Provider
}

func (c *client) fetch(ctx context.Context, forceRefresh bool) (Token, error) {
	token, fresh, err := c.obtain(ctx, forceRefresh)
	if err != nil || !fresh {
		return token, err
	}

	c.drain()

	c.log(ctx).WithField("token", token.Fingerprint()).
		WithField("expires", token.ExpireTime).
		Debug("appcheck token refreshed")
	return token, nil
}

// obtain returns a usable token under fetchMu, reporting whether it came from the provider.
func (c *client) obtain(ctx context.Context, forceRefresh bool) (Token, bool, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	current, closed := c.snapshot()
	if closed {
		return Token{}, false, ErrClientClosed
	}
	// a concurrent caller may have refreshed while this one waited
	if !forceRefresh && current.ValidAt(c.opts.Now(), c.opts.RefreshMargin) {
		return current, false, nil
	}

	token, err := c.attest(ctx)
	if err != nil {
		c.failures.Add(ctx, 1, telemetry.WithStatus(err))
		c.scheduleRetry()
		return Token{}, false, err
	}
	c.refreshes.Add(ctx, 1, telemetry.WithStatus(nil))

	if !c.accept(token) {
		return Token{}, false, ErrClientClosed
	}
	c.persist(ctx, token)
	return token, true, nil
}

func (c *client) attest(ctx context.Context) (token Token, err error) {
	ctx, span := c.tracer.Start(ctx, "Token")
	defer func() { c.tracer.End(ctx, span, err) }()

	provider := c.provider()
	if provider == nil {
		return Token{}, ErrNoProvider
	}

	token, err = provider.Attest(ctx, c.app)
	if err != nil {
		return Token{}, err
	}
	if token.Empty() {
		return Token{}, errors.New("attestation provider returned an empty token")
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = c.opts.Now()
	}
	return token, nil
}

// accept makes token current, schedules the next refresh and queues the token for listeners.
// Queueing under the same lock that sets current keeps delivery in acceptance order.
func (c *client) accept(token Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.current = token
	c.attempt = 0
	c.rescheduleLocked()

	c.pending = append(c.pending, emission{token: token, ceiling: c.nextID})
	return true
}

// drain delivers queued tokens in order. Only one goroutine drains at a time; a call made
// while another drain is running, including one made from inside a listener, leaves its
// tokens to that drain and returns at once.
func (c *client) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true

	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]

		var targets []listener
		for _, l := range c.listeners {
			if (next.target == 0 && l.id <= next.ceiling) || l.id == next.target {
				targets = append(targets, l)
			}
		}
		c.mu.Unlock()

		for _, l := range targets {
			l.fn(next.token)
		}

		c.mu.Lock()
	}

	c.draining = false
	c.mu.Unlock()
}

func (c *client) persist(ctx context.Context, token Token) {
	if c.store == nil {
		return
	}

	var ttl time.Duration
	if !token.ExpireTime.IsZero() {
		ttl = token.ExpireTime.Sub(c.opts.Now())
		if ttl <= 0 {
			return
		}
	}

	err := c.store.Set(ctx, c.app.Key(), token, ttl)
	if err != nil {
		c.log(ctx).WithError(err).Warn("could not cache appcheck token")
	}
}

func (c *client) OnTokenChanged(fn TokenListener) func() {
	if fn == nil {
		return func() {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	if c.current.ValidAt(c.opts.Now(), 0) {
		c.pending = append(c.pending, emission{token: c.current, target: id})
	}
	c.mu.Unlock()

	c.drain()

	var once sync.Once
	return func() {
		once.Do(func() { c.removeListener(id) })
	}
}

func (c *client) removeListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *client) SetAutoRefresh(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.autoRefresh = enabled
	c.rescheduleLocked()
}

// nextRefreshDelay is the wait before refreshing current: the margin before expiry, or half
// the lifetime when the margin would consume more than half of it.
func (c *client) nextRefreshDelay(now time.Time) time.Duration {
	if !c.current.ValidAt(now, 0) {
		return 0
	}
	if c.current.ExpireTime.IsZero() {
		return -1
	}

	refreshAt := c.current.ExpireTime.Add(-c.opts.RefreshMargin)
	if lifetime := c.current.Lifetime(); lifetime > 0 {
		halfway := c.current.IssuedAt.Add(lifetime / 2)
		if halfway.After(refreshAt) {
			refreshAt = halfway
		}
	}

	delay := refreshAt.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

func (c *client) rescheduleLocked() {
	c.stopTimerLocked()
	if !c.autoRefresh {
		return
	}

	delay := c.nextRefreshDelay(c.opts.Now())
	if delay < 0 {
		return
	}
	c.timer = workerpool.Schedule(c.background, c.opts.Pool, delay, c.refresh)
}

func (c *client) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.autoRefresh {
		return
	}
	c.attempt++
	c.stopTimerLocked()
	c.timer = workerpool.Schedule(c.background, c.opts.Pool, workerpool.Backoff(c.attempt, retryBaseDelay, retryMaxDelay), c.refresh)
}

func (c *client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *client) refresh(ctx context.Context) {
	_, err := c.fetch(ctx, true)
	if err != nil && !errors.Is(err, ErrClientClosed) {
		c.log(ctx).WithError(err).Warn("background appcheck token refresh failed")
	}
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	c.listeners = nil
	c.pending = nil
	c.cancel()
	return nil
}
