package sdk

import (
	"time"

	"github.com/pitabwire/appcheck/cache"
	"github.com/pitabwire/appcheck/workerpool"
)

const (
	DefaultRefreshMargin = 5 * time.Minute

	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 16 * time.Minute

	cacheKeyPrefix = "appcheck:"
)

// Options configures the default client.
type Options struct {
	Provider      AttestationProvider
	DebugProvider AttestationProvider
	AutoRefresh   bool
	RefreshMargin time.Duration
	Cache         cache.RawCache
	Pool          workerpool.WorkerPool
	Now           func() time.Time
}

type Option func(*Options)

func newOptions(opts ...Option) *Options {
	o := &Options{
		RefreshMargin: DefaultRefreshMargin,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.DebugProvider == nil {
		o.DebugProvider = debugProvider{ttl: defaultDebugTokenTTL, now: o.Now}
	}
	return o
}

// WithProvider sets where tokens come from.
func WithProvider(provider AttestationProvider) Option {
	return func(o *Options) {
		o.Provider = provider
	}
}

// WithDebugProvider replaces the provider used while a debug token is set.
func WithDebugProvider(provider AttestationProvider) Option {
	return func(o *Options) {
		o.DebugProvider = provider
	}
}

// WithAutoRefresh enables refreshing tokens in the background ahead of expiry.
func WithAutoRefresh(enabled bool) Option {
	return func(o *Options) {
		o.AutoRefresh = enabled
	}
}

// WithRefreshMargin sets how long before expiry a token stops being served.
func WithRefreshMargin(margin time.Duration) Option {
	return func(o *Options) {
		if margin >= 0 {
			o.RefreshMargin = margin
		}
	}
}

// WithCache persists tokens so that a restarted process can reuse them.
func WithCache(raw cache.RawCache) Option {
	return func(o *Options) {
		o.Cache = raw
	}
}

// WithWorkerPool runs background refreshes on pool.
func WithWorkerPool(pool workerpool.WorkerPool) Option {
	return func(o *Options) {
		o.Pool = pool
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}
