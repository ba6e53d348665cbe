package appcheck

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/cache"
	cacheredis "github.com/pitabwire/appcheck/cache/redis"
	cachevalkey "github.com/pitabwire/appcheck/cache/valkey"
	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/inject"
	"github.com/pitabwire/appcheck/mirror"
	"github.com/pitabwire/appcheck/providers/jwt"
	"github.com/pitabwire/appcheck/providers/oauth2"
	"github.com/pitabwire/appcheck/reactive"
	"github.com/pitabwire/appcheck/sdk"
	"github.com/pitabwire/appcheck/version"
)

const (
	ProviderOAuth2 = "oauth2"
	ProviderJWT    = "jwt"
	ProviderDebug  = "debug"
)

// ErrUnknownProvider is returned for an APPCHECK_PROVIDER value no provider answers to.
var ErrUnknownProvider = errors.New("unknown appcheck provider")

type setupOptions struct {
	initializer sdk.Initializer
	sdkOptions  []sdk.Option
	provider    sdk.AttestationProvider
	cache       cache.RawCache
	debug       any
	debugSet    bool
}

// SetupOption adjusts SetupAppCheck.
type SetupOption func(*setupOptions)

// WithInitializer replaces sdk.Default.
func WithInitializer(initializer sdk.Initializer) SetupOption {
	return func(o *setupOptions) {
		o.initializer = initializer
	}
}

// WithSDKOptions are passed to the initializer after the ones derived from configuration.
func WithSDKOptions(opts ...sdk.Option) SetupOption {
	return func(o *setupOptions) {
		o.sdkOptions = append(o.sdkOptions, opts...)
	}
}

// WithProvider replaces the provider named by configuration.
func WithProvider(provider sdk.AttestationProvider) SetupOption {
	return func(o *setupOptions) {
		o.provider = provider
	}
}

// WithCache replaces the cache named by configuration. The caller keeps ownership of raw.
func WithCache(raw cache.RawCache) SetupOption {
	return func(o *setupOptions) {
		o.cache = raw
	}
}

// WithDebug is applied through sdk.SetDebug before the client is initialized, taking
// precedence over APPCHECK_DEBUG.
func WithDebug(value any) SetupOption {
	return func(o *setupOptions) {
		o.debug = value
		o.debugSet = true
	}
}

// WithAppCheck runs SetupAppCheck while the service is being built. A failure is logged and
// kept for AppCheckError.
func WithAppCheck(opts ...SetupOption) Option {
	return func(ctx context.Context, s *Service) {
		_, err := SetupAppCheck(ctx, s, opts...)
		if err != nil {
			s.Log(ctx).WithError(err).Error("could not set up appcheck")
		}
	}
}

// AppCheckError returns the error of the last SetupAppCheck call on s.
func (s *Service) AppCheckError() error {
	s.appCheckMu.Lock()
	defer s.appCheckMu.Unlock()
	return s.appCheckErr
}

func (s *Service) setAppCheckError(err error) {
	s.appCheckMu.Lock()
	defer s.appCheckMu.Unlock()
	s.appCheckErr = err
}

// SetupAppCheck initializes the attestation client of s, registers it, provides the token cell
// under TokenKey and, for interactive services, mirrors every token into that cell.
func SetupAppCheck(ctx context.Context, s *Service, opts ...SetupOption) (sdk.Client, error) {
	if s == nil {
		return nil, ErrNoService
	}

	c, err := setupAppCheck(ctx, s, opts...)
	if err != nil {
		// a setup that lost to one already registered leaves the working client's state alone
		if _, registered := clients.Lookup(s); registered {
			return nil, err
		}
	}
	s.setAppCheckError(err)
	return c, err
}

func setupAppCheck(ctx context.Context, s *Service, opts ...SetupOption) (sdk.Client, error) {
	o := &setupOptions{initializer: sdk.Default}
	for _, opt := range opts {
		opt(o)
	}

	if _, ok := clients.Lookup(s); ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, s.Name())
	}

	log := s.logger.WithField("app", s.Name())
	cfg, _ := s.Config().(config.ConfigurationAppCheck)

	switch {
	case o.debugSet:
		sdk.SetDebug(ctx, o.debug)
	case cfg != nil && cfg.AppCheckDebug() != "":
		sdk.SetDebug(ctx, cfg.AppCheckDebug())
	}

	app := sdk.AppInfo{
		Name:        s.Name(),
		Environment: s.Environment(),
		Version:     s.Version(),
	}

	sdkOpts := []sdk.Option{}
	if s.WorkerPool() != nil {
		sdkOpts = append(sdkOpts, sdk.WithWorkerPool(s.WorkerPool()))
	}

	var ownedCache cache.RawCache
	if cfg != nil {
		app.ID = cfg.GetAppCheckAppID()
		sdkOpts = append(sdkOpts,
			sdk.WithAutoRefresh(cfg.AppCheckAutoRefreshEnabled()),
			sdk.WithRefreshMargin(cfg.GetAppCheckRefreshMargin()))

		if o.provider == nil {
			provider, err := s.providerFromConfig(cfg)
			if err != nil {
				return nil, err
			}
			o.provider = provider
		}

		if o.cache == nil {
			raw, err := OpenCache(ctx, cfg.GetAppCheckCacheURI())
			if err != nil {
				return nil, err
			}
			o.cache, ownedCache = raw, raw
		}
	}

	if o.provider != nil {
		sdkOpts = append(sdkOpts, sdk.WithProvider(o.provider))
	}
	if o.cache != nil {
		sdkOpts = append(sdkOpts, sdk.WithCache(o.cache))
	}
	sdkOpts = append(sdkOpts, o.sdkOptions...)

	// clients outlive this call and are held by the registry, so they get a context that
	// does not carry the service
	clientCtx := util.ContextWithLogger(context.Background(), log)

	c, err := o.initializer.Initialize(clientCtx, app, sdkOpts...)
	if err != nil {
		closeCache(ctx, ownedCache)
		return nil, fmt.Errorf("initializing appcheck client: %w", err)
	}

	err = clients.Register(s, c)
	if err != nil {
		_ = c.Close()
		closeCache(ctx, ownedCache)
		return nil, fmt.Errorf("%w: %s: %w", ErrAlreadyInitialized, s.Name(), err)
	}

	cell := reactive.NewCell[string]()
	inject.Provide(s.Scope(), TokenKey, cell)

	sub := mirror.Start(ctx, c, cell,
		mirror.WithInteractive(s.Interactive()),
		mirror.WithOnToken(func(token sdk.Token) {
			log.WithField("token", token.Fingerprint()).
				WithField("expires", token.ExpireTime).
				Debug("appcheck token mirrored")
		}))

	services.add(s.Name(), s)

	s.AddCleanupMethod(func(ctx context.Context) {
		sub.Stop()

		err := c.Close()
		if err != nil {
			s.Log(ctx).WithError(err).Warn("could not close appcheck client")
		}

		clients.Unregister(s)
		inject.Remove(s.Scope(), TokenKey)
		closeCache(ctx, ownedCache)
	})

	s.Log(ctx).
		WithField("mirroring", sub.Active()).
		WithField("build", version.String()).
		Info("appcheck initialized")
	return c, nil
}

func (s *Service) providerFromConfig(cfg config.ConfigurationAppCheck) (sdk.AttestationProvider, error) {
	switch cfg.AppCheckProvider() {
	case "", ProviderDebug:
		return nil, nil
	case ProviderOAuth2:
		provider, err := oauth2.FromConfig(cfg, oauth2.WithHTTPClient(s.HTTPClient()))
		if err != nil {
			return nil, err
		}
		return provider, nil
	case ProviderJWT:
		signer, err := jwt.FromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.AppCheckProvider())
	}
}

// OpenCache opens the token cache named by uri: mem://, redis://, rediss://, valkey:// or valkeys://.
func OpenCache(ctx context.Context, uri string) (cache.RawCache, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing cache uri: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "", "mem", "memory":
		return cache.NewInMemoryCache(), nil
	case "redis", "rediss":
		return cacheredis.New(ctx, uri)
	case "valkey", "valkeys":
		return cachevalkey.New(ctx, uri)
	default:
		return nil, fmt.Errorf("%w: %q", cache.ErrUnsupportedScheme, parsed.Scheme)
	}
}

func closeCache(ctx context.Context, raw cache.RawCache) {
	if raw == nil {
		return
	}
	err := raw.Close()
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not close appcheck cache")
	}
}
