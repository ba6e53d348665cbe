// Package appcheck binds attestation clients to services: one client per service, its token
// mirrored into a reactive cell that is provided through the service's injection scope.
package appcheck

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/client"
	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/inject"
	"github.com/pitabwire/appcheck/telemetry"
	"github.com/pitabwire/appcheck/verifier"
	"github.com/pitabwire/appcheck/version"
	"github.com/pitabwire/appcheck/workerpool"
)

type contextKey string

func (c contextKey) String() string {
	return "appcheck/" + string(c)
}

const ctxKeyService = contextKey("serviceKey")

// Service holds together the components of one running application instance.
// It is pushed into and pulled from contexts to make it easy to pass around.
type Service struct {
	name        string
	version     string
	environment string

	logger           *util.LogEntry
	configuration    any
	telemetryManager telemetry.Manager
	pool             workerpool.WorkerPool
	httpClient       *http.Client
	scope            *inject.Scope
	interactive      *bool

	appCheckMu    sync.Mutex
	appCheckErr   error
	tokenVerifier verifier.TokenVerifier

	cancelFunc    context.CancelFunc
	cleanup       func(ctx context.Context)
	startupErrors []error
	stopMutex     sync.Mutex
	stopped       bool
}

type Option func(ctx context.Context, service *Service)

// NewService creates a new instance of Service with the name and supplied options.
// Internally it calls NewServiceWithContext and creates a background context for use.
func NewService(name string, opts ...Option) (context.Context, *Service) {
	return NewServiceWithContext(context.Background(), name, opts...)
}

// NewServiceWithContext creates a new instance of Service with context, name and supplied options.
func NewServiceWithContext(ctx context.Context, name string, opts ...Option) (context.Context, *Service) {
	ctx, signalCancelFunc := signal.NotifyContext(ctx,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	defaultLogger := util.Log(ctx)
	ctx = util.ContextWithLogger(ctx, defaultLogger)

	defaultCfg, err := config.FromEnv[config.ConfigurationDefault]()
	if err != nil {
		defaultLogger.WithError(err).Warn("could not read configuration from the environment")
	}

	service := &Service{
		name:          name,
		version:       version.Version,
		cancelFunc:    signalCancelFunc,
		logger:        defaultLogger,
		configuration: &defaultCfg,
		httpClient:    client.NewHTTPClient(),
		scope:         inject.NewScope(nil),
	}

	defaultPool, err := workerpool.New(ctx, &defaultCfg)
	if err != nil {
		service.AddStartupError(err)
	}
	service.pool = defaultPool

	if defaultCfg.ServiceName != "" {
		opts = append([]Option{WithName(defaultCfg.ServiceName)}, opts...)
	}

	if defaultCfg.ServiceEnvironment != "" {
		opts = append([]Option{WithEnvironment(defaultCfg.ServiceEnvironment)}, opts...)
	}

	if defaultCfg.ServiceVersion != "" {
		opts = append([]Option{WithVersion(defaultCfg.ServiceVersion)}, opts...)
	}

	opts = append([]Option{WithLogger()}, opts...)

	service.Init(ctx, opts...)

	ctx = SvcToContext(ctx, service)
	ctx = config.ToContext(ctx, service.Config())
	ctx = inject.ToContext(ctx, service.scope)
	ctx = util.ContextWithLogger(ctx, service.logger)
	return ctx, service
}

// SvcToContext pushes a service instance into the supplied context for easier propagation.
func SvcToContext(ctx context.Context, service *Service) context.Context {
	return context.WithValue(ctx, ctxKeyService, service)
}

// Svc obtains a service instance being propagated through the context.
func Svc(ctx context.Context) *Service {
	service, ok := ctx.Value(ctxKeyService).(*Service)
	if !ok {
		return nil
	}

	return service
}

// Name gets the name of the service. Its the first argument used when NewService is called.
func (s *Service) Name() string {
	return s.name
}

// WithName specifies the name the service will utilize.
func WithName(name string) Option {
	return func(_ context.Context, s *Service) {
		s.name = name
	}
}

// Version gets the release version of the service.
func (s *Service) Version() string {
	return s.version
}

// WithVersion specifies the version the service will utilize.
func WithVersion(version string) Option {
	return func(_ context.Context, s *Service) {
		s.version = version
	}
}

// Environment gets the runtime environment of the service.
func (s *Service) Environment() string {
	return s.environment
}

// WithEnvironment specifies the environment the service will utilize.
func WithEnvironment(environment string) Option {
	return func(_ context.Context, s *Service) {
		s.environment = environment
	}
}

// WithInteractive overrides the EXECUTION_MODE setting. Token pushes are only mirrored
// into the token cell of interactive services.
func WithInteractive(interactive bool) Option {
	return func(_ context.Context, s *Service) {
		s.interactive = &interactive
	}
}

// Interactive reports whether the service can receive token pushes.
func (s *Service) Interactive() bool {
	if s.interactive != nil {
		return *s.interactive
	}

	execCfg, _ := s.Config().(config.ConfigurationExecution)
	return config.IsInteractive(execCfg)
}

// Scope is the injection scope values of this service are provided in.
func (s *Service) Scope() *inject.Scope {
	return s.scope
}

// HTTPClient is the instrumented client used for outbound calls, attestation included.
func (s *Service) HTTPClient() *http.Client {
	return s.httpClient
}

// WithHTTPClient replaces the service HTTP client.
func WithHTTPClient(opts ...client.HTTPOption) Option {
	return func(_ context.Context, s *Service) {
		s.httpClient = client.NewHTTPClient(opts...)
	}
}

// Init evaluates the options provided as arguments and supplies them to the service object.
func (s *Service) Init(ctx context.Context, opts ...Option) {
	for _, opt := range opts {
		opt(ctx, s)
	}
}

// AddCleanupMethod Adds user defined functions to be run just before completely stopping the service.
// Later additions run first.
func (s *Service) AddCleanupMethod(f func(ctx context.Context)) {
	s.stopMutex.Lock()
	defer s.stopMutex.Unlock()

	if s.cleanup == nil {
		s.cleanup = f
		return
	}

	old := s.cleanup
	s.cleanup = func(ctx context.Context) { f(ctx); old(ctx) }
}

// AddStartupError records an error raised while applying options.
func (s *Service) AddStartupError(err error) {
	if err == nil {
		return
	}
	s.stopMutex.Lock()
	defer s.stopMutex.Unlock()
	s.startupErrors = append(s.startupErrors, err)
}

// StartupError joins every error raised while applying options.
func (s *Service) StartupError() error {
	s.stopMutex.Lock()
	defer s.stopMutex.Unlock()
	return errors.Join(s.startupErrors...)
}

// Stop runs the cleanup methods and releases the worker pool and telemetry providers.
// Calling it more than once has no further effect.
func (s *Service) Stop(ctx context.Context) {
	s.stopMutex.Lock()
	if s.stopped {
		s.stopMutex.Unlock()
		return
	}
	s.stopped = true
	cleanup := s.cleanup
	s.stopMutex.Unlock()

	s.Log(ctx).Info("service stopping")

	if cleanup != nil {
		cleanup(ctx)
	}

	if s.pool != nil {
		s.pool.Shutdown()
	}

	if s.telemetryManager != nil {
		err := s.telemetryManager.Shutdown(ctx)
		if err != nil {
			s.Log(ctx).WithError(err).Warn("could not shut down telemetry")
		}
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
}
