package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type contextKey string

func (c contextKey) String() string {
	return "appcheck/config/" + string(c)
}

const (
	ctxKeyConfiguration = contextKey("configurationKey")

	DefaultRefreshMargin = 5 * time.Minute
	DefaultTokenTTL      = time.Hour
	DefaultHeaderName    = "X-App-Check"
)

// ToContext adds service configuration to the current supplied context.
func ToContext(ctx context.Context, config any) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, config)
}

// FromContext extracts service configuration from the supplied context if any exist.
func FromContext[T any](ctx context.Context) T {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(T); ok {
		return cfg
	}
	var zero T
	return zero
}

// FromEnv convenience method to process configs.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv convenience method to fill a config object with environment data.
func FillEnv(v any) error {
	return env.Parse(v)
}

// FromFile loads defaults and environment values into T and then applies a yaml or toml file on top.
// Keys present in the file take precedence over the environment.
func FromFile[T any](path string) (T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return cfg, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".toml":
		err = toml.Unmarshal(content, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("decoding config file %q: %w", path, err)
	}

	return cfg, nil
}

type ConfigurationDefault struct {
	LogLevel      string `envDefault:"info"                      env:"LOG_LEVEL"       yaml:"log_level"       toml:"log_level"`
	LogFormat     string `envDefault:"info"                      env:"LOG_FORMAT"      yaml:"log_format"      toml:"log_format"`
	LogTimeFormat string `envDefault:"2006-01-02T15:04:05Z07:00" env:"LOG_TIME_FORMAT" yaml:"log_time_format" toml:"log_time_format"`
	LogColored    bool   `envDefault:"true"                      env:"LOG_COLORED"     yaml:"log_colored"     toml:"log_colored"`

	LogShowStackTrace bool `envDefault:"false" env:"LOG_SHOW_STACK_TRACE" yaml:"log_show_stack_trace" toml:"log_show_stack_trace"`

	OpenTelemetryDisable    bool    `envDefault:"false" env:"OPENTELEMETRY_DISABLE"        yaml:"opentelemetry_disable"        toml:"opentelemetry_disable"`
	OpenTelemetryTraceRatio float64 `envDefault:"1"     env:"OPENTELEMETRY_TRACE_ID_RATIO" yaml:"opentelemetry_trace_id_ratio" toml:"opentelemetry_trace_id_ratio"`

	ServiceName        string `envDefault:"" env:"SERVICE_NAME"        yaml:"service_name"        toml:"service_name"`
	ServiceEnvironment string `envDefault:"" env:"SERVICE_ENVIRONMENT" yaml:"service_environment" toml:"service_environment"`
	ServiceVersion     string `envDefault:"" env:"SERVICE_VERSION"     yaml:"service_version"     toml:"service_version"`

	ExecutionModeValue string `envDefault:"interactive" env:"EXECUTION_MODE" yaml:"execution_mode" toml:"execution_mode"`

	// Worker pool settings
	WorkerPoolCPUFactorForWorkerCount int    `envDefault:"10"  env:"WORKER_POOL_CPU_FACTOR_FOR_WORKER_COUNT" yaml:"worker_pool_cpu_factor_for_worker_count" toml:"worker_pool_cpu_factor_for_worker_count"`
	WorkerPoolCapacity                int    `envDefault:"100" env:"WORKER_POOL_CAPACITY"                    yaml:"worker_pool_capacity"                    toml:"worker_pool_capacity"`
	WorkerPoolCount                   int    `envDefault:"1"   env:"WORKER_POOL_COUNT"                       yaml:"worker_pool_count"                       toml:"worker_pool_count"`
	WorkerPoolExpiryDuration          string `envDefault:"1s"  env:"WORKER_POOL_EXPIRY_DURATION"             yaml:"worker_pool_expiry_duration"             toml:"worker_pool_expiry_duration"`

	AppCheckProviderName string   `envDefault:""      env:"APPCHECK_PROVIDER"         yaml:"appcheck_provider"         toml:"appcheck_provider"`
	AppCheckDebugValue   string   `envDefault:""      env:"APPCHECK_DEBUG"            yaml:"appcheck_debug"            toml:"appcheck_debug"`
	AppCheckAutoRefresh  bool     `envDefault:"true"  env:"APPCHECK_AUTO_REFRESH"     yaml:"appcheck_auto_refresh"     toml:"appcheck_auto_refresh"`
	AppCheckAppID        string   `envDefault:""      env:"APPCHECK_APP_ID"           yaml:"appcheck_app_id"           toml:"appcheck_app_id"`
	AppCheckTokenURL     string   `envDefault:""      env:"APPCHECK_TOKEN_URL"        yaml:"appcheck_token_url"        toml:"appcheck_token_url"`
	AppCheckClientID     string   `envDefault:""      env:"APPCHECK_CLIENT_ID"        yaml:"appcheck_client_id"        toml:"appcheck_client_id"`
	AppCheckClientSecret string   `envDefault:""      env:"APPCHECK_CLIENT_SECRET"    yaml:"appcheck_client_secret"    toml:"appcheck_client_secret"`
	AppCheckScopes       []string `envDefault:""      env:"APPCHECK_SCOPES"           yaml:"appcheck_scopes"           toml:"appcheck_scopes"`
	AppCheckAudience     []string `envDefault:""      env:"APPCHECK_AUDIENCE"         yaml:"appcheck_audience"         toml:"appcheck_audience"`
	AppCheckSigningKey   string   `envDefault:""      env:"APPCHECK_SIGNING_KEY_PATH" yaml:"appcheck_signing_key_path" toml:"appcheck_signing_key_path"`
	AppCheckSigningKeyID string   `envDefault:""      env:"APPCHECK_SIGNING_KEY_ID"   yaml:"appcheck_signing_key_id"   toml:"appcheck_signing_key_id"`
	AppCheckIssuer       string   `envDefault:""      env:"APPCHECK_ISSUER"           yaml:"appcheck_issuer"           toml:"appcheck_issuer"`
	AppCheckTokenTTL     string   `envDefault:"1h"    env:"APPCHECK_TOKEN_TTL"        yaml:"appcheck_token_ttl"        toml:"appcheck_token_ttl"`
	AppCheckRefreshLead  string   `envDefault:"5m"    env:"APPCHECK_REFRESH_MARGIN"   yaml:"appcheck_refresh_margin"   toml:"appcheck_refresh_margin"`
	AppCheckCacheURI     string   `envDefault:"mem://" env:"APPCHECK_CACHE_URI"        yaml:"appcheck_cache_uri"        toml:"appcheck_cache_uri"`

	AppCheckJWKSURI        string   `envDefault:""            env:"APPCHECK_JWKS_URI"        yaml:"appcheck_jwks_uri"        toml:"appcheck_jwks_uri"`
	AppCheckVerifyAudience []string `envDefault:""            env:"APPCHECK_VERIFY_AUDIENCE" yaml:"appcheck_verify_audience" toml:"appcheck_verify_audience"`
	AppCheckVerifyIssuer   string   `envDefault:""            env:"APPCHECK_VERIFY_ISSUER"   yaml:"appcheck_verify_issuer"   toml:"appcheck_verify_issuer"`
	AppCheckHeader         string   `envDefault:"X-App-Check" env:"APPCHECK_HEADER"          yaml:"appcheck_header"          toml:"appcheck_header"`
}

type ConfigurationService interface {
	Name() string
	Environment() string
	Version() string
}

var _ ConfigurationService = new(ConfigurationDefault)

func (c *ConfigurationDefault) Name() string {
	return c.ServiceName
}
func (c *ConfigurationDefault) Environment() string {
	return c.ServiceEnvironment
}
func (c *ConfigurationDefault) Version() string {
	return c.ServiceVersion
}

type ConfigurationExecution interface {
	ExecutionMode() string
}

var _ ConfigurationExecution = new(ConfigurationDefault)

func (c *ConfigurationDefault) ExecutionMode() string {
	return c.ExecutionModeValue
}

type ConfigurationLogLevel interface {
	LoggingLevel() string
	LoggingFormat() string
	LoggingTimeFormat() string
	LoggingShowStackTrace() bool
	LoggingColored() bool
	LoggingLevelIsDebug() bool
}

var _ ConfigurationLogLevel = new(ConfigurationDefault)

func (c *ConfigurationDefault) LoggingLevel() string {
	return c.LogLevel
}

func (c *ConfigurationDefault) LoggingTimeFormat() string {
	return c.LogTimeFormat
}

func (c *ConfigurationDefault) LoggingFormat() string {
	return c.LogFormat
}

func (c *ConfigurationDefault) LoggingColored() bool {
	return c.LogColored
}

func (c *ConfigurationDefault) LoggingShowStackTrace() bool {
	return c.LogShowStackTrace
}

func (c *ConfigurationDefault) LoggingLevelIsDebug() bool {
	return c.LoggingLevel() == "debug" || c.LoggingLevel() == "trace"
}

type ConfigurationTelemetry interface {
	DisableOpenTelemetry() bool
	SamplingRatio() float64
}

var _ ConfigurationTelemetry = new(ConfigurationDefault)

func (c *ConfigurationDefault) DisableOpenTelemetry() bool {
	return c.OpenTelemetryDisable
}

func (c *ConfigurationDefault) SamplingRatio() float64 {
	if c.OpenTelemetryTraceRatio < 0 || c.OpenTelemetryTraceRatio > 1 {
		return 1
	}
	return c.OpenTelemetryTraceRatio
}

type ConfigurationWorkerPool interface {
	GetCPUFactor() int
	GetCapacity() int
	GetCount() int
	GetExpiryDuration() time.Duration
}

var _ ConfigurationWorkerPool = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetCPUFactor() int {
	return c.WorkerPoolCPUFactorForWorkerCount
}

func (c *ConfigurationDefault) GetCapacity() int {
	return c.WorkerPoolCapacity
}

func (c *ConfigurationDefault) GetCount() int {
	return c.WorkerPoolCount
}

func (c *ConfigurationDefault) GetExpiryDuration() time.Duration {
	return parseDurationOr(c.WorkerPoolExpiryDuration, time.Second)
}

// ConfigurationAppCheck exposes the settings used to initialise the attestation client of a service.
type ConfigurationAppCheck interface {
	AppCheckProvider() string
	AppCheckDebug() string
	AppCheckAutoRefreshEnabled() bool
	GetAppCheckAppID() string
	GetAppCheckTokenURL() string
	GetAppCheckClientID() string
	GetAppCheckClientSecret() string
	GetAppCheckScopes() []string
	GetAppCheckAudience() []string
	GetAppCheckSigningKeyPath() string
	GetAppCheckSigningKeyID() string
	GetAppCheckIssuer() string
	GetAppCheckTokenTTL() time.Duration
	GetAppCheckRefreshMargin() time.Duration
	GetAppCheckCacheURI() string
}

var _ ConfigurationAppCheck = new(ConfigurationDefault)

func (c *ConfigurationDefault) AppCheckProvider() string {
	return strings.ToLower(strings.TrimSpace(c.AppCheckProviderName))
}

func (c *ConfigurationDefault) AppCheckDebug() string {
	return c.AppCheckDebugValue
}

func (c *ConfigurationDefault) AppCheckAutoRefreshEnabled() bool {
	return c.AppCheckAutoRefresh
}

func (c *ConfigurationDefault) GetAppCheckAppID() string {
	if c.AppCheckAppID != "" {
		return c.AppCheckAppID
	}
	return c.ServiceName
}

func (c *ConfigurationDefault) GetAppCheckTokenURL() string {
	return c.AppCheckTokenURL
}

func (c *ConfigurationDefault) GetAppCheckClientID() string {
	return c.AppCheckClientID
}

func (c *ConfigurationDefault) GetAppCheckClientSecret() string {
	return c.AppCheckClientSecret
}

func (c *ConfigurationDefault) GetAppCheckScopes() []string {
	return nonEmpty(c.AppCheckScopes)
}

func (c *ConfigurationDefault) GetAppCheckAudience() []string {
	return nonEmpty(c.AppCheckAudience)
}

func (c *ConfigurationDefault) GetAppCheckSigningKeyPath() string {
	return c.AppCheckSigningKey
}

func (c *ConfigurationDefault) GetAppCheckSigningKeyID() string {
	return c.AppCheckSigningKeyID
}

func (c *ConfigurationDefault) GetAppCheckIssuer() string {
	return c.AppCheckIssuer
}

func (c *ConfigurationDefault) GetAppCheckTokenTTL() time.Duration {
	return parseDurationOr(c.AppCheckTokenTTL, DefaultTokenTTL)
}

func (c *ConfigurationDefault) GetAppCheckRefreshMargin() time.Duration {
	return parseDurationOr(c.AppCheckRefreshLead, DefaultRefreshMargin)
}

func (c *ConfigurationDefault) GetAppCheckCacheURI() string {
	if strings.TrimSpace(c.AppCheckCacheURI) == "" {
		return "mem://"
	}
	return c.AppCheckCacheURI
}

// ConfigurationAppCheckVerification exposes the settings backends use to verify inbound tokens.
type ConfigurationAppCheckVerification interface {
	GetAppCheckJWKSURI() string
	GetAppCheckVerificationAudience() []string
	GetAppCheckVerificationIssuer() string
	GetAppCheckHeader() string
}

var _ ConfigurationAppCheckVerification = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetAppCheckJWKSURI() string {
	return c.AppCheckJWKSURI
}

func (c *ConfigurationDefault) GetAppCheckVerificationAudience() []string {
	return nonEmpty(c.AppCheckVerifyAudience)
}

func (c *ConfigurationDefault) GetAppCheckVerificationIssuer() string {
	return c.AppCheckVerifyIssuer
}

func (c *ConfigurationDefault) GetAppCheckHeader() string {
	if strings.TrimSpace(c.AppCheckHeader) == "" {
		return DefaultHeaderName
	}
	return c.AppCheckHeader
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil && duration > 0 {
			return duration
		}
	}
	return fallback
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
