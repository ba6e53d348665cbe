// Package verifier checks attestation tokens presented to a backend.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/cache"
	"github.com/pitabwire/appcheck/config"
)

const (
	defaultKeysTTL      = time.Hour
	maxJWKSResponseSize = 1 << 20
	keyCachePrefix      = "appcheck:jwks:"
)

var (
	ErrMissingToken = errors.New("appcheck token is required")
	ErrInvalidToken = errors.New("appcheck token is invalid")
	ErrMissingKey   = errors.New("no verification key matches the appcheck token")
	ErrNoKeySource  = errors.New("verifier needs a jwks uri or static keys")
)

// SigningAlgorithms lists the only algorithms accepted on attestation tokens.
//
//nolint:gochecknoglobals // fixed allow list
var SigningAlgorithms = []string{string(jose.RS256), string(jose.ES256)}

// TokenVerifier validates a raw token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Verifier validates tokens against a JSON Web Key Set.
type Verifier struct {
	jwksURI    string
	audience   []string
	issuer     string
	httpClient *http.Client
	keysTTL    time.Duration
	keyCache   *cache.Typed[jose.JSONWebKeySet]
	static     *jose.JSONWebKeySet

	mu        sync.Mutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
}

type Option func(*Verifier)

// WithJWKSURI sets where the key set is fetched from.
func WithJWKSURI(uri string) Option {
	return func(v *Verifier) {
		v.jwksURI = uri
	}
}

// WithAudience requires tokens to name at least one of audience.
func WithAudience(audience ...string) Option {
	return func(v *Verifier) {
		v.audience = audience
	}
}

// WithIssuer requires tokens to be issued by issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		v.httpClient = client
	}
}

// WithKeyCache shares fetched key sets through raw for ttl.
func WithKeyCache(raw cache.RawCache, ttl time.Duration) Option {
	return func(v *Verifier) {
		if raw != nil {
			v.keyCache = cache.NewTyped[jose.JSONWebKeySet](raw, keyCachePrefix)
		}
		if ttl > 0 {
			v.keysTTL = ttl
		}
	}
}

// WithStaticKeys verifies against keys instead of fetching them.
func WithStaticKeys(keys jose.JSONWebKeySet) Option {
	return func(v *Verifier) {
		v.static = &keys
	}
}

// New creates a verifier. Either a jwks uri or static keys are required.
func New(opts ...Option) (*Verifier, error) {
	v := &Verifier{
		httpClient: http.DefaultClient,
		keysTTL:    defaultKeysTTL,
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.static == nil && v.jwksURI == "" {
		return nil, ErrNoKeySource
	}
	return v, nil
}

// FromConfig creates a verifier from the verification settings of cfg.
func FromConfig(cfg config.ConfigurationAppCheckVerification, opts ...Option) (*Verifier, error) {
	base := []Option{
		WithJWKSURI(cfg.GetAppCheckJWKSURI()),
		WithAudience(cfg.GetAppCheckVerificationAudience()...),
		WithIssuer(cfg.GetAppCheckVerificationIssuer()),
	}
	return New(append(base, opts...)...)
}

// Verify checks the signature, expiry, audience and issuer of token.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parseOpts := []jwt.ParserOption{
		jwt.WithValidMethods(SigningAlgorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if len(v.audience) > 0 {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience...))
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.key(ctx, t)
	}, parseOpts...)
	if err != nil {
		if errors.Is(err, ErrMissingKey) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (v *Verifier) key(ctx context.Context, t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)

	keys, err := v.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := match(keys, kid, t.Method.Alg()); ok {
		return key, nil
	}

	// the issuer may have rotated keys since the last fetch
	if v.static == nil {
		keys, err = v.keySet(ctx, true)
		if err != nil {
			return nil, err
		}
		if key, ok := match(keys, kid, t.Method.Alg()); ok {
			return key, nil
		}
	}

	return nil, fmt.Errorf("%w: kid %q", ErrMissingKey, kid)
}

func match(keys jose.JSONWebKeySet, kid, alg string) (any, bool) {
	candidates := keys.Keys
	if kid != "" {
		candidates = keys.Key(kid)
	}
	for _, k := range candidates {
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		return k.Public().Key, true
	}
	return nil, false
}

func (v *Verifier) keySet(ctx context.Context, refresh bool) (jose.JSONWebKeySet, error) {
	if v.static != nil {
		return *v.static, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !refresh && len(v.keys.Keys) > 0 && time.Since(v.fetchedAt) < v.keysTTL {
		return v.keys, nil
	}

	if !refresh && v.keyCache != nil {
		cached, found, err := v.keyCache.Get(ctx, v.jwksURI)
		if err != nil {
			util.Log(ctx).WithError(err).Warn("could not read cached jwks")
		}
		if found && len(cached.Keys) > 0 {
			v.keys, v.fetchedAt = cached, time.Now()
			return cached, nil
		}
	}

	keys, err := v.fetch(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	v.keys, v.fetchedAt = keys, time.Now()

	if v.keyCache != nil {
		err = v.keyCache.Set(ctx, v.jwksURI, keys, v.keysTTL)
		if err != nil {
			util.Log(ctx).WithError(err).Warn("could not cache jwks")
		}
	}
	return keys, nil
}

func (v *Verifier) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	var keys jose.JSONWebKeySet

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURI, nil)
	if err != nil {
		return keys, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return keys, fmt.Errorf("fetching jwks: %w", err)
	}
	defer util.CloseAndLogOnError(ctx, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return keys, fmt.Errorf("fetching jwks: unexpected status %d", resp.StatusCode)
	}

	err = json.NewDecoder(http.MaxBytesReader(nil, resp.Body, maxJWKSResponseSize)).Decode(&keys)
	if err != nil {
		return keys, fmt.Errorf("decoding jwks: %w", err)
	}
	return keys, nil
}
