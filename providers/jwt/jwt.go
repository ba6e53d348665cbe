// Package jwt attests applications by signing short lived tokens with a local key.
package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/sdk"
	"github.com/pitabwire/appcheck/verifier"
)

var (
	ErrUnsupportedKey = errors.New("signing key must be RSA or P-256 ECDSA")
	ErrMissingKeyPath = errors.New("signing key path is required")
)

// Signer issues attestation tokens and publishes the matching public keys.
type Signer struct {
	key      crypto.Signer
	method   jwt.SigningMethod
	keyID    string
	issuer   string
	audience []string
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Signer)

func WithIssuer(issuer string) Option {
	return func(s *Signer) {
		s.issuer = issuer
	}
}

func WithAudience(audience ...string) Option {
	return func(s *Signer) {
		s.audience = audience
	}
}

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithKeyID sets the kid header and the id of the published key.
func WithKeyID(kid string) Option {
	return func(s *Signer) {
		if kid != "" {
			s.keyID = kid
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner creates a signer using RS256 for RSA keys and ES256 for P-256 keys.
func NewSigner(key crypto.Signer, opts ...Option) (*Signer, error) {
	var method jwt.SigningMethod
	switch k := key.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, ErrUnsupportedKey
		}
		method = jwt.SigningMethodES256
	default:
		return nil, ErrUnsupportedKey
	}

	s := &Signer{
		key:    key,
		method: method,
		keyID:  xid.New().String(),
		ttl:    config.DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadSigner reads a PEM encoded RSA or EC private key from path.
func LoadSigner(path string, opts ...Option) (*Signer, error) {
	if path == "" {
		return nil, ErrMissingKeyPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	if rsaKey, rsaErr := jwt.ParseRSAPrivateKeyFromPEM(content); rsaErr == nil {
		return NewSigner(rsaKey, opts...)
	}
	ecKey, err := jwt.ParseECPrivateKeyFromPEM(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedKey, err)
	}
	return NewSigner(ecKey, opts...)
}

// FromConfig loads the signer described by cfg.
func FromConfig(cfg config.ConfigurationAppCheck, opts ...Option) (*Signer, error) {
	base := []Option{
		WithIssuer(cfg.GetAppCheckIssuer()),
		WithAudience(cfg.GetAppCheckAudience()...),
		WithTTL(cfg.GetAppCheckTokenTTL()),
		WithKeyID(cfg.GetAppCheckSigningKeyID()),
	}
	return LoadSigner(cfg.GetAppCheckSigningKeyPath(), append(base, opts...)...)
}

func (s *Signer) KeyID() string {
	return s.keyID
}

// Attest signs a token for app.
func (s *Signer) Attest(ctx context.Context, app sdk.AppInfo) (sdk.Token, error) {
	if app.Key() == "" {
		return sdk.Token{}, sdk.ErrInvalidApp
	}

	now := s.now().Truncate(time.Second)
	expiry := now.Add(s.ttl)

	claims := verifier.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   app.Key(),
			Audience:  s.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        xid.New().String(),
		},
		AppID: app.Key(),
	}

	token := jwt.NewWithClaims(s.method, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return sdk.Token{}, fmt.Errorf("signing attestation for %q: %w", app.Key(), err)
	}

	util.Log(ctx).WithField("app", app.Key()).WithField("expires", expiry).Debug("signed attestation token")

	return sdk.Token{Token: signed, ExpireTime: expiry, IssuedAt: now}, nil
}

// JWKS returns the public key set verifiers use for tokens from s.
func (s *Signer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       s.key.Public(),
			KeyID:     s.keyID,
			Algorithm: s.method.Alg(),
			Use:       "sig",
		}},
	}
}

// JWKSHandler serves JWKS as json.
func (s *Signer) JWKSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")

		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(s.JWKS())
		if err != nil {
			util.Log(r.Context()).WithError(err).Warn("could not write jwks")
		}
	})
}
