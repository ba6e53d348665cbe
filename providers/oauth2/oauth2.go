// Package oauth2 attests an application by exchanging its client credentials for an access token.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/sdk"
)

var ErrMissingCredentials = errors.New("oauth2 attestation requires a token url, client id and client secret")

// Provider obtains attestation tokens through the client credentials grant.
type Provider struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Provider)

// WithScopes sets the scopes requested with every token.
func WithScopes(scopes ...string) Option {
	return func(p *Provider) {
		p.cfg.Scopes = scopes
	}
}

// WithAudience adds an audience parameter to the token request.
func WithAudience(audience ...string) Option {
	return func(p *Provider) {
		if len(audience) > 0 {
			p.cfg.EndpointParams.Set("audience", strings.Join(audience, " "))
		}
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// WithAuthStyle forces how credentials are sent; the default probes the endpoint.
func WithAuthStyle(style oauth2.AuthStyle) Option {
	return func(p *Provider) {
		p.cfg.AuthStyle = style
	}
}

// New creates a provider that exchanges clientID and clientSecret at tokenURL.
func New(tokenURL, clientID, clientSecret string, opts ...Option) (*Provider, error) {
	if tokenURL == "" || clientID == "" || clientSecret == "" {
		return nil, ErrMissingCredentials
	}

	p := &Provider{
		cfg: clientcredentials.Config{
			ClientID:       clientID,
			ClientSecret:   clientSecret,
			TokenURL:       tokenURL,
			EndpointParams: map[string][]string{},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FromConfig builds a provider from the app check settings of cfg.
func FromConfig(cfg config.ConfigurationAppCheck, opts ...Option) (*Provider, error) {
	base := []Option{
		WithScopes(cfg.GetAppCheckScopes()...),
		WithAudience(cfg.GetAppCheckAudience()...),
	}
	return New(cfg.GetAppCheckTokenURL(), cfg.GetAppCheckClientID(), cfg.GetAppCheckClientSecret(),
		append(base, opts...)...)
}

var _ sdk.AttestationProvider = new(Provider)

// Attest requests a new access token on behalf of app.
func (p *Provider) Attest(ctx context.Context, app sdk.AppInfo) (sdk.Token, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	cfg := p.cfg
	cfg.EndpointParams = make(map[string][]string, len(p.cfg.EndpointParams)+1)
	for k, v := range p.cfg.EndpointParams {
		cfg.EndpointParams[k] = v
	}
	cfg.EndpointParams.Set("app_id", app.Key())

	issued := p.now()
	tok, err := cfg.Token(ctx)
	if err != nil {
		return sdk.Token{}, fmt.Errorf("oauth2 attestation for %q: %w", app.Key(), err)
	}

	return sdk.Token{
		Token:      tok.AccessToken,
		IssuedAt:   issued,
		ExpireTime: tok.Expiry,
	}, nil
}
