package oauth2_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/providers/oauth2"
	"github.com/pitabwire/appcheck/sdk"
)

type OAuth2Suite struct {
	suite.Suite
	server   *httptest.Server
	lastForm map[string]string
}

func TestOAuth2Suite(t *testing.T) {
	suite.Run(t, new(OAuth2Suite))
}

func (s *OAuth2Suite) SetupTest() {
	s.lastForm = map[string]string{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != "client" || secret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for k := range r.PostForm {
			s.lastForm[k] = r.PostForm.Get(k)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "attested-" + r.PostForm.Get("app_id"),
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	s.T().Cleanup(s.server.Close)
}

func (s *OAuth2Suite) TestNewValidation() {
	testCases := []struct {
		name                   string
		url, clientID, secrets string
	}{
		{name: "missing url", clientID: "c", secrets: "s"},
		{name: "missing client", url: "http://x", secrets: "s"},
		{name: "missing secret", url: "http://x", clientID: "c"},
	}
	for _, tc := range testCases {
		s.Run(tc.name, func() {
			_, err := oauth2.New(tc.url, tc.clientID, tc.secrets)
			s.Require().ErrorIs(err, oauth2.ErrMissingCredentials)
		})
	}
}

func (s *OAuth2Suite) TestAttest() {
	p, err := oauth2.New(s.server.URL, "client", "secret",
		oauth2.WithScopes("attest", "verify"),
		oauth2.WithAudience("projects/1"),
		oauth2.WithHTTPClient(s.server.Client()),
	)
	s.Require().NoError(err)

	before := time.Now()
	token, err := p.Attest(context.Background(), sdk.AppInfo{Name: "svc", ID: "app-1"})
	s.Require().NoError(err)

	s.Equal("attested-app-1", token.Token)
	s.WithinDuration(before.Add(time.Hour), token.ExpireTime, 5*time.Second)
	s.False(token.IssuedAt.Before(before))

	s.Equal("client_credentials", s.lastForm["grant_type"])
	s.Equal("attest verify", s.lastForm["scope"])
	s.Equal("projects/1", s.lastForm["audience"])
	s.Equal("app-1", s.lastForm["app_id"])
}

func (s *OAuth2Suite) TestAttestRejected() {
	p, err := oauth2.New(s.server.URL, "client", "wrong")
	s.Require().NoError(err)

	_, err = p.Attest(context.Background(), sdk.AppInfo{Name: "svc"})
	s.Require().Error(err)
	s.Contains(err.Error(), `"svc"`)
}

func (s *OAuth2Suite) TestFromConfig() {
	cfg := &config.ConfigurationDefault{
		ServiceName:          "svc",
		AppCheckTokenURL:     s.server.URL,
		AppCheckClientID:     "client",
		AppCheckClientSecret: "secret",
		AppCheckScopes:       []string{"attest"},
	}

	p, err := oauth2.FromConfig(cfg)
	s.Require().NoError(err)

	token, err := p.Attest(context.Background(), sdk.AppInfo{Name: cfg.GetAppCheckAppID()})
	s.Require().NoError(err)
	s.Equal("attested-svc", token.Token)
	s.Equal("attest", s.lastForm["scope"])
	_, hasAudience := s.lastForm["audience"]
	s.False(hasAudience)
}
