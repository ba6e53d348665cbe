package verifier_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/appcheck/cache"
	"github.com/pitabwire/appcheck/config"
	jwtprovider "github.com/pitabwire/appcheck/providers/jwt"
	"github.com/pitabwire/appcheck/sdk"
	"github.com/pitabwire/appcheck/verifier"
)

type VerifierSuite struct {
	suite.Suite

	signer  atomic.Pointer[jwtprovider.Signer]
	hits    atomic.Int32
	server  *httptest.Server
	app     sdk.AppInfo
	context context.Context
}

func TestVerifierSuite(t *testing.T) {
	suite.Run(t, new(VerifierSuite))
}

func (s *VerifierSuite) SetupTest() {
	s.context = context.Background()
	s.app = sdk.AppInfo{Name: "wallet", ID: "app-wallet"}
	s.hits.Store(0)
	s.signer.Store(s.newSigner("kid-1"))

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.signer.Load().JWKSHandler().ServeHTTP(w, r)
	}))
}

func (s *VerifierSuite) TearDownTest() {
	s.server.Close()
}

func (s *VerifierSuite) newSigner(kid string, opts ...jwtprovider.Option) *jwtprovider.Signer {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)

	base := []jwtprovider.Option{
		jwtprovider.WithKeyID(kid),
		jwtprovider.WithIssuer("https://attest.example"),
		jwtprovider.WithAudience("wallet-api"),
	}
	signer, err := jwtprovider.NewSigner(key, append(base, opts...)...)
	s.Require().NoError(err)
	return signer
}

func (s *VerifierSuite) attest(signer *jwtprovider.Signer) string {
	token, err := signer.Attest(s.context, s.app)
	s.Require().NoError(err)
	return token.Token
}

func (s *VerifierSuite) newVerifier(opts ...verifier.Option) *verifier.Verifier {
	base := []verifier.Option{
		verifier.WithJWKSURI(s.server.URL),
		verifier.WithAudience("wallet-api"),
		verifier.WithIssuer("https://attest.example"),
	}
	v, err := verifier.New(append(base, opts...)...)
	s.Require().NoError(err)
	return v
}

func (s *VerifierSuite) TestNewRequiresKeySource() {
	_, err := verifier.New()
	s.Require().ErrorIs(err, verifier.ErrNoKeySource)
}

func (s *VerifierSuite) TestVerifyFetchesAndCachesKeys() {
	v := s.newVerifier()
	token := s.attest(s.signer.Load())

	for range 3 {
		claims, err := v.Verify(s.context, token)
		s.Require().NoError(err)
		s.Equal("app-wallet", claims.App())
		s.Equal("app-wallet", claims.Subject)
	}
	s.Equal(int32(1), s.hits.Load())
}

func (s *VerifierSuite) TestVerifyRefetchesOnRotatedKey() {
	v := s.newVerifier()

	_, err := v.Verify(s.context, s.attest(s.signer.Load()))
	s.Require().NoError(err)

	rotated := s.newSigner("kid-2")
	s.signer.Store(rotated)

	claims, err := v.Verify(s.context, s.attest(rotated))
	s.Require().NoError(err)
	s.Equal("app-wallet", claims.AppID)
	s.Equal(int32(2), s.hits.Load())
}

func (s *VerifierSuite) TestVerifyRejects() {
	expired := s.newSigner("kid-1", jwtprovider.WithClock(func() time.Time {
		return time.Now().Add(-3 * time.Hour)
	}))
	s.signer.Store(expired)

	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, verifier.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Audience:  jwt.ClaimStrings{"wallet-api"},
		},
	}).SignedString([]byte("shared-secret"))
	s.Require().NoError(err)

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: verifier.ErrMissingToken},
		{name: "garbage", token: "not-a-token", want: verifier.ErrInvalidToken},
		{name: "expired", token: s.attest(expired), want: verifier.ErrInvalidToken},
		{name: "hmac", token: hmacToken, want: verifier.ErrInvalidToken},
	}

	v := s.newVerifier()
	for _, tc := range testCases {
		s.Run(tc.name, func() {
			claims, verr := v.Verify(s.context, tc.token)
			s.Require().ErrorIs(verr, tc.want)
			s.Nil(claims)
		})
	}
}

func (s *VerifierSuite) TestVerifyRejectsWrongAudience() {
	v := s.newVerifier(verifier.WithAudience("other-api"))

	_, err := v.Verify(s.context, s.attest(s.signer.Load()))
	s.Require().ErrorIs(err, verifier.ErrInvalidToken)
	s.Require().ErrorIs(err, jwt.ErrTokenInvalidAudience)
}

func (s *VerifierSuite) TestStaticKeys() {
	signer := s.signer.Load()
	v, err := verifier.New(verifier.WithStaticKeys(signer.JWKS()), verifier.WithAudience("wallet-api"))
	s.Require().NoError(err)

	_, err = v.Verify(s.context, s.attest(signer))
	s.Require().NoError(err)

	_, err = v.Verify(s.context, s.attest(s.newSigner("unknown")))
	s.Require().ErrorIs(err, verifier.ErrMissingKey)
	s.Equal(int32(0), s.hits.Load())
}

func (s *VerifierSuite) TestRSAKeys() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	signer, err := jwtprovider.NewSigner(key, jwtprovider.WithAudience("wallet-api"))
	s.Require().NoError(err)

	v, err := verifier.New(verifier.WithStaticKeys(signer.JWKS()))
	s.Require().NoError(err)

	claims, err := v.Verify(s.context, s.attest(signer))
	s.Require().NoError(err)
	s.Equal("app-wallet", claims.App())
}

func (s *VerifierSuite) TestSharedKeyCache() {
	shared := cache.NewInMemoryCache()
	defer func() { s.NoError(shared.Close()) }()

	token := s.attest(s.signer.Load())

	first := s.newVerifier(verifier.WithKeyCache(shared, time.Minute))
	_, err := first.Verify(s.context, token)
	s.Require().NoError(err)

	second := s.newVerifier(verifier.WithKeyCache(shared, time.Minute))
	_, err = second.Verify(s.context, token)
	s.Require().NoError(err)

	s.Equal(int32(1), s.hits.Load())
}

func (s *VerifierSuite) TestFromConfig() {
	cfg := &config.ConfigurationDefault{
		AppCheckJWKSURI:        s.server.URL,
		AppCheckVerifyAudience: []string{"wallet-api"},
		AppCheckVerifyIssuer:   "https://attest.example",
	}

	v, err := verifier.FromConfig(cfg)
	s.Require().NoError(err)

	_, err = v.Verify(s.context, s.attest(s.signer.Load()))
	s.Require().NoError(err)

	cfg.AppCheckVerifyIssuer = "https://elsewhere.example"
	v, err = verifier.FromConfig(cfg)
	s.Require().NoError(err)
	_, err = v.Verify(s.context, s.attest(s.signer.Load()))
	s.Require().ErrorIs(err, verifier.ErrInvalidToken)
}

func (s *VerifierSuite) TestClaimsContext() {
	s.Nil(verifier.ClaimsFromContext(s.context))

	claims := &verifier.Claims{AppID: "app-wallet"}
	ctx := verifier.ClaimsToContext(s.context, claims)
	s.Same(claims, verifier.ClaimsFromContext(ctx))
}
