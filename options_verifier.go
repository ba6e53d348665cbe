package appcheck

import (
	"context"

	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/verifier"
)

// WithAppCheckVerifier builds the verifier inbound tokens are checked with from the
// service configuration, fetching keys with the service HTTP client.
func WithAppCheckVerifier(opts ...verifier.Option) Option {
	return func(ctx context.Context, s *Service) {
		base := []verifier.Option{verifier.WithHTTPClient(s.HTTPClient())}

		var (
			v   *verifier.Verifier
			err error
		)
		if cfg, ok := s.Config().(config.ConfigurationAppCheckVerification); ok {
			v, err = verifier.FromConfig(cfg, append(base, opts...)...)
		} else {
			v, err = verifier.New(append(base, opts...)...)
		}
		if err != nil {
			s.Log(ctx).WithError(err).Error("could not set up appcheck verification")
			s.AddStartupError(err)
			return
		}

		s.appCheckMu.Lock()
		s.tokenVerifier = v
		s.appCheckMu.Unlock()
	}
}

// AppCheckVerifier returns the verifier set up by WithAppCheckVerifier, or nil.
func (s *Service) AppCheckVerifier() verifier.TokenVerifier {
	s.appCheckMu.Lock()
	defer s.appCheckMu.Unlock()
	return s.tokenVerifier
}
