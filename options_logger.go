package appcheck

import (
	"context"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/config"
)

// WithLogger Option that helps with initialization of our internal logger.
func WithLogger(opts ...util.Option) Option {
	return func(ctx context.Context, s *Service) {
		if cfg, ok := s.Config().(config.ConfigurationLogLevel); ok {
			logLevel, err := util.ParseLevel(cfg.LoggingLevel())
			if err == nil {
				opts = append([]util.Option{util.WithLogLevel(logLevel)}, opts...)
			}
			base := []util.Option{
				util.WithLogTimeFormat(cfg.LoggingTimeFormat()),
				util.WithLogNoColor(!cfg.LoggingColored()),
			}
			if cfg.LoggingShowStackTrace() {
				base = append(base, util.WithLogStackTrace())
			}
			opts = append(base, opts...)
		}

		s.logger = util.NewLogger(ctx, opts...).WithField("service", s.Name())
	}
}

func (s *Service) Log(ctx context.Context) *util.LogEntry {
	return s.logger.WithContext(ctx)
}
