package appcheck

import (
	"context"

	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/telemetry"
)

// WithTelemetry installs the trace and meter providers described by the service configuration.
func WithTelemetry(opts ...telemetry.Option) Option {
	return func(ctx context.Context, s *Service) {
		cfg, _ := s.Config().(config.ConfigurationTelemetry)

		extOpts := []telemetry.Option{
			telemetry.WithServiceName(s.Name()),
			telemetry.WithServiceVersion(s.Version()),
			telemetry.WithServiceEnvironment(s.Environment()),
		}
		extOpts = append(extOpts, opts...)

		manager := telemetry.NewManager(ctx, cfg, extOpts...)
		err := manager.Init(ctx)
		if err != nil {
			s.Log(ctx).WithError(err).Error("failed to initialize telemetry")
			s.AddStartupError(err)
			return
		}

		s.telemetryManager = manager
	}
}

func (s *Service) Telemetry() telemetry.Manager {
	return s.telemetryManager
}
