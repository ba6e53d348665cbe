package appcheck

import (
	"context"

	"github.com/pitabwire/appcheck/config"
	"github.com/pitabwire/appcheck/workerpool"
)

// WithWorkerPool replaces the default pool with one sized from the service configuration and options.
// Background token refreshes run on this pool.
func WithWorkerPool(options ...workerpool.Option) Option {
	return func(ctx context.Context, s *Service) {
		cfg, _ := s.Config().(config.ConfigurationWorkerPool)

		pool, err := workerpool.New(ctx, cfg, append([]workerpool.Option{workerpool.WithPoolLogger(s.Log(ctx))}, options...)...)
		if err != nil {
			s.Log(ctx).WithError(err).Error("could not create worker pool")
			s.AddStartupError(err)
			return
		}

		if s.pool != nil {
			s.pool.Shutdown()
		}
		s.pool = pool
	}
}

func (s *Service) WorkerPool() workerpool.WorkerPool {
	return s.pool
}
