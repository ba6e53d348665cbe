// Package workerpool runs background tasks on ants goroutine pools.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/pitabwire/appcheck/config"
)

var ErrPoolClosed = errors.New("worker pool is shut down")

// WorkerPool is satisfied by both a single ants.Pool and an ants.MultiPool.
type WorkerPool interface {
	Submit(ctx context.Context, task func(ctx context.Context)) error
	Shutdown()
}

// Options defines configurable options for the pool.
type Options struct {
	PoolCount          int
	SinglePoolCapacity int
	Concurrency        int
	ExpiryDuration     time.Duration
	Nonblocking        bool
	PanicHandler       func(any)
	Logger             *util.LogEntry
}

type Option func(*Options)

// WithPoolCount sets the number of pools; more than one creates an ants.MultiPool.
func WithPoolCount(count int) Option {
	return func(opts *Options) {
		opts.PoolCount = count
	}
}

// WithSinglePoolCapacity sets the worker capacity of each pool.
func WithSinglePoolCapacity(capacity int) Option {
	return func(opts *Options) {
		opts.SinglePoolCapacity = capacity
	}
}

// WithConcurrency bounds the tasks allowed to wait for a worker in blocking mode.
func WithConcurrency(concurrency int) Option {
	return func(opts *Options) {
		opts.Concurrency = concurrency
	}
}

func WithPoolExpiryDuration(duration time.Duration) Option {
	return func(opts *Options) {
		opts.ExpiryDuration = duration
	}
}

func WithPoolNonblocking(nonblocking bool) Option {
	return func(opts *Options) {
		opts.Nonblocking = nonblocking
	}
}

func WithPoolPanicHandler(handler func(any)) Option {
	return func(opts *Options) {
		opts.PanicHandler = handler
	}
}

func WithPoolLogger(logger *util.LogEntry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions(cfg config.ConfigurationWorkerPool, log *util.LogEntry) *Options {
	opts := &Options{
		PoolCount:          1,
		SinglePoolCapacity: ants.DefaultAntsPoolSize,
		Concurrency:        runtime.NumCPU(),
		ExpiryDuration:     time.Second,
		Nonblocking:        true,
		Logger:             log,
	}

	if cfg != nil {
		opts.PoolCount = cfg.GetCount()
		opts.SinglePoolCapacity = cfg.GetCapacity()
		opts.Concurrency = runtime.NumCPU() * cfg.GetCPUFactor()
		opts.ExpiryDuration = cfg.GetExpiryDuration()
	}

	return opts
}

// New creates a pool sized from cfg, which may be nil, and adjusted by opts.
func New(ctx context.Context, cfg config.ConfigurationWorkerPool, opts ...Option) (WorkerPool, error) {
	log := util.Log(ctx)

	wopts := defaultOptions(cfg, log)
	for _, opt := range opts {
		opt(wopts)
	}

	antsOpts := []ants.Option{
		ants.WithNonblocking(wopts.Nonblocking),
		ants.WithLogger(wopts.Logger),
	}
	if wopts.ExpiryDuration > 0 {
		antsOpts = append(antsOpts, ants.WithExpiryDuration(wopts.ExpiryDuration))
	}
	if wopts.Concurrency > 0 {
		antsOpts = append(antsOpts, ants.WithMaxBlockingTasks(wopts.Concurrency))
	}
	if wopts.PanicHandler != nil {
		antsOpts = append(antsOpts, ants.WithPanicHandler(wopts.PanicHandler))
	} else {
		antsOpts = append(antsOpts, ants.WithPanicHandler(func(p any) {
			log.WithField("panic", p).Error("worker task panicked")
		}))
	}

	if wopts.PoolCount <= 1 {
		p, err := ants.NewPool(wopts.SinglePoolCapacity, antsOpts...)
		if err != nil {
			return nil, err
		}
		return &singlePool{pool: p, log: log}, nil
	}

	mp, err := ants.NewMultiPool(wopts.PoolCount, wopts.SinglePoolCapacity, ants.LeastTasks, antsOpts...)
	if err != nil {
		return nil, err
	}
	return &multiPool{pool: mp, log: log}, nil
}

// wrap tags every task with an id so its log lines can be correlated.
func wrap(ctx context.Context, log *util.LogEntry, task func(ctx context.Context)) func() {
	taskLog := log.WithField("task", xid.New().String())
	return func() {
		taskLog.Debug("worker task started")
		task(util.ContextWithLogger(ctx, taskLog))
	}
}

func translate(err error) error {
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

type singlePool struct {
	pool *ants.Pool
	log  *util.LogEntry
}

func (w *singlePool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return translate(w.pool.Submit(wrap(ctx, w.log, task)))
}

func (w *singlePool) Shutdown() {
	w.pool.Release()
}

type multiPool struct {
	pool *ants.MultiPool
	log  *util.LogEntry
}

func (w *multiPool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return translate(w.pool.Submit(wrap(ctx, w.log, task)))
}

func (w *multiPool) Shutdown() {
	_ = w.pool.ReleaseTimeout(time.Second)
}
