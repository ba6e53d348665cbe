package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"
)

// Backoff returns base doubled for every attempt after the first, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// Timer is a single pending scheduled task.
type Timer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Stop cancels the task if it has not started yet. It reports whether the call prevented it.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return t.timer.Stop()
}

// Schedule submits task to pool once delay elapses. The task is dropped when ctx ends first.
// A nil pool runs the task on its own goroutine.
func Schedule(ctx context.Context, pool WorkerPool, delay time.Duration, task func(ctx context.Context)) *Timer {
	t := &Timer{}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		cancelled := t.stopped
		t.stopped = true
		t.mu.Unlock()

		if cancelled || ctx.Err() != nil {
			return
		}

		if pool == nil {
			go task(ctx)
			return
		}

		err := pool.Submit(ctx, task)
		if err != nil {
			util.Log(ctx).WithError(err).Warn("could not submit scheduled task")
		}
	})

	return t
}
