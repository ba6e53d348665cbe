// Package mirror republishes the tokens a client emits into a reactive cell.
package mirror

import (
	"context"
	"sync"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/reactive"
	"github.com/pitabwire/appcheck/sdk"
)

type options struct {
	interactive bool
	onToken     func(sdk.Token)
}

type Option func(*options)

// WithInteractive gates the mirror. A non-interactive mirror never subscribes, so its
// cell stays unset.
func WithInteractive(interactive bool) Option {
	return func(o *options) {
		o.interactive = interactive
	}
}

// WithOnToken registers a hook that runs after each token is written to the cell.
func WithOnToken(fn func(sdk.Token)) Option {
	return func(o *options) {
		o.onToken = fn
	}
}

// Subscription is a running mirror.
type Subscription struct {
	mu          sync.Mutex
	unsubscribe func()
}

// Active reports whether the mirror is still subscribed.
func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribe != nil
}

// Stop cancels the subscription. Calling it more than once is harmless.
func (s *Subscription) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Start subscribes to notifier and overwrites cell with every token it emits, in emission
// order and without deduplication. The subscription has no timeout; it lasts until Stop.
func Start(ctx context.Context, notifier sdk.TokenNotifier, cell *reactive.Cell[string], opts ...Option) *Subscription {
	o := &options{interactive: true}
	for _, opt := range opts {
		opt(o)
	}

	sub := &Subscription{}
	log := util.Log(ctx)

	if !o.interactive {
		log.Debug("appcheck token mirror not started in non-interactive mode")
		return sub
	}
	if notifier == nil || cell == nil {
		log.Warn("appcheck token mirror has nothing to mirror")
		return sub
	}

	unsubscribe := notifier.OnTokenChanged(func(token sdk.Token) {
		cell.Set(token.Token)
		if o.onToken != nil {
			o.onToken(token)
		}
	})

	sub.mu.Lock()
	sub.unsubscribe = unsubscribe
	sub.mu.Unlock()

	return sub
}
