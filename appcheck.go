package appcheck

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/inject"
	"github.com/pitabwire/appcheck/reactive"
	"github.com/pitabwire/appcheck/registry"
	"github.com/pitabwire/appcheck/sdk"
)

var (
	// ErrNotInitialized is returned when app check was never set up for the resolved service.
	ErrNotInitialized = errors.New("appcheck is not initialized for this service")
	// ErrAlreadyInitialized is returned when app check is set up twice for one service.
	ErrAlreadyInitialized = errors.New("appcheck is already initialized for this service")
	// ErrNoService is returned when no service could be resolved.
	ErrNoService = errors.New("no service could be resolved")
)

// TokenKey is the injection key of the token cell.
//
//nolint:gochecknoglobals // well known injection key
var TokenKey = inject.NewKey[*reactive.Cell[string]]("appcheck.token")

//nolint:gochecknoglobals // process wide, entries die with their service
var clients = registry.New[Service, sdk.Client]()

// Selector resolves the service an accessor works on.
type Selector func(ctx context.Context) *Service

// ByService selects s.
func ByService(s *Service) Selector {
	return func(context.Context) *Service {
		return s
	}
}

// ByName selects the live service that set up app check under name.
func ByName(name string) Selector {
	return func(context.Context) *Service {
		return services.lookup(name)
	}
}

func resolve(ctx context.Context, selectors []Selector) *Service {
	if len(selectors) == 0 {
		return Svc(ctx)
	}

	for _, selector := range selectors {
		if selector == nil {
			continue
		}
		if s := selector(ctx); s != nil {
			return s
		}
	}
	return nil
}

// Client returns the client registered for the resolved service.
func Client(ctx context.Context, selectors ...Selector) (sdk.Client, error) {
	s := resolve(ctx, selectors)
	if s == nil {
		return nil, ErrNoService
	}

	c, ok := clients.Lookup(s)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, s.Name())
	}
	return c, nil
}

// TokenCell returns the cell the resolved service mirrors its token into. Without a service
// the scope carried by ctx is searched.
func TokenCell(ctx context.Context, selectors ...Selector) (*reactive.Cell[string], error) {
	s := resolve(ctx, selectors)
	if s == nil {
		cell, err := inject.InjectFromContext(ctx, TokenKey)
		if err != nil {
			return nil, ErrNoService
		}
		return cell, nil
	}

	cell, err := inject.Inject(s.Scope(), TokenKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, s.Name())
	}
	return cell, nil
}

// TokenValue returns the token of the resolved service's client, exactly as the client reports
// it. Without a registered client it returns an empty token and no error.
func TokenValue(ctx context.Context, forceRefresh bool, selectors ...Selector) (sdk.Token, error) {
	c, err := Client(ctx, selectors...)
	if err != nil {
		util.Log(ctx).WithError(err).Debug("no appcheck client, returning an empty token")
		return sdk.Token{Token: ""}, nil
	}

	return c.Token(ctx, forceRefresh)
}

// TokenSource yields TokenValue of the selected service for outgoing calls.
func TokenSource(selectors ...Selector) sdk.TokenSource {
	return func(ctx context.Context) (sdk.Token, error) {
		return TokenValue(ctx, false, selectors...)
	}
}

type directory struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[Service]
}

//nolint:gochecknoglobals // process wide, entries die with their service
var services = &directory{entries: map[string]weak.Pointer[Service]{}}

func (d *directory) add(name string, s *Service) {
	if name == "" || s == nil {
		return
	}

	ptr := weak.Make(s)

	d.mu.Lock()
	d.entries[name] = ptr
	d.mu.Unlock()

	runtime.AddCleanup(s, func(name string) {
		d.remove(name, ptr)
	}, name)
}

// remove deletes name only while it still points at ptr.
func (d *directory) remove(name string, ptr weak.Pointer[Service]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.entries[name]; ok && current == ptr {
		delete(d.entries, name)
	}
}

func (d *directory) lookup(name string) *Service {
	d.mu.Lock()
	defer d.mu.Unlock()

	ptr, ok := d.entries[name]
	if !ok {
		return nil
	}
	return ptr.Value()
}
