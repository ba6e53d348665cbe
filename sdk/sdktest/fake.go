// Package sdktest provides in-memory sdk doubles for tests.
package sdktest

import (
	"context"
	"slices"
	"sync"

	"github.com/pitabwire/appcheck/sdk"
)

type fakeListener struct {
	id int
	fn sdk.TokenListener
}

// FakeClient is an sdk.Client whose notifications are driven by Emit.
type FakeClient struct {
	mu         sync.Mutex
	listeners  []fakeListener
	nextID     int
	token      sdk.Token
	err        error
	fetches    []bool
	autoToggle []bool
	closed     bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// SetResult fixes what Token returns.
func (f *FakeClient) SetResult(token sdk.Token, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	f.err = err
}

// Emit delivers token to every listener in registration order.
func (f *FakeClient) Emit(token sdk.Token) {
	f.mu.Lock()
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()

	for _, l := range listeners {
		l.fn(token)
	}
}

// Listeners counts the active subscriptions.
func (f *FakeClient) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// Fetches returns the forceRefresh argument of every Token call.
func (f *FakeClient) Fetches() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.fetches...)
}

// AutoRefreshCalls returns the arguments of every SetAutoRefresh call.
func (f *FakeClient) AutoRefreshCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.autoToggle...)
}

func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeClient) OnTokenChanged(listener sdk.TokenListener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners = append(f.listeners, fakeListener{id: id, fn: listener})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners = slices.DeleteFunc(f.listeners, func(l fakeListener) bool { return l.id == id })
	}
}

func (f *FakeClient) Token(ctx context.Context, forceRefresh bool) (sdk.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, forceRefresh)
	if err := ctx.Err(); err != nil {
		return sdk.Token{}, err
	}
	return f.token, f.err
}

func (f *FakeClient) SetAutoRefresh(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoToggle = append(f.autoToggle, enabled)
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Initialization records one call to FakeInitializer.Initialize.
type Initialization struct {
	App        sdk.AppInfo
	Options    sdk.Options
	DebugToken string
}

// FakeInitializer hands out FakeClients and records the debug token active at each call.
type FakeInitializer struct {
	mu      sync.Mutex
	Err     error
	calls   []Initialization
	clients []*FakeClient
}

func (f *FakeInitializer) Initialize(_ context.Context, app sdk.AppInfo, opts ...sdk.Option) (sdk.Client, error) {
	var o sdk.Options
	for _, opt := range opts {
		opt(&o)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Initialization{App: app, Options: o, DebugToken: sdk.DebugToken()})
	if f.Err != nil {
		return nil, f.Err
	}

	c := NewFakeClient()
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *FakeInitializer) Calls() []Initialization {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Initialization(nil), f.calls...)
}

func (f *FakeInitializer) Clients() []*FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeClient(nil), f.clients...)
}
