// Package sdk is the boundary to the attestation token SDK together with its default client.
package sdk

import (
	"context"
	"errors"
)

var (
	// ErrClientClosed is returned by a client after Close.
	ErrClientClosed = errors.New("appcheck client is closed")
	// ErrNoProvider is returned when a client is initialised without any way to obtain tokens.
	ErrNoProvider = errors.New("no attestation provider configured")
	// ErrInvalidApp is returned when the application identity is empty.
	ErrInvalidApp = errors.New("application has neither an id nor a name")
)

// AppInfo identifies the application a client attests for.
type AppInfo struct {
	Name        string
	ID          string
	Environment string
	Version     string
}

// Key is the identifier tokens are issued and cached for.
func (a AppInfo) Key() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Name
}

// TokenListener receives every token a client obtains, in the order obtained.
type TokenListener func(Token)

// TokenNotifier is the push side of a client.
type TokenNotifier interface {
	// OnTokenChanged registers listener and returns the function that removes it.
	OnTokenChanged(listener TokenListener) (unsubscribe func())
}

// Client is an initialised attestation client.
type Client interface {
	TokenNotifier

	// Token returns the current token, obtaining a new one when it is missing, about to
	// expire or when forceRefresh is set.
	Token(ctx context.Context, forceRefresh bool) (Token, error)
	// SetAutoRefresh toggles background refreshing ahead of expiry.
	SetAutoRefresh(enabled bool)
	Close() error
}

// Initializer creates clients.
type Initializer interface {
	Initialize(ctx context.Context, app AppInfo, opts ...Option) (Client, error)
}

// InitializerFunc adapts a function to Initializer.
type InitializerFunc func(ctx context.Context, app AppInfo, opts ...Option) (Client, error)

func (f InitializerFunc) Initialize(ctx context.Context, app AppInfo, opts ...Option) (Client, error) {
	return f(ctx, app, opts...)
}

// AttestationProvider obtains fresh tokens from an attestation authority.
type AttestationProvider interface {
	Attest(ctx context.Context, app AppInfo) (Token, error)
}

// ProviderFunc adapts a function to AttestationProvider.
type ProviderFunc func(ctx context.Context, app AppInfo) (Token, error)

func (f ProviderFunc) Attest(ctx context.Context, app AppInfo) (Token, error) {
	return f(ctx, app)
}

// TokenSource yields the token to attach to an outgoing call. An empty token means none.
type TokenSource func(ctx context.Context) (Token, error)

// ClientSource yields the current token of client, refreshing it when needed.
func ClientSource(client Client) TokenSource {
	return func(ctx context.Context) (Token, error) {
		return client.Token(ctx, false)
	}
}
