// Package inject implements keyed value scopes that chain to a parent and travel in contexts.
package inject

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotProvided is returned when no scope in the chain holds a value for a key.
var ErrNotProvided = errors.New("inject: value not provided")

type contextKey string

func (c contextKey) String() string {
	return "appcheck/inject/" + string(c)
}

const ctxKeyScope = contextKey("scopeKey")

// Key identifies a value of type T within a scope. Two keys are equal only when
// they are the same pointer, so names are informational.
type Key[T any] struct {
	name string
}

// NewKey creates a unique key.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string {
	return k.name
}

// Scope is a set of provided values. Lookups that miss walk up to the parent.
type Scope struct {
	parent *Scope
	values sync.Map
}

// NewScope creates a scope chained to parent, which may be nil.
func NewScope(parent *Scope) *Scope {
	return &Scope{parent: parent}
}

// Parent returns the enclosing scope.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// Child creates a scope whose lookups fall back to s.
func (s *Scope) Child() *Scope {
	return NewScope(s)
}

// Provide publishes value under key in scope, replacing any earlier value held by that scope.
func Provide[T any](scope *Scope, key *Key[T], value T) {
	scope.values.Store(key, value)
}

// Inject retrieves the value for key from scope or its nearest ancestor.
func Inject[T any](scope *Scope, key *Key[T]) (T, error) {
	for current := scope; current != nil; current = current.parent {
		raw, ok := current.values.Load(key)
		if !ok {
			continue
		}
		value, ok := raw.(T)
		if !ok {
			break
		}
		return value, nil
	}

	var zero T
	return zero, fmt.Errorf("%w: %s", ErrNotProvided, key)
}

// Remove deletes the value held by scope itself for key. Ancestors are untouched.
func Remove[T any](scope *Scope, key *Key[T]) {
	scope.values.Delete(key)
}

// ToContext pushes a scope into the context.
func ToContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ctxKeyScope, scope)
}

// FromContext returns the scope carried by ctx, or nil.
func FromContext(ctx context.Context) *Scope {
	scope, ok := ctx.Value(ctxKeyScope).(*Scope)
	if !ok {
		return nil
	}
	return scope
}

// InjectFromContext resolves key through the scope carried by ctx.
func InjectFromContext[T any](ctx context.Context, key *Key[T]) (T, error) {
	scope := FromContext(ctx)
	if scope == nil {
		var zero T
		return zero, fmt.Errorf("%w: %s (no scope in context)", ErrNotProvided, key)
	}
	return Inject(scope, key)
}
