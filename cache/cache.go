// Package cache persists attestation tokens between process restarts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnsupportedScheme is returned when a cache URI names no known backend.
var ErrUnsupportedScheme = errors.New("cache: unsupported uri scheme")

// RawCache is the byte level store every backend implements.
type RawCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A ttl of zero or less keeps the value until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Typed stores values of type V as JSON under a common key prefix.
type Typed[V any] struct {
	raw    RawCache
	prefix string
}

// NewTyped wraps raw so that every key is stored as prefix + key.
func NewTyped[V any](raw RawCache, prefix string) *Typed[V] {
	return &Typed[V]{raw: raw, prefix: prefix}
}

func (t *Typed[V]) Key(key string) string {
	return t.prefix + key
}

func (t *Typed[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var value V

	data, found, err := t.raw.Get(ctx, t.Key(key))
	if err != nil || !found {
		return value, false, err
	}

	err = json.Unmarshal(data, &value)
	if err != nil {
		var zero V
		return zero, false, err
	}
	return value, true, nil
}

func (t *Typed[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.raw.Set(ctx, t.Key(key), data, ttl)
}

func (t *Typed[V]) Delete(ctx context.Context, key string) error {
	return t.raw.Delete(ctx, t.Key(key))
}
