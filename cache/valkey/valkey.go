// Package valkey is a RawCache backed by the official valkey client.
package valkey

import (
	"context"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/pitabwire/appcheck/cache"
)

const connectionTimeout = 5 * time.Second

// Cache stores entries in a valkey server.
type Cache struct {
	client valkey.Client
}

// New connects to uri. The valkey:// and valkeys:// schemes are accepted as aliases of
// redis:// and rediss://.
func New(ctx context.Context, uri string) (*Cache, error) {
	opts, err := valkey.ParseURL(normaliseScheme(uri))
	if err != nil {
		return nil, err
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	pingErr := client.Do(pingCtx, client.B().Ping().Build()).Error()
	if pingErr != nil {
		client.Close()
		return nil, pingErr
	}

	return &Cache{client: client}, nil
}

func normaliseScheme(uri string) string {
	switch {
	case strings.HasPrefix(uri, "valkeys://"):
		return "rediss://" + strings.TrimPrefix(uri, "valkeys://")
	case strings.HasPrefix(uri, "valkey://"):
		return "redis://" + strings.TrimPrefix(uri, "valkey://")
	default:
		return uri
	}
}

var _ cache.RawCache = new(Cache)

func (vc *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := vc.client.Do(ctx, vc.client.B().Get().Key(key).Build())
	err := resp.Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	val, err := resp.AsBytes()
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (vc *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return vc.client.Do(ctx, vc.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()).Error()
	}

	// sub-second ttls round up to the one second minimum EX accepts
	seconds := int64(ttl.Seconds())
	if seconds == 0 {
		seconds = 1
	}
	cmd := vc.client.B().Set().Key(key).Value(valkey.BinaryString(value)).ExSeconds(seconds).Build()
	return vc.client.Do(ctx, cmd).Error()
}

func (vc *Cache) Delete(ctx context.Context, key string) error {
	return vc.client.Do(ctx, vc.client.B().Del().Key(key).Build()).Error()
}

func (vc *Cache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := vc.client.Do(ctx, vc.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (vc *Cache) Close() error {
	vc.client.Close()
	return nil
}
