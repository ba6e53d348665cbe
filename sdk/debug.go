package sdk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"
)

const defaultDebugTokenTTL = time.Hour

//nolint:gochecknoglobals // the debug override is process wide by definition
var debugState struct {
	mu    sync.RWMutex
	token string
}

// SetDebug sets the process wide debug token that replaces attestation for every client.
//
// true, "true" and "1" enable debug mode with a generated token, which is logged so it can be
// registered with the attestation backend. Any other non-empty string is used as the token.
// false, nil, "", "false" and "0" switch debug mode off. The active token is returned.
func SetDebug(ctx context.Context, value any) string {
	var raw string
	switch v := value.(type) {
	case nil:
	case bool:
		raw = fmt.Sprint(v)
	case string:
		raw = v
	default:
		raw = fmt.Sprint(v)
	}

	token := strings.TrimSpace(raw)
	switch strings.ToLower(token) {
	case "", "false", "0":
		token = ""
	case "true", "1":
		token = xid.New().String()
		util.Log(ctx).WithField("debug_token", token).
			Warn("appcheck debug mode enabled, register this debug token with the attestation backend")
	}

	debugState.mu.Lock()
	debugState.token = token
	debugState.mu.Unlock()

	return token
}

// DebugToken returns the active debug token, empty when debug mode is off.
func DebugToken() string {
	debugState.mu.RLock()
	defer debugState.mu.RUnlock()
	return debugState.token
}

// debugProvider issues the debug token in place of a real attestation.
type debugProvider struct {
	ttl time.Duration
	now func() time.Time
}

func (d debugProvider) Attest(_ context.Context, _ AppInfo) (Token, error) {
	now := d.now()
	return Token{
		Token:      DebugToken(),
		IssuedAt:   now,
		ExpireTime: now.Add(d.ttl),
	}, nil
}
