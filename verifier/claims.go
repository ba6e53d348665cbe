package verifier

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

func (c contextKey) String() string {
	return "appcheck/verifier/" + string(c)
}

const ctxKeyClaims = contextKey("claimsKey")

// Claims are the contents of an attestation token.
type Claims struct {
	jwt.RegisteredClaims

	AppID string `json:"app_id,omitempty"`
}

// App returns the attested application, falling back to the subject.
func (c *Claims) App() string {
	if c.AppID != "" {
		return c.AppID
	}
	return c.Subject
}

// ClaimsToContext stores verified claims in ctx.
func ClaimsToContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, claims)
}

// ClaimsFromContext returns the verified claims carried by ctx, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(ctxKeyClaims).(*Claims)
	if !ok {
		return nil
	}
	return claims
}
