package httptor

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pitabwire/util"

	"github.com/pitabwire/appcheck/interceptors"
	"github.com/pitabwire/appcheck/verifier"
)

// VerifyMiddleware rejects requests without a valid app check token and stores the verified
// claims in the request context.
func VerifyMiddleware(
	next http.Handler,
	tokenVerifier verifier.TokenVerifier,
	opts ...interceptors.Option,
) http.Handler {
	options := interceptors.Apply(opts...)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := util.Log(ctx).WithField("header", options.Header)

		token := strings.TrimSpace(r.Header.Get(options.Header))
		if token == "" {
			logger.Debug("VerifyMiddleware -- request carries no appcheck token")
			http.Error(w, "An appcheck token is required", http.StatusUnauthorized)
			return
		}

		claims, err := tokenVerifier.Verify(ctx, token)
		if err != nil {
			if errors.Is(err, verifier.ErrMissingToken) {
				http.Error(w, "An appcheck token is required", http.StatusUnauthorized)
				return
			}
			logger.WithError(err).Info("VerifyMiddleware -- could not verify appcheck token")
			http.Error(w, "Appcheck token is invalid", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(verifier.ClaimsToContext(ctx, claims)))
	})
}
