package handlers

import (
	"context"
	"net/http"

	"github.com/adi-253/Talkie/chatd/internal/apperrors"
	"github.com/adi-253/Talkie/chatd/internal/auth"
	"go.uber.org/zap"
)

type identityKey struct{}

// RequireIdentity rejects requests without a valid bearer token and stores
// the verified identity in the request context.
func RequireIdentity(verifier auth.Verifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := verifier.Verify(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, log, apperrors.Auth("invalid or missing token", err))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// IdentityFrom returns the identity stored by RequireIdentity.
func IdentityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}
