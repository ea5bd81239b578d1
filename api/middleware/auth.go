package middleware

import (
	"net/http"

	"github.com/rckrdmrd/glit-backend-sub000/api/responses"
	pkgAuth "github.com/rckrdmrd/glit-backend-sub000/pkg/auth"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

// Auth validates the bearer credential and seeds the request context with the caller identity.
func Auth(authenticator pkgAuth.Authenticator, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			ctx := WithUserID(r.Context(), identity.UserID.String())
			ctx = WithRole(ctx, string(identity.Role))

			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{
					"user_id":    identity.UserID.String(),
					"actor_role": string(identity.Role),
				})
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
