package controllers

import (
	"net/http"

	"github.com/rckrdmrd/glit-backend-sub000/api/responses"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

type socketServer interface {
	Authenticate(r *http.Request) (auth.Identity, error)
	Serve(w http.ResponseWriter, r *http.Request, identity auth.Identity) error
}

// NotificationsSocket authenticates the handshake before upgrading; a rejected
// handshake gets a JSON error and never touches presence.
func NotificationsSocket(gw socketServer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := gw.Authenticate(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithUserID(ctx, identity.UserID.String())
		}
		// the upgrader has already answered the client when Serve fails after the handshake
		if err := gw.Serve(w, r.WithContext(ctx), identity); err != nil && logg != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "websocket session not started")
		}
	}
}
