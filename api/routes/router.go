package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rckrdmrd/glit-backend-sub000/api/controllers"
	"github.com/rckrdmrd/glit-backend-sub000/api/middleware"
	"github.com/rckrdmrd/glit-backend-sub000/internal/cron"
	"github.com/rckrdmrd/glit-backend-sub000/internal/notifications"
	"github.com/rckrdmrd/glit-backend-sub000/internal/realtime"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/config"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

// Dependencies are the collaborators the HTTP surface is built from.
type Dependencies struct {
	Config        *config.Config
	Logger        *logger.Logger
	Authenticator auth.Authenticator
	Notifications notifications.Service
	Gateway       *realtime.Gateway
	Retention     cron.RetentionSweeper
	Idempotency   middleware.ResponseStore
	Readiness     map[string]controllers.Pinger
	Gatherer      prometheus.Gatherer
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.Realtime.AllowedOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, deps.Readiness, logg))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// the gateway authenticates the handshake itself so browsers can pass ?token=
	r.Get("/ws/notifications", controllers.NotificationsSocket(deps.Gateway, logg))

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Authenticator, logg))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Get("/", controllers.ListNotifications(deps.Notifications, logg))
		r.Delete("/", controllers.ClearNotifications(deps.Notifications, logg))
		r.Get("/unread-count", controllers.UnreadNotificationCount(deps.Notifications, logg))
		r.Post("/read-all", controllers.MarkAllNotificationsRead(deps.Notifications, logg))
		r.Post("/{notificationId}/read", controllers.MarkNotificationRead(deps.Notifications, logg))
		r.Delete("/{notificationId}", controllers.DeleteNotification(deps.Notifications, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Authenticator, logg))
		r.Use(middleware.RequireRole(string(enums.UserRoleAdmin), logg))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Post("/notifications/send", controllers.AdminSendNotification(deps.Notifications, logg))
		r.Post("/notifications/retention/run", controllers.AdminRunRetention(deps.Retention, cfg.Notifications.RetentionDays, logg))
		r.Get("/realtime/stats", controllers.AdminRealtimeStats(deps.Gateway))
	})

	return r
}
