package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rckrdmrd/glit-backend-sub000/api/controllers"
	"github.com/rckrdmrd/glit-backend-sub000/api/routes"
	"github.com/rckrdmrd/glit-backend-sub000/internal/cron"
	"github.com/rckrdmrd/glit-backend-sub000/internal/delivery"
	"github.com/rckrdmrd/glit-backend-sub000/internal/notifications"
	"github.com/rckrdmrd/glit-backend-sub000/internal/presence"
	"github.com/rckrdmrd/glit-backend-sub000/internal/realtime"
	"github.com/rckrdmrd/glit-backend-sub000/internal/users"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth/session"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/config"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/db"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/idempotency"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/instance"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/metrics"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/migrate"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/pubsub"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	sessionManager, err := session.NewManager(redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create session manager", err)
		os.Exit(1)
	}
	authenticator := auth.NewTokenAuthenticator(cfg.JWT, sessionManager)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deliveryMetrics := metrics.NewDeliveryMetrics(registry)

	presenceRegistry := presence.NewRegistry(metrics.NewPresenceMetrics(registry))

	dispatcher, err := delivery.NewDispatcher(delivery.Params{
		Logger:      logg,
		Metrics:     deliveryMetrics,
		Workers:     cfg.Delivery.Workers,
		QueueSize:   cfg.Delivery.QueueSize,
		TaskTimeout: cfg.Delivery.PushTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to start delivery dispatcher", err)
		os.Exit(1)
	}

	notificationRepo := notifications.NewRepository(dbClient.DB(), cfg.Notifications.BulkBatchSize)
	notificationService, err := notifications.NewService(notifications.ServiceParams{
		Repo:       notificationRepo,
		Presence:   presenceRegistry,
		Dispatcher: dispatcher,
		Recipients: users.NewRepository(dbClient.DB()),
		Logger:     logg,
		Metrics:    deliveryMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notifications service", err)
		os.Exit(1)
	}

	var readMarker realtime.ReadMarker
	if cfg.Realtime.SocketMarkRead {
		readMarker = realtime.ReadMarkerFunc(func(ctx context.Context, userID, notificationID uuid.UUID) error {
			_, err := notificationService.MarkRead(ctx, userID, notificationID)
			return err
		})
	}

	gateway, err := realtime.NewGateway(realtime.GatewayParams{
		Logger:        logg,
		Presence:      presenceRegistry,
		Authenticator: authenticator,
		Config:        cfg.Realtime,
		ReadMarker:    readMarker,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create realtime gateway", err)
		os.Exit(1)
	}
	notificationService.AttachPusher(gateway)

	retention, err := cron.NewNotificationRetentionJob(cron.NotificationRetentionJobParams{
		Logger:        logg,
		DB:            dbClient,
		Repository:    notificationRepo,
		RetentionDays: cfg.Notifications.RetentionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create retention sweeper", err)
		os.Exit(1)
	}

	readiness := map[string]controllers.Pinger{
		"db":    dbClient,
		"redis": redisClient,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan struct{})
	if cfg.PubSub.Enabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := psClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
		readiness["pubsub"] = psClient

		tracker, err := idempotency.NewManager(redisClient, cfg.Eventing.IdempotencyTTL)
		if err != nil {
			logg.Error(ctx, "failed to create idempotency manager", err)
			os.Exit(1)
		}
		consumer, err := notifications.NewConsumer(notificationService, psClient.NotificationSubscription(), tracker, logg)
		if err != nil {
			logg.Error(ctx, "failed to create notification consumer", err)
			os.Exit(1)
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "notification consumer stopped", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID("api"),
		"pubsub":   cfg.PubSub.Enabled(),
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Dependencies{
			Config:        cfg,
			Logger:        logg,
			Authenticator: authenticator,
			Notifications: notificationService,
			Gateway:       gateway,
			Retention:     retention,
			Idempotency:   redisClient,
			Readiness:     readiness,
			Gatherer:      registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logg.Info(logCtx, "shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logg.Error(logCtx, "api server stopped unexpectedly", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(logCtx, "http server shutdown failed", err)
	}
	<-consumerDone
	// hijacked websocket connections are not covered by server.Shutdown
	if err := gateway.Close(shutdownCtx); err != nil {
		logg.Error(logCtx, "realtime gateway shutdown failed", err)
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Delivery.DrainWait)
	defer cancelDrain()
	if err := dispatcher.Close(drainCtx); err != nil {
		logg.Error(logCtx, "delivery dispatcher drain incomplete", err)
	}

	logg.Info(logCtx, "api server stopped")
}
