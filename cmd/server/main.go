package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"shiftline/internal/api"
	"shiftline/internal/api/handlers"
	"shiftline/internal/api/middleware"
	"shiftline/internal/engine/events"
	"shiftline/internal/engine/webhooks"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/pkg/urlguard"
	"shiftline/internal/platform/audit"
	"shiftline/internal/platform/auth"
	"shiftline/internal/platform/config"
	"shiftline/internal/platform/database"
	"shiftline/internal/platform/queue"
	"shiftline/internal/platform/repositories"
	"shiftline/internal/platform/secrets"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	box, err := secrets.NewBox(cfg.Webhooks.SecretEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid webhook secret encryption key")
	}
	if !box.Enabled() {
		log.Warn().Msg("webhook secrets are stored unencrypted; set webhooks.secret_encryption_key")
	}

	rdb, err := queue.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()
	jobs := queue.NewRedisQueue(rdb, cfg.Redis)

	// Repositories
	endpointRepo := repositories.NewWebhookRepository(db, box)
	deliveryRepo := repositories.NewDeliveryRepository(db)
	auditLog := audit.NewLogger(db)

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)
	webhookSvc := webhooks.NewService(webhooks.ServiceConfig{
		Endpoints:   endpointRepo,
		Deliveries:  deliveryRepo,
		Queue:       jobs,
		Validator:   urlguard.New(nil),
		ProductName: cfg.Webhooks.ProductName,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
	})

	subscriber := webhooks.NewSubscriber(endpointRepo, deliveryRepo, jobs, cfg.Webhooks.MaxAttempts)
	bus := events.NewBus(nil, subscriber.Initializer())

	healthChecks := map[string]handlers.Pinger{
		"database": db,
		"queue":    jobs,
	}

	deps := &api.Dependencies{
		WebhookHandler:   handlers.NewWebhookHandler(webhookSvc, auditLog),
		EventHandler:     handlers.NewEventHandler(bus),
		AuditHandler:     handlers.NewAuditHandler(auditLog),
		HealthHandler:    handlers.NewHealthHandler(healthChecks),
		AuthMiddleware:   middleware.NewAuthMiddleware(tokenSvc),
		TenantMiddleware: middleware.NewTenantMiddleware(),
		MetricsPath:      cfg.Metrics.Path,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = handlers.NewMetricsHandler()
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
