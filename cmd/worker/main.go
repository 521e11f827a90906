package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"shiftline/internal/engine/webhooks"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/pkg/urlguard"
	"shiftline/internal/platform/config"
	"shiftline/internal/platform/database"
	"shiftline/internal/platform/metrics"
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

	rdb, err := queue.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()
	jobs := queue.NewRedisQueue(rdb, cfg.Redis)

	deliveries := repositories.NewDeliveryRepository(db)
	worker := webhooks.NewWorker(webhooks.WorkerConfig{
		Endpoints:  repositories.NewWebhookRepository(db, box),
		Deliveries: deliveries,
		Executor: webhooks.NewExecutor(
			webhooks.WithProductName(cfg.Webhooks.ProductName),
			webhooks.WithTimeout(cfg.Webhooks.RequestTimeout),
			webhooks.WithResponseBodyLimit(cfg.Webhooks.ResponseBodyLimit),
		),
		Validator:        urlguard.New(nil),
		Queue:            jobs,
		DisableThreshold: cfg.Webhooks.DisableThreshold,
	})
	jobs.Register(webhooks.JobName, worker.HandleJob)

	sweeper := webhooks.NewSweeper(webhooks.SweeperConfig{
		Deliveries:   deliveries,
		Queue:        jobs,
		Interval:     cfg.Webhooks.SweepInterval,
		StallTimeout: cfg.Webhooks.StallTimeout,
	})

	if cfg.Metrics.Enabled {
		metrics.RegisterDefault()
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.WorkerAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	log.Info().Int("concurrency", cfg.Webhooks.WorkerCount).Msg("webhook worker starting")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Run(gctx, cfg.Webhooks.WorkerCount) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("webhook worker failed")
	}
	log.Info().Msg("webhook worker stopped")
}
