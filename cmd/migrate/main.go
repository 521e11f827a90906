package main

import (
	"context"
	"flag"

	"github.com/rs/zerolog/log"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/platform/config"
	"shiftline/internal/platform/database"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	switch *direction {
	case "up":
		err = database.Migrate(ctx, db)
	case "down":
		err = database.Drop(ctx, db)
	default:
		log.Fatal().Str("direction", *direction).Msg("direction must be up or down")
	}
	if err != nil {
		log.Fatal().Err(err).Str("direction", *direction).Msg("migration failed")
	}
	log.Info().Str("direction", *direction).Str("driver", db.Driver).Msg("migration complete")
}
