package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	appconfig "github.com/genieops/teams-genie-bot/internal/config"
	"github.com/genieops/teams-genie-bot/internal/server"
	pkgconfig "github.com/genieops/teams-genie-bot/pkg/config"
	"github.com/genieops/teams-genie-bot/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "genie-bot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; deployments set real env vars
	_ = godotenv.Load()

	var cfg appconfig.AppConfig
	if err := pkgconfig.GetConfig(&cfg, os.Getenv("CONFIG_FILE"), true); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:   cfg.GetLogLevel(),
		Format:  cfg.Logging.Format,
		Service: cfg.ServiceName,
	})
	cfg.LogConfig(log)

	ctx := context.Background()
	srv, err := server.NewFromConfig(ctx, &cfg, log)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	return srv.Run(ctx)
}
