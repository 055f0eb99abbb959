// Command migrate applies internal/store's embedded goose migrations
// against the database named by RACESERVER_CONFIG (or the default
// config path), without starting the race server itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/typelo/raceserver/internal/config"
	"github.com/typelo/raceserver/internal/store"
)

const configPath = "config/raceserver.yaml"

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("migrate failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := configPath
	if p := os.Getenv("RACESERVER_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadRaceServer(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := store.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations applied", "database", cfg.Database.DBName)
	return nil
}
