package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dracxi/chatapp/internal/server"
	"github.com/dracxi/chatapp/internal/store"
	"github.com/dracxi/chatapp/pkg/config"
	"github.com/dracxi/chatapp/pkg/logging"
)

func main() {
	// Optional .env for local development; real deployments set env vars.
	_ = godotenv.Load()

	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.Level(cfg.Log.Level))
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		logger.Error("Failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, st)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
