package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/config"
	"github.com/vincentbai/clarity-agent/internal/database"
	"github.com/vincentbai/clarity-agent/internal/logger"
	"github.com/vincentbai/clarity-agent/internal/repository/clickhouse"
	"github.com/vincentbai/clarity-agent/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.ServiceEnvironment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	databasePath := cfg.DatabasePath
	if databasePath == "" {
		if databasePath, err = defaultDatabasePath(); err != nil {
			log.Fatal("Failed to prepare application directory", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(databasePath)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	options := []server.Option{
		server.WithLogger(log),
		server.WithLimits(cfg.MaxRequestBytes, cfg.MaxPayloadBytes),
	}

	if clickHouse := cfg.ClickHouse(); clickHouse.Enabled() {
		client, err := clickhouse.NewClient(ctx, clickHouse, log)
		if err != nil {
			log.Fatal("Failed to create ClickHouse client", zap.Error(err))
		}
		repo := clickhouse.NewRepository(client, log)
		defer func() {
			if err := repo.Close(); err != nil {
				log.Error("Failed to close ClickHouse repository", zap.Error(err))
			}
		}()
		if err := repo.InitSchema(ctx); err != nil {
			log.Fatal("Failed to initialize ClickHouse schema", zap.Error(err))
		}
		options = append(options, server.WithAnalytics(repo))
	}

	srv, err := server.NewServer(db, cfg.ListenAddress, options...)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	log.Info("Starting clarity agent",
		zap.String("environment", cfg.ServiceEnvironment),
		zap.String("database", databasePath))

	if err := srv.Start(ctx); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

// defaultDatabasePath picks a platform-specific application data directory.
func defaultDatabasePath() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var applicationDirectory string
	switch runtime.GOOS {
	case "darwin":
		applicationDirectory = filepath.Join(homeDirectory, "Library", "Application Support", "Clarity")
	case "windows":
		applicationDirectory = filepath.Join(homeDirectory, "AppData", "Roaming", "Clarity")
	default: // linux and others
		applicationDirectory = filepath.Join(homeDirectory, ".local", "share", "Clarity")
	}
	if err := os.MkdirAll(applicationDirectory, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(applicationDirectory, "payloads.db"), nil
}
