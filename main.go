package main

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vitalsync/data-sync/config"
	"github.com/vitalsync/data-sync/logging"
	"github.com/vitalsync/data-sync/store"
	"github.com/vitalsync/data-sync/store/postgres"
	"github.com/vitalsync/data-sync/store/sqlite"
)

func main() {
	logger := logging.New(logging.FromEnv())

	config, err := config.NewConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var backend store.Backend
	if config.PgDatabaseUrl != "" {
		backend, err = postgres.New(config.PgDatabaseUrl)
		if err != nil {
			logger.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(config.SQLitePath), 0o755); err != nil {
			logger.Error("failed to create sqlite directory", "error", err)
			os.Exit(1)
		}
		backend, err = sqlite.New(config.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
	}

	server := NewSyncServer(config, logger, backend)
	httpServer := &http.Server{
		Addr:              config.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server listening", "address", config.ListenAddress)
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
