package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/balu-dk/ocpp-gateway/config"
	"github.com/balu-dk/ocpp-gateway/internal/api"
	"github.com/balu-dk/ocpp-gateway/internal/db"
	"github.com/balu-dk/ocpp-gateway/internal/messaging"
	"github.com/balu-dk/ocpp-gateway/internal/registry"
	"github.com/balu-dk/ocpp-gateway/internal/service"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Setup logger
	cfg.SetupLogger()
	logrus.Info("Starting OCPP gateway")
	log := logrus.StandardLogger()

	// Connect to database
	store, err := db.NewPostgresStore(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer store.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to migrate database")
	}

	// Connect to the shared registry
	cache, err := newCache(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to cache")
	}

	// Connect to the messaging fabric
	broker, err := messaging.ConnectNats(cfg.NatsURL, cfg.NatsSubjectPrefix, log.WithField("component", "messaging"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to NATS")
	}

	// Create CSMS service
	csms, err := service.NewCSMS(cfg, store, cache, broker, log)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create CSMS service")
	}

	// Start WebSocket listeners
	if err := csms.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start WebSocket listeners")
	}

	// Create API server
	apiServer := api.NewAPI(csms)

	// Start API server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run the server in a goroutine
	go func() {
		logrus.Infof("Starting API server on port %d", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Create a deadline for the shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Attempt to gracefully shut down the servers
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("API server forced to shutdown")
	}
	if err := csms.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Gateway forced to shutdown")
	}

	logrus.Info("Server exited")
}

func newCache(cfg *config.Config) (registry.Cache, error) {
	if cfg.CacheBackend == config.CacheBackendMemory {
		logrus.Warn("Using in-memory registry, connections are not shared between instances")
		return registry.NewMemoryCache(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return registry.DialRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKeyPrefix)
}
