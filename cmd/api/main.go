// cmd/api/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/app"
	"github.com/your-org/checkout-engine/internal/config"
	"github.com/your-org/checkout-engine/internal/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(config.LoggingConfig{Level: "info"}).WithError(err).Fatal("Failed to load configuration")
	}

	log := logger.New(cfg.Logging)
	log.WithFields(logrus.Fields{
		"app":         cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	}).Info("Starting API")

	a, err := app.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise services")
	}
	defer a.Close()

	if err := a.Migrate(); err != nil {
		log.WithError(err).Fatal("Database migration failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = a.Probe(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("Transaction capability check failed")
	}

	server := a.HTTPServer()
	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gracefully")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to shutdown HTTP server gracefully")
	}

	log.Info("Server shutdown completed")
}
