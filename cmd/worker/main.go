// cmd/worker/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/app"
	"github.com/your-org/checkout-engine/internal/config"
	"github.com/your-org/checkout-engine/internal/pkg/logger"
)

func main() {
	once := flag.String("once", "", "run a single job by name and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.New(config.LoggingConfig{Level: "info"}).WithError(err).Fatal("Failed to load configuration")
	}

	log := logger.New(cfg.Logging)

	a, err := app.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise services")
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *once != "" {
		n, err := a.Scheduler.RunOnce(ctx, *once)
		if err != nil {
			log.WithError(err).WithField("job", *once).Error("Job failed")
			a.Close()
			os.Exit(1)
		}
		log.WithFields(logrus.Fields{"job": *once, "processed": n}).Info("Job finished")
		return
	}

	log.WithField("jobs", a.Scheduler.Names()).Info("Worker started")
	a.Scheduler.Start(ctx)
	log.Info("Worker stopped")
}
