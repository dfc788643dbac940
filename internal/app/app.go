// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/config"
	"github.com/your-org/checkout-engine/internal/domain/catalog"
	"github.com/your-org/checkout-engine/internal/domain/checkout"
	"github.com/your-org/checkout-engine/internal/domain/discount"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/payment"
	"github.com/your-org/checkout-engine/internal/domain/pricing"
	"github.com/your-org/checkout-engine/internal/domain/shipping"
	"github.com/your-org/checkout-engine/internal/infrastructure/database/postgres"
	"github.com/your-org/checkout-engine/internal/infrastructure/database/redis"
	"github.com/your-org/checkout-engine/internal/infrastructure/database/sqlite"
	apihttp "github.com/your-org/checkout-engine/internal/interfaces/http"
	"github.com/your-org/checkout-engine/internal/interfaces/http/handlers"
	"github.com/your-org/checkout-engine/internal/interfaces/http/routes"
	"github.com/your-org/checkout-engine/internal/jobs"
	"github.com/your-org/checkout-engine/internal/pkg/auth"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
	"github.com/your-org/checkout-engine/internal/pkg/money"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// App holds the wired services shared by the api and worker binaries
type App struct {
	Config *config.Config
	Log    logrus.FieldLogger

	DB      *gorm.DB
	Redis   *redis.Client
	Metrics *metrics.Metrics

	Pricing      *pricing.Engine
	Orchestrator *checkout.Orchestrator
	Orders       *order.Service
	Scheduler    *jobs.Scheduler

	closers []func() error
}

// New connects to the database and redis and builds every service
func New(cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New("checkout")}

	if err := a.openDatabase(); err != nil {
		return nil, err
	}

	rdb, err := redis.NewConnection(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rdb
	a.closers = append(a.closers, rdb.Close)

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openDatabase() error {
	switch a.Config.Database.Driver {
	case "sqlite":
		level := gormlogger.Warn
		if a.Config.App.Debug {
			level = gormlogger.Info
		}
		db, err := sqlite.Open(a.Config.Database.SQLitePath, level)
		if err != nil {
			return err
		}
		a.DB = db
		a.closers = append(a.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		a.Log.WithField("path", a.Config.Database.SQLitePath).Info("Using embedded SQLite database")
	default:
		conn, err := postgres.NewConnection(a.Config, a.Log)
		if err != nil {
			return err
		}
		a.DB = conn.GetDB()
		a.closers = append(a.closers, conn.Close)
	}
	return nil
}

func (a *App) build() error {
	cfg := a.Config

	mode, err := money.ParseTaxMode(cfg.Checkout.PricingMode)
	if err != nil {
		return err
	}
	txMode, err := checkout.ParseTxMode(cfg.Checkout.TxMode)
	if err != nil {
		return err
	}

	discounts := discount.NewLedger(a.DB, a.Log)
	stock := inventory.NewLedger(a.DB, a.Log)
	store := order.NewStore(a.DB, a.Log)
	outbox := events.NewOutbox(a.DB)

	a.Pricing = pricing.NewEngine(catalog.NewRepository(a.DB), shipping.NewResolver(a.DB), discounts, pricing.Config{
		Currency: cfg.Checkout.Currency,
		Mode:     mode,
		RateBps:  cfg.Checkout.VATRateBps,
		Strict:   cfg.Checkout.StrictPricing,
	})

	gateway := payment.NewBreakerGateway(payment.NewHTTPGateway(cfg.Payment, a.Log), payment.BreakerSettings{
		Name:             "payment-gateway",
		Failures:         cfg.Payment.BreakerFailures,
		OpenFor:          cfg.Payment.BreakerOpenFor,
		HalfOpenRequests: cfg.Payment.BreakerHalfOpenN,
	}, a.Log)

	a.Orchestrator = checkout.NewOrchestrator(checkout.Deps{
		DB:        a.DB,
		Pricer:    a.Pricing,
		Inventory: stock,
		Discounts: discounts,
		Orders:    store,
		Outbox:    outbox,
		Gateway:   gateway,
		Probe:     checkout.NewTxProbe(a.DB, txMode, cfg.Checkout.RequireTransactions, a.Log),
		Locker:    a.Redis,
		Metrics:   a.Metrics,
		Log:       a.Log,
	}, checkout.Config{
		InventoryTTL: cfg.Checkout.InventoryReservationTTL,
		DiscountTTL:  cfg.Checkout.DiscountReservationTTL,
		LockTTL:      cfg.Checkout.IdempotencyLockTTL,
	})
	a.Orders = order.NewService(store, a.Log)

	var publisher events.Publisher
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, kp.Close)
		publisher = kp
	} else {
		publisher = events.NewLogPublisher(a.Log)
	}

	a.Scheduler = jobs.NewScheduler(a.Log, a.Metrics)
	reclaimer := jobs.NewReclaimer(stock, discounts, store, cfg.Jobs, a.Metrics)
	poller := events.NewPoller(outbox, publisher, cfg.Jobs.OutboxBatchSize, a.Log)
	jobs.Register(a.Scheduler, reclaimer, poller, cfg.Jobs, a.Metrics)

	return nil
}

// Migrate creates the schema and, when configured, the demo data
func (a *App) Migrate() error {
	m := postgres.NewMigration(a.DB, a.Log)
	if a.Config.Database.AutoMigrate {
		if err := m.RunAutoMigrations(); err != nil {
			return err
		}
		if err := m.CreateIndexes(); err != nil {
			a.Log.WithError(err).Warn("Index creation failed")
		}
	}
	if a.Config.Database.SeedDemoData {
		if err := m.SeedInitialData(); err != nil {
			return fmt.Errorf("failed to seed demo data: %w", err)
		}
	}
	return nil
}

// Probe runs the transaction capability check up front so a missing
// capability fails start-up rather than the first checkout.
func (a *App) Probe(ctx context.Context) error {
	_, err := a.Orchestrator.ProbeTransactions(ctx)
	return err
}

// HTTPServer builds the API server
func (a *App) HTTPServer() *apihttp.Server {
	h := routes.Handlers{
		Checkout: handlers.NewCheckoutHandler(a.Pricing, a.Orchestrator),
		Payment:  handlers.NewPaymentHandler(a.Orchestrator, a.Config.Payment.WebhookSecret, a.Log),
		Order:    handlers.NewOrderHandler(a.Orders, a.Orchestrator),
		Admin: handlers.NewAdminHandler(a.Orders, a.Orchestrator, a.Scheduler,
			[]string{jobs.SweepInventory, jobs.SweepDiscounts}, jobs.RepairOrphans),
	}

	return apihttp.NewServer(a.Config, apihttp.Deps{
		Handlers: h,
		Tokens:   auth.NewJWTManager(&a.Config.JWT),
		Limiter:  a.Redis,
		Metrics:  a.Metrics,
		Checks: map[string]apihttp.HealthCheck{
			"database": a.pingDatabase,
			"redis":    a.Redis.Health,
		},
		Log: a.Log,
	})
}

func (a *App) pingDatabase(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
