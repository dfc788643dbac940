package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/checkout-engine/internal/config"
	"github.com/your-org/checkout-engine/internal/domain/catalog"
	"github.com/your-org/checkout-engine/internal/domain/discount"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/infrastructure/database/sqlite/sqlitetest"
	"github.com/your-org/checkout-engine/internal/pkg/logger"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	inventory *inventory.Ledger
	discounts *discount.Ledger
	orders    *order.Store
	metrics   *metrics.Metrics
	scheduler *Scheduler
	reclaimer *Reclaimer
}

type recordingPublisher struct{ got []string }

func (p *recordingPublisher) Publish(_ context.Context, ev events.OutboxEvent) error {
	p.got = append(p.got, ev.EventType)
	return nil
}

func newFixture(t *testing.T, pub events.Publisher) *fixture {
	db := sqlitetest.NewDB(t,
		&catalog.Product{}, &catalog.ProductVariant{},
		&inventory.Reservation{}, &inventory.StockMovement{},
		&discount.Coupon{}, &discount.Reservation{}, &discount.Redemption{}, &discount.UserUsage{},
		&order.Order{}, &order.OrderItem{}, &order.OrderStatusHistory{},
		&events.OutboxEvent{},
	)
	require.NoError(t, db.Create(&catalog.Product{ID: 1, SKU: "TEE", Name: "Tee", Price: 1000, Stock: 5, TrackQuantity: true, IsActive: true}).Error)
	require.NoError(t, db.Create(&discount.Coupon{Code: "SAVE10", Type: discount.CouponTypePercentage, Value: 1000, IsActive: true, MaxUsesTotal: 3}).Error)

	log := logger.Discard()
	cfg := config.JobsConfig{BatchSize: 10, OrphanGrace: 10 * time.Minute}
	f := &fixture{
		db:        db,
		inventory: inventory.NewLedger(db, log),
		discounts: discount.NewLedger(db, log),
		orders:    order.NewStore(db, log),
		metrics:   metrics.New("jobs_test"),
	}
	f.scheduler = NewScheduler(log, f.metrics)
	f.reclaimer = NewReclaimer(f.inventory, f.discounts, f.orders, cfg, f.metrics).
		WithClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })

	var poller *events.Poller
	if pub != nil {
		poller = events.NewPoller(events.NewOutbox(db), pub, 10, log)
	}
	Register(f.scheduler, f.reclaimer, poller, cfg, f.metrics)
	return f
}

func (f *fixture) stock(t *testing.T) int {
	var p catalog.Product
	require.NoError(t, f.db.First(&p, 1).Error)
	return p.Stock
}

func TestSweepJobsReclaimLapsedHolds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.inventory.Reserve(ctx, "order-1", []inventory.Item{{ProductID: 1, Quantity: 2}}, time.Minute)
	require.NoError(t, err)
	_, err = f.discounts.Reserve(ctx, "SAVE10", "order-1", nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, f.stock(t))

	n, err := f.scheduler.RunOnce(ctx, SweepInventory)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5, f.stock(t))

	n, err = f.scheduler.RunOnce(ctx, SweepDiscounts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var c discount.Coupon
	require.NoError(t, f.db.Where("code = ?", "SAVE10").First(&c).Error)
	assert.Equal(t, 0, c.ReservedCount)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reclaimed.WithLabelValues("stock_expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobRuns.WithLabelValues(SweepInventory, "ok")))

	// nothing left to do
	n, err = f.scheduler.RunOnce(ctx, SweepInventory)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepairReleasesHoldsWithoutOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.inventory.Reserve(ctx, "ghost-order", []inventory.Item{{ProductID: 1, Quantity: 1}}, 24*time.Hour)
	require.NoError(t, err)

	n, err := f.scheduler.RunOnce(ctx, RepairOrphans)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5, f.stock(t))

	hold, err := f.inventory.Find(ctx, "ghost-order")
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusReleased, hold.Status)
}

func TestPublishJobDrainsOutbox(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, pub)
	ctx := context.Background()

	outbox := events.NewOutbox(f.db)
	require.NoError(t, outbox.Append(ctx, "order-1", events.TypeOrderCreated, map[string]string{"order_id": "order-1"}))
	require.NoError(t, outbox.Append(ctx, "order-1", events.TypeOrderConfirmed, map[string]string{"order_id": "order-1"}))

	n, err := f.scheduler.RunOnce(ctx, PublishOutbox)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderConfirmed}, pub.got)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Published))
}

func TestRunOnceUnknownJob(t *testing.T) {
	s := NewScheduler(logger.Discard(), nil)
	_, err := s.RunOnce(context.Background(), "nope")
	assert.Error(t, err)
}

func TestFailingAndPanickingJobsAreContained(t *testing.T) {
	m := metrics.New("jobs_test")
	s := NewScheduler(logger.Discard(), m)
	s.Add(Job{Name: "boom", Run: func(context.Context) (int, error) { panic("kaboom") }})
	s.Add(Job{Name: "fail", Run: func(context.Context) (int, error) { return 0, errors.New("db down") }})

	_, err := s.RunOnce(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	_, err = s.RunOnce(context.Background(), "fail")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("boom", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("fail", "failed")))
}

func TestStartRunsJobsUntilCancelled(t *testing.T) {
	s := NewScheduler(logger.Discard(), nil)
	var runs atomic.Int32
	s.Add(Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	}})
	s.Add(Job{Name: "manual", Run: func(context.Context) (int, error) {
		t.Error("jobs without an interval must not be scheduled")
		return 0, nil
	}})
	assert.Equal(t, []string{"tick", "manual"}, s.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
