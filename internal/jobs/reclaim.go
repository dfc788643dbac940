// internal/jobs/reclaim.go
package jobs

import (
	"context"
	"time"

	"github.com/your-org/checkout-engine/internal/config"
	"github.com/your-org/checkout-engine/internal/domain/discount"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
)

// Job names
const (
	SweepInventory   = "sweep_inventory"
	SweepDiscounts   = "sweep_discounts"
	RepairOrphans    = "repair_orphans"
	CleanupConfirmed = "cleanup_confirmed"
	PublishOutbox    = "publish_outbox"
)

// Reclaimer returns capacity held by abandoned checkouts
type Reclaimer struct {
	inventory *inventory.Ledger
	discounts *discount.Ledger
	orders    inventory.OrderScopes
	cfg       config.JobsConfig
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewReclaimer creates a new reclaimer. m may be nil.
func NewReclaimer(inv *inventory.Ledger, disc *discount.Ledger, orders inventory.OrderScopes, cfg config.JobsConfig, m *metrics.Metrics) *Reclaimer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reclaimer{inventory: inv, discounts: disc, orders: orders, cfg: cfg, metrics: m, now: dbutil.UTCNow}
}

// WithClock returns a copy of the reclaimer that reads time from now
func (r *Reclaimer) WithClock(now func() time.Time) *Reclaimer {
	cp := *r
	cp.now = now
	return &cp
}

// SweepInventory expires lapsed stock holds and restocks them
func (r *Reclaimer) SweepInventory(ctx context.Context) (int, error) {
	n, err := r.inventory.SweepExpired(ctx, r.now(), r.cfg.BatchSize)
	r.count("stock_expired", n)
	return n, err
}

// SweepDiscounts releases lapsed discount holds
func (r *Reclaimer) SweepDiscounts(ctx context.Context) (int, error) {
	n, err := r.discounts.SweepExpired(ctx, r.now(), r.cfg.BatchSize)
	r.count("discount_expired", n)
	return n, err
}

// RepairOrphans releases stock held for orders that no longer exist
func (r *Reclaimer) RepairOrphans(ctx context.Context) (int, error) {
	n, err := r.inventory.RepairOrphaned(ctx, r.now(), r.cfg.OrphanGrace, r.cfg.BatchSize, r.orders)
	r.count("stock_orphaned", n)
	return n, err
}

// CleanupConfirmed closes confirmed holds of cancelled or refunded orders
func (r *Reclaimer) CleanupConfirmed(ctx context.Context) (int, error) {
	n, err := r.inventory.CleanupStaleConfirmed(ctx, r.cfg.BatchSize, r.orders)
	r.count("stock_stale_confirmed", n)
	return n, err
}

func (r *Reclaimer) count(kind string, n int) {
	if r.metrics != nil && n > 0 {
		r.metrics.Reclaimed.WithLabelValues(kind).Add(float64(n))
	}
}

// Register adds the standard job set to s. poller may be nil when events are
// published elsewhere.
func Register(s *Scheduler, r *Reclaimer, poller *events.Poller, cfg config.JobsConfig, m *metrics.Metrics) {
	s.Add(Job{Name: SweepInventory, Interval: cfg.SweepInterval, Run: r.SweepInventory})
	s.Add(Job{Name: SweepDiscounts, Interval: cfg.SweepInterval, Run: r.SweepDiscounts})
	s.Add(Job{Name: RepairOrphans, Interval: cfg.RepairInterval, Run: r.RepairOrphans})
	s.Add(Job{Name: CleanupConfirmed, Interval: cfg.RepairInterval, Run: r.CleanupConfirmed})

	if poller == nil {
		return
	}
	s.Add(Job{Name: PublishOutbox, Interval: cfg.OutboxInterval, Run: func(ctx context.Context) (int, error) {
		n, err := poller.PublishPending(ctx)
		if m != nil && n > 0 {
			m.Published.Add(float64(n))
		}
		return n, err
	}})
}
