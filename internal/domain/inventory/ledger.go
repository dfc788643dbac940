// internal/domain/inventory/ledger.go
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/domain/catalog"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"gorm.io/gorm"
)

// OrderScopes selects order ids for use as subqueries. The queries must
// target the ledger's database.
type OrderScopes interface {
	// OpenOrderIDs selects orders that still own their stock
	OpenOrderIDs() *gorm.DB
	// ClosedOrderIDs selects cancelled or refunded orders
	ClosedOrderIDs() *gorm.DB
}

// Ledger owns the stock column of products and variants. Every decrement is a
// single conditional UPDATE; there is no in-process lock.
type Ledger struct {
	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

// Result describes the outcome of a ledger call. AlreadyDone marks an
// idempotent repeat.
type Result struct {
	Reservation *Reservation `json:"reservation,omitempty"`
	AlreadyDone bool         `json:"already_done"`
}

// NewLedger creates a new inventory reservation ledger
func NewLedger(db *gorm.DB, log logrus.FieldLogger) *Ledger {
	return &Ledger{db: db, log: log, now: dbutil.UTCNow}
}

// WithDB returns a copy of the ledger bound to db, typically an open transaction
func (l *Ledger) WithDB(db *gorm.DB) *Ledger {
	cp := *l
	cp.db = db
	return &cp
}

// WithClock returns a copy of the ledger that reads time from now
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	cp := *l
	cp.now = now
	return &cp
}

// Find returns the reservation for an order
func (l *Ledger) Find(ctx context.Context, orderID string) (*Reservation, error) {
	var r Reservation
	err := l.db.WithContext(ctx).Where("order_id = ?", orderID).First(&r).Error
	if dbutil.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.CodeReservationNotFound, "no stock reservation for order %s", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stock reservation: %w", err)
	}
	return &r, nil
}

// Reserve takes stock for every item and records one hold for the order. A live
// hold for the same order is extended instead of duplicated; an expired one is
// released first. On any shortage every decrement made by this call is undone
// before OUT_OF_STOCK is returned.
func (l *Ledger) Reserve(ctx context.Context, orderID string, items []Item, ttl time.Duration) (*Result, error) {
	db := l.db.WithContext(ctx)
	now := l.now()

	merged := mergeItems(items)
	if len(merged) == 0 {
		return nil, apperrors.New(apperrors.CodeEmptyCart, "nothing to reserve")
	}

	var existing Reservation
	err := db.Where("order_id = ?", orderID).First(&existing).Error
	if err != nil && !dbutil.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load stock reservation: %w", err)
	}
	found := err == nil

	if found {
		switch existing.Status {
		case StatusConfirmed:
			return &Result{Reservation: &existing, AlreadyDone: true}, nil
		case StatusReserved:
			if existing.ExpiresAt.After(now) {
				expiresAt := now.Add(ttl)
				res := db.Model(&Reservation{}).
					Where("id = ? AND status = ?", existing.ID, StatusReserved).
					Update("expires_at", expiresAt)
				if res.Error != nil {
					return nil, fmt.Errorf("failed to extend stock reservation: %w", res.Error)
				}
				if res.RowsAffected == 1 {
					existing.ExpiresAt = expiresAt
					return &Result{Reservation: &existing, AlreadyDone: true}, nil
				}
				return nil, fmt.Errorf("stock reservation for order %s changed concurrently", orderID)
			}
			if _, err := l.releaseHold(db, &existing, StatusReserved, StatusExpired, ReasonExpired, true); err != nil {
				return nil, err
			}
			existing.Status = StatusExpired
		}
	}

	taken, err := l.decrement(db, orderID, merged)
	if err != nil {
		return nil, err
	}

	hold, err := l.storeHold(db, found, &existing, orderID, taken, now.Add(ttl))
	if err != nil {
		l.restock(db, orderID, taken, ReasonCompensation)
		if dbutil.IsUniqueViolation(err) {
			var winner Reservation
			if findErr := db.Where("order_id = ?", orderID).First(&winner).Error; findErr == nil {
				return &Result{Reservation: &winner, AlreadyDone: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to store stock reservation: %w", err)
	}

	l.recordMovements(db, orderID, taken, MovementTypeOutbound, ReasonReservation)
	return &Result{Reservation: hold}, nil
}

// Confirm marks a live hold as confirmed. Stock is not touched again.
func (l *Ledger) Confirm(ctx context.Context, orderID string) (*Result, error) {
	db := l.db.WithContext(ctx)
	now := l.now()

	r, err := l.WithDB(db).Find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusConfirmed {
		return &Result{Reservation: r, AlreadyDone: true}, nil
	}
	if err := inactiveError(r, now); err != nil {
		return nil, err
	}

	res := db.Model(&Reservation{}).
		Where("id = ? AND status = ? AND expires_at > ?", r.ID, StatusReserved, now).
		Updates(map[string]interface{}{
			"status":       StatusConfirmed,
			"confirmed_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to confirm stock reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		current, err := l.WithDB(db).Find(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusConfirmed {
			return &Result{Reservation: current, AlreadyDone: true}, nil
		}
		if err := inactiveError(current, now); err != nil {
			return nil, err
		}
		return nil, apperrors.Newf(apperrors.CodeReservationNotActive, "stock reservation for order %s changed concurrently", orderID)
	}

	r.Status = StatusConfirmed
	r.ConfirmedAt = &now
	return &Result{Reservation: r}, nil
}

func inactiveError(r *Reservation, now time.Time) error {
	switch {
	case r.Status == StatusExpired:
		return apperrors.Newf(apperrors.CodeReservationExpired, "stock reservation for order %s has expired", r.OrderID)
	case r.Status != StatusReserved:
		return apperrors.Newf(apperrors.CodeReservationNotActive, "stock reservation for order %s is %s", r.OrderID, r.Status)
	case !r.ExpiresAt.After(now):
		return apperrors.Newf(apperrors.CodeReservationExpired, "stock reservation for order %s has expired", r.OrderID)
	}
	return nil
}

// Release gives a held reservation's stock back. Missing, released and
// expired holds are no-ops; confirmed holds must go through RestockConfirmed.
func (l *Ledger) Release(ctx context.Context, orderID string) (*Result, error) {
	return l.release(ctx, orderID, ReasonReleased)
}

func (l *Ledger) release(ctx context.Context, orderID string, reason MovementReason) (*Result, error) {
	db := l.db.WithContext(ctx)

	var r Reservation
	err := db.Where("order_id = ?", orderID).First(&r).Error
	if dbutil.IsNotFound(err) {
		return &Result{AlreadyDone: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stock reservation: %w", err)
	}

	switch r.Status {
	case StatusReleased, StatusExpired:
		return &Result{Reservation: &r, AlreadyDone: true}, nil
	case StatusConfirmed:
		return nil, apperrors.Newf(apperrors.CodeReservationNotActive, "stock reservation for order %s is already confirmed", orderID)
	}

	released, err := l.releaseHold(db, &r, StatusReserved, StatusReleased, reason, true)
	if err != nil {
		return nil, err
	}
	return &Result{Reservation: &r, AlreadyDone: !released}, nil
}

// RestockConfirmed returns the stock of a confirmed hold, for orders cancelled
// before shipping. The hold becomes released with the given reason.
func (l *Ledger) RestockConfirmed(ctx context.Context, orderID string, reason MovementReason) (*Result, error) {
	db := l.db.WithContext(ctx)

	r, err := l.WithDB(db).Find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusReleased, StatusExpired:
		return &Result{Reservation: r, AlreadyDone: true}, nil
	case StatusReserved:
		return nil, apperrors.Newf(apperrors.CodeReservationNotActive, "stock reservation for order %s is not confirmed", orderID)
	}

	released, err := l.releaseHold(db, r, StatusConfirmed, StatusReleased, reason, true)
	if err != nil {
		return nil, err
	}
	return &Result{Reservation: r, AlreadyDone: !released}, nil
}

// Cancel returns the order's stock whether the hold is reserved or confirmed
func (l *Ledger) Cancel(ctx context.Context, orderID string, reason MovementReason) (*Result, error) {
	res, err := l.release(ctx, orderID, reason)
	if apperrors.HasCode(err, apperrors.CodeReservationNotActive) {
		return l.RestockConfirmed(ctx, orderID, reason)
	}
	return res, err
}

// SweepExpired moves up to limit holds whose expiry is at or before now to
// expired and restores their stock
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	db := l.db.WithContext(ctx)

	var holds []Reservation
	err := db.Where("status = ? AND expires_at <= ?", StatusReserved, now).
		Order("expires_at").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load expired stock reservations: %w", err)
	}

	swept := 0
	for i := range holds {
		ok, err := l.releaseHold(db, &holds[i], StatusReserved, StatusExpired, ReasonExpired, true)
		if err != nil {
			l.log.WithError(err).WithField("order_id", holds[i].OrderID).Error("Failed to sweep stock reservation")
			continue
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}

// RepairOrphaned releases held reservations older than grace whose order does
// not exist or was cancelled, which happens when a compensation step failed
func (l *Ledger) RepairOrphaned(ctx context.Context, now time.Time, grace time.Duration, limit int, orders OrderScopes) (int, error) {
	db := l.db.WithContext(ctx)

	var holds []Reservation
	err := db.Where("status = ? AND created_at <= ?", StatusReserved, now.Add(-grace)).
		Where("order_id NOT IN (?)", orders.OpenOrderIDs()).
		Order("created_at").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load orphaned stock reservations: %w", err)
	}

	repaired := 0
	for i := range holds {
		ok, err := l.releaseHold(db, &holds[i], StatusReserved, StatusReleased, ReasonOrphaned, true)
		if err != nil {
			l.log.WithError(err).WithField("order_id", holds[i].OrderID).Error("Failed to repair orphaned stock reservation")
			continue
		}
		if ok {
			l.log.WithField("order_id", holds[i].OrderID).Warn("Released orphaned stock reservation")
			repaired++
		}
	}
	return repaired, nil
}

// CleanupStaleConfirmed marks confirmed holds of cancelled or refunded orders as
// released without restocking; the sale consumed that stock.
func (l *Ledger) CleanupStaleConfirmed(ctx context.Context, limit int, orders OrderScopes) (int, error) {
	db := l.db.WithContext(ctx)

	var holds []Reservation
	err := db.Where("status = ?", StatusConfirmed).
		Where("order_id IN (?)", orders.ClosedOrderIDs()).
		Order("confirmed_at").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load stale confirmed stock reservations: %w", err)
	}

	cleaned := 0
	for i := range holds {
		ok, err := l.releaseHold(db, &holds[i], StatusConfirmed, StatusReleased, ReasonStaleConfirmed, false)
		if err != nil {
			l.log.WithError(err).WithField("order_id", holds[i].OrderID).Error("Failed to clean up confirmed stock reservation")
			continue
		}
		if ok {
			cleaned++
		}
	}
	return cleaned, nil
}

// decrement takes stock for each item in order. Untracked products are
// recorded but not touched; backorder products may go negative.
func (l *Ledger) decrement(db *gorm.DB, orderID string, items Items) (Items, error) {
	products, err := l.loadProducts(db, items)
	if err != nil {
		return nil, err
	}

	taken := make(Items, 0, len(items))
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok {
			l.restock(db, orderID, taken, ReasonCompensation)
			return nil, apperrors.Newf(apperrors.CodeProductUnavailable, "product %d is not available", it.ProductID).
				WithDetail("product_id", it.ProductID)
		}
		if !p.TrackQuantity {
			taken = append(taken, it)
			continue
		}

		q := stockRow(db, it)
		if !p.AllowBackorder {
			q = q.Where("stock >= ?", it.Quantity)
		}
		res := q.UpdateColumn("stock", gorm.Expr("stock - ?", it.Quantity))
		if res.Error != nil {
			l.restock(db, orderID, taken, ReasonCompensation)
			return nil, fmt.Errorf("failed to decrement stock: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			l.restock(db, orderID, taken, ReasonCompensation)
			return nil, l.shortage(db, it)
		}

		it.Decremented = true
		taken = append(taken, it)
	}
	return taken, nil
}

func (l *Ledger) shortage(db *gorm.DB, it Item) error {
	var stock []int
	if err := stockRow(db, it).Pluck("stock", &stock).Error; err != nil {
		l.log.WithError(err).WithField("product_id", it.ProductID).Warn("Could not read stock after shortage")
	}
	available := 0
	if len(stock) > 0 && stock[0] > 0 {
		available = stock[0]
	}
	line := map[string]interface{}{
		"product_id": it.ProductID,
		"requested":  it.Quantity,
		"available":  available,
	}
	if it.VariantID != nil {
		line["variant_id"] = *it.VariantID
	}
	return apperrors.Newf(apperrors.CodeOutOfStock, "only %d of product %d available, %d requested", available, it.ProductID, it.Quantity).
		WithDetail("lines", []map[string]interface{}{line})
}

// restock returns stock for every decremented item. Failures are logged and the
// first one is returned after all items were attempted.
func (l *Ledger) restock(db *gorm.DB, orderID string, items Items, reason MovementReason) error {
	var firstErr error
	for _, it := range items {
		if !it.Decremented {
			continue
		}
		err := stockRow(db, it).UpdateColumn("stock", gorm.Expr("stock + ?", it.Quantity)).Error
		if err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{
				"order_id":   orderID,
				"product_id": it.ProductID,
				"quantity":   it.Quantity,
			}).Error("Failed to restock item")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to restock product %d: %w", it.ProductID, err)
			}
		}
	}
	if reason != ReasonCompensation {
		l.recordMovements(db, orderID, items, MovementTypeInbound, reason)
	}
	return firstErr
}

// releaseHold flips a hold from one status to another. Only the caller that wins
// the flip restocks, which makes the restock exactly-once.
func (l *Ledger) releaseHold(db *gorm.DB, r *Reservation, from, to ReservationStatus, reason MovementReason, restock bool) (bool, error) {
	now := l.now()
	res := db.Model(&Reservation{}).
		Where("id = ? AND status = ?", r.ID, from).
		Updates(map[string]interface{}{
			"status":         to,
			"released_at":    now,
			"release_reason": reason,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to release stock reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	r.Status = to
	r.ReleasedAt = &now
	r.ReleaseReason = reason
	if restock {
		if err := l.restock(db, r.OrderID, r.Items, reason); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (l *Ledger) storeHold(db *gorm.DB, found bool, previous *Reservation, orderID string, items Items, expiresAt time.Time) (*Reservation, error) {
	if found {
		res := db.Model(&Reservation{}).
			Where("id = ? AND status IN ?", previous.ID, []ReservationStatus{StatusReleased, StatusExpired}).
			Updates(map[string]interface{}{
				"items":          items,
				"status":         StatusReserved,
				"expires_at":     expiresAt,
				"confirmed_at":   nil,
				"released_at":    nil,
				"release_reason": "",
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("stock reservation for order %s changed concurrently", orderID)
		}
		previous.Items = items
		previous.Status = StatusReserved
		previous.ExpiresAt = expiresAt
		previous.ConfirmedAt = nil
		previous.ReleasedAt = nil
		previous.ReleaseReason = ""
		return previous, nil
	}

	hold := &Reservation{
		OrderID:   orderID,
		Items:     items,
		Status:    StatusReserved,
		ExpiresAt: expiresAt,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(hold).Error
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

func (l *Ledger) loadProducts(db *gorm.DB, items Items) (map[uint]*catalog.Product, error) {
	ids := make([]uint, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	var products []catalog.Product
	if err := db.Where("id IN ?", ids).Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	out := make(map[uint]*catalog.Product, len(products))
	for i := range products {
		out[products[i].ID] = &products[i]
	}
	return out, nil
}

// stockRow scopes a query to the row that carries the item's stock
func stockRow(db *gorm.DB, it Item) *gorm.DB {
	if it.VariantID != nil {
		return db.Model(&catalog.ProductVariant{}).Where("id = ? AND product_id = ?", *it.VariantID, it.ProductID)
	}
	return db.Model(&catalog.Product{}).Where("id = ?", it.ProductID)
}

func (l *Ledger) recordMovements(db *gorm.DB, orderID string, items Items, kind MovementType, reason MovementReason) {
	var rows []StockMovement
	for _, it := range items {
		if !it.Decremented {
			continue
		}
		rows = append(rows, StockMovement{
			ProductID:    it.ProductID,
			VariantID:    it.VariantID,
			OrderID:      orderID,
			MovementType: kind,
			Reason:       reason,
			Quantity:     it.Quantity,
		})
	}
	if len(rows) == 0 {
		return
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		l.log.WithError(err).WithField("order_id", orderID).Warn("Failed to record stock movements")
	}
}
