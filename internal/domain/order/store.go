// internal/domain/order/store.go
package order

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists orders. Every write of an existing order goes through Save,
// which recomputes derived amounts and enforces the snapshot lock.
type Store struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// NewStore creates a new order store
func NewStore(db *gorm.DB, log logrus.FieldLogger) *Store {
	return &Store{db: db, log: log}
}

// WithDB returns a copy of the store bound to db, typically an open transaction
func (s *Store) WithDB(db *gorm.DB) *Store {
	cp := *s
	cp.db = db
	return &cp
}

// Create inserts a new order with its items. Derived amounts are recomputed
// first; a duplicate idempotency key surfaces as a unique violation.
func (s *Store) Create(ctx context.Context, o *Order) error {
	fixed, mismatches := RecomputeInvariants(*o)
	if len(mismatches) > 0 {
		s.log.WithFields(logrus.Fields{"order_id": o.ID, "paths": mismatches}).Warn("Order amounts recomputed on create")
	}
	*o = fixed

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(o).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// FindByID loads an order with items and history
func (s *Store) FindByID(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.preloaded(ctx).Where("id = ?", id).First(&o).Error
	if dbutil.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &o, nil
}

// FindByIdempotencyKey returns the order created for (user, path, key)
func (s *Store) FindByIdempotencyKey(ctx context.Context, userID uint, path PaymentPath, key string) (*Order, error) {
	var o Order
	err := s.preloaded(ctx).
		Where("user_id = ? AND payment_path = ? AND idempotency_key = ?", userID, path, key).
		First(&o).Error
	if dbutil.IsNotFound(err) {
		return nil, apperrors.New(apperrors.CodeOrderNotFound, "no order for idempotency key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order by idempotency key: %w", err)
	}
	return &o, nil
}

// FindBySessionID returns the order that owns a payment session
func (s *Store) FindBySessionID(ctx context.Context, sessionID string) (*Order, error) {
	var o Order
	err := s.preloaded(ctx).Where("payment_session_id = ?", sessionID).First(&o).Error
	if dbutil.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "no order for payment session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order by session: %w", err)
	}
	return &o, nil
}

// ListByUser returns a page of a user's orders, newest first
func (s *Store) ListByUser(ctx context.Context, userID uint, page, limit int) ([]Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Model(&Order{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	var orders []Order
	err := query.Session(&gorm.Session{}).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

// Save persists changes to an existing order. Snapshot changes on a committed
// order fail with ORDER_SNAPSHOTS_LOCKED; on an uncommitted one, disagreeing
// derived amounts are overwritten with the recomputed values.
func (s *Store) Save(ctx context.Context, o *Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Order
		err := tx.Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
			Where("id = ?", o.ID).
			First(&stored).Error
		if dbutil.IsNotFound(err) {
			return apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", o.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}

		changed := ChangedPaths(&stored, o)
		if err := AssertNotLocked(stored, changed); err != nil {
			return err
		}

		fixed, mismatches := RecomputeInvariants(*o)
		if len(mismatches) > 0 {
			if stored.FinanciallyCommitted() {
				return apperrors.Newf(apperrors.CodeSnapshotsLocked, "order %s amounts disagree with its snapshot", o.ID).
					WithDetail("paths", mismatches)
			}
			s.log.WithFields(logrus.Fields{"order_id": o.ID, "paths": mismatches}).Warn("Order amounts recomputed on save")
		}

		if err := tx.Omit(clause.Associations).Save(&fixed).Error; err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}

		if itemsChanged(changed) {
			if err := tx.Where("order_id = ?", o.ID).Delete(&OrderItem{}).Error; err != nil {
				return fmt.Errorf("failed to replace order items: %w", err)
			}
			for i := range fixed.Items {
				fixed.Items[i].ID = 0
				fixed.Items[i].OrderID = o.ID
			}
			if len(fixed.Items) > 0 {
				if err := tx.Create(&fixed.Items).Error; err != nil {
					return fmt.Errorf("failed to replace order items: %w", err)
				}
			}
		}

		for i := range fixed.StatusHistory {
			h := &fixed.StatusHistory[i]
			if h.ID != 0 {
				continue
			}
			h.OrderID = o.ID
			if err := tx.Create(h).Error; err != nil {
				return fmt.Errorf("failed to create status history: %w", err)
			}
		}

		*o = fixed
		return nil
	})
}

// Delete removes an order that was never visible outside the service. It is
// the undo step of order creation.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o Order
		if err := tx.Where("id = ?", id).First(&o).Error; err != nil {
			if dbutil.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("failed to load order: %w", err)
		}
		if o.FinanciallyCommitted() {
			return apperrors.Newf(apperrors.CodeSnapshotsLocked, "order %s is committed and cannot be deleted", id)
		}
		if err := tx.Where("order_id = ?", id).Delete(&OrderStatusHistory{}).Error; err != nil {
			return fmt.Errorf("failed to delete order history: %w", err)
		}
		if err := tx.Where("order_id = ?", id).Delete(&OrderItem{}).Error; err != nil {
			return fmt.Errorf("failed to delete order items: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&Order{}).Error; err != nil {
			return fmt.Errorf("failed to delete order: %w", err)
		}
		return nil
	})
}

// closedStatuses are statuses whose stock is settled for good
var closedStatuses = []string{string(OrderStatusCancelled), string(OrderStatusRefunded)}

// OpenOrderIDs selects the ids of orders that are neither cancelled nor
// refunded, for use as a subquery
func (s *Store) OpenOrderIDs() *gorm.DB {
	return s.db.Model(&Order{}).Select("id").Where("status NOT IN ?", closedStatuses)
}

// ClosedOrderIDs selects the ids of cancelled or refunded orders, for use as a subquery
func (s *Store) ClosedOrderIDs() *gorm.DB {
	return s.db.Model(&Order{}).Select("id").Where("status IN ?", closedStatuses)
}

func (s *Store) preloaded(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB { return db.Order("id") })
}
