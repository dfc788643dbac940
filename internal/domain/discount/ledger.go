// internal/domain/discount/ledger.go
package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger owns coupon capacity. Every counter write is a single conditional
// UPDATE so concurrent checkouts cannot oversubscribe a code; Redemption rows
// are the permanent record of consumption.
type Ledger struct {
	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

// Result describes the outcome of a ledger call. AlreadyDone marks an
// idempotent repeat that changed nothing.
type Result struct {
	Reservation *Reservation `json:"reservation,omitempty"`
	Redemption  *Redemption  `json:"redemption,omitempty"`
	AlreadyDone bool         `json:"already_done"`
}

// NewLedger creates a new discount ledger
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

// FindCoupon loads a coupon by code. Unknown codes yield COUPON_INVALID.
func (l *Ledger) FindCoupon(ctx context.Context, code string) (*Coupon, error) {
	return l.findCoupon(l.db.WithContext(ctx), NormalizeCode(code))
}

// UserUsageCount returns how many times the user has redeemed the code
func (l *Ledger) UserUsageCount(ctx context.Context, code string, userID uint) (int, error) {
	var usage UserUsage
	err := l.db.WithContext(ctx).Where("code = ? AND user_id = ?", NormalizeCode(code), userID).First(&usage).Error
	if dbutil.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load coupon usage: %w", err)
	}
	return usage.UsedCount, nil
}

// Reserve holds one unit of the code's capacity for orderID until ttl elapses.
// Repeating the call for the same order returns the existing hold.
func (l *Ledger) Reserve(ctx context.Context, code, orderID string, userID *uint, ttl time.Duration) (*Result, error) {
	code = NormalizeCode(code)
	db := l.db.WithContext(ctx)
	now := l.now()

	coupon, err := l.liveCoupon(db, code, now)
	if err != nil {
		return nil, err
	}

	redeemed, err := l.isRedeemed(db, code, orderID)
	if err != nil {
		return nil, err
	}
	if redeemed {
		return &Result{AlreadyDone: true}, nil
	}

	var existing Reservation
	err = db.Where("code = ? AND order_id = ?", code, orderID).First(&existing).Error
	if err == nil && existing.Status != ReservationReleased {
		return &Result{Reservation: &existing, AlreadyDone: true}, nil
	}
	if err != nil && !dbutil.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load discount reservation: %w", err)
	}
	var previous *Reservation
	if err == nil {
		previous = &existing
	}

	if err := l.checkUserLimit(db, coupon, orderID, userID, now); err != nil {
		return nil, err
	}

	res := db.Model(&Coupon{}).
		Where("id = ? AND (max_uses_total = 0 OR used_count + reserved_count < max_uses_total)", coupon.ID).
		UpdateColumn("reserved_count", gorm.Expr("reserved_count + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reserve coupon capacity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.Newf(apperrors.CodeCouponLimitReached, "coupon %s has no remaining uses", code).
			WithDetail("code", code)
	}

	hold, err := l.storeHold(db, previous, code, orderID, userID, now.Add(ttl))
	if err != nil {
		l.decrementReserved(db, code)
		if dbutil.IsUniqueViolation(err) {
			var winner Reservation
			if findErr := db.Where("code = ? AND order_id = ?", code, orderID).First(&winner).Error; findErr == nil {
				return &Result{Reservation: &winner, AlreadyDone: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to store discount reservation: %w", err)
	}

	return &Result{Reservation: hold}, nil
}

// Release gives an active hold's capacity back. Holds that are already
// released or consumed are left alone.
func (l *Ledger) Release(ctx context.Context, code, orderID string) (*Result, error) {
	code = NormalizeCode(code)
	db := l.db.WithContext(ctx)

	released, err := l.releaseHold(db, db.Where("code = ? AND order_id = ?", code, orderID), code)
	if err != nil {
		return nil, err
	}
	return &Result{AlreadyDone: !released}, nil
}

// Consume turns an active hold into a permanent redemption. It never creates a
// redemption without a hold; use ConsumeDirect for flows that skip Reserve.
func (l *Ledger) Consume(ctx context.Context, code, orderID string, userID *uint) (*Result, error) {
	code = NormalizeCode(code)
	db := l.db.WithContext(ctx)
	now := l.now()

	redeemed, err := l.isRedeemed(db, code, orderID)
	if err != nil {
		return nil, err
	}
	if redeemed {
		if err := l.settleHold(db, code, orderID, now); err != nil {
			return nil, err
		}
		return &Result{AlreadyDone: true}, nil
	}

	var hold Reservation
	err = db.Where("code = ? AND order_id = ?", code, orderID).First(&hold).Error
	if dbutil.IsNotFound(err) || (err == nil && hold.Status == ReservationReleased) {
		return nil, apperrors.Newf(apperrors.CodeReservationNotFound, "no active reservation of %s for order %s", code, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load discount reservation: %w", err)
	}
	if hold.Status == ReservationConsumed {
		return &Result{Reservation: &hold, AlreadyDone: true}, nil
	}

	coupon, err := l.findCoupon(db, code)
	if err != nil {
		return nil, err
	}

	counted, err := l.incrementUserUsage(db, coupon, userID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeCouponUserLimitReached) {
			if done, _ := l.isRedeemed(db, code, orderID); done {
				return &Result{AlreadyDone: true}, nil
			}
		}
		return nil, err
	}

	redemption, err := l.insertRedemption(db, code, orderID, userID)
	if err != nil {
		if counted {
			l.decrementUserUsage(db, code, *userID)
		}
		if dbutil.IsUniqueViolation(err) {
			if err := l.settleHold(db, code, orderID, now); err != nil {
				return nil, err
			}
			return &Result{AlreadyDone: true}, nil
		}
		return nil, fmt.Errorf("failed to record redemption: %w", err)
	}

	if err := l.settleHold(db, code, orderID, now); err != nil {
		return nil, err
	}

	hold.Status = ReservationConsumed
	return &Result{Reservation: &hold, Redemption: redemption}, nil
}

// ConsumeDirect redeems a code without a prior hold, enforcing the global and
// per-user limits itself. Used by the pay-on-delivery path.
func (l *Ledger) ConsumeDirect(ctx context.Context, code, orderID string, userID *uint) (*Result, error) {
	code = NormalizeCode(code)
	db := l.db.WithContext(ctx)
	now := l.now()

	redeemed, err := l.isRedeemed(db, code, orderID)
	if err != nil {
		return nil, err
	}
	if redeemed {
		return &Result{AlreadyDone: true}, nil
	}

	coupon, err := l.liveCoupon(db, code, now)
	if err != nil {
		return nil, err
	}

	res := db.Model(&Coupon{}).
		Where("id = ? AND (max_uses_total = 0 OR used_count + reserved_count < max_uses_total)", coupon.ID).
		UpdateColumn("used_count", gorm.Expr("used_count + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("failed to consume coupon capacity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.Newf(apperrors.CodeCouponLimitReached, "coupon %s has no remaining uses", code).
			WithDetail("code", code)
	}

	counted, err := l.incrementUserUsage(db, coupon, userID)
	if err != nil {
		l.decrementUsed(db, code)
		if done, _ := l.isRedeemed(db, code, orderID); done {
			return &Result{AlreadyDone: true}, nil
		}
		return nil, err
	}

	redemption, err := l.insertRedemption(db, code, orderID, userID)
	if err != nil {
		l.decrementUsed(db, code)
		if counted {
			l.decrementUserUsage(db, code, *userID)
		}
		if dbutil.IsUniqueViolation(err) {
			return &Result{AlreadyDone: true}, nil
		}
		return nil, fmt.Errorf("failed to record redemption: %w", err)
	}

	return &Result{Redemption: redemption}, nil
}

// SweepExpired releases up to limit active holds whose expiry is at or before now
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	db := l.db.WithContext(ctx)

	var holds []Reservation
	err := db.Where("status = ? AND expires_at <= ?", ReservationActive, now).
		Order("expires_at").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load expired discount reservations: %w", err)
	}

	swept := 0
	for _, h := range holds {
		released, err := l.releaseHold(db, db.Where("id = ? AND expires_at <= ?", h.ID, now), h.Code)
		if err != nil {
			l.log.WithError(err).WithField("order_id", h.OrderID).Error("Failed to sweep discount reservation")
			continue
		}
		if released {
			swept++
		}
	}
	return swept, nil
}

// Redeemed reports whether the order has a redemption of the code
func (l *Ledger) Redeemed(ctx context.Context, code, orderID string) (bool, error) {
	return l.isRedeemed(l.db.WithContext(ctx), NormalizeCode(code), orderID)
}

func (l *Ledger) findCoupon(db *gorm.DB, code string) (*Coupon, error) {
	var coupon Coupon
	err := db.Where("code = ?", code).First(&coupon).Error
	if dbutil.IsNotFound(err) {
		return nil, apperrors.Newf(apperrors.CodeCouponInvalid, "coupon %s does not exist", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load coupon: %w", err)
	}
	return &coupon, nil
}

func (l *Ledger) liveCoupon(db *gorm.DB, code string, now time.Time) (*Coupon, error) {
	coupon, err := l.findCoupon(db, code)
	if err != nil {
		return nil, err
	}
	if !coupon.LiveAt(now) {
		return nil, apperrors.Newf(apperrors.CodeCouponInvalid, "coupon %s is not active", code)
	}
	return coupon, nil
}

func (l *Ledger) isRedeemed(db *gorm.DB, code, orderID string) (bool, error) {
	var count int64
	if err := db.Model(&Redemption{}).Where("code = ? AND order_id = ?", code, orderID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check redemption: %w", err)
	}
	return count > 0, nil
}

// checkUserLimit counts past redemptions plus this user's other live holds
func (l *Ledger) checkUserLimit(db *gorm.DB, coupon *Coupon, orderID string, userID *uint, now time.Time) error {
	if userID == nil || coupon.MaxUsesPerUser == 0 {
		return nil
	}

	var usage UserUsage
	err := db.Where("code = ? AND user_id = ?", coupon.Code, *userID).First(&usage).Error
	if err != nil && !dbutil.IsNotFound(err) {
		return fmt.Errorf("failed to load coupon usage: %w", err)
	}

	var holds int64
	err = db.Model(&Reservation{}).
		Where("code = ? AND user_id = ? AND order_id <> ? AND status = ? AND expires_at > ?",
			coupon.Code, *userID, orderID, ReservationActive, now).
		Count(&holds).Error
	if err != nil {
		return fmt.Errorf("failed to count coupon holds: %w", err)
	}

	if usage.UsedCount+int(holds) >= coupon.MaxUsesPerUser {
		return apperrors.Newf(apperrors.CodeCouponUserLimitReached, "coupon %s already used the maximum number of times", coupon.Code).
			WithDetail("code", coupon.Code)
	}
	return nil
}

func (l *Ledger) storeHold(db *gorm.DB, previous *Reservation, code, orderID string, userID *uint, expiresAt time.Time) (*Reservation, error) {
	if previous != nil {
		res := db.Model(&Reservation{}).
			Where("id = ? AND status = ?", previous.ID, ReservationReleased).
			Updates(map[string]interface{}{
				"status":      ReservationActive,
				"user_id":     userID,
				"expires_at":  expiresAt,
				"released_at": nil,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("discount reservation for order %s changed concurrently", orderID)
		}
		previous.Status = ReservationActive
		previous.UserID = userID
		previous.ExpiresAt = expiresAt
		previous.ReleasedAt = nil
		return previous, nil
	}

	hold := &Reservation{
		Code:      code,
		OrderID:   orderID,
		UserID:    userID,
		Status:    ReservationActive,
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

// releaseHold flips matching active holds to released and returns the capacity.
// Only the caller that wins the flip decrements the counter.
func (l *Ledger) releaseHold(db, scope *gorm.DB, code string) (bool, error) {
	res := scope.Model(&Reservation{}).
		Where("status = ?", ReservationActive).
		Updates(map[string]interface{}{
			"status":      ReservationReleased,
			"released_at": l.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to release discount reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	l.decrementReserved(db, code)
	return true, nil
}

// settleHold marks the order's hold consumed and moves one unit from reserved to
// used. A hold swept between lookup and redemption still counts as a use.
func (l *Ledger) settleHold(db *gorm.DB, code, orderID string, now time.Time) error {
	flip := func(from ReservationStatus) (bool, error) {
		res := db.Model(&Reservation{}).
			Where("code = ? AND order_id = ? AND status = ?", code, orderID, from).
			Updates(map[string]interface{}{
				"status":      ReservationConsumed,
				"consumed_at": now,
			})
		return res.RowsAffected > 0, res.Error
	}

	flipped, err := flip(ReservationActive)
	if err != nil {
		return fmt.Errorf("failed to settle discount reservation: %w", err)
	}
	if flipped {
		err = db.Model(&Coupon{}).Where("code = ?", code).UpdateColumns(map[string]interface{}{
			"reserved_count": gorm.Expr("CASE WHEN reserved_count > 0 THEN reserved_count - 1 ELSE 0 END"),
			"used_count":     gorm.Expr("used_count + 1"),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to move coupon counters: %w", err)
		}
		return nil
	}

	flipped, err = flip(ReservationReleased)
	if err != nil {
		return fmt.Errorf("failed to settle discount reservation: %w", err)
	}
	if flipped {
		if err := db.Model(&Coupon{}).Where("code = ?", code).
			UpdateColumn("used_count", gorm.Expr("used_count + 1")).Error; err != nil {
			return fmt.Errorf("failed to count coupon use: %w", err)
		}
	}
	return nil
}

func (l *Ledger) incrementUserUsage(db *gorm.DB, coupon *Coupon, userID *uint) (bool, error) {
	if userID == nil {
		return false, nil
	}

	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserUsage{Code: coupon.Code, UserID: *userID}).Error
	if err != nil {
		return false, fmt.Errorf("failed to initialise coupon usage: %w", err)
	}

	q := db.Model(&UserUsage{}).Where("code = ? AND user_id = ?", coupon.Code, *userID)
	if coupon.MaxUsesPerUser > 0 {
		q = q.Where("used_count < ?", coupon.MaxUsesPerUser)
	}
	res := q.UpdateColumn("used_count", gorm.Expr("used_count + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("failed to count coupon usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, apperrors.Newf(apperrors.CodeCouponUserLimitReached, "coupon %s already used the maximum number of times", coupon.Code).
			WithDetail("code", coupon.Code)
	}
	return true, nil
}

func (l *Ledger) insertRedemption(db *gorm.DB, code, orderID string, userID *uint) (*Redemption, error) {
	redemption := &Redemption{Code: code, OrderID: orderID, UserID: userID}
	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(redemption).Error
	})
	if err != nil {
		return nil, err
	}
	return redemption, nil
}

func (l *Ledger) decrementReserved(db *gorm.DB, code string) {
	err := db.Model(&Coupon{}).Where("code = ? AND reserved_count > 0", code).
		UpdateColumn("reserved_count", gorm.Expr("reserved_count - 1")).Error
	if err != nil {
		l.log.WithError(err).WithField("code", code).Error("Failed to return reserved coupon capacity")
	}
}

func (l *Ledger) decrementUsed(db *gorm.DB, code string) {
	err := db.Model(&Coupon{}).Where("code = ? AND used_count > 0", code).
		UpdateColumn("used_count", gorm.Expr("used_count - 1")).Error
	if err != nil {
		l.log.WithError(err).WithField("code", code).Error("Failed to roll back coupon use")
	}
}

func (l *Ledger) decrementUserUsage(db *gorm.DB, code string, userID uint) {
	err := db.Model(&UserUsage{}).Where("code = ? AND user_id = ? AND used_count > 0", code, userID).
		UpdateColumn("used_count", gorm.Expr("used_count - 1")).Error
	if err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{"code": code, "user_id": userID}).Error("Failed to roll back per-user coupon usage")
	}
}
