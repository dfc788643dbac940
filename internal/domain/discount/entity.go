// internal/domain/discount/entity.go
package discount

import (
	"strings"
	"time"

	"github.com/your-org/checkout-engine/internal/pkg/money"
)

// CouponType represents how a coupon value is interpreted
type CouponType string

const (
	CouponTypePercentage CouponType = "percentage" // value in basis points
	CouponTypeFixed      CouponType = "fixed"      // value in minor units
)

// Coupon is a limited-use discount code. UsedCount and ReservedCount are the
// shared counters; only the Ledger writes them.
type Coupon struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Code              string     `gorm:"uniqueIndex;not null;size:50" json:"code"`
	Description       string     `gorm:"size:255" json:"description"`
	Type              CouponType `gorm:"not null;size:20" json:"type"`
	Value             int64      `gorm:"not null" json:"value"`
	MinOrderAmount    int64      `json:"min_order_amount"`
	MaxDiscountAmount int64      `json:"max_discount_amount"`
	StartsAt          *time.Time `json:"starts_at,omitempty"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
	IsActive          bool       `json:"is_active"`
	MaxUsesTotal      int        `json:"max_uses_total"`    // 0 = unlimited
	MaxUsesPerUser    int        `json:"max_uses_per_user"` // 0 = unlimited
	UsedCount         int        `gorm:"not null" json:"used_count"`
	ReservedCount     int        `gorm:"not null" json:"reserved_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ReservationStatus represents the lifecycle of a coupon hold
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
)

// Reservation holds one unit of a coupon's capacity for one order until it is
// consumed, released or swept after ExpiresAt.
type Reservation struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	Code       string            `gorm:"not null;size:50;uniqueIndex:idx_discount_reservation_code_order" json:"code"`
	OrderID    string            `gorm:"not null;size:64;uniqueIndex:idx_discount_reservation_code_order" json:"order_id"`
	UserID     *uint             `gorm:"index" json:"user_id,omitempty"`
	Status     ReservationStatus `gorm:"not null;size:20;index" json:"status"`
	ExpiresAt  time.Time         `gorm:"not null;index" json:"expires_at"`
	ConsumedAt *time.Time        `json:"consumed_at,omitempty"`
	ReleasedAt *time.Time        `json:"released_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Redemption is the permanent proof that a code was used by an order. Rows are
// never updated or deleted; the unique index is the idempotency guard.
type Redemption struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"not null;size:50;uniqueIndex:idx_discount_redemption_code_order" json:"code"`
	OrderID   string    `gorm:"not null;size:64;uniqueIndex:idx_discount_redemption_code_order" json:"order_id"`
	UserID    *uint     `gorm:"index" json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserUsage counts redemptions of a code by one user
type UserUsage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"not null;size:50;uniqueIndex:idx_coupon_usage_code_user" json:"code"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_coupon_usage_code_user" json:"user_id"`
	UsedCount int       `gorm:"not null" json:"used_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides
func (Coupon) TableName() string      { return "coupons" }
func (Reservation) TableName() string { return "discount_reservations" }
func (Redemption) TableName() string  { return "discount_redemptions" }
func (UserUsage) TableName() string   { return "coupon_user_usages" }

// NormalizeCode canonicalises a code as typed by a customer
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LiveAt reports whether the coupon is enabled and inside its date window
func (c *Coupon) LiveAt(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && !now.Before(*c.EndsAt) {
		return false
	}
	return true
}

// HasCapacity reports whether the shared counters allow another hold or use
func (c *Coupon) HasCapacity() bool {
	return c.MaxUsesTotal == 0 || c.UsedCount+c.ReservedCount < c.MaxUsesTotal
}

// DiscountFor computes the discount against a subtotal, honouring the minimum
// order amount and the optional cap. It never exceeds the subtotal.
func (c *Coupon) DiscountFor(subtotal int64) int64 {
	if subtotal <= 0 || subtotal < c.MinOrderAmount {
		return 0
	}
	var amount int64
	switch c.Type {
	case CouponTypePercentage:
		amount = money.PercentOf(subtotal, c.Value)
	case CouponTypeFixed:
		amount = c.Value
	}
	if c.MaxDiscountAmount > 0 && amount > c.MaxDiscountAmount {
		amount = c.MaxDiscountAmount
	}
	return money.Min(money.NonNegative(amount), subtotal)
}
