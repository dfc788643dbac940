// internal/domain/catalog/promotion.go
package catalog

import (
	"time"

	"github.com/your-org/checkout-engine/internal/pkg/money"
)

// DiscountKind distinguishes percentage (basis points) from fixed (minor units) amounts
type DiscountKind string

const (
	DiscountPercent DiscountKind = "percent"
	DiscountFixed   DiscountKind = "fixed"
)

// Campaign is a storewide automatic discount. At most one campaign applies per quote.
type Campaign struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"not null;size:255" json:"name"`
	Kind        DiscountKind `gorm:"not null;size:20" json:"kind"`
	Value       int64        `gorm:"not null" json:"value"`
	Priority    int          `gorm:"not null;index" json:"priority"`
	MinSubtotal int64        `json:"min_subtotal"`
	MaxDiscount int64        `json:"max_discount"`
	StartsAt    *time.Time   `json:"starts_at,omitempty"`
	EndsAt      *time.Time   `json:"ends_at,omitempty"`
	IsActive    bool         `gorm:"index" json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// OfferKind enumerates promotional offers evaluated after the coupon
type OfferKind string

const (
	OfferPercentOff   OfferKind = "percent_off"
	OfferFixedOff     OfferKind = "fixed_off"
	OfferFreeShipping OfferKind = "free_shipping"
	OfferBuyXGetY     OfferKind = "buy_x_get_y"
)

// Offer is a line- or cart-level promotion. ProductID scopes it to one product.
type Offer struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"not null;size:255" json:"name"`
	Kind        OfferKind  `gorm:"not null;size:30" json:"kind"`
	Value       int64      `json:"value"`
	ProductID   *uint      `gorm:"index" json:"product_id,omitempty"`
	BuyQuantity int        `json:"buy_quantity"`
	GetQuantity int        `json:"get_quantity"`
	MinSubtotal int64      `json:"min_subtotal"`
	MaxDiscount int64      `json:"max_discount"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	IsActive    bool       `gorm:"index" json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// GiftRule adds a free line when the cart qualifies. A blocking gift must be
// deliverable for checkout to proceed.
type GiftRule struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Name             string     `gorm:"not null;size:255" json:"name"`
	ProductID        uint       `gorm:"not null;index" json:"product_id"`
	VariantID        *uint      `json:"variant_id,omitempty"`
	Quantity         int        `gorm:"not null" json:"quantity"`
	MinSubtotal      int64      `json:"min_subtotal"`
	TriggerProductID *uint      `json:"trigger_product_id,omitempty"`
	Blocking         bool       `json:"blocking"`
	StartsAt         *time.Time `json:"starts_at,omitempty"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	IsActive         bool       `gorm:"index" json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName overrides
func (Campaign) TableName() string { return "campaigns" }
func (Offer) TableName() string    { return "offers" }
func (GiftRule) TableName() string { return "gift_rules" }

// LiveAt reports whether the campaign can apply at now
func (c *Campaign) LiveAt(now time.Time) bool {
	return c.IsActive && withinWindow(now, c.StartsAt, c.EndsAt)
}

// DiscountFor computes the campaign amount against a merchandise subtotal
func (c *Campaign) DiscountFor(subtotal int64) int64 {
	if subtotal <= 0 || subtotal < c.MinSubtotal {
		return 0
	}
	return capAmount(amountOf(c.Kind, c.Value, subtotal), c.MaxDiscount, subtotal)
}

// LiveAt reports whether the offer can apply at now
func (o *Offer) LiveAt(now time.Time) bool {
	return o.IsActive && withinWindow(now, o.StartsAt, o.EndsAt)
}

// LiveAt reports whether the gift rule can apply at now
func (g *GiftRule) LiveAt(now time.Time) bool {
	return g.IsActive && g.Quantity > 0 && withinWindow(now, g.StartsAt, g.EndsAt)
}

func amountOf(kind DiscountKind, value, base int64) int64 {
	if kind == DiscountPercent {
		return money.PercentOf(base, value)
	}
	return value
}

func capAmount(amount, maxDiscount, base int64) int64 {
	if maxDiscount > 0 && amount > maxDiscount {
		amount = maxDiscount
	}
	return money.Min(money.NonNegative(amount), base)
}
