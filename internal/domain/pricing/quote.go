// internal/domain/pricing/quote.go
package pricing

import (
	"time"

	"github.com/your-org/checkout-engine/internal/domain/catalog"
	"github.com/your-org/checkout-engine/internal/domain/shipping"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/money"
)

// LineRequest is one cart line as submitted by the client
type LineRequest struct {
	ProductID uint  `json:"product_id" binding:"required"`
	VariantID *uint `json:"variant_id,omitempty"`
	Quantity  int   `json:"quantity" binding:"required"`
}

// QuoteRequest is the input to Engine.Quote
type QuoteRequest struct {
	UserID       *uint              `json:"-"`
	Lines        []LineRequest      `json:"lines"`
	Shipping     shipping.Selection `json:"shipping"`
	DiscountCode string             `json:"discount_code,omitempty"`
}

// Line is a priced cart line
type Line struct {
	ProductID   uint        `json:"product_id"`
	VariantID   *uint       `json:"variant_id,omitempty"`
	SKU         string      `json:"sku"`
	ProductName string      `json:"product_name"`
	VariantName string      `json:"variant_name,omitempty"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	ListPrice   money.Money `json:"list_price"`
	OnSale      bool        `json:"on_sale"`
	LineTotal   money.Money `json:"line_total"`
}

// Gift is a free line resolved from a gift rule
type Gift struct {
	RuleID      uint   `json:"rule_id"`
	ProductID   uint   `json:"product_id"`
	VariantID   *uint  `json:"variant_id,omitempty"`
	SKU         string `json:"sku"`
	ProductName string `json:"product_name"`
	VariantName string `json:"variant_name,omitempty"`
	Quantity    int    `json:"quantity"`
}

// Warning is a non-fatal finding. Blocking warnings must stop a checkout.
type Warning struct {
	Code     apperrors.Code `json:"code"`
	Message  string         `json:"message"`
	Blocking bool           `json:"blocking"`
	RuleID   uint           `json:"rule_id,omitempty"`
}

// Reasons a discount code contributed nothing
const (
	CouponReasonUnknown       = "not_found"
	CouponReasonInactive      = "inactive"
	CouponReasonMinOrder      = "min_order_not_met"
	CouponReasonLimitReached  = "usage_limit_reached"
	CouponReasonUserLimit     = "user_limit_reached"
	CouponReasonNoDiscount    = "no_discount"
	CouponReasonCapacityTaken = "capacity_taken"
)

// CouponResult reports what the discount code did to the quote
type CouponResult struct {
	Code    string      `json:"code"`
	Applied bool        `json:"applied"`
	Amount  money.Money `json:"amount"`
	Reason  string      `json:"reason,omitempty"`
}

// AppliedCampaign identifies the single storewide campaign that won
type AppliedCampaign struct {
	ID     uint        `json:"id"`
	Name   string      `json:"name"`
	Amount money.Money `json:"amount"`
}

// AppliedOffer is an offer that contributed to the quote
type AppliedOffer struct {
	ID     uint              `json:"id"`
	Name   string            `json:"name"`
	Kind   catalog.OfferKind `json:"kind"`
	Amount money.Money       `json:"amount"`
}

// Quote is a complete priced cart. Amounts are minor units with derived major mirrors.
type Quote struct {
	Currency string           `json:"currency"`
	Lines    []Line           `json:"lines"`
	Gifts    []Gift           `json:"gifts"`
	Shipping *shipping.Option `json:"shipping"`
	Campaign *AppliedCampaign `json:"campaign,omitempty"`
	Coupon   *CouponResult    `json:"coupon,omitempty"`
	Offers   []AppliedOffer   `json:"offers,omitempty"`
	Warnings []Warning        `json:"warnings"`

	Subtotal         money.Money `json:"subtotal"`
	CampaignDiscount money.Money `json:"campaign_discount"`
	CouponDiscount   money.Money `json:"coupon_discount"`
	OfferDiscount    money.Money `json:"offer_discount"`
	DiscountTotal    money.Money `json:"discount_total"`
	ShippingFee      money.Money `json:"shipping_fee"`
	ShippingDiscount money.Money `json:"shipping_discount"`
	Tax              money.Money `json:"tax"`
	TotalBeforeTax   money.Money `json:"total_before_tax"`
	TotalAfterTax    money.Money `json:"total_after_tax"`
	GrandTotal       money.Money `json:"grand_total"`

	TaxBreakdown money.TaxBreakdown `json:"tax_breakdown"`
	ComputedAt   time.Time          `json:"computed_at"`
}

// StockLine is a quantity that must be held in inventory for the quote
type StockLine struct {
	ProductID uint
	VariantID *uint
	Quantity  int
}

// StockLines returns cart lines and resolved gifts together
func (q *Quote) StockLines() []StockLine {
	out := make([]StockLine, 0, len(q.Lines)+len(q.Gifts))
	for _, l := range q.Lines {
		out = append(out, StockLine{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity})
	}
	for _, g := range q.Gifts {
		out = append(out, StockLine{ProductID: g.ProductID, VariantID: g.VariantID, Quantity: g.Quantity})
	}
	return out
}

// BlockingWarning returns the first warning that must stop checkout
func (q *Quote) BlockingWarning() (Warning, bool) {
	for _, w := range q.Warnings {
		if w.Blocking {
			return w, true
		}
	}
	return Warning{}, false
}

// AddedTax is the tax charged on top of the gross figure; zero when prices include tax
func (q *Quote) AddedTax() int64 {
	if q.TaxBreakdown.Mode == money.TaxInclusive {
		return 0
	}
	return q.Tax.Minor
}

// Balanced reports whether the quote satisfies its monetary identities
func (q *Quote) Balanced() bool {
	if q.TotalBeforeTax.Minor+q.Tax.Minor != q.TotalAfterTax.Minor {
		return false
	}
	if q.CampaignDiscount.Minor+q.CouponDiscount.Minor+q.OfferDiscount.Minor != q.DiscountTotal.Minor {
		return false
	}
	return q.Subtotal.Minor-q.DiscountTotal.Minor+q.ShippingFee.Minor+q.AddedTax() == q.GrandTotal.Minor
}
