// internal/domain/order/entity.go
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/your-org/checkout-engine/internal/pkg/money"
)

// OrderStatus represents the order status
type OrderStatus string

const (
	OrderStatusDraft             OrderStatus = "draft"
	OrderStatusPendingPayment    OrderStatus = "pending_payment"
	OrderStatusPendingCOD        OrderStatus = "pending_cod"
	OrderStatusPaymentReceived   OrderStatus = "payment_received"
	OrderStatusConfirmed         OrderStatus = "confirmed"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusShipped           OrderStatus = "shipped"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
	OrderStatusRefunded          OrderStatus = "refunded"
)

// StockStatus mirrors the order's inventory reservation
type StockStatus string

const (
	StockStatusNone      StockStatus = "none"
	StockStatusReserved  StockStatus = "reserved"
	StockStatusConfirmed StockStatus = "confirmed"
	StockStatusReleased  StockStatus = "released"
	StockStatusExpired   StockStatus = "expired"
)

// PaymentStatus represents payment status
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"
	PaymentStatusSessionCreated PaymentStatus = "session_created"
	PaymentStatusCaptured       PaymentStatus = "captured"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusCODPending     PaymentStatus = "cod_pending"
	PaymentStatusRefunded       PaymentStatus = "refunded"
)

// PaymentPath is how the customer pays
type PaymentPath string

const (
	PaymentPathCOD      PaymentPath = "cod"
	PaymentPathDeferred PaymentPath = "deferred"
)

// Order represents the order entity. The financial fields are a frozen quote
// snapshot and are only written through Store.
type Order struct {
	ID             string        `gorm:"primaryKey;size:36" json:"id"`
	OrderNumber    string        `gorm:"uniqueIndex;not null;size:50" json:"order_number"`
	UserID         uint          `gorm:"not null;uniqueIndex:idx_orders_idempotency,priority:1" json:"user_id"`
	PaymentPath    PaymentPath   `gorm:"not null;size:20;uniqueIndex:idx_orders_idempotency,priority:2" json:"payment_path"`
	IdempotencyKey string        `gorm:"not null;size:128;uniqueIndex:idx_orders_idempotency,priority:3" json:"-"`
	Status         OrderStatus   `gorm:"not null;size:30;index" json:"status"`
	StockStatus    StockStatus   `gorm:"not null;size:20" json:"stock_status"`
	PaymentStatus  PaymentStatus `gorm:"not null;size:20" json:"payment_status"`
	Currency       string        `gorm:"not null;size:3" json:"currency"`

	// Financial snapshot, in minor units
	Subtotal         int64         `gorm:"not null" json:"subtotal"`
	CampaignDiscount int64         `gorm:"not null" json:"campaign_discount"`
	CouponDiscount   int64         `gorm:"not null" json:"coupon_discount"`
	OfferDiscount    int64         `gorm:"not null" json:"offer_discount"`
	DiscountAmount   int64         `gorm:"not null" json:"discount_amount"`
	ShippingAmount   int64         `gorm:"not null" json:"shipping_amount"`
	ShippingDiscount int64         `gorm:"not null" json:"shipping_discount"`
	TaxAmount        int64         `gorm:"not null" json:"tax_amount"`
	TaxRateBps       int64         `gorm:"not null" json:"tax_rate_bps"`
	TaxMode          money.TaxMode `gorm:"not null;size:20" json:"tax_mode"`
	TotalAmount      int64         `gorm:"not null" json:"total_amount"`

	// Coupon/Discount
	CouponCode string `gorm:"size:50" json:"coupon_code,omitempty"`

	// Shipping Information
	ShippingMethod  string `gorm:"size:30" json:"shipping_method"`
	ShippingOption  string `gorm:"size:50" json:"shipping_option"`
	ShippingLabel   string `gorm:"size:100" json:"shipping_label"`
	TrackingNumber  string `gorm:"size:100" json:"tracking_number,omitempty"`
	ShippingCarrier string `gorm:"size:50" json:"shipping_carrier,omitempty"`

	// Payment
	PaymentSessionID  string     `gorm:"size:128;index" json:"payment_session_id,omitempty"`
	PaymentSessionURL string     `gorm:"size:512" json:"payment_session_url,omitempty"`
	PaymentCapturedAt *time.Time `json:"payment_captured_at,omitempty"`
	RefundedAmount    int64      `gorm:"not null" json:"refunded_amount"`

	// Cancellation
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  *uint      `json:"cancelled_by,omitempty"`
	CancelReason string     `gorm:"size:255" json:"cancel_reason,omitempty"`

	// Timestamps
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Relationships
	Items         []OrderItem          `gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"items"`
	StatusHistory []OrderStatusHistory `gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"status_history,omitempty"`
}

// OrderItem represents items in an order. Gift lines carry a zero price.
type OrderItem struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	OrderID          string    `gorm:"not null;size:36;index" json:"order_id"`
	ProductID        uint      `gorm:"not null;index" json:"product_id"`
	ProductVariantID *uint     `gorm:"index" json:"product_variant_id,omitempty"`
	SKU              string    `gorm:"not null;size:100" json:"sku"`
	Name             string    `gorm:"not null;size:255" json:"name"`
	VariantTitle     string    `gorm:"size:255" json:"variant_title,omitempty"`
	Quantity         int       `gorm:"not null" json:"quantity"`
	Price            int64     `gorm:"not null" json:"price"`      // Price per unit in minor units
	ListPrice        int64     `gorm:"not null" json:"list_price"` // Price before sale
	OnSale           bool      `json:"on_sale"`
	TotalPrice       int64     `gorm:"not null" json:"total_price"` // Quantity * Price
	IsGift           bool      `json:"is_gift"`
	GiftRuleID       *uint     `json:"gift_rule_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// OrderStatusHistory tracks order status changes
type OrderStatusHistory struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	OrderID   string      `gorm:"not null;size:36;index" json:"order_id"`
	Status    OrderStatus `gorm:"not null;size:30" json:"status"`
	Comment   string      `gorm:"type:text" json:"comment"`
	CreatedBy uint        `gorm:"index" json:"created_by"` // User ID who made the change
	CreatedAt time.Time   `json:"created_at"`
}

// TableName overrides
func (Order) TableName() string              { return "orders" }
func (OrderItem) TableName() string          { return "order_items" }
func (OrderStatusHistory) TableName() string { return "order_status_history" }

// NewID returns a fresh order id
func NewID() string {
	return uuid.NewString()
}

// GenerateOrderNumber generates a human-facing order number
func (o *Order) GenerateOrderNumber(now time.Time) string {
	// Format: ORD-YYYYMMDD-XXXXXXXX
	suffix := strings.ToUpper(strings.ReplaceAll(o.ID, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}

// GetFormattedTotal returns total amount in major units
func (o *Order) GetFormattedTotal() float64 {
	return money.Major(o.TotalAmount)
}

// FinanciallyCommitted reports whether the snapshot is locked: payment was
// captured or the order was confirmed.
func (o *Order) FinanciallyCommitted() bool {
	return o.PaymentCapturedAt != nil || o.ConfirmedAt != nil
}

// CanBeCancelled checks if order can be cancelled
func (o *Order) CanBeCancelled() bool {
	return o.Status.canMoveTo(OrderStatusCancelled)
}

// CanBeRefunded checks if order can be refunded
func (o *Order) CanBeRefunded() bool {
	return o.Status.canMoveTo(OrderStatusRefunded) && o.RefundedAmount < o.TotalAmount
}

// IsExternallyVisible reports whether anything outside the service may have seen
// the order; such orders are cancelled, never deleted
func (o *Order) IsExternallyVisible() bool {
	return o.PaymentSessionID != "" || o.FinanciallyCommitted()
}

// AddStatusHistory adds a new status change to history
func (o *Order) AddStatusHistory(status OrderStatus, comment string, createdBy uint, now time.Time) {
	history := OrderStatusHistory{
		OrderID:   o.ID,
		Status:    status,
		Comment:   comment,
		CreatedBy: createdBy,
		CreatedAt: now,
	}
	o.StatusHistory = append(o.StatusHistory, history)
}
