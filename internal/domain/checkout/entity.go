// internal/domain/checkout/entity.go
package checkout

import (
	"time"

	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/payment"
	"github.com/your-org/checkout-engine/internal/domain/pricing"
	"github.com/your-org/checkout-engine/internal/domain/shipping"
)

// Request is one checkout attempt
type Request struct {
	Path           order.PaymentPath
	UserID         uint
	IdempotencyKey string
	Lines          []pricing.LineRequest
	Shipping       shipping.Selection
	DiscountCode   string
}

// Result is the outcome of a checkout. Replayed marks a response served from an
// order created by an earlier call with the same idempotency key; such results
// carry no quote.
type Result struct {
	Order    *order.Order      `json:"order"`
	Session  *payment.Session  `json:"payment_session,omitempty"`
	Quote    *pricing.Quote    `json:"quote,omitempty"`
	Warnings []pricing.Warning `json:"warnings,omitempty"`
	Replayed bool              `json:"replayed"`
}

// PaymentEvent is an out-of-band payment notification. EventID is supplied by
// the gateway and makes processing idempotent.
type PaymentEvent struct {
	EventID   string
	OrderID   string
	SessionID string
	Status    payment.SessionState
	PaymentID string
	Amount    int64
}

// ConfirmResult is the outcome of applying a payment event or a cancellation
type ConfirmResult struct {
	Order       *order.Order `json:"order"`
	AlreadyDone bool         `json:"already_done"`
	// NeedsRefund is set when money was captured for an order that cannot be fulfilled
	NeedsRefund bool `json:"needs_refund,omitempty"`
}

// ProcessedEvent records a payment event that has been applied
type ProcessedEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EventID     string    `gorm:"uniqueIndex;not null;size:128" json:"event_id"`
	OrderID     string    `gorm:"not null;size:36;index" json:"order_id"`
	Status      string    `gorm:"not null;size:20" json:"status"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

// TableName sets the table name
func (ProcessedEvent) TableName() string {
	return "processed_payment_events"
}
