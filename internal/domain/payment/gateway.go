// internal/domain/payment/gateway.go
package payment

import (
	"context"
	"fmt"
	"time"
)

// SessionState is the gateway-neutral state of a hosted payment session
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionPaid    SessionState = "paid"
	SessionFailed  SessionState = "failed"
	SessionExpired SessionState = "expired"
)

// Final reports whether no further state change is expected
func (s SessionState) Final() bool {
	return s == SessionPaid || s == SessionFailed || s == SessionExpired
}

// SessionLine is one itemized line shown on the hosted payment page
type SessionLine struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

// SessionRequest asks the gateway for a payment session for one order
type SessionRequest struct {
	OrderID     string
	OrderNumber string
	Currency    string
	Amount      int64
	Lines       []SessionLine
}

// Session is the handle returned by the gateway
type Session struct {
	ID     string       `json:"id"`
	URL    string       `json:"url"`
	Status SessionState `json:"status"`
}

// SessionStatus is the gateway's view of a session at retrieval time
type SessionStatus struct {
	SessionID  string
	Status     SessionState
	PaymentID  string
	AmountPaid int64
	PaidAt     *time.Time
}

// Gateway is the narrow contract the checkout core needs from a payment provider
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// APIError is a non-2xx answer from the gateway
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment gateway returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// paidAt converts a gateway unix timestamp
func paidAt(unix int64) *time.Time {
	if unix == 0 {
		return nil
	}
	t := time.Unix(unix, 0).UTC()
	return &t
}
