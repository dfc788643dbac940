// internal/domain/payment/webhook.go
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
)

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature header against the raw body
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}

// Event is a parsed gateway notification
type Event struct {
	ID        string
	Type      string
	SessionID string
	PaymentID string
	Amount    int64
	Status    SessionState
}

type webhookEnvelope struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity gatewayPayment `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity gatewayOrder `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseEvent decodes a webhook body. eventID, usually the delivery header,
// takes precedence over the id inside the body. Event types that carry no
// payment outcome parse with status pending.
func ParseEvent(body []byte, eventID string) (*Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidEvent, "malformed webhook payload", err)
	}

	ev := &Event{ID: eventID, Type: env.Event, Status: SessionPending}
	if ev.ID == "" {
		ev.ID = env.ID
	}
	if ev.ID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidEvent, "webhook has no event id")
	}

	if p := env.Payload.Payment; p != nil {
		ev.SessionID = p.Entity.OrderID
		ev.PaymentID = p.Entity.ID
		ev.Amount = p.Entity.Amount
	}
	if o := env.Payload.Order; o != nil && ev.SessionID == "" {
		ev.SessionID = o.Entity.ID
		ev.Amount = o.Entity.AmountPaid
	}
	if ev.SessionID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidEvent, "webhook has no payment session reference")
	}

	switch env.Event {
	case "payment.captured", "order.paid":
		ev.Status = SessionPaid
	case "payment.failed":
		ev.Status = SessionFailed
	}
	return ev, nil
}

// String is used in logs
func (e *Event) String() string {
	return fmt.Sprintf("%s(%s, session=%s, status=%s)", e.Type, e.ID, e.SessionID, e.Status)
}
