// internal/interfaces/http/handlers/payment.go
package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/domain/checkout"
	"github.com/your-org/checkout-engine/internal/domain/payment"
)

const (
	signatureHeader = "X-Razorpay-Signature"
	eventIDHeader   = "X-Razorpay-Event-Id"
)

// PaymentConfirmer applies gateway notifications to orders
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, ev checkout.PaymentEvent) (*checkout.ConfirmResult, error)
}

// PaymentHandler receives gateway webhooks
type PaymentHandler struct {
	confirmer PaymentConfirmer
	secret    string
	log       logrus.FieldLogger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(confirmer PaymentConfirmer, webhookSecret string, log logrus.FieldLogger) *PaymentHandler {
	return &PaymentHandler{confirmer: confirmer, secret: webhookSecret, log: log}
}

// Webhook handles POST /webhooks/payments. A redelivered event answers 200
// without touching the order.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "Failed to read request body", err)
		return
	}

	if !payment.VerifySignature(h.secret, body, c.GetHeader(signatureHeader)) {
		h.log.WithField("client_ip", c.ClientIP()).Warn("Rejected webhook with invalid signature")
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid signature",
		})
		return
	}

	ev, err := payment.ParseEvent(body, c.GetHeader(eventIDHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	if !ev.Status.Final() {
		h.log.WithField("event", ev.String()).Debug("Ignoring webhook without payment outcome")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	res, err := h.confirmer.ConfirmPayment(c.Request.Context(), checkout.PaymentEvent{
		EventID:   ev.ID,
		SessionID: ev.SessionID,
		Status:    ev.Status,
		PaymentID: ev.PaymentID,
		Amount:    ev.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := "processed"
	if res.AlreadyDone {
		status = "duplicate"
	}
	if res.NeedsRefund {
		h.log.WithFields(logrus.Fields{
			"order_id":   res.Order.ID,
			"payment_id": ev.PaymentID,
		}).Error("Payment captured for an order that cannot be fulfilled, refund required")
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"order_id":     res.Order.ID,
		"order_status": res.Order.Status,
		"needs_refund": res.NeedsRefund,
	})
}
