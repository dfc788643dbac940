// internal/interfaces/http/handlers/checkout.go
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/your-org/checkout-engine/internal/domain/checkout"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/pricing"
	"github.com/your-org/checkout-engine/internal/domain/shipping"
)

// IdempotencyHeader carries the client generated key of a checkout attempt
const IdempotencyHeader = "Idempotency-Key"

// Quoter prices a prospective order
type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.Quote, error)
}

// CheckoutRunner places orders
type CheckoutRunner interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// CheckoutHandler handles checkout endpoints
type CheckoutHandler struct {
	quoter   Quoter
	checkout CheckoutRunner
}

// NewCheckoutHandler creates a new checkout handler
func NewCheckoutHandler(quoter Quoter, runner CheckoutRunner) *CheckoutHandler {
	return &CheckoutHandler{quoter: quoter, checkout: runner}
}

type checkoutRequest struct {
	Lines        []pricing.LineRequest `json:"lines" binding:"required,dive"`
	Shipping     shipping.Selection    `json:"shipping" binding:"required"`
	DiscountCode string                `json:"discount_code"`
}

// Quote handles POST /checkout/quote. Nothing is reserved.
func (h *CheckoutHandler) Quote(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	quote, err := h.quoter.Quote(c.Request.Context(), pricing.QuoteRequest{
		UserID:       &userID,
		Lines:        req.Lines,
		Shipping:     req.Shipping,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Quote calculated successfully",
		"data":    quote,
	})
}

// CashOnDelivery handles POST /checkout/cod
func (h *CheckoutHandler) CashOnDelivery(c *gin.Context) {
	h.place(c, order.PaymentPathCOD)
}

// Deferred handles POST /checkout/deferred
func (h *CheckoutHandler) Deferred(c *gin.Context) {
	h.place(c, order.PaymentPathDeferred)
}

func (h *CheckoutHandler) place(c *gin.Context, path order.PaymentPath) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	res, err := h.checkout.Checkout(c.Request.Context(), checkout.Request{
		Path:           path,
		UserID:         userID,
		IdempotencyKey: c.GetHeader(IdempotencyHeader),
		Lines:          req.Lines,
		Shipping:       req.Shipping,
		DiscountCode:   req.DiscountCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if res.Replayed {
		c.JSON(http.StatusOK, gin.H{
			"message": "Order already placed",
			"data":    res,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Order placed successfully",
		"data":    res,
	})
}
