// internal/interfaces/http/handlers/order.go
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/your-org/checkout-engine/internal/domain/checkout"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/interfaces/http/middleware"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
)

// OrderReader reads orders for their owners
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	GetUserOrders(ctx context.Context, userID uint, page, limit int) (*order.OrderListResponse, error)
}

// Reconciler settles an order against the payment gateway
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string) (*checkout.ConfirmResult, error)
}

// OrderHandler handles customer order endpoints
type OrderHandler struct {
	orders     OrderReader
	reconciler Reconciler
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orders OrderReader, reconciler Reconciler) *OrderHandler {
	return &OrderHandler{orders: orders, reconciler: reconciler}
}

// GetOrders handles GET /orders
func (h *OrderHandler) GetOrders(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	res, err := h.orders.GetUserOrders(c.Request.Context(), userID, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Orders retrieved successfully",
		"data":    res,
	})
}

// GetOrder handles GET /orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	o, ok := h.ownedOrder(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Order retrieved successfully",
		"data":    o,
	})
}

// Reconcile handles POST /orders/:id/reconcile
func (h *OrderHandler) Reconcile(c *gin.Context) {
	o, ok := h.ownedOrder(c)
	if !ok {
		return
	}

	res, err := h.reconciler.Reconcile(c.Request.Context(), o.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Order reconciled",
		"data":    res,
	})
}

// ownedOrder loads the order in the path. Orders of other users look missing.
func (h *OrderHandler) ownedOrder(c *gin.Context) (*order.Order, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return nil, false
	}

	id := c.Param("id")
	o, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if o.UserID != userID && !middleware.IsAdminFromContext(c) {
		respondError(c, apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", id))
		return nil, false
	}
	return o, true
}
