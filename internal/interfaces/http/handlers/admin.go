// internal/interfaces/http/handlers/admin.go
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/your-org/checkout-engine/internal/domain/checkout"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/interfaces/http/middleware"
)

// OrderOperator performs fulfilment and support writes
type OrderOperator interface {
	UpdateOrderStatus(ctx context.Context, id string, status order.OrderStatus, comment string, updatedBy uint) (*order.Order, error)
	SetTracking(ctx context.Context, id, trackingNumber, carrier string, updatedBy uint) (*order.Order, error)
	Refund(ctx context.Context, id string, amount int64, reason string, refundedBy uint) (*order.Order, error)
}

// Canceller cancels orders and returns their holds
type Canceller interface {
	Cancel(ctx context.Context, orderID, reason string, by uint) (*checkout.ConfirmResult, error)
}

// JobRunner runs a named background job on demand
type JobRunner interface {
	RunOnce(ctx context.Context, name string) (int, error)
}

// AdminHandler handles back-office endpoints
type AdminHandler struct {
	orders    OrderOperator
	canceller Canceller
	jobs      JobRunner
	sweepJobs []string
	repairJob string
}

// NewAdminHandler creates a new admin handler. sweepJobs run on
// POST /admin/inventory/sweep, repairJob on POST /admin/inventory/repair.
func NewAdminHandler(orders OrderOperator, canceller Canceller, jobs JobRunner, sweepJobs []string, repairJob string) *AdminHandler {
	return &AdminHandler{
		orders:    orders,
		canceller: canceller,
		jobs:      jobs,
		sweepJobs: sweepJobs,
		repairJob: repairJob,
	}
}

// UpdateOrderStatus handles PUT /admin/orders/:id/status
func (h *AdminHandler) UpdateOrderStatus(c *gin.Context) {
	var req struct {
		Status  order.OrderStatus `json:"status" binding:"required"`
		Comment string            `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	adminID, _ := middleware.GetUserIDFromContext(c)
	o, err := h.orders.UpdateOrderStatus(c.Request.Context(), c.Param("id"), req.Status, req.Comment, adminID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Order status updated successfully",
		"data":    o,
	})
}

// CancelOrder handles POST /admin/orders/:id/cancel
func (h *AdminHandler) CancelOrder(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	adminID, _ := middleware.GetUserIDFromContext(c)
	res, err := h.canceller.Cancel(c.Request.Context(), c.Param("id"), req.Reason, adminID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Order cancelled successfully",
		"data":    res,
	})
}

// SetTracking handles PUT /admin/orders/:id/tracking
func (h *AdminHandler) SetTracking(c *gin.Context) {
	var req struct {
		TrackingNumber string `json:"tracking_number" binding:"required"`
		Carrier        string `json:"carrier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	adminID, _ := middleware.GetUserIDFromContext(c)
	o, err := h.orders.SetTracking(c.Request.Context(), c.Param("id"), req.TrackingNumber, req.Carrier, adminID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Tracking updated successfully",
		"data":    o,
	})
}

// RefundOrder handles POST /admin/orders/:id/refund
func (h *AdminHandler) RefundOrder(c *gin.Context) {
	var req struct {
		Amount int64  `json:"amount" binding:"required,gt=0"`
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request data", err)
		return
	}

	adminID, _ := middleware.GetUserIDFromContext(c)
	o, err := h.orders.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason, adminID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Refund recorded successfully",
		"data":    o,
	})
}

// SweepReservations handles POST /admin/inventory/sweep
func (h *AdminHandler) SweepReservations(c *gin.Context) {
	h.runJobs(c, h.sweepJobs...)
}

// RepairReservations handles POST /admin/inventory/repair
func (h *AdminHandler) RepairReservations(c *gin.Context) {
	h.runJobs(c, h.repairJob)
}

func (h *AdminHandler) runJobs(c *gin.Context, names ...string) {
	results := make(map[string]int, len(names))
	for _, name := range names {
		n, err := h.jobs.RunOnce(c.Request.Context(), name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":     "Job failed",
				"job":       name,
				"details":   err.Error(),
				"completed": results,
			})
			return
		}
		results[name] = n
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Jobs completed",
		"data":    results,
	})
}
