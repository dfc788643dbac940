// internal/interfaces/http/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/your-org/checkout-engine/internal/interfaces/http/handlers"
	"github.com/your-org/checkout-engine/internal/interfaces/http/middleware"
)

// Handlers groups the endpoint handlers mounted under /api/v1
type Handlers struct {
	Checkout *handlers.CheckoutHandler
	Payment  *handlers.PaymentHandler
	Order    *handlers.OrderHandler
	Admin    *handlers.AdminHandler
}

// SetupRoutes mounts every API route on rg
func SetupRoutes(rg *gin.RouterGroup, h Handlers, tokens middleware.TokenValidator) {
	auth := middleware.AuthMiddleware(tokens)

	SetupCheckoutRoutes(rg, h.Checkout, auth)
	SetupWebhookRoutes(rg, h.Payment)
	SetupOrderRoutes(rg, h.Order, auth)
	SetupAdminRoutes(rg, h.Admin, auth)
}

// SetupCheckoutRoutes sets up checkout related routes
func SetupCheckoutRoutes(rg *gin.RouterGroup, h *handlers.CheckoutHandler, auth gin.HandlerFunc) {
	checkout := rg.Group("/checkout")
	checkout.Use(auth)
	{
		checkout.POST("/quote", h.Quote)
		checkout.POST("/cod", h.CashOnDelivery)
		checkout.POST("/deferred", h.Deferred)
	}
}

// SetupWebhookRoutes sets up gateway callbacks. They authenticate by signature.
func SetupWebhookRoutes(rg *gin.RouterGroup, h *handlers.PaymentHandler) {
	webhooks := rg.Group("/webhooks")
	{
		webhooks.POST("/payments", h.Webhook)
	}
}

// SetupOrderRoutes sets up customer order routes
func SetupOrderRoutes(rg *gin.RouterGroup, h *handlers.OrderHandler, auth gin.HandlerFunc) {
	orders := rg.Group("/orders")
	orders.Use(auth)
	{
		orders.GET("", h.GetOrders)
		orders.GET("/:id", h.GetOrder)
		orders.POST("/:id/reconcile", h.Reconcile)
	}
}

// SetupAdminRoutes sets up back-office routes
func SetupAdminRoutes(rg *gin.RouterGroup, h *handlers.AdminHandler, auth gin.HandlerFunc) {
	admin := rg.Group("/admin")
	admin.Use(auth, middleware.AdminMiddleware())
	{
		orders := admin.Group("/orders")
		{
			orders.PUT("/:id/status", h.UpdateOrderStatus)
			orders.POST("/:id/cancel", h.CancelOrder)
			orders.PUT("/:id/tracking", h.SetTracking)
			orders.POST("/:id/refund", h.RefundOrder)
		}

		inventory := admin.Group("/inventory")
		{
			inventory.POST("/sweep", h.SweepReservations)
			inventory.POST("/repair", h.RepairReservations)
		}
	}
}
