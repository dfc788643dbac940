// internal/domain/order/service.go
package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
)

// Service handles operational order writes made by fulfilment and support
type Service struct {
	store *Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewService creates a new order service
func NewService(store *Store, log logrus.FieldLogger) *Service {
	return &Service{store: store, log: log, now: dbutil.UTCNow}
}

// OrderListResponse represents a page of orders
type OrderListResponse struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}

// Pagination represents pagination information
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// GetOrder retrieves an order by id
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.FindByID(ctx, id)
}

// GetUserOrders retrieves a page of a user's orders
func (s *Service) GetUserOrders(ctx context.Context, userID uint, page, limit int) (*OrderListResponse, error) {
	orders, total, err := s.store.ListByUser(ctx, userID, page, limit)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return &OrderListResponse{
		Orders: orders,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
	}, nil
}

// UpdateOrderStatus moves an order along its lifecycle. Cancellation and refunds
// have their own operations because they touch stock and money.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, status OrderStatus, comment string, updatedBy uint) (*Order, error) {
	switch status {
	case OrderStatusCancelled, OrderStatusRefunded, OrderStatusPartiallyRefunded:
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition, "status %s is set by its own operation", status)
	}

	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.Transition(status, updatedBy, comment, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, o); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"order_id": id, "status": status}).Info("Order status updated")
	return o, nil
}

// SetTracking records the carrier tracking number. A confirmed or processing
// order moves to shipped.
func (s *Service) SetTracking(ctx context.Context, id, trackingNumber, carrier string, updatedBy uint) (*Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, fmt.Errorf("tracking number is required")
	}

	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == OrderStatusCancelled || o.Status == OrderStatusRefunded {
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition, "order %s is %s", id, o.Status)
	}

	o.TrackingNumber = trackingNumber
	o.ShippingCarrier = carrier
	if o.Status == OrderStatusConfirmed || o.Status == OrderStatusProcessing {
		comment := fmt.Sprintf("Shipped with %s, tracking %s", carrier, trackingNumber)
		if err := o.Transition(OrderStatusShipped, updatedBy, comment, s.now()); err != nil {
			return nil, err
		}
	}
	if err := s.store.Save(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Refund records a refund of amount minor units. The order becomes
// partially_refunded or, once the whole total is returned, refunded.
func (s *Service) Refund(ctx context.Context, id string, amount int64, reason string, refundedBy uint) (*Order, error) {
	o, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || o.RefundedAmount+amount > o.TotalAmount {
		return nil, apperrors.Newf(apperrors.CodeInvalidRefund, "refund of %d exceeds the refundable %d", amount, o.TotalAmount-o.RefundedAmount).
			WithDetail("refundable", o.TotalAmount-o.RefundedAmount)
	}
	if !o.CanBeRefunded() {
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition, "order %s cannot be refunded in status %s", id, o.Status)
	}

	o.RefundedAmount += amount
	target := OrderStatusPartiallyRefunded
	if o.RefundedAmount == o.TotalAmount {
		target = OrderStatusRefunded
		o.PaymentStatus = PaymentStatusRefunded
	}
	comment := fmt.Sprintf("Refunded %d: %s", amount, reason)
	if err := o.Transition(target, refundedBy, comment, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, o); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"order_id": id, "amount": amount, "status": o.Status}).Info("Order refunded")
	return o, nil
}
