// internal/domain/checkout/confirm.go
package checkout

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/payment"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"gorm.io/gorm"
)

// ConfirmPayment applies a payment notification to its order. Each EventID is
// applied at most once; redeliveries return AlreadyDone.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, ev PaymentEvent) (*ConfirmResult, error) {
	if ev.EventID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidEvent, "payment event id is required")
	}
	if ev.OrderID == "" && ev.SessionID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidEvent, "payment event names no order or session")
	}

	transactional, err := o.probe.Transactional(ctx)
	if err != nil {
		return nil, err
	}

	log := o.log.WithFields(logrus.Fields{"event_id": ev.EventID, "session_id": ev.SessionID, "status": ev.Status})
	undo := newCompensator(log, o.metrics)
	var inner *compensator
	if !transactional {
		inner = undo
	}

	var out *ConfirmResult
	err = o.run(ctx, transactional, inner, func(u *unit) error {
		ord, err := o.orderForEvent(ctx, u, ev)
		if err != nil {
			return err
		}

		first, err := o.markProcessed(ctx, u, ev, ord.ID)
		if err != nil {
			return err
		}
		if !first {
			out = &ConfirmResult{Order: ord, AlreadyDone: true}
			return nil
		}
		// Forgetting the event lets a redelivery finish what this attempt started.
		u.undo.push("forget_event", func(ctx context.Context) error {
			return o.db.WithContext(ctx).Where("event_id = ?", ev.EventID).Delete(&ProcessedEvent{}).Error
		})

		switch ev.Status {
		case payment.SessionPaid:
			out, err = o.applyPaid(ctx, u, ord, ev)
		case payment.SessionFailed, payment.SessionExpired:
			out, err = o.applyUnpaid(ctx, u, ord, ev)
		default:
			out = &ConfirmResult{Order: ord}
		}
		return err
	})
	if err != nil {
		log.WithError(err).Warn("Failed to apply payment event")
		undo.unwind(ctx, err)
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"order_id":     out.Order.ID,
		"order_status": out.Order.Status,
		"already_done": out.AlreadyDone,
	}).Info("Payment event applied")
	return out, nil
}

func (o *Orchestrator) orderForEvent(ctx context.Context, u *unit, ev PaymentEvent) (*order.Order, error) {
	if ev.OrderID == "" {
		return u.orders.FindBySessionID(ctx, ev.SessionID)
	}
	ord, err := u.orders.FindByID(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}
	if ev.SessionID != "" && ord.PaymentSessionID != ev.SessionID {
		return nil, apperrors.Newf(apperrors.CodeInvalidEvent, "session %s does not belong to order %s", ev.SessionID, ord.ID)
	}
	return ord, nil
}

// markProcessed records the event id and reports whether this is its first
// delivery. The insert runs in a savepoint so a duplicate leaves an enclosing
// transaction usable.
func (o *Orchestrator) markProcessed(ctx context.Context, u *unit, ev PaymentEvent, orderID string) (bool, error) {
	row := ProcessedEvent{
		EventID:     ev.EventID,
		OrderID:     orderID,
		Status:      string(ev.Status),
		ProcessedAt: o.now(),
	}
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if dbutil.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record payment event: %w", err)
	}
	return true, nil
}

func (o *Orchestrator) applyPaid(ctx context.Context, u *unit, ord *order.Order, ev PaymentEvent) (*ConfirmResult, error) {
	now := o.now()
	log := o.log.WithFields(logrus.Fields{"order_id": ord.ID, "payment_id": ev.PaymentID})

	if ord.PaymentCapturedAt != nil {
		return &ConfirmResult{Order: ord, AlreadyDone: true}, nil
	}
	if ord.PaymentPath != order.PaymentPathDeferred {
		return nil, apperrors.Newf(apperrors.CodeInvalidEvent, "order %s is not paid online", ord.ID)
	}
	if ev.Amount > 0 && ev.Amount != ord.TotalAmount {
		log.WithFields(logrus.Fields{"paid": ev.Amount, "total": ord.TotalAmount}).Warn("Captured amount differs from order total")
	}

	ord.PaymentCapturedAt = &now
	ord.PaymentStatus = order.PaymentStatusCaptured

	if ord.Status == order.OrderStatusCancelled {
		log.Error("Payment captured for a cancelled order, refund required")
		ord.AddStatusHistory(ord.Status, "Payment captured after cancellation, refund required", 0, now)
		if err := u.orders.Save(ctx, ord); err != nil {
			return nil, err
		}
		return &ConfirmResult{Order: ord, NeedsRefund: true}, nil
	}

	if err := ord.Transition(order.OrderStatusPaymentReceived, 0, "Payment captured", now); err != nil {
		return nil, err
	}

	allocated, err := o.confirmStock(ctx, u, ord)
	if err != nil {
		return nil, err
	}
	if ord.CouponCode != "" {
		if err := o.consumeCoupon(ctx, u, ord); err != nil {
			return nil, err
		}
	}

	needsRefund := false
	if allocated {
		ord.StockStatus = order.StockStatusConfirmed
		if err := ord.Transition(order.OrderStatusConfirmed, 0, "Payment and stock confirmed", now); err != nil {
			return nil, err
		}
	} else {
		ord.StockStatus = order.StockStatusExpired
		needsRefund = true
		log.Error("Paid order could not be allocated stock, manual follow-up required")
	}

	if err := u.orders.Save(ctx, ord); err != nil {
		return nil, err
	}
	if allocated {
		if err := o.appendEvent(ctx, u, ord, events.TypeOrderConfirmed); err != nil {
			return nil, err
		}
	}
	return &ConfirmResult{Order: ord, NeedsRefund: needsRefund}, nil
}

// confirmStock turns the hold into a sale. A hold that lapsed before payment
// arrived is taken again if the stock is still there; false means it was not.
func (o *Orchestrator) confirmStock(ctx context.Context, u *unit, ord *order.Order) (bool, error) {
	_, err := u.inventory.Confirm(ctx, ord.ID)
	if err == nil {
		return true, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeReservationExpired, apperrors.CodeReservationNotActive, apperrors.CodeReservationNotFound) {
		return false, err
	}

	_, err = u.inventory.Reserve(ctx, ord.ID, orderStockItems(ord), o.cfg.InventoryTTL)
	if apperrors.HasCode(err, apperrors.CodeOutOfStock, apperrors.CodeOutOfStockPartial, apperrors.CodeProductUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := u.inventory.Confirm(ctx, ord.ID); err != nil {
		return false, err
	}
	return true, nil
}

// consumeCoupon turns the discount hold into a redemption. Money has already
// been taken at the discounted price, so running out of capacity here is
// logged and the discount is honoured.
func (o *Orchestrator) consumeCoupon(ctx context.Context, u *unit, ord *order.Order) error {
	_, err := u.discounts.Consume(ctx, ord.CouponCode, ord.ID, &ord.UserID)
	if apperrors.HasCode(err, apperrors.CodeReservationNotFound) {
		_, err = u.discounts.ConsumeDirect(ctx, ord.CouponCode, ord.ID, &ord.UserID)
	}
	if apperrors.HasCode(err, apperrors.CodeCouponLimitReached, apperrors.CodeCouponUserLimitReached, apperrors.CodeCouponInvalid) {
		o.log.WithError(err).WithFields(logrus.Fields{
			"order_id": ord.ID,
			"code":     ord.CouponCode,
		}).Error("Discount honoured beyond its limits")
		return nil
	}
	return err
}

func (o *Orchestrator) applyUnpaid(ctx context.Context, u *unit, ord *order.Order, ev PaymentEvent) (*ConfirmResult, error) {
	if ord.PaymentCapturedAt != nil || ord.Status != order.OrderStatusPendingPayment {
		return &ConfirmResult{Order: ord, AlreadyDone: true}, nil
	}

	if ev.Status == payment.SessionExpired {
		return o.cancel(ctx, u, ord, "Payment session expired", 0)
	}

	// The customer may retry on the same session, so holds are kept until
	// they expire.
	now := o.now()
	ord.PaymentStatus = order.PaymentStatusFailed
	ord.AddStatusHistory(ord.Status, "Payment attempt failed", 0, now)
	if err := u.orders.Save(ctx, ord); err != nil {
		return nil, err
	}
	if err := o.appendEvent(ctx, u, ord, events.TypeOrderPaymentFailed); err != nil {
		return nil, err
	}
	return &ConfirmResult{Order: ord}, nil
}

// Reconcile asks the gateway for the session state of an order and applies it.
// It settles orders whose webhook never arrived.
func (o *Orchestrator) Reconcile(ctx context.Context, orderID string) (*ConfirmResult, error) {
	ord, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.PaymentSessionID == "" {
		return nil, apperrors.Newf(apperrors.CodePaymentSessionMissing, "order %s has no payment session", orderID)
	}

	st, err := o.gateway.RetrieveSession(ctx, ord.PaymentSessionID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePaymentSessionFailed, "could not retrieve payment session", err)
	}
	if !st.Status.Final() {
		return &ConfirmResult{Order: ord}, nil
	}

	return o.ConfirmPayment(ctx, PaymentEvent{
		EventID:   fmt.Sprintf("reconcile:%s:%s", st.SessionID, st.Status),
		OrderID:   ord.ID,
		SessionID: ord.PaymentSessionID,
		Status:    st.Status,
		PaymentID: st.PaymentID,
		Amount:    st.AmountPaid,
	})
}

// Cancel cancels an order and gives back its stock and discount hold. Every
// step is idempotent, so outside a transaction a failed cancel is finished by
// calling it again rather than undone.
func (o *Orchestrator) Cancel(ctx context.Context, orderID, reason string, by uint) (*ConfirmResult, error) {
	transactional, err := o.probe.Transactional(ctx)
	if err != nil {
		return nil, err
	}

	var out *ConfirmResult
	err = o.run(ctx, transactional, nil, func(u *unit) error {
		ord, err := u.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		out, err = o.cancel(ctx, u, ord, reason, by)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) cancel(ctx context.Context, u *unit, ord *order.Order, reason string, by uint) (*ConfirmResult, error) {
	if ord.Status == order.OrderStatusCancelled {
		return &ConfirmResult{Order: ord, AlreadyDone: true}, nil
	}
	if !ord.CanBeCancelled() {
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition, "order in status %s cannot be cancelled", ord.Status).
			WithDetail("from", ord.Status)
	}
	if reason == "" {
		reason = "Cancelled"
	}

	if _, err := u.inventory.Cancel(ctx, ord.ID, inventory.ReasonCancelled); err != nil &&
		!apperrors.HasCode(err, apperrors.CodeReservationNotFound) {
		return nil, err
	}
	if ord.CouponCode != "" {
		if _, err := u.discounts.Release(ctx, ord.CouponCode, ord.ID); err != nil {
			return nil, err
		}
	}

	ord.StockStatus = order.StockStatusReleased
	if err := ord.Transition(order.OrderStatusCancelled, by, reason, o.now()); err != nil {
		return nil, err
	}
	if err := u.orders.Save(ctx, ord); err != nil {
		return nil, err
	}
	if err := o.appendEvent(ctx, u, ord, events.TypeOrderCancelled); err != nil {
		return nil, err
	}

	res := &ConfirmResult{Order: ord}
	if ord.PaymentCapturedAt != nil && ord.RefundedAmount < ord.TotalAmount {
		res.NeedsRefund = true
		o.log.WithField("order_id", ord.ID).Warn("Cancelled order was paid, refund required")
	}
	return res, nil
}
