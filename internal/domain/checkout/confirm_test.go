package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/payment"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/logger"
)

func placeDeferred(t *testing.T, h *harness, code string) *order.Order {
	res, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathDeferred, "key-1", 3, code))
	require.NoError(t, err)
	return res.Order
}

func TestPaidEventConfirmsOrderOnce(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		ord := placeDeferred(t, h, "SAVE10")

		ev := PaymentEvent{
			EventID:   "evt_1",
			SessionID: ord.PaymentSessionID,
			Status:    payment.SessionPaid,
			PaymentID: "pay_1",
			Amount:    ord.TotalAmount,
		}
		res, err := h.orch.ConfirmPayment(ctx, ev)
		require.NoError(t, err)
		assert.False(t, res.AlreadyDone)
		assert.Equal(t, order.OrderStatusConfirmed, res.Order.Status)
		assert.Equal(t, order.StockStatusConfirmed, res.Order.StockStatus)
		assert.Equal(t, order.PaymentStatusCaptured, res.Order.PaymentStatus)
		require.NotNil(t, res.Order.PaymentCapturedAt)

		hold, err := h.inventory.Find(ctx, ord.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusConfirmed, hold.Status)

		c := h.coupon(t)
		assert.Equal(t, 1, c.UsedCount)
		assert.Equal(t, 0, c.ReservedCount)

		again, err := h.orch.ConfirmPayment(ctx, ev)
		require.NoError(t, err)
		assert.True(t, again.AlreadyDone)

		// a different event for the same capture changes nothing either
		ev.EventID = "evt_2"
		other, err := h.orch.ConfirmPayment(ctx, ev)
		require.NoError(t, err)
		assert.True(t, other.AlreadyDone)

		assert.Equal(t, 1, h.coupon(t).UsedCount)
		assert.Equal(t, 2, h.stock(t, 1))
		assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderConfirmed}, h.eventTypes(t, ord.ID))

		stored, err := h.orders.FindByID(ctx, ord.ID)
		require.NoError(t, err)
		assert.True(t, stored.FinanciallyCommitted())
	})
}

func TestPaidAfterSweepRetakesStock(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		ord := placeDeferred(t, h, "")

		later := testNow.Add(time.Hour)
		swept, err := h.inventory.WithClock(func() time.Time { return later }).SweepExpired(ctx, later, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, swept)
		assert.Equal(t, 5, h.stock(t, 1))

		res, err := h.orch.ConfirmPayment(ctx, PaymentEvent{
			EventID: "evt_1", OrderID: ord.ID, Status: payment.SessionPaid,
		})
		require.NoError(t, err)
		assert.False(t, res.NeedsRefund)
		assert.Equal(t, order.OrderStatusConfirmed, res.Order.Status)
		assert.Equal(t, 2, h.stock(t, 1))
	})
}

func TestPaidWithoutStockNeedsRefund(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		ord := placeDeferred(t, h, "")

		later := testNow.Add(time.Hour)
		_, err := h.inventory.WithClock(func() time.Time { return later }).SweepExpired(ctx, later, 10)
		require.NoError(t, err)

		// someone else buys the whole shelf meanwhile
		_, err = h.orch.Checkout(ctx, teeRequest(order.PaymentPathCOD, "key-2", 5, ""))
		require.NoError(t, err)

		res, err := h.orch.ConfirmPayment(ctx, PaymentEvent{
			EventID: "evt_1", OrderID: ord.ID, Status: payment.SessionPaid,
		})
		require.NoError(t, err)
		assert.True(t, res.NeedsRefund)
		assert.Equal(t, order.OrderStatusPaymentReceived, res.Order.Status)
		assert.Equal(t, order.StockStatusExpired, res.Order.StockStatus)
		assert.Equal(t, 0, h.stock(t, 1))
	})
}

func TestFailedPaymentKeepsHolds(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		ord := placeDeferred(t, h, "SAVE10")

		res, err := h.orch.ConfirmPayment(ctx, PaymentEvent{
			EventID: "evt_1", SessionID: ord.PaymentSessionID, Status: payment.SessionFailed,
		})
		require.NoError(t, err)
		assert.Equal(t, order.OrderStatusPendingPayment, res.Order.Status)
		assert.Equal(t, order.PaymentStatusFailed, res.Order.PaymentStatus)
		assert.Equal(t, 2, h.stock(t, 1))
		assert.Equal(t, 1, h.coupon(t).ReservedCount)

		// the customer retries and pays on the same session
		paid, err := h.orch.ConfirmPayment(ctx, PaymentEvent{
			EventID: "evt_2", SessionID: ord.PaymentSessionID, Status: payment.SessionPaid,
		})
		require.NoError(t, err)
		assert.Equal(t, order.OrderStatusConfirmed, paid.Order.Status)
	})
}

func TestExpiredSessionCancelsOrder(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		ord := placeDeferred(t, h, "SAVE10")

		res, err := h.orch.ConfirmPayment(ctx, PaymentEvent{
			EventID: "evt_1", SessionID: ord.PaymentSessionID, Status: payment.SessionExpired,
		})
		require.NoError(t, err)
		assert.Equal(t, order.OrderStatusCancelled, res.Order.Status)
		assert.Equal(t, order.StockStatusReleased, res.Order.StockStatus)
		assert.Equal(t, 5, h.stock(t, 1))
		assert.Equal(t, 0, h.coupon(t).ReservedCount)
		assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderCancelled}, h.eventTypes(t, ord.ID))

		// a late capture is recorded and flagged for refund
		late, err := h.orch.ConfirmPayment(ctx, PaymentEvent{
			EventID: "evt_2", SessionID: ord.PaymentSessionID, Status: payment.SessionPaid,
		})
		require.NoError(t, err)
		assert.True(t, late.NeedsRefund)
		assert.Equal(t, order.OrderStatusCancelled, late.Order.Status)
		assert.Equal(t, 5, h.stock(t, 1))
	})
}

func TestConfirmPaymentRejectsBadEvents(t *testing.T) {
	h := newHarness(t, TxAuto)
	ctx := context.Background()
	ord := placeDeferred(t, h, "")

	_, err := h.orch.ConfirmPayment(ctx, PaymentEvent{SessionID: ord.PaymentSessionID, Status: payment.SessionPaid})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidEvent))

	_, err = h.orch.ConfirmPayment(ctx, PaymentEvent{EventID: "evt_1", OrderID: ord.ID, SessionID: "sess_other", Status: payment.SessionPaid})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidEvent))

	_, err = h.orch.ConfirmPayment(ctx, PaymentEvent{EventID: "evt_2", SessionID: "sess_missing", Status: payment.SessionPaid})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeOrderNotFound))

	// rejected events are not recorded, so a corrected redelivery still applies
	res, err := h.orch.ConfirmPayment(ctx, PaymentEvent{EventID: "evt_1", OrderID: ord.ID, Status: payment.SessionPaid})
	require.NoError(t, err)
	assert.False(t, res.AlreadyDone)
}

func TestReconcileAppliesGatewayState(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		ord := placeDeferred(t, h, "")

		pending, err := h.orch.Reconcile(ctx, ord.ID)
		require.NoError(t, err)
		assert.Equal(t, order.OrderStatusPendingPayment, pending.Order.Status)

		h.gateway.statuses[ord.PaymentSessionID] = &payment.SessionStatus{
			SessionID:  ord.PaymentSessionID,
			Status:     payment.SessionPaid,
			PaymentID:  "pay_9",
			AmountPaid: ord.TotalAmount,
		}
		res, err := h.orch.Reconcile(ctx, ord.ID)
		require.NoError(t, err)
		assert.Equal(t, order.OrderStatusConfirmed, res.Order.Status)

		again, err := h.orch.Reconcile(ctx, ord.ID)
		require.NoError(t, err)
		assert.True(t, again.AlreadyDone)
	})
}

func TestReconcileNeedsSession(t *testing.T) {
	h := newHarness(t, TxAuto)
	res, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathCOD, "key-1", 1, ""))
	require.NoError(t, err)

	_, err = h.orch.Reconcile(context.Background(), res.Order.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePaymentSessionMissing))
}

func TestCancelRestoresStock(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		res, err := h.orch.Checkout(ctx, teeRequest(order.PaymentPathCOD, "key-1", 2, ""))
		require.NoError(t, err)
		assert.Equal(t, 3, h.stock(t, 1))

		out, err := h.orch.Cancel(ctx, res.Order.ID, "Customer changed their mind", 7)
		require.NoError(t, err)
		assert.Equal(t, order.OrderStatusCancelled, out.Order.Status)
		assert.Equal(t, "Customer changed their mind", out.Order.CancelReason)
		assert.Equal(t, 5, h.stock(t, 1))

		again, err := h.orch.Cancel(ctx, res.Order.ID, "again", 7)
		require.NoError(t, err)
		assert.True(t, again.AlreadyDone)
		assert.Equal(t, 5, h.stock(t, 1))
	})
}

func TestCancelRefusesShippedOrder(t *testing.T) {
	h := newHarness(t, TxAuto)
	ctx := context.Background()
	res, err := h.orch.Checkout(ctx, teeRequest(order.PaymentPathCOD, "key-1", 1, ""))
	require.NoError(t, err)

	svc := order.NewService(h.orders, logger.Discard())
	_, err = svc.SetTracking(ctx, res.Order.ID, "TRK1", "DHL", 1)
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, res.Order.ID, "too late", 7)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
	assert.Equal(t, 4, h.stock(t, 1))
}

func TestReplayReportsRecordedSessionState(t *testing.T) {
	cases := []struct {
		name  string
		event payment.SessionState
		want  payment.SessionState
	}{
		{"paid", payment.SessionPaid, payment.SessionPaid},
		{"failed", payment.SessionFailed, payment.SessionFailed},
		{"expired", payment.SessionExpired, payment.SessionExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, TxAuto)
			ctx := context.Background()
			req := teeRequest(order.PaymentPathDeferred, "replay-"+tc.name, 1, "")

			first, err := h.orch.Checkout(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, payment.SessionPending, first.Session.Status)

			_, err = h.orch.ConfirmPayment(ctx, PaymentEvent{
				EventID: "evt_1", SessionID: first.Session.ID, Status: tc.event,
			})
			require.NoError(t, err)

			again, err := h.orch.Checkout(ctx, req)
			require.NoError(t, err)
			assert.True(t, again.Replayed)
			require.NotNil(t, again.Session)
			assert.Equal(t, first.Session.ID, again.Session.ID)
			assert.Equal(t, tc.want, again.Session.Status)
		})
	}
}
