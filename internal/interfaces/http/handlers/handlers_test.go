package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/checkout-engine/internal/domain/checkout"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/payment"
	"github.com/your-org/checkout-engine/internal/domain/pricing"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- fakes ---

type fakeQuoter struct {
	got pricing.QuoteRequest
	err error
}

func (f *fakeQuoter) Quote(_ context.Context, req pricing.QuoteRequest) (*pricing.Quote, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &pricing.Quote{Currency: "EUR"}, nil
}

type fakeRunner struct {
	got      checkout.Request
	replayed bool
	err      error
}

func (f *fakeRunner) Checkout(_ context.Context, req checkout.Request) (*checkout.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &checkout.Result{Order: &order.Order{ID: "ord-1", UserID: req.UserID}, Replayed: f.replayed}, nil
}

type fakeConfirmer struct {
	events []checkout.PaymentEvent
	seen   map[string]bool
}

func (f *fakeConfirmer) ConfirmPayment(_ context.Context, ev checkout.PaymentEvent) (*checkout.ConfirmResult, error) {
	f.events = append(f.events, ev)
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	dup := f.seen[ev.EventID]
	f.seen[ev.EventID] = true
	return &checkout.ConfirmResult{
		Order:       &order.Order{ID: "ord-1", Status: order.OrderStatusConfirmed},
		AlreadyDone: dup,
	}, nil
}

type fakeOrders struct {
	orders     map[string]*order.Order
	reconciled []string
	cancelled  []string
	refunds    []int64
}

func (f *fakeOrders) GetOrder(_ context.Context, id string) (*order.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", id)
	}
	return o, nil
}

func (f *fakeOrders) GetUserOrders(_ context.Context, userID uint, page, limit int) (*order.OrderListResponse, error) {
	res := &order.OrderListResponse{Pagination: order.Pagination{Page: page, Limit: limit}}
	for _, o := range f.orders {
		if o.UserID == userID {
			res.Orders = append(res.Orders, *o)
		}
	}
	res.Pagination.Total = int64(len(res.Orders))
	return res, nil
}

func (f *fakeOrders) Reconcile(_ context.Context, id string) (*checkout.ConfirmResult, error) {
	f.reconciled = append(f.reconciled, id)
	return &checkout.ConfirmResult{Order: f.orders[id]}, nil
}

func (f *fakeOrders) UpdateOrderStatus(_ context.Context, id string, status order.OrderStatus, _ string, _ uint) (*order.Order, error) {
	o, err := f.GetOrder(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if status == order.OrderStatusCancelled {
		return nil, apperrors.New(apperrors.CodeInvalidTransition, "use cancel")
	}
	o.Status = status
	return o, nil
}

func (f *fakeOrders) SetTracking(_ context.Context, id, tracking, carrier string, _ uint) (*order.Order, error) {
	o, err := f.GetOrder(context.Background(), id)
	if err != nil {
		return nil, err
	}
	o.TrackingNumber, o.ShippingCarrier = tracking, carrier
	return o, nil
}

func (f *fakeOrders) Refund(_ context.Context, id string, amount int64, _ string, _ uint) (*order.Order, error) {
	f.refunds = append(f.refunds, amount)
	return f.GetOrder(context.Background(), id)
}

func (f *fakeOrders) Cancel(_ context.Context, id, _ string, _ uint) (*checkout.ConfirmResult, error) {
	f.cancelled = append(f.cancelled, id)
	o, err := f.GetOrder(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return &checkout.ConfirmResult{Order: o}, nil
}

type fakeJobs struct{ ran []string }

func (f *fakeJobs) RunOnce(_ context.Context, name string) (int, error) {
	if name == "broken" {
		return 0, errors.New("db down")
	}
	f.ran = append(f.ran, name)
	return 2, nil
}

// --- helpers ---

// asUser stands in for the auth middleware
func asUser(id uint, admin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", id)
		c.Set("is_admin", admin)
		c.Next()
	}
}

func do(r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var checkoutBody = map[string]interface{}{
	"lines":         []map[string]interface{}{{"product_id": 1, "quantity": 2}},
	"shipping":      map[string]interface{}{"method": "delivery", "area": "city"},
	"discount_code": "SAVE10",
}

// --- checkout ---

func TestCheckoutPassesIdempotencyKeyAndPath(t *testing.T) {
	runner := &fakeRunner{}
	h := NewCheckoutHandler(&fakeQuoter{}, runner)
	r := gin.New()
	r.POST("/checkout/cod", asUser(7, false), h.CashOnDelivery)
	r.POST("/checkout/deferred", asUser(7, false), h.Deferred)

	rec := do(r, http.MethodPost, "/checkout/cod", checkoutBody, map[string]string{IdempotencyHeader: "key-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, order.PaymentPathCOD, runner.got.Path)
	assert.Equal(t, "key-1", runner.got.IdempotencyKey)
	assert.Equal(t, uint(7), runner.got.UserID)
	assert.Equal(t, "SAVE10", runner.got.DiscountCode)
	require.Len(t, runner.got.Lines, 1)
	assert.Equal(t, 2, runner.got.Lines[0].Quantity)

	runner.replayed = true
	rec = do(r, http.MethodPost, "/checkout/deferred", checkoutBody, map[string]string{IdempotencyHeader: "key-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.PaymentPathDeferred, runner.got.Path)
}

func TestCheckoutRendersCodedErrors(t *testing.T) {
	runner := &fakeRunner{err: apperrors.New(apperrors.CodeOutOfStockPartial, "only 1 left").WithDetail("product_id", 1)}
	h := NewCheckoutHandler(&fakeQuoter{}, runner)
	r := gin.New()
	r.POST("/checkout/cod", asUser(7, false), h.CashOnDelivery)

	rec := do(r, http.MethodPost, "/checkout/cod", checkoutBody, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "OUT_OF_STOCK_PARTIAL", body["code"])
	assert.Equal(t, "only 1 left", body["error"])
	assert.Equal(t, map[string]interface{}{"product_id": 1.0}, body["details"])

	runner.err = errors.New("connection reset")
	rec = do(r, http.MethodPost, "/checkout/cod", checkoutBody, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestCheckoutRejectsBadInput(t *testing.T) {
	h := NewCheckoutHandler(&fakeQuoter{}, &fakeRunner{})
	r := gin.New()
	r.POST("/checkout/cod", asUser(7, false), h.CashOnDelivery)
	r.POST("/anon", h.CashOnDelivery)

	rec := do(r, http.MethodPost, "/checkout/cod", map[string]interface{}{"lines": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/anon", checkoutBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQuoteUsesCaller(t *testing.T) {
	q := &fakeQuoter{}
	h := NewCheckoutHandler(q, &fakeRunner{})
	r := gin.New()
	r.POST("/checkout/quote", asUser(9, false), h.Quote)

	rec := do(r, http.MethodPost, "/checkout/quote", checkoutBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, q.got.UserID)
	assert.Equal(t, uint(9), *q.got.UserID)
	assert.Equal(t, "city", q.got.Shipping.Area)

	q.err = apperrors.New(apperrors.CodeInvalidShippingArea, "unknown area")
	rec = do(r, http.MethodPost, "/checkout/quote", checkoutBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SHIPPING_AREA", decode(t, rec)["code"])
}

// --- webhooks ---

const webhookSecret = "whsec_test"

func webhookRequest(r *gin.Engine, body []byte, signature, eventID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signature)
	if eventID != "" {
		req.Header.Set(eventIDHeader, eventID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestWebhookConfirmsOncePerEvent(t *testing.T) {
	confirmer := &fakeConfirmer{}
	h := NewPaymentHandler(confirmer, webhookSecret, logger.Discard())
	r := gin.New()
	r.POST("/webhooks/payments", h.Webhook)

	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"sess_1","amount":27500,"status":"captured"}}}}`)
	sig := payment.Sign(webhookSecret, body)

	rec := webhookRequest(r, body, sig, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processed", decode(t, rec)["status"])
	require.Len(t, confirmer.events, 1)
	assert.Equal(t, checkout.PaymentEvent{
		EventID:   "evt_1",
		SessionID: "sess_1",
		Status:    payment.SessionPaid,
		PaymentID: "pay_1",
		Amount:    27500,
	}, confirmer.events[0])

	rec = webhookRequest(r, body, sig, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["status"])
}

func TestWebhookRejectsBadSignatureAndPayload(t *testing.T) {
	confirmer := &fakeConfirmer{}
	h := NewPaymentHandler(confirmer, webhookSecret, logger.Discard())
	r := gin.New()
	r.POST("/webhooks/payments", h.Webhook)

	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"sess_1"}}}}`)
	assert.Equal(t, http.StatusUnauthorized, webhookRequest(r, body, "deadbeef", "evt_1").Code)

	garbage := []byte(`{not json`)
	rec := webhookRequest(r, garbage, payment.Sign(webhookSecret, garbage), "evt_2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PAYMENT_EVENT", decode(t, rec)["code"])

	authorized := []byte(`{"event":"payment.authorized","payload":{"payment":{"entity":{"id":"pay_1","order_id":"sess_1"}}}}`)
	rec = webhookRequest(r, authorized, payment.Sign(webhookSecret, authorized), "evt_3")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode(t, rec)["status"])

	assert.Empty(t, confirmer.events)
}

// --- orders ---

func newOrdersRouter(f *fakeOrders, userID uint, admin bool) *gin.Engine {
	h := NewOrderHandler(f, f)
	r := gin.New()
	r.Use(asUser(userID, admin))
	r.GET("/orders", h.GetOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/reconcile", h.Reconcile)
	return r
}

func TestOrdersAreOnlyVisibleToTheirOwner(t *testing.T) {
	f := &fakeOrders{orders: map[string]*order.Order{
		"mine":   {ID: "mine", UserID: 7},
		"theirs": {ID: "theirs", UserID: 8},
	}}
	r := newOrdersRouter(f, 7, false)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/orders/mine", nil, nil).Code)

	rec := do(r, http.MethodGet, "/orders/theirs", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", decode(t, rec)["code"])

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/orders/theirs/reconcile", nil, nil).Code)
	assert.Empty(t, f.reconciled)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/orders/mine/reconcile", nil, nil).Code)
	assert.Equal(t, []string{"mine"}, f.reconciled)

	rec = do(r, http.MethodGet, "/orders?page=1&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]interface{})
	assert.Len(t, data["orders"], 1)

	admin := newOrdersRouter(f, 1, true)
	assert.Equal(t, http.StatusOK, do(admin, http.MethodGet, "/orders/theirs", nil, nil).Code)
}

// --- admin ---

func TestAdminEndpoints(t *testing.T) {
	f := &fakeOrders{orders: map[string]*order.Order{"o1": {ID: "o1", UserID: 7, Status: order.OrderStatusConfirmed}}}
	jobs := &fakeJobs{}
	h := NewAdminHandler(f, f, jobs, []string{"sweep_inventory", "sweep_discounts"}, "repair_orphans")
	r := gin.New()
	r.Use(asUser(1, true))
	r.PUT("/orders/:id/status", h.UpdateOrderStatus)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.PUT("/orders/:id/tracking", h.SetTracking)
	r.POST("/orders/:id/refund", h.RefundOrder)
	r.POST("/inventory/sweep", h.SweepReservations)
	r.POST("/inventory/repair", h.RepairReservations)

	rec := do(r, http.MethodPut, "/orders/o1/status", map[string]string{"status": "processing"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.OrderStatusProcessing, f.orders["o1"].Status)

	rec = do(r, http.MethodPut, "/orders/o1/status", map[string]string{"status": "cancelled"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(r, http.MethodPut, "/orders/o1/tracking", map[string]string{"tracking_number": "TRK1", "carrier": "DHL"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TRK1", f.orders["o1"].TrackingNumber)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/orders/o1/refund", map[string]interface{}{"amount": 0, "reason": "x"}, nil).Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/orders/o1/refund", map[string]interface{}{"amount": 500, "reason": "damaged"}, nil).Code)
	assert.Equal(t, []int64{500}, f.refunds)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/orders/o1/cancel", map[string]string{}, nil).Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/orders/o1/cancel", map[string]string{"reason": "customer request"}, nil).Code)
	assert.Equal(t, []string{"o1"}, f.cancelled)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/orders/missing/cancel", map[string]string{"reason": "x"}, nil).Code)

	rec = do(r, http.MethodPost, "/inventory/sweep", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"sweep_inventory": 2.0, "sweep_discounts": 2.0}, decode(t, rec)["data"])

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/inventory/repair", nil, nil).Code)
	assert.Equal(t, []string{"sweep_inventory", "sweep_discounts", "repair_orphans"}, jobs.ran)

	broken := NewAdminHandler(f, f, jobs, []string{"broken"}, "broken")
	r2 := gin.New()
	r2.POST("/inventory/sweep", broken.SweepReservations)
	assert.Equal(t, http.StatusInternalServerError, do(r2, http.MethodPost, "/inventory/sweep", nil, nil).Code)
}
