package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/checkout-engine/internal/domain/catalog"
	"github.com/your-org/checkout-engine/internal/domain/discount"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/payment"
	"github.com/your-org/checkout-engine/internal/domain/pricing"
	"github.com/your-org/checkout-engine/internal/domain/shipping"
	"github.com/your-org/checkout-engine/internal/infrastructure/database/sqlite/sqlitetest"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/logger"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
	"github.com/your-org/checkout-engine/internal/pkg/money"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeShipping struct{ fee int64 }

func (f fakeShipping) Resolve(_ context.Context, sel shipping.Selection, _ int64) (*shipping.Option, error) {
	if sel.Method != shipping.MethodDelivery {
		return nil, apperrors.New(apperrors.CodeInvalidShippingMethod, "unknown method")
	}
	if sel.Area == "courtesy" {
		return &shipping.Option{Method: sel.Method, Code: sel.Area, Label: "Courtesy delivery"}, nil
	}
	return &shipping.Option{Method: sel.Method, Code: sel.Area, Label: "City delivery", Fee: f.fee}, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	fail     error
	requests []payment.SessionRequest
	statuses map[string]*payment.SessionStatus
}

func (g *fakeGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return nil, g.fail
	}
	g.requests = append(g.requests, req)
	id := fmt.Sprintf("sess_%d", len(g.requests))
	return &payment.Session{ID: id, URL: "https://pay.test/" + id, Status: payment.SessionPending}, nil
}

func (g *fakeGateway) RetrieveSession(_ context.Context, id string) (*payment.SessionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.statuses[id]; ok {
		return st, nil
	}
	return &payment.SessionStatus{SessionID: id, Status: payment.SessionPending}, nil
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (busyLocker) Release(context.Context, string, string) error { return nil }

// racingPricer lets another order take the coupon's last use right after the
// first quote, as a concurrent checkout would.
type racingPricer struct {
	next      Pricer
	discounts *discount.Ledger
	once      sync.Once
}

func (p *racingPricer) Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.Quote, error) {
	q, err := p.next.Quote(ctx, req)
	if err != nil {
		return nil, err
	}
	p.once.Do(func() {
		_, err = p.discounts.Reserve(ctx, req.DiscountCode, "rival-order", nil, time.Hour)
	})
	return q, err
}

type harness struct {
	db        *gorm.DB
	orch      *Orchestrator
	gateway   *fakeGateway
	inventory *inventory.Ledger
	discounts *discount.Ledger
	orders    *order.Store
	engine    *pricing.Engine
}

func newHarness(t *testing.T, mode TxMode) *harness {
	db := sqlitetest.NewDB(t,
		&catalog.Product{}, &catalog.ProductVariant{}, &catalog.Campaign{}, &catalog.Offer{}, &catalog.GiftRule{},
		&inventory.Reservation{}, &inventory.StockMovement{},
		&discount.Coupon{}, &discount.Reservation{}, &discount.Redemption{}, &discount.UserUsage{},
		&order.Order{}, &order.OrderItem{}, &order.OrderStatusHistory{},
		&events.OutboxEvent{}, &ProcessedEvent{},
	)
	require.NoError(t, db.Create(&[]catalog.Product{
		{ID: 1, SKU: "TEE", Name: "Tee", Price: 10000, Stock: 5, TrackQuantity: true, IsActive: true},
		{ID: 2, SKU: "MUG", Name: "Mug", Price: 2500, Stock: 1, TrackQuantity: true, IsActive: true},
		{ID: 3, SKU: "SAMPLE", Name: "Fabric sample", Price: 0, Stock: 5, TrackQuantity: true, IsActive: true},
	}).Error)
	require.NoError(t, db.Create(&discount.Coupon{
		Code: "SAVE10", Type: discount.CouponTypePercentage, Value: 1000, MinOrderAmount: 20000,
		IsActive: true, MaxUsesTotal: 1,
	}).Error)

	clock := func() time.Time { return testNow }
	log := logger.Discard()
	h := &harness{
		db:        db,
		gateway:   &fakeGateway{statuses: map[string]*payment.SessionStatus{}},
		inventory: inventory.NewLedger(db, log).WithClock(clock),
		discounts: discount.NewLedger(db, log).WithClock(clock),
		orders:    order.NewStore(db, log),
	}
	h.engine = pricing.NewEngine(catalog.NewRepository(db), fakeShipping{fee: 500}, h.discounts, pricing.Config{
		Currency: "EUR",
		Mode:     money.TaxInclusive,
		RateBps:  1800,
		Strict:   true,
	}).WithClock(clock)
	h.orch = NewOrchestrator(Deps{
		DB:        db,
		Pricer:    h.engine,
		Inventory: h.inventory,
		Discounts: h.discounts,
		Orders:    h.orders,
		Outbox:    events.NewOutbox(db),
		Gateway:   h.gateway,
		Probe:     NewTxProbe(db, mode, false, log),
		Metrics:   metrics.New("test"),
		Log:       log,
	}, Config{InventoryTTL: 15 * time.Minute, DiscountTTL: 15 * time.Minute}).WithClock(clock)
	return h
}

func (h *harness) stock(t *testing.T, id uint) int {
	var p catalog.Product
	require.NoError(t, h.db.First(&p, id).Error)
	return p.Stock
}

func (h *harness) coupon(t *testing.T) discount.Coupon {
	var c discount.Coupon
	require.NoError(t, h.db.Where("code = ?", "SAVE10").First(&c).Error)
	return c
}

func (h *harness) eventTypes(t *testing.T, orderID string) []string {
	var types []string
	require.NoError(t, h.db.Model(&events.OutboxEvent{}).
		Where("aggregate_id = ?", orderID).
		Order("id").
		Pluck("event_type", &types).Error)
	return types
}

func (h *harness) orderCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, h.db.Model(&order.Order{}).Count(&n).Error)
	return n
}

func bothModes(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, mode := range map[string]TxMode{"transactional": TxAlways, "compensating": TxNever} {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarness(t, mode))
		})
	}
}

func teeRequest(path order.PaymentPath, key string, qty int, code string) Request {
	return Request{
		Path:           path,
		UserID:         7,
		IdempotencyKey: key,
		Lines:          []pricing.LineRequest{{ProductID: 1, Quantity: qty}},
		Shipping:       shipping.Selection{Method: shipping.MethodDelivery, Area: "city"},
		DiscountCode:   code,
	}
}

func TestDeferredCheckoutWithCoupon(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		res, err := h.orch.Checkout(ctx, teeRequest(order.PaymentPathDeferred, "key-1", 3, "save10"))
		require.NoError(t, err)
		assert.False(t, res.Replayed)

		ord := res.Order
		assert.Equal(t, order.OrderStatusPendingPayment, ord.Status)
		assert.Equal(t, order.StockStatusReserved, ord.StockStatus)
		assert.Equal(t, order.PaymentStatusSessionCreated, ord.PaymentStatus)
		assert.Equal(t, int64(30000), ord.Subtotal)
		assert.Equal(t, int64(3000), ord.CouponDiscount)
		assert.Equal(t, int64(27500), ord.TotalAmount, "inclusive tax is not added on top")
		assert.Equal(t, "SAVE10", ord.CouponCode)
		require.NotNil(t, res.Session)
		assert.Equal(t, res.Session.ID, ord.PaymentSessionID)

		require.Len(t, h.gateway.requests, 1)
		assert.Equal(t, int64(27500), h.gateway.requests[0].Amount)

		assert.Equal(t, 2, h.stock(t, 1))
		c := h.coupon(t)
		assert.Equal(t, 1, c.ReservedCount)
		assert.Equal(t, 0, c.UsedCount)
		assert.Equal(t, []string{events.TypeOrderCreated}, h.eventTypes(t, ord.ID))
	})
}

func TestCheckoutReplaysSameIdempotencyKey(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		req := teeRequest(order.PaymentPathDeferred, "key-1", 1, "")

		first, err := h.orch.Checkout(ctx, req)
		require.NoError(t, err)

		second, err := h.orch.Checkout(ctx, req)
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.Order.ID, second.Order.ID)
		require.NotNil(t, second.Session)
		assert.Equal(t, first.Session.ID, second.Session.ID)

		assert.Equal(t, 4, h.stock(t, 1), "stock is taken once")
		assert.Len(t, h.gateway.requests, 1)
		assert.Equal(t, int64(1), h.orderCount(t))

		// the same key on the other payment path is a different checkout
		cod, err := h.orch.Checkout(ctx, teeRequest(order.PaymentPathCOD, "key-1", 1, ""))
		require.NoError(t, err)
		assert.NotEqual(t, first.Order.ID, cod.Order.ID)
	})
}

func TestZeroTotalCheckout(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		req := Request{
			Path:           order.PaymentPathDeferred,
			UserID:         7,
			IdempotencyKey: "free-1",
			Lines:          []pricing.LineRequest{{ProductID: 3, Quantity: 1}},
			Shipping:       shipping.Selection{Method: shipping.MethodDelivery, Area: "courtesy"},
		}

		_, err := h.orch.Checkout(ctx, req)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodePaymentNotRequired))
		assert.Empty(t, h.gateway.requests)
		assert.Equal(t, 5, h.stock(t, 3))
		assert.Zero(t, h.orderCount(t))

		req.Path = order.PaymentPathCOD
		res, err := h.orch.Checkout(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, order.OrderStatusConfirmed, res.Order.Status)
		assert.Zero(t, res.Order.TotalAmount)
		assert.Equal(t, 4, h.stock(t, 3))
	})
}

func TestCheckoutRequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t, TxAuto)

	_, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathCOD, "  ", 1, ""))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeIdempotencyKeyRequired))
}

func TestCheckoutRejectsConcurrentDuplicate(t *testing.T) {
	h := newHarness(t, TxAuto)
	h.orch.locker = busyLocker{}

	_, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathCOD, "key-1", 1, ""))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCheckoutInProgress))
	assert.Equal(t, 5, h.stock(t, 1))
}

func TestCashOnDeliveryConfirmsImmediately(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		res, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathCOD, "key-1", 2, "SAVE10"))
		require.NoError(t, err)

		ord := res.Order
		assert.Nil(t, res.Session)
		assert.Equal(t, order.OrderStatusConfirmed, ord.Status)
		assert.Equal(t, order.StockStatusConfirmed, ord.StockStatus)
		assert.Equal(t, order.PaymentStatusCODPending, ord.PaymentStatus)
		assert.NotNil(t, ord.ConfirmedAt)
		assert.Equal(t, int64(18500), ord.TotalAmount)

		hold, err := h.inventory.Find(context.Background(), ord.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusConfirmed, hold.Status)

		c := h.coupon(t)
		assert.Equal(t, 1, c.UsedCount)
		assert.Equal(t, 0, c.ReservedCount)
		assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderConfirmed}, h.eventTypes(t, ord.ID))
	})
}

func TestGatewayFailureUndoesEverything(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		h.gateway.fail = errors.New("gateway down")

		_, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathDeferred, "key-1", 3, "SAVE10"))
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodePaymentSessionFailed))

		assert.Equal(t, 5, h.stock(t, 1))
		assert.Equal(t, int64(0), h.orderCount(t))
		c := h.coupon(t)
		assert.Equal(t, 0, c.ReservedCount)

		// the key is free for a retry once the gateway recovers
		h.gateway.fail = nil
		res, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathDeferred, "key-1", 3, "SAVE10"))
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, 2, h.stock(t, 1))
	})
}

func TestOutOfStockLeavesNoTrace(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		req := teeRequest(order.PaymentPathCOD, "key-1", 1, "")
		req.Lines = append(req.Lines, pricing.LineRequest{ProductID: 2, Quantity: 1})

		_, err := h.orch.Checkout(context.Background(), req)
		require.NoError(t, err)

		// the mug is gone now
		_, err = h.orch.Checkout(context.Background(), Request{
			Path:           order.PaymentPathDeferred,
			UserID:         8,
			IdempotencyKey: "key-2",
			Lines:          []pricing.LineRequest{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 1}},
			Shipping:       shipping.Selection{Method: shipping.MethodDelivery, Area: "city"},
		})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeOutOfStock, apperrors.CodeOutOfStockPartial))
		assert.Equal(t, 4, h.stock(t, 1))
		assert.Equal(t, int64(1), h.orderCount(t))
	})
}

func TestSecondOrderCompletesWithoutExhaustedCoupon(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		ctx := context.Background()

		_, err := h.orch.Checkout(ctx, teeRequest(order.PaymentPathDeferred, "key-1", 2, "SAVE10"))
		require.NoError(t, err)

		req := teeRequest(order.PaymentPathDeferred, "key-2", 2, "SAVE10")
		req.UserID = 8
		res, err := h.orch.Checkout(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, res.Order.CouponCode)
		assert.Equal(t, int64(20500), res.Order.TotalAmount)
		require.NotNil(t, res.Quote.Coupon)
		assert.Equal(t, pricing.CouponReasonLimitReached, res.Quote.Coupon.Reason)

		assert.Equal(t, 1, h.coupon(t).ReservedCount)
	})
}

func TestCouponLostToConcurrentCheckoutDowngrades(t *testing.T) {
	bothModes(t, func(t *testing.T, h *harness) {
		h.orch.pricer = &racingPricer{next: h.engine, discounts: h.discounts}

		res, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathDeferred, "key-1", 3, "SAVE10"))
		require.NoError(t, err)

		assert.Empty(t, res.Order.CouponCode)
		assert.Equal(t, int64(30500), res.Order.TotalAmount)
		require.NotNil(t, res.Quote.Coupon)
		assert.Equal(t, pricing.CouponReasonCapacityTaken, res.Quote.Coupon.Reason)
		require.NotEmpty(t, res.Warnings)
		assert.Equal(t, apperrors.CodeCouponLimitReached, res.Warnings[len(res.Warnings)-1].Code)

		assert.Equal(t, 2, h.stock(t, 1))
		assert.Equal(t, 1, h.coupon(t).ReservedCount, "only the rival holds the code")
	})
}

func TestRequiredTransactionsFailWhenDisabled(t *testing.T) {
	h := newHarness(t, TxNever)
	h.orch.probe = NewTxProbe(h.db, TxNever, true, logger.Discard())

	_, err := h.orch.Checkout(context.Background(), teeRequest(order.PaymentPathCOD, "key-1", 1, ""))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTransactionsRequired))
	assert.Equal(t, 5, h.stock(t, 1))
}

func TestProbeDetectsTransactions(t *testing.T) {
	h := newHarness(t, TxAuto)

	ok, err := h.orch.probe.Transactional(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	mode, err := ParseTxMode("")
	require.NoError(t, err)
	assert.Equal(t, TxAuto, mode)
	_, err = ParseTxMode("sometimes")
	assert.Error(t, err)
}
