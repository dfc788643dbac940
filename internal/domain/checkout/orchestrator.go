// internal/domain/checkout/orchestrator.go
package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/domain/discount"
	"github.com/your-org/checkout-engine/internal/domain/events"
	"github.com/your-org/checkout-engine/internal/domain/inventory"
	"github.com/your-org/checkout-engine/internal/domain/order"
	"github.com/your-org/checkout-engine/internal/domain/payment"
	"github.com/your-org/checkout-engine/internal/domain/pricing"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"github.com/your-org/checkout-engine/internal/pkg/metrics"
	"github.com/your-org/checkout-engine/internal/pkg/money"
	"gorm.io/gorm"
)

// Pricer computes quotes
type Pricer interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.Quote, error)
}

// Locker serializes concurrent requests that carry the same idempotency key
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Config holds the reservation lifetimes used by checkout
type Config struct {
	InventoryTTL time.Duration
	DiscountTTL  time.Duration
	LockTTL      time.Duration
}

// Deps are the collaborators of the orchestrator. Locker and Metrics may be nil.
type Deps struct {
	DB        *gorm.DB
	Pricer    Pricer
	Inventory *inventory.Ledger
	Discounts *discount.Ledger
	Orders    *order.Store
	Outbox    *events.Outbox
	Gateway   payment.Gateway
	Probe     *TxProbe
	Locker    Locker
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
}

// Orchestrator runs checkout: quote, discount hold, stock hold, order creation
// and payment session or immediate confirmation. Steps run in one database
// transaction when the store supports it and as a compensating sequence when
// it does not.
type Orchestrator struct {
	db        *gorm.DB
	pricer    Pricer
	inventory *inventory.Ledger
	discounts *discount.Ledger
	orders    *order.Store
	outbox    *events.Outbox
	gateway   payment.Gateway
	probe     *TxProbe
	locker    Locker
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	cfg       Config
	now       func() time.Time
}

// NewOrchestrator creates a new checkout orchestrator
func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Orchestrator{
		db:        d.DB,
		pricer:    d.Pricer,
		inventory: d.Inventory,
		discounts: d.Discounts,
		orders:    d.Orders,
		outbox:    d.Outbox,
		gateway:   d.Gateway,
		probe:     d.Probe,
		locker:    d.Locker,
		metrics:   d.Metrics,
		log:       d.Log,
		cfg:       cfg,
		now:       dbutil.UTCNow,
	}
}

// WithClock returns a copy of the orchestrator that reads time from now
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	cp := *o
	cp.now = now
	return &cp
}

// ProbeTransactions resolves the execution mode ahead of the first checkout
func (o *Orchestrator) ProbeTransactions(ctx context.Context) (bool, error) {
	return o.probe.Transactional(ctx)
}

// unit is the set of stores one checkout step sequence writes through. Inside a
// transaction every store is bound to it and undo is nil.
type unit struct {
	db            *gorm.DB
	inventory     *inventory.Ledger
	discounts     *discount.Ledger
	orders        *order.Store
	outbox        *events.Outbox
	undo          *compensator
	transactional bool
}

func (o *Orchestrator) run(ctx context.Context, transactional bool, undo *compensator, fn func(u *unit) error) error {
	if !transactional {
		return fn(&unit{
			db:        o.db,
			inventory: o.inventory,
			discounts: o.discounts,
			orders:    o.orders,
			outbox:    o.outbox,
			undo:      undo,
		})
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&unit{
			db:            tx,
			inventory:     o.inventory.WithDB(tx),
			discounts:     o.discounts.WithDB(tx),
			orders:        o.orders.WithDB(tx),
			outbox:        o.outbox.WithDB(tx),
			transactional: true,
		})
	})
}

// Checkout places an order. Repeating a call with the same user, payment path
// and idempotency key returns the order created by the first call.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*Result, error) {
	res, err := o.checkout(ctx, req)
	o.observe(req.Path, res, err)
	return res, err
}

func (o *Orchestrator) checkout(ctx context.Context, req Request) (*Result, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return nil, apperrors.New(apperrors.CodeIdempotencyKeyRequired, "Idempotency-Key header is required")
	}
	if req.Path != order.PaymentPathCOD && req.Path != order.PaymentPathDeferred {
		return nil, fmt.Errorf("unknown payment path %q", req.Path)
	}

	transactional, err := o.probe.Transactional(ctx)
	if err != nil {
		return nil, err
	}

	if res, err := o.replay(ctx, req); res != nil || err != nil {
		return res, err
	}

	if o.locker != nil {
		key := fmt.Sprintf("checkout:%d:%s:%s", req.UserID, req.Path, req.IdempotencyKey)
		token, ok, err := o.locker.Acquire(ctx, key, o.cfg.LockTTL)
		switch {
		case err != nil:
			// The unique index on the idempotency key still prevents duplicates.
			o.log.WithError(err).Warn("Idempotency lock unavailable")
		case !ok:
			return nil, apperrors.New(apperrors.CodeCheckoutInProgress, "a checkout with this idempotency key is already in progress")
		default:
			defer func() {
				if err := o.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					o.log.WithError(err).Warn("Failed to release idempotency lock")
				}
			}()
			if res, err := o.replay(ctx, req); res != nil || err != nil {
				return res, err
			}
		}
	}

	res, err := o.create(ctx, req, transactional)
	if err != nil && dbutil.IsUniqueViolation(err) {
		if existing, rerr := o.replay(ctx, req); rerr == nil && existing != nil {
			return existing, nil
		}
	}
	return res, err
}

// replay returns the result of an earlier call with the same idempotency key,
// or nil when there was none
func (o *Orchestrator) replay(ctx context.Context, req Request) (*Result, error) {
	existing, err := o.orders.FindByIdempotencyKey(ctx, req.UserID, req.Path, req.IdempotencyKey)
	if apperrors.HasCode(err, apperrors.CodeOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Order: existing, Replayed: true}
	if existing.PaymentSessionID != "" {
		res.Session = &payment.Session{
			ID:     existing.PaymentSessionID,
			URL:    existing.PaymentSessionURL,
			Status: sessionState(existing),
		}
	}
	return res, nil
}

// sessionState reports the payment session state recorded on an order
func sessionState(o *order.Order) payment.SessionState {
	switch {
	case o.PaymentCapturedAt != nil ||
		o.PaymentStatus == order.PaymentStatusCaptured ||
		o.PaymentStatus == order.PaymentStatusRefunded:
		return payment.SessionPaid
	case o.PaymentStatus == order.PaymentStatusFailed:
		return payment.SessionFailed
	case o.Status == order.OrderStatusCancelled:
		return payment.SessionExpired
	default:
		return payment.SessionPending
	}
}

func (o *Orchestrator) create(ctx context.Context, req Request, transactional bool) (*Result, error) {
	quoteReq := pricing.QuoteRequest{
		UserID:       &req.UserID,
		Lines:        req.Lines,
		Shipping:     req.Shipping,
		DiscountCode: req.DiscountCode,
	}
	quote, err := o.pricer.Quote(ctx, quoteReq)
	if err != nil {
		return nil, err
	}
	if w, blocked := quote.BlockingWarning(); blocked {
		return nil, apperrors.New(apperrors.CodeGiftOutOfStock, w.Message).WithDetail("rule_id", w.RuleID)
	}
	if req.Path == order.PaymentPathDeferred && quote.GrandTotal.Minor <= 0 {
		return nil, apperrors.New(apperrors.CodePaymentNotRequired,
			"order total is zero; place it through cash on delivery instead")
	}

	orderID := order.NewID()
	res, err := o.attempt(ctx, req, orderID, quote, transactional)

	if err != nil && appliedCode(quote) != "" &&
		apperrors.HasCode(err, apperrors.CodeCouponLimitReached, apperrors.CodeCouponUserLimitReached) {
		// Another checkout took the code's last use. The order goes through at
		// the undiscounted price and the caller is told why.
		o.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"code":     appliedCode(quote),
			"reason":   apperrors.CodeOf(err),
		}).Info("Discount capacity taken during checkout, continuing without it")

		quoteReq.DiscountCode = ""
		fallback, qerr := o.pricer.Quote(ctx, quoteReq)
		if qerr != nil {
			return nil, qerr
		}
		fallback.Coupon = &pricing.CouponResult{
			Code:   quote.Coupon.Code,
			Amount: money.New(0),
			Reason: pricing.CouponReasonCapacityTaken,
		}
		fallback.Warnings = append(fallback.Warnings, pricing.Warning{
			Code:    apperrors.CodeOf(err),
			Message: fmt.Sprintf("discount code %s is no longer available; the order was placed without it", quote.Coupon.Code),
		})
		quote = fallback
		res, err = o.attempt(ctx, req, orderID, quote, transactional)
	}
	if err != nil {
		return nil, err
	}

	res.Quote = quote
	res.Warnings = quote.Warnings
	return res, nil
}

// attempt runs the reservation and order steps once for a fixed quote
func (o *Orchestrator) attempt(ctx context.Context, req Request, orderID string, quote *pricing.Quote, transactional bool) (*Result, error) {
	log := o.log.WithFields(logrus.Fields{"order_id": orderID, "path": req.Path})
	undo := newCompensator(log, o.metrics)
	code := appliedCode(quote)

	var res *Result
	err := func() error {
		// The discount hold comes first on the deferred path so that stock is
		// never held for a checkout about to fail on coupon capacity.
		if req.Path == order.PaymentPathDeferred && code != "" {
			if _, err := o.discounts.Reserve(ctx, code, orderID, &req.UserID, o.cfg.DiscountTTL); err != nil {
				return err
			}
			undo.push("release_discount", func(ctx context.Context) error {
				_, err := o.discounts.Release(ctx, code, orderID)
				return err
			})
		}

		var inner *compensator
		if !transactional {
			inner = undo
		}
		return o.run(ctx, transactional, inner, func(u *unit) error {
			var err error
			if req.Path == order.PaymentPathDeferred {
				res, err = o.deferred(ctx, u, req, orderID, quote)
			} else {
				res, err = o.cashOnDelivery(ctx, u, req, orderID, quote)
			}
			return err
		})
	}()
	if err != nil {
		log.WithError(err).WithField("code", apperrors.CodeOf(err)).Warn("Checkout failed")
		undo.unwind(ctx, err)
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) deferred(ctx context.Context, u *unit, req Request, orderID string, quote *pricing.Quote) (*Result, error) {
	now := o.now()

	if _, err := u.inventory.Reserve(ctx, orderID, stockItems(quote), o.cfg.InventoryTTL); err != nil {
		return nil, err
	}
	u.undo.push("release_inventory", func(ctx context.Context) error {
		_, err := o.inventory.Release(ctx, orderID)
		return err
	})

	ord := buildOrder(req, orderID, quote, now)
	ord.StockStatus = order.StockStatusReserved
	ord.PaymentStatus = order.PaymentStatusPending
	if err := ord.Transition(order.OrderStatusPendingPayment, req.UserID, "Order placed, awaiting payment", now); err != nil {
		return nil, err
	}
	if err := u.orders.Create(ctx, ord); err != nil {
		return nil, err
	}
	u.undo.push("delete_order", func(ctx context.Context) error {
		return o.orders.Delete(ctx, orderID)
	})

	sess, err := o.gateway.CreateSession(ctx, sessionRequest(ord))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePaymentSessionFailed, "could not create payment session", err)
	}

	ord.PaymentSessionID = sess.ID
	ord.PaymentSessionURL = sess.URL
	ord.PaymentStatus = order.PaymentStatusSessionCreated
	if err := u.orders.Save(ctx, ord); err != nil {
		return nil, err
	}
	if err := o.appendEvent(ctx, u, ord, events.TypeOrderCreated); err != nil {
		return nil, err
	}

	return &Result{Order: ord, Session: sess}, nil
}

func (o *Orchestrator) cashOnDelivery(ctx context.Context, u *unit, req Request, orderID string, quote *pricing.Quote) (*Result, error) {
	now := o.now()
	code := appliedCode(quote)

	if _, err := u.inventory.Reserve(ctx, orderID, stockItems(quote), o.cfg.InventoryTTL); err != nil {
		return nil, err
	}
	u.undo.push("release_inventory", func(ctx context.Context) error {
		_, err := o.inventory.Cancel(ctx, orderID, inventory.ReasonCompensation)
		return err
	})

	ord := buildOrder(req, orderID, quote, now)
	ord.StockStatus = order.StockStatusReserved
	ord.PaymentStatus = order.PaymentStatusCODPending
	if err := ord.Transition(order.OrderStatusPendingCOD, req.UserID, "Cash on delivery order placed", now); err != nil {
		return nil, err
	}
	if err := u.orders.Create(ctx, ord); err != nil {
		return nil, err
	}
	u.undo.push("delete_order", func(ctx context.Context) error {
		return o.orders.Delete(ctx, orderID)
	})

	if _, err := u.inventory.Confirm(ctx, orderID); err != nil {
		return nil, err
	}
	ord.StockStatus = order.StockStatusConfirmed

	if code != "" {
		if _, err := u.discounts.ConsumeDirect(ctx, code, orderID, &req.UserID); err != nil {
			return nil, err
		}
	}

	if err := ord.Transition(order.OrderStatusConfirmed, req.UserID, "Stock confirmed for cash on delivery", now); err != nil {
		return nil, err
	}
	if err := u.orders.Save(ctx, ord); err != nil {
		return nil, err
	}

	if err := o.appendEvent(ctx, u, ord, events.TypeOrderCreated); err != nil {
		return nil, err
	}
	if err := o.appendEvent(ctx, u, ord, events.TypeOrderConfirmed); err != nil {
		return nil, err
	}
	return &Result{Order: ord}, nil
}

// appendEvent writes a domain event. Outside a transaction a failure is logged
// and the order stands; the event is lost rather than the order undone.
func (o *Orchestrator) appendEvent(ctx context.Context, u *unit, ord *order.Order, eventType string) error {
	err := u.outbox.Append(ctx, ord.ID, eventType, orderEvent(ord, o.now()))
	if err == nil || u.transactional {
		return err
	}
	o.log.WithError(err).WithFields(logrus.Fields{
		"order_id":   ord.ID,
		"event_type": eventType,
	}).Error("Failed to record domain event")
	return nil
}

func (o *Orchestrator) observe(path order.PaymentPath, res *Result, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "created"
	switch {
	case err != nil:
		outcome = "failed"
	case res.Replayed:
		outcome = "replayed"
	}
	o.metrics.Checkouts.WithLabelValues(string(path), outcome).Inc()
}

func appliedCode(q *pricing.Quote) string {
	if q.Coupon == nil || !q.Coupon.Applied {
		return ""
	}
	return q.Coupon.Code
}

func stockItems(q *pricing.Quote) []inventory.Item {
	lines := q.StockLines()
	items := make([]inventory.Item, len(lines))
	for i, l := range lines {
		items[i] = inventory.Item{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity}
	}
	return items
}

func orderStockItems(o *order.Order) []inventory.Item {
	items := make([]inventory.Item, len(o.Items))
	for i, it := range o.Items {
		items[i] = inventory.Item{ProductID: it.ProductID, VariantID: it.ProductVariantID, Quantity: it.Quantity}
	}
	return items
}

// buildOrder freezes the quote into a draft order
func buildOrder(req Request, id string, q *pricing.Quote, now time.Time) *order.Order {
	ord := &order.Order{
		ID:               id,
		UserID:           req.UserID,
		PaymentPath:      req.Path,
		IdempotencyKey:   req.IdempotencyKey,
		Status:           order.OrderStatusDraft,
		StockStatus:      order.StockStatusNone,
		PaymentStatus:    order.PaymentStatusPending,
		Currency:         q.Currency,
		Subtotal:         q.Subtotal.Minor,
		CampaignDiscount: q.CampaignDiscount.Minor,
		CouponDiscount:   q.CouponDiscount.Minor,
		OfferDiscount:    q.OfferDiscount.Minor,
		DiscountAmount:   q.DiscountTotal.Minor,
		ShippingAmount:   q.ShippingFee.Minor,
		ShippingDiscount: q.ShippingDiscount.Minor,
		TaxAmount:        q.Tax.Minor,
		TaxRateBps:       q.TaxBreakdown.RateBps,
		TaxMode:          q.TaxBreakdown.Mode,
		TotalAmount:      q.GrandTotal.Minor,
		CouponCode:       appliedCode(q),
	}
	if q.Shipping != nil {
		ord.ShippingMethod = string(q.Shipping.Method)
		ord.ShippingOption = q.Shipping.Code
		ord.ShippingLabel = q.Shipping.Label
	}
	ord.OrderNumber = ord.GenerateOrderNumber(now)

	ord.Items = make([]order.OrderItem, 0, len(q.Lines)+len(q.Gifts))
	for _, l := range q.Lines {
		ord.Items = append(ord.Items, order.OrderItem{
			OrderID:          id,
			ProductID:        l.ProductID,
			ProductVariantID: l.VariantID,
			SKU:              l.SKU,
			Name:             l.ProductName,
			VariantTitle:     l.VariantName,
			Quantity:         l.Quantity,
			Price:            l.UnitPrice.Minor,
			ListPrice:        l.ListPrice.Minor,
			OnSale:           l.OnSale,
			TotalPrice:       l.LineTotal.Minor,
		})
	}
	for _, g := range q.Gifts {
		ruleID := g.RuleID
		ord.Items = append(ord.Items, order.OrderItem{
			OrderID:          id,
			ProductID:        g.ProductID,
			ProductVariantID: g.VariantID,
			SKU:              g.SKU,
			Name:             g.ProductName,
			VariantTitle:     g.VariantName,
			Quantity:         g.Quantity,
			IsGift:           true,
			GiftRuleID:       &ruleID,
		})
	}
	return ord
}

func sessionRequest(o *order.Order) payment.SessionRequest {
	lines := make([]payment.SessionLine, 0, len(o.Items))
	for _, it := range o.Items {
		if it.IsGift {
			continue
		}
		lines = append(lines, payment.SessionLine{
			SKU:        it.SKU,
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitAmount: it.Price,
		})
	}
	return payment.SessionRequest{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Currency:    o.Currency,
		Amount:      o.TotalAmount,
		Lines:       lines,
	}
}

func orderEvent(o *order.Order, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"order_id":       o.ID,
		"order_number":   o.OrderNumber,
		"user_id":        o.UserID,
		"status":         o.Status,
		"payment_path":   o.PaymentPath,
		"payment_status": o.PaymentStatus,
		"stock_status":   o.StockStatus,
		"currency":       o.Currency,
		"total_amount":   o.TotalAmount,
		"coupon_code":    o.CouponCode,
		"occurred_at":    at,
	}
}
