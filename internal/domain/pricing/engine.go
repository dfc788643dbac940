// internal/domain/pricing/engine.go
package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/your-org/checkout-engine/internal/domain/catalog"
	"github.com/your-org/checkout-engine/internal/domain/discount"
	"github.com/your-org/checkout-engine/internal/domain/shipping"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"github.com/your-org/checkout-engine/internal/pkg/money"
)

// Catalog supplies products and live promotions
type Catalog interface {
	FindProducts(ctx context.Context, ids []uint) (map[uint]*catalog.Product, error)
	ActiveCampaigns(ctx context.Context, now time.Time) ([]catalog.Campaign, error)
	ActiveOffers(ctx context.Context, now time.Time) ([]catalog.Offer, error)
	ActiveGiftRules(ctx context.Context, now time.Time) ([]catalog.GiftRule, error)
}

// ShippingResolver prices a shipping selection
type ShippingResolver interface {
	Resolve(ctx context.Context, sel shipping.Selection, subtotal int64) (*shipping.Option, error)
}

// CouponSource looks up discount codes and per-user usage
type CouponSource interface {
	FindCoupon(ctx context.Context, code string) (*discount.Coupon, error)
	UserUsageCount(ctx context.Context, code string, userID uint) (int, error)
}

// Config holds the global pricing settings
type Config struct {
	Currency string
	Mode     money.TaxMode
	RateBps  int64
	// Strict turns a failed monetary identity into PRICING_INVARIANT_VIOLATED
	Strict bool
}

// Engine computes quotes. It only reads state.
type Engine struct {
	catalog  Catalog
	shipping ShippingResolver
	coupons  CouponSource
	cfg      Config
	now      func() time.Time
}

// NewEngine creates a new pricing engine
func NewEngine(cat Catalog, ship ShippingResolver, coupons CouponSource, cfg Config) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = money.TaxInclusive
	}
	return &Engine{catalog: cat, shipping: ship, coupons: coupons, cfg: cfg, now: dbutil.UTCNow}
}

// WithClock returns a copy of the engine that reads time from now
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

type stockKey struct {
	productID uint
	variantID uint
}

func keyOf(productID uint, variantID *uint) stockKey {
	k := stockKey{productID: productID}
	if variantID != nil {
		k.variantID = *variantID
	}
	return k
}

type pricedLine struct {
	line    Line
	product *catalog.Product
	variant *catalog.ProductVariant
}

// Quote prices the request. Input and capacity problems are returned as errors;
// an ineligible coupon or an unavailable gift is reported inside the quote.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if len(req.Lines) == 0 {
		return nil, apperrors.New(apperrors.CodeEmptyCart, "cart is empty")
	}
	for i, l := range req.Lines {
		if l.Quantity <= 0 {
			return nil, apperrors.Newf(apperrors.CodeInvalidQuantity, "line %d has invalid quantity %d", i, l.Quantity).
				WithDetail("line", i)
		}
	}

	now := e.now()

	giftRules, err := e.catalog.ActiveGiftRules(ctx, now)
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(req.Lines)+len(giftRules))
	for _, l := range req.Lines {
		ids = append(ids, l.ProductID)
	}
	for _, r := range giftRules {
		ids = append(ids, r.ProductID)
	}
	products, err := e.catalog.FindProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines, err := resolveLines(req.Lines, products, now)
	if err != nil {
		return nil, err
	}

	demand := make(map[stockKey]int)
	if err := checkStock(lines, demand); err != nil {
		return nil, err
	}

	q := &Quote{
		Currency:   e.cfg.Currency,
		Lines:      make([]Line, 0, len(lines)),
		Gifts:      []Gift{},
		Warnings:   []Warning{},
		ComputedAt: now,
	}
	var subtotal int64
	for _, pl := range lines {
		q.Lines = append(q.Lines, pl.line)
		subtotal += pl.line.LineTotal.Minor
	}

	option, err := e.shipping.Resolve(ctx, req.Shipping, subtotal)
	if err != nil {
		return nil, err
	}
	shippingFee := option.Fee

	campaigns, err := e.catalog.ActiveCampaigns(ctx, now)
	if err != nil {
		return nil, err
	}
	var campaignAmount int64
	if winner, amount := pickCampaign(campaigns, subtotal); winner != nil {
		campaignAmount = amount
		q.Campaign = &AppliedCampaign{ID: winner.ID, Name: winner.Name, Amount: money.New(amount)}
	}

	afterCampaign := subtotal - campaignAmount
	var couponAmount int64
	if code := discount.NormalizeCode(req.DiscountCode); code != "" {
		q.Coupon, err = e.evaluateCoupon(ctx, code, req.UserID, afterCampaign, now)
		if err != nil {
			return nil, err
		}
		couponAmount = q.Coupon.Amount.Minor
	}

	offers, err := e.catalog.ActiveOffers(ctx, now)
	if err != nil {
		return nil, err
	}
	afterCoupon := afterCampaign - couponAmount
	var offerAmount, shippingDiscount int64
	q.Offers, offerAmount, shippingDiscount = applyOffers(offers, lines, afterCoupon, shippingFee)
	shippingFee -= shippingDiscount

	q.Gifts, q.Warnings = resolveGifts(giftRules, products, lines, demand, subtotal)

	discountTotal := campaignAmount + couponAmount + offerAmount
	gross := money.NonNegative(subtotal-discountTotal) + shippingFee
	breakdown := money.ComputeTax(e.cfg.Mode, gross, e.cfg.RateBps)

	q.Shipping = option
	q.Shipping.Fee = shippingFee
	q.Subtotal = money.New(subtotal)
	q.CampaignDiscount = money.New(campaignAmount)
	q.CouponDiscount = money.New(couponAmount)
	q.OfferDiscount = money.New(offerAmount)
	q.DiscountTotal = money.New(discountTotal)
	q.ShippingFee = money.New(shippingFee)
	q.ShippingDiscount = money.New(shippingDiscount)
	q.Tax = money.New(breakdown.Tax)
	q.TotalBeforeTax = money.New(breakdown.TotalBeforeTax)
	q.TotalAfterTax = money.New(breakdown.TotalAfterTax)
	q.GrandTotal = money.New(breakdown.TotalAfterTax)
	q.TaxBreakdown = breakdown

	if e.cfg.Strict && (!breakdown.Consistent() || !q.Balanced()) {
		return nil, apperrors.Newf(apperrors.CodePricingInvariant,
			"quote does not balance: subtotal=%d discount=%d shipping=%d tax=%d grand=%d",
			subtotal, discountTotal, shippingFee, breakdown.Tax, q.GrandTotal.Minor)
	}

	return q, nil
}

func resolveLines(reqs []LineRequest, products map[uint]*catalog.Product, now time.Time) ([]pricedLine, error) {
	lines := make([]pricedLine, 0, len(reqs))
	for i, r := range reqs {
		p, ok := products[r.ProductID]
		if !ok || !p.IsActive {
			return nil, apperrors.Newf(apperrors.CodeProductUnavailable, "product %d is not available", r.ProductID).
				WithDetail("line", i).
				WithDetail("product_id", r.ProductID)
		}

		var v *catalog.ProductVariant
		switch {
		case r.VariantID != nil:
			if v, ok = p.Variant(*r.VariantID); !ok {
				return nil, apperrors.Newf(apperrors.CodeVariantNotFound, "variant %d of product %d is not available", *r.VariantID, p.ID).
					WithDetail("line", i).
					WithDetail("product_id", p.ID)
			}
		case p.HasVariants():
			return nil, apperrors.Newf(apperrors.CodeVariantRequired, "product %s requires a variant", p.SKU).
				WithDetail("line", i).
				WithDetail("product_id", p.ID)
		}

		unit, list, onSale := p.UnitPrice(v, now)
		line := Line{
			ProductID:   p.ID,
			VariantID:   r.VariantID,
			SKU:         p.SKU,
			ProductName: p.Name,
			Quantity:    r.Quantity,
			UnitPrice:   money.New(unit),
			ListPrice:   money.New(list),
			OnSale:      onSale,
			LineTotal:   money.New(unit * int64(r.Quantity)),
		}
		if v != nil {
			line.SKU = v.SKU
			line.VariantName = v.Name
		}
		lines = append(lines, pricedLine{line: line, product: p, variant: v})
	}
	return lines, nil
}

// checkStock aggregates demand per product/variant and fails when a tracked
// entry cannot cover it. Quantities are never clamped.
func checkStock(lines []pricedLine, demand map[stockKey]int) error {
	var order []stockKey
	first := make(map[stockKey]pricedLine)
	for _, pl := range lines {
		k := keyOf(pl.line.ProductID, pl.line.VariantID)
		if _, seen := first[k]; !seen {
			first[k] = pl
			order = append(order, k)
		}
		demand[k] += pl.line.Quantity
	}

	var short []map[string]interface{}
	allEmpty := true
	for _, k := range order {
		pl := first[k]
		if !pl.product.Tracked() {
			continue
		}
		available := pl.product.AvailableStock(pl.variant)
		if demand[k] <= available {
			continue
		}
		if available > 0 {
			allEmpty = false
		}
		entry := map[string]interface{}{
			"product_id": pl.line.ProductID,
			"sku":        pl.line.SKU,
			"requested":  demand[k],
			"available":  available,
		}
		if pl.line.VariantID != nil {
			entry["variant_id"] = *pl.line.VariantID
		}
		short = append(short, entry)
	}

	if len(short) == 0 {
		return nil
	}
	code := apperrors.CodeOutOfStockPartial
	msg := "some items are not available in the requested quantity"
	if allEmpty {
		code = apperrors.CodeOutOfStock
		msg = "some items are out of stock"
	}
	return apperrors.New(code, msg).WithDetail("lines", short)
}

// pickCampaign chooses at most one campaign: lowest priority value first, then
// the larger discount, then the newest.
func pickCampaign(campaigns []catalog.Campaign, subtotal int64) (*catalog.Campaign, int64) {
	type candidate struct {
		c      catalog.Campaign
		amount int64
	}
	var cands []candidate
	for _, c := range campaigns {
		if amount := c.DiscountFor(subtotal); amount > 0 {
			cands = append(cands, candidate{c: c, amount: amount})
		}
	}
	if len(cands) == 0 {
		return nil, 0
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.c.Priority != b.c.Priority {
			return a.c.Priority < b.c.Priority
		}
		if a.amount != b.amount {
			return a.amount > b.amount
		}
		return a.c.CreatedAt.After(b.c.CreatedAt)
	})
	return &cands[0].c, cands[0].amount
}

// evaluateCoupon applies the code on a best-effort basis. Eligibility failures
// give a zero amount with a reason; only lookup faults are returned as errors.
func (e *Engine) evaluateCoupon(ctx context.Context, code string, userID *uint, base int64, now time.Time) (*CouponResult, error) {
	result := &CouponResult{Code: code}

	coupon, err := e.coupons.FindCoupon(ctx, code)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeCouponInvalid) {
			result.Reason = CouponReasonUnknown
			return result, nil
		}
		return nil, err
	}

	switch {
	case !coupon.LiveAt(now):
		result.Reason = CouponReasonInactive
	case base < coupon.MinOrderAmount:
		result.Reason = CouponReasonMinOrder
	case !coupon.HasCapacity():
		result.Reason = CouponReasonLimitReached
	}
	if result.Reason != "" {
		return result, nil
	}

	if userID != nil && coupon.MaxUsesPerUser > 0 {
		used, err := e.coupons.UserUsageCount(ctx, code, *userID)
		if err != nil {
			return nil, err
		}
		if used >= coupon.MaxUsesPerUser {
			result.Reason = CouponReasonUserLimit
			return result, nil
		}
	}

	amount := coupon.DiscountFor(base)
	if amount <= 0 {
		result.Reason = CouponReasonNoDiscount
		return result, nil
	}
	result.Applied = true
	result.Amount = money.New(amount)
	return result, nil
}

// applyOffers evaluates offers in id order against the coupon-adjusted base.
// The merchandise part of all offers together never exceeds base.
func applyOffers(offers []catalog.Offer, lines []pricedLine, base, shippingFee int64) ([]AppliedOffer, int64, int64) {
	var applied []AppliedOffer
	var total, shippingDiscount int64
	remaining := money.NonNegative(base)

	for _, o := range offers {
		if o.MinSubtotal > 0 && base < o.MinSubtotal {
			continue
		}

		if o.Kind == catalog.OfferFreeShipping {
			if shippingFee-shippingDiscount > 0 {
				amount := shippingFee - shippingDiscount
				shippingDiscount += amount
				applied = append(applied, AppliedOffer{ID: o.ID, Name: o.Name, Kind: o.Kind, Amount: money.New(amount)})
			}
			continue
		}

		scoped := scopedTotal(lines, o.ProductID)
		if scoped == 0 {
			continue
		}

		var amount int64
		switch o.Kind {
		case catalog.OfferPercentOff:
			amount = money.PercentOf(money.Min(scoped, remaining), o.Value)
		case catalog.OfferFixedOff:
			amount = o.Value
		case catalog.OfferBuyXGetY:
			amount = freeUnitsValue(lines, o)
		}
		if o.MaxDiscount > 0 && amount > o.MaxDiscount {
			amount = o.MaxDiscount
		}
		amount = money.Min(money.NonNegative(amount), remaining)
		if amount == 0 {
			continue
		}
		remaining -= amount
		total += amount
		applied = append(applied, AppliedOffer{ID: o.ID, Name: o.Name, Kind: o.Kind, Amount: money.New(amount)})
	}
	return applied, total, shippingDiscount
}

func scopedTotal(lines []pricedLine, productID *uint) int64 {
	var total int64
	for _, pl := range lines {
		if productID == nil || pl.line.ProductID == *productID {
			total += pl.line.LineTotal.Minor
		}
	}
	return total
}

// freeUnitsValue prices the free units of a buy-X-get-Y offer: each full group of
// buy+get units on a line yields get free units at that line's unit price.
func freeUnitsValue(lines []pricedLine, o catalog.Offer) int64 {
	group := o.BuyQuantity + o.GetQuantity
	if o.BuyQuantity <= 0 || o.GetQuantity <= 0 {
		return 0
	}
	var amount int64
	for _, pl := range lines {
		if o.ProductID != nil && pl.line.ProductID != *o.ProductID {
			continue
		}
		free := (pl.line.Quantity / group) * o.GetQuantity
		amount += int64(free) * pl.line.UnitPrice.Minor
	}
	return amount
}

// resolveGifts adds a free line for every qualifying rule whose product can be
// held net of cart demand. Unavailable gifts become warnings.
func resolveGifts(rules []catalog.GiftRule, products map[uint]*catalog.Product, lines []pricedLine, demand map[stockKey]int, subtotal int64) ([]Gift, []Warning) {
	gifts := []Gift{}
	warnings := []Warning{}

	inCart := make(map[uint]bool, len(lines))
	for _, pl := range lines {
		inCart[pl.line.ProductID] = true
	}

	for _, r := range rules {
		if r.MinSubtotal > 0 && subtotal < r.MinSubtotal {
			continue
		}
		if r.TriggerProductID != nil && !inCart[*r.TriggerProductID] {
			continue
		}

		unavailable := func(msg string) {
			warnings = append(warnings, Warning{
				Code:     apperrors.CodeGiftOutOfStock,
				Message:  msg,
				Blocking: r.Blocking,
				RuleID:   r.ID,
			})
		}

		p, ok := products[r.ProductID]
		if !ok || !p.IsActive {
			unavailable(fmt.Sprintf("gift %q is no longer available", r.Name))
			continue
		}
		var v *catalog.ProductVariant
		if r.VariantID != nil {
			if v, ok = p.Variant(*r.VariantID); !ok {
				unavailable(fmt.Sprintf("gift %q is no longer available", r.Name))
				continue
			}
		} else if p.HasVariants() {
			unavailable(fmt.Sprintf("gift %q has no deliverable variant", r.Name))
			continue
		}

		k := keyOf(r.ProductID, r.VariantID)
		if p.Tracked() && p.AvailableStock(v)-demand[k] < r.Quantity {
			unavailable(fmt.Sprintf("gift %q is out of stock", r.Name))
			continue
		}
		demand[k] += r.Quantity

		gift := Gift{
			RuleID:      r.ID,
			ProductID:   p.ID,
			VariantID:   r.VariantID,
			SKU:         p.SKU,
			ProductName: p.Name,
			Quantity:    r.Quantity,
		}
		if v != nil {
			gift.SKU = v.SKU
			gift.VariantName = v.Name
		}
		gifts = append(gifts, gift)
	}
	return gifts, warnings
}
