// internal/domain/order/invariants.go
package order

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/money"
)

var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:             {OrderStatusPendingPayment, OrderStatusPendingCOD, OrderStatusCancelled},
	OrderStatusPendingPayment:    {OrderStatusPaymentReceived, OrderStatusCancelled},
	OrderStatusPendingCOD:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusPaymentReceived:   {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusConfirmed:         {OrderStatusProcessing, OrderStatusShipped, OrderStatusCancelled, OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusProcessing:        {OrderStatusShipped, OrderStatusCancelled, OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusShipped:           {OrderStatusDelivered, OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusDelivered:         {OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusPartiallyRefunded: {OrderStatusPartiallyRefunded, OrderStatusRefunded},
}

func (s OrderStatus) canMoveTo(to OrderStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the order to a new status after checking the edge and the
// status-entry preconditions, and records a history entry. Nothing is persisted.
func (o *Order) Transition(to OrderStatus, by uint, comment string, now time.Time) error {
	if !o.Status.canMoveTo(to) {
		return apperrors.Newf(apperrors.CodeInvalidTransition, "invalid status transition from %s to %s", o.Status, to).
			WithDetail("from", o.Status).
			WithDetail("to", to)
	}

	switch to {
	case OrderStatusPaymentReceived:
		if o.PaymentCapturedAt == nil {
			return apperrors.New(apperrors.CodePreconditionFailed, "payment has not been captured")
		}
	case OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped:
		if o.StockStatus != StockStatusConfirmed {
			return apperrors.Newf(apperrors.CodePreconditionFailed, "stock reservation is %s, not confirmed", o.StockStatus)
		}
	case OrderStatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = &now
		}
		if o.CancelledBy == nil {
			o.CancelledBy = &by
		}
		if o.CancelReason == "" {
			o.CancelReason = comment
		}
	case OrderStatusPartiallyRefunded, OrderStatusRefunded:
		if o.RefundedAmount <= 0 {
			return apperrors.New(apperrors.CodePreconditionFailed, "no refund has been recorded")
		}
	}

	// Set timestamps based on status
	switch to {
	case OrderStatusConfirmed:
		if o.ConfirmedAt == nil {
			o.ConfirmedAt = &now
		}
	case OrderStatusShipped:
		o.ShippedAt = &now
	case OrderStatusDelivered:
		o.DeliveredAt = &now
	}

	o.Status = to
	o.AddStatusHistory(to, comment, by, now)
	return nil
}

// RecomputeInvariants derives every computed financial field from the line
// items, discount sub-snapshots and stored tax rate. It returns the corrected
// order and the paths whose supplied values disagreed.
func RecomputeInvariants(o Order) (Order, []string) {
	var mismatches []string
	mismatch := func(path string, supplied, computed int64) int64 {
		if supplied != computed {
			mismatches = append(mismatches, path)
		}
		return computed
	}

	items := make([]OrderItem, len(o.Items))
	copy(items, o.Items)
	var subtotal int64
	for i := range items {
		expected := items[i].Price * int64(items[i].Quantity)
		if items[i].IsGift {
			expected = 0
		}
		items[i].TotalPrice = mismatch(fmt.Sprintf("items[%d].total_price", i), items[i].TotalPrice, expected)
		subtotal += items[i].TotalPrice
	}
	o.Items = items

	o.Subtotal = mismatch("subtotal", o.Subtotal, subtotal)

	discount := money.Min(money.NonNegative(o.CampaignDiscount+o.CouponDiscount+o.OfferDiscount), o.Subtotal)
	o.DiscountAmount = mismatch("discount_amount", o.DiscountAmount, discount)

	mode := o.TaxMode
	if mode == "" {
		mode = money.TaxInclusive
	}
	tax := money.ComputeTax(mode, o.Subtotal-o.DiscountAmount+o.ShippingAmount, o.TaxRateBps)
	o.TaxAmount = mismatch("tax_amount", o.TaxAmount, tax.Tax)
	o.TotalAmount = mismatch("total_amount", o.TotalAmount, tax.TotalAfterTax)

	return o, mismatches
}

// lockedPrefixes are the snapshot paths frozen once an order is financially committed
var lockedPrefixes = []string{
	"items",
	"currency",
	"subtotal",
	"campaign_discount",
	"coupon_discount",
	"offer_discount",
	"discount_amount",
	"shipping_amount",
	"shipping_discount",
	"tax_amount",
	"tax_rate_bps",
	"tax_mode",
	"total_amount",
	"coupon_code",
	"shipping_method",
	"shipping_option",
}

func isLocked(path string) bool {
	for _, p := range lockedPrefixes {
		if path == p || strings.HasPrefix(path, p+".") || strings.HasPrefix(path, p+"[") {
			return true
		}
	}
	return false
}

// AssertNotLocked rejects changes to snapshot paths of a financially committed order
func AssertNotLocked(o Order, changedPaths []string) error {
	if !o.FinanciallyCommitted() {
		return nil
	}
	var locked []string
	for _, p := range changedPaths {
		if isLocked(p) {
			locked = append(locked, p)
		}
	}
	if len(locked) == 0 {
		return nil
	}
	return apperrors.Newf(apperrors.CodeSnapshotsLocked, "order %s is financially committed; %s cannot change", o.ID, strings.Join(locked, ", ")).
		WithDetail("paths", locked)
}

// snapshotFields flattens the lockable part of an order into path/value pairs
func snapshotFields(o *Order) map[string]interface{} {
	m := map[string]interface{}{
		"currency":          o.Currency,
		"subtotal":          o.Subtotal,
		"campaign_discount": o.CampaignDiscount,
		"coupon_discount":   o.CouponDiscount,
		"offer_discount":    o.OfferDiscount,
		"discount_amount":   o.DiscountAmount,
		"shipping_amount":   o.ShippingAmount,
		"shipping_discount": o.ShippingDiscount,
		"tax_amount":        o.TaxAmount,
		"tax_rate_bps":      o.TaxRateBps,
		"tax_mode":          o.TaxMode,
		"total_amount":      o.TotalAmount,
		"coupon_code":       o.CouponCode,
		"shipping_method":   o.ShippingMethod,
		"shipping_option":   o.ShippingOption,
		"items.count":       len(o.Items),
	}
	for i, it := range o.Items {
		prefix := fmt.Sprintf("items[%d].", i)
		var variant uint
		if it.ProductVariantID != nil {
			variant = *it.ProductVariantID
		}
		m[prefix+"product_id"] = it.ProductID
		m[prefix+"product_variant_id"] = variant
		m[prefix+"sku"] = it.SKU
		m[prefix+"quantity"] = it.Quantity
		m[prefix+"price"] = it.Price
		m[prefix+"total_price"] = it.TotalPrice
		m[prefix+"is_gift"] = it.IsGift
	}
	return m
}

// ChangedPaths lists the snapshot paths that differ between two versions of an order
func ChangedPaths(before, after *Order) []string {
	a, b := snapshotFields(before), snapshotFields(after)
	var changed []string
	for k, v := range b {
		if a[k] != v {
			changed = append(changed, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func itemsChanged(paths []string) bool {
	for _, p := range paths {
		if strings.HasPrefix(p, "items") {
			return true
		}
	}
	return false
}
