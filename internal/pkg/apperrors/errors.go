// internal/pkg/apperrors/errors.go
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier returned to API clients
type Code string

const (
	CodeEmptyCart              Code = "EMPTY_CART"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeProductUnavailable     Code = "PRODUCT_UNAVAILABLE"
	CodeVariantRequired        Code = "VARIANT_REQUIRED"
	CodeVariantNotFound        Code = "VARIANT_NOT_FOUND"
	CodeOutOfStock             Code = "OUT_OF_STOCK"
	CodeOutOfStockPartial      Code = "OUT_OF_STOCK_PARTIAL"
	CodeInvalidShippingMethod  Code = "INVALID_SHIPPING_METHOD"
	CodeInvalidShippingArea    Code = "INVALID_SHIPPING_AREA"
	CodeInvalidShippingPoint   Code = "INVALID_SHIPPING_POINT"
	CodeInvalidShippingStore   Code = "INVALID_SHIPPING_STORE"
	CodeGiftOutOfStock         Code = "GIFT_OUT_OF_STOCK"
	CodePricingInvariant       Code = "PRICING_INVARIANT_VIOLATED"
	CodeCouponInvalid          Code = "COUPON_INVALID"
	CodeCouponLimitReached     Code = "COUPON_LIMIT_REACHED"
	CodeCouponUserLimitReached Code = "COUPON_USER_LIMIT_REACHED"
	CodeReservationNotFound    Code = "RESERVATION_NOT_FOUND"
	CodeReservationExpired     Code = "RESERVATION_EXPIRED"
	CodeReservationNotActive   Code = "RESERVATION_NOT_ACTIVE"
	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
	CodeSnapshotsLocked        Code = "ORDER_SNAPSHOTS_LOCKED"
	CodeInvalidTransition      Code = "INVALID_STATUS_TRANSITION"
	CodePreconditionFailed     Code = "STATUS_PRECONDITION_FAILED"
	CodeInvalidRefund          Code = "INVALID_REFUND_AMOUNT"
	CodeIdempotencyKeyRequired Code = "IDEMPOTENCY_KEY_REQUIRED"
	CodeCheckoutInProgress     Code = "CHECKOUT_IN_PROGRESS"
	CodeTransactionsRequired   Code = "TRANSACTIONS_UNAVAILABLE"
	CodePaymentSessionFailed   Code = "PAYMENT_SESSION_FAILED"
	CodePaymentSessionMissing  Code = "PAYMENT_SESSION_MISSING"
	CodePaymentNotRequired     Code = "PAYMENT_NOT_REQUIRED"
	CodeInvalidEvent           Code = "INVALID_PAYMENT_EVENT"
)

var defaultStatus = map[Code]int{
	CodeEmptyCart:              http.StatusBadRequest,
	CodeInvalidQuantity:        http.StatusBadRequest,
	CodeProductUnavailable:     http.StatusUnprocessableEntity,
	CodeVariantRequired:        http.StatusBadRequest,
	CodeVariantNotFound:        http.StatusBadRequest,
	CodeOutOfStock:             http.StatusConflict,
	CodeOutOfStockPartial:      http.StatusConflict,
	CodeInvalidShippingMethod:  http.StatusBadRequest,
	CodeInvalidShippingArea:    http.StatusBadRequest,
	CodeInvalidShippingPoint:   http.StatusBadRequest,
	CodeInvalidShippingStore:   http.StatusBadRequest,
	CodeGiftOutOfStock:         http.StatusConflict,
	CodePricingInvariant:       http.StatusInternalServerError,
	CodeCouponInvalid:          http.StatusUnprocessableEntity,
	CodeCouponLimitReached:     http.StatusConflict,
	CodeCouponUserLimitReached: http.StatusConflict,
	CodeReservationNotFound:    http.StatusNotFound,
	CodeReservationExpired:     http.StatusGone,
	CodeReservationNotActive:   http.StatusConflict,
	CodeOrderNotFound:          http.StatusNotFound,
	CodeSnapshotsLocked:        http.StatusConflict,
	CodeInvalidTransition:      http.StatusConflict,
	CodePreconditionFailed:     http.StatusConflict,
	CodeInvalidRefund:          http.StatusBadRequest,
	CodeIdempotencyKeyRequired: http.StatusBadRequest,
	CodeCheckoutInProgress:     http.StatusConflict,
	CodeTransactionsRequired:   http.StatusServiceUnavailable,
	CodePaymentSessionFailed:   http.StatusBadGateway,
	CodePaymentSessionMissing:  http.StatusConflict,
	CodePaymentNotRequired:     http.StatusUnprocessableEntity,
	CodeInvalidEvent:           http.StatusBadRequest,
}

// Error is a user-visible failure carrying a stable code and a human message
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the default HTTP status for its code
func New(code Code, message string) *Error {
	status, ok := defaultStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: message, Status: status}
}

// Newf is New with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a coded error around an underlying cause
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// WithDetail returns a copy of the error with an extra detail attached
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// As extracts an *Error from an error chain
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in the chain, or "" if none
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err carries any of the given codes
func HasCode(err error, codes ...Code) bool {
	c := CodeOf(err)
	if c == "" {
		return false
	}
	for _, want := range codes {
		if c == want {
			return true
		}
	}
	return false
}

// HTTPStatus maps an error to the status code it should be rendered with
func HTTPStatus(err error) int {
	if appErr, ok := As(err); ok && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
