package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/checkout-engine/internal/config"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"github.com/your-org/checkout-engine/internal/pkg/logger"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPGateway(config.PaymentConfig{
		BaseURL:     srv.URL,
		KeyID:       "key_test",
		KeySecret:   "secret_test",
		CheckoutURL: "https://pay.example.com/checkout",
		Timeout:     5 * time.Second,
	}, logger.Discard())
}

func TestCreateSession(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key_test", user)
		assert.Equal(t, "secret_test", pass)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)

		var body createOrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(27000), body.Amount)
		assert.Equal(t, "ord-1", body.Notes["order_id"])
		assert.Len(t, body.Lines, 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_abc","status":"created","amount":27000}`))
	})

	sess, err := g.CreateSession(context.Background(), SessionRequest{
		OrderID:     "ord-1",
		OrderNumber: "ORD-20250601-ABCDEF12",
		Currency:    "EUR",
		Amount:      27000,
		Lines:       []SessionLine{{SKU: "TEE", Name: "Tee", Quantity: 3, UnitAmount: 9000}},
	})
	require.NoError(t, err)
	assert.Equal(t, "order_abc", sess.ID)
	assert.Equal(t, SessionPending, sess.Status)
	assert.Contains(t, sess.URL, "session=order_abc")
}

func TestCreateSessionRejectsBadInputAndSurfacesAPIErrors(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"description":"amount too low"}}`))
	})

	_, err := g.CreateSession(context.Background(), SessionRequest{OrderID: "ord-1"})
	require.Error(t, err)

	_, err = g.CreateSession(context.Background(), SessionRequest{OrderID: "ord-1", Amount: 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Temporary())
}

func TestRetrieveSessionPaid(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/order_abc":
			_, _ = w.Write([]byte(`{"id":"order_abc","status":"paid","amount":27000,"amount_paid":27000}`))
		case "/orders/order_abc/payments":
			_, _ = w.Write([]byte(`{"items":[{"id":"pay_0","status":"failed"},{"id":"pay_1","status":"captured","amount":27000,"created_at":1748779200}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	st, err := g.RetrieveSession(context.Background(), "order_abc")
	require.NoError(t, err)
	assert.Equal(t, SessionPaid, st.Status)
	assert.Equal(t, "pay_1", st.PaymentID)
	assert.Equal(t, int64(27000), st.AmountPaid)
	require.NotNil(t, st.PaidAt)
	assert.Equal(t, int64(1748779200), st.PaidAt.Unix())
}

func TestRetrieveSessionPendingSkipsPayments(t *testing.T) {
	calls := 0
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"id":"order_abc","status":"attempted"}`))
	})

	st, err := g.RetrieveSession(context.Background(), "order_abc")
	require.NoError(t, err)
	assert.Equal(t, SessionPending, st.Status)
	assert.Equal(t, 1, calls)
}

type flakyGateway struct {
	calls int
	err   error
}

func (f *flakyGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Session{ID: "sess"}, nil
}

func (f *flakyGateway) RetrieveSession(ctx context.Context, id string) (*SessionStatus, error) {
	f.calls++
	return nil, f.err
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	next := &flakyGateway{err: &APIError{StatusCode: http.StatusBadGateway}}
	b := NewBreakerGateway(next, BreakerSettings{Name: "test", Failures: 2, OpenFor: time.Minute}, logger.Discard())

	for i := 0; i < 2; i++ {
		_, err := b.CreateSession(context.Background(), SessionRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.CreateSession(context.Background(), SessionRequest{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, next.calls)
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	next := &flakyGateway{err: &APIError{StatusCode: http.StatusBadRequest}}
	b := NewBreakerGateway(next, BreakerSettings{Name: "test", Failures: 1, OpenFor: time.Minute}, logger.Discard())

	for i := 0; i < 3; i++ {
		_, err := b.CreateSession(context.Background(), SessionRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 3, next.calls)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign("whsec", body)

	assert.True(t, VerifySignature("whsec", body, sig))
	assert.False(t, VerifySignature("whsec", []byte(`{"id":"evt_2"}`), sig))
	assert.False(t, VerifySignature("", body, sig))
	assert.False(t, VerifySignature("whsec", body, ""))
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		header  string
		want    Event
		errCode apperrors.Code
	}{
		{
			name: "captured payment",
			body: `{"id":"evt_1","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_abc","amount":27000,"status":"captured"}}}}`,
			want: Event{ID: "evt_1", Type: "payment.captured", SessionID: "order_abc", PaymentID: "pay_1", Amount: 27000, Status: SessionPaid},
		},
		{
			name:   "header id wins",
			body:   `{"id":"evt_1","event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_abc"}}}}`,
			header: "delivery-9",
			want:   Event{ID: "delivery-9", Type: "payment.failed", SessionID: "order_abc", PaymentID: "pay_1", Status: SessionFailed},
		},
		{
			name: "order paid",
			body: `{"id":"evt_2","event":"order.paid","payload":{"order":{"entity":{"id":"order_abc","amount_paid":500}}}}`,
			want: Event{ID: "evt_2", Type: "order.paid", SessionID: "order_abc", Amount: 500, Status: SessionPaid},
		},
		{
			name: "unrelated event",
			body: `{"id":"evt_3","event":"payment.authorized","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_abc"}}}}`,
			want: Event{ID: "evt_3", Type: "payment.authorized", SessionID: "order_abc", PaymentID: "pay_1", Status: SessionPending},
		},
		{name: "malformed", body: `{`, errCode: apperrors.CodeInvalidEvent},
		{name: "no id", body: `{"event":"payment.captured"}`, errCode: apperrors.CodeInvalidEvent},
		{name: "no session", body: `{"id":"evt_4","event":"payment.captured"}`, errCode: apperrors.CodeInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body), tt.header)
			if tt.errCode != "" {
				assert.True(t, apperrors.HasCode(err, tt.errCode))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *ev)
		})
	}
}
