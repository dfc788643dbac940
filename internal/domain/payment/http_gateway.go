// internal/domain/payment/http_gateway.go
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/config"
)

// HTTPGateway talks to a hosted-order payment API (Razorpay-compatible)
type HTTPGateway struct {
	keyID       string
	keySecret   string
	baseURL     string
	checkoutURL string
	httpClient  *http.Client
	log         logrus.FieldLogger
}

// NewHTTPGateway creates a gateway client from configuration
func NewHTTPGateway(cfg config.PaymentConfig, log logrus.FieldLogger) *HTTPGateway {
	return &HTTPGateway{
		keyID:       cfg.KeyID,
		keySecret:   cfg.KeySecret,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		checkoutURL: cfg.CheckoutURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
	Lines    []SessionLine     `json:"line_items,omitempty"`
}

type gatewayOrder struct {
	ID         string            `json:"id"`
	Entity     string            `json:"entity"`
	Amount     int64             `json:"amount"`
	AmountPaid int64             `json:"amount_paid"`
	Currency   string            `json:"currency"`
	Receipt    string            `json:"receipt"`
	Status     string            `json:"status"`
	Notes      map[string]string `json:"notes"`
	CreatedAt  int64             `json:"created_at"`
}

type gatewayPayment struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type paymentList struct {
	Items []gatewayPayment `json:"items"`
}

// CreateSession creates a gateway order keyed by our order id
func (g *HTTPGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("order id is required")
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("session amount must be positive, got %d", req.Amount)
	}

	body := createOrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.OrderNumber,
		Notes:    map[string]string{"order_id": req.OrderID},
		Lines:    req.Lines,
	}

	raw, err := g.makeAPICall(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return nil, err
	}

	var created gatewayOrder
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("failed to parse gateway order response: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("gateway order response has no id")
	}

	g.log.WithFields(logrus.Fields{
		"order_id":   req.OrderID,
		"session_id": created.ID,
		"amount":     req.Amount,
	}).Info("Payment session created")

	return &Session{
		ID:     created.ID,
		URL:    g.sessionURL(created.ID),
		Status: mapOrderStatus(created.Status),
	}, nil
}

// RetrieveSession reads the gateway order and, once paid, its captured payment
func (g *HTTPGateway) RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	raw, err := g.makeAPICall(ctx, http.MethodGet, "/orders/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	var o gatewayOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("failed to parse gateway order: %w", err)
	}

	status := &SessionStatus{
		SessionID:  o.ID,
		Status:     mapOrderStatus(o.Status),
		AmountPaid: o.AmountPaid,
	}
	if status.Status != SessionPaid {
		return status, nil
	}

	raw, err = g.makeAPICall(ctx, http.MethodGet, "/orders/"+url.PathEscape(sessionID)+"/payments", nil)
	if err != nil {
		return nil, err
	}
	var payments paymentList
	if err := json.Unmarshal(raw, &payments); err != nil {
		return nil, fmt.Errorf("failed to parse gateway payments: %w", err)
	}
	for _, p := range payments.Items {
		if p.Status == "captured" {
			status.PaymentID = p.ID
			status.PaidAt = paidAt(p.CreatedAt)
			break
		}
	}
	return status, nil
}

func (g *HTTPGateway) sessionURL(id string) string {
	if g.checkoutURL == "" {
		return ""
	}
	return g.checkoutURL + "?session=" + url.QueryEscape(id) + "&key=" + url.QueryEscape(g.keyID)
}

func mapOrderStatus(s string) SessionState {
	switch s {
	case "paid":
		return SessionPaid
	case "failed", "cancelled":
		return SessionFailed
	case "expired":
		return SessionExpired
	default:
		// created, attempted
		return SessionPending
	}
}

// makeAPICall makes an authenticated JSON call to the gateway
func (g *HTTPGateway) makeAPICall(ctx context.Context, method, endpoint string, data interface{}) ([]byte, error) {
	var reqBody io.Reader
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request data: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.keyID, g.keySecret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		g.log.WithFields(logrus.Fields{
			"method":   method,
			"endpoint": endpoint,
			"status":   resp.StatusCode,
		}).Warn("Payment gateway call failed")
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
