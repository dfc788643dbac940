// internal/domain/payment/breaker.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the circuit breaker around a gateway
type BreakerSettings struct {
	Name             string
	Failures         uint32
	OpenFor          time.Duration
	HalfOpenRequests uint32
}

// BreakerGateway fails fast while the gateway keeps failing
type BreakerGateway struct {
	next     Gateway
	create   *gobreaker.CircuitBreaker[*Session]
	retrieve *gobreaker.CircuitBreaker[*SessionStatus]
}

// NewBreakerGateway wraps next with one breaker per operation
func NewBreakerGateway(next Gateway, s BreakerSettings, log logrus.FieldLogger) *BreakerGateway {
	if s.Failures == 0 {
		s.Failures = 5
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}

	settings := func(op string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        s.Name + "." + op,
			MaxRequests: s.HalfOpenRequests,
			Timeout:     s.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= s.Failures
			},
			IsSuccessful: isBreakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Payment gateway breaker changed state")
			},
		}
	}

	return &BreakerGateway{
		next:     next,
		create:   gobreaker.NewCircuitBreaker[*Session](settings("create_session")),
		retrieve: gobreaker.NewCircuitBreaker[*SessionStatus](settings("retrieve_session")),
	}
}

// CreateSession implements Gateway
func (b *BreakerGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	sess, err := b.create.Execute(func() (*Session, error) {
		return b.next.CreateSession(ctx, req)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return sess, nil
}

// RetrieveSession implements Gateway
func (b *BreakerGateway) RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	st, err := b.retrieve.Execute(func() (*SessionStatus, error) {
		return b.next.RetrieveSession(ctx, sessionID)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return st, nil
}

// State reports the create-session breaker state
func (b *BreakerGateway) State() gobreaker.State {
	return b.create.State()
}

// Client errors mean the gateway is up; they must not trip the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary()
	}
	return false
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("payment gateway unavailable: %w", err)
	}
	return err
}
