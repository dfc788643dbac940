// internal/domain/events/outbox.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/your-org/checkout-engine/internal/pkg/dbutil"
	"gorm.io/gorm"
)

// Event types written by the checkout core
const (
	TypeOrderCreated       = "order.created"
	TypeOrderConfirmed     = "order.confirmed"
	TypeOrderCancelled     = "order.cancelled"
	TypeOrderPaymentFailed = "order.payment_failed"
)

// OutboxEvent is a domain event stored with the state change that produced it
type OutboxEvent struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	EventID     string     `gorm:"uniqueIndex;not null;size:36" json:"event_id"`
	AggregateID string     `gorm:"index;not null;size:64" json:"aggregate_id"`
	EventType   string     `gorm:"not null;size:64" json:"event_type"`
	Payload     string     `gorm:"type:text;not null" json:"payload"`
	Attempts    int        `gorm:"not null" json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	PublishedAt *time.Time `gorm:"index" json:"published_at,omitempty"`
}

// TableName sets the table name
func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// Outbox stores and tracks domain events
type Outbox struct {
	db  *gorm.DB
	now func() time.Time
}

// NewOutbox creates a new outbox
func NewOutbox(db *gorm.DB) *Outbox {
	return &Outbox{db: db, now: dbutil.UTCNow}
}

// WithDB returns a copy bound to db, so events commit with the caller's transaction
func (o *Outbox) WithDB(db *gorm.DB) *Outbox {
	cp := *o
	cp.db = db
	return &cp
}

// Append records an event for aggregateID with payload encoded as JSON
func (o *Outbox) Append(ctx context.Context, aggregateID, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	ev := OutboxEvent{
		EventID:     uuid.NewString(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     string(data),
		CreatedAt:   o.now(),
	}
	if err := o.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

// Pending returns unpublished events in insertion order
func (o *Outbox) Pending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var evs []OutboxEvent
	err := o.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("id").
		Limit(limit).
		Find(&evs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending events: %w", err)
	}
	return evs, nil
}

// MarkPublished stamps an event as delivered
func (o *Outbox) MarkPublished(ctx context.Context, id uint) error {
	err := o.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", o.now()).Error
	if err != nil {
		return fmt.Errorf("failed to mark event %d published: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt
func (o *Outbox) MarkFailed(ctx context.Context, id uint, cause error) error {
	err := o.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record delivery failure for event %d: %w", id, err)
	}
	return nil
}
