// internal/domain/events/poller.go
package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Poller moves pending outbox events to a Publisher
type Poller struct {
	outbox    *Outbox
	publisher Publisher
	batchSize int
	log       logrus.FieldLogger
}

// NewPoller creates a new outbox poller
func NewPoller(outbox *Outbox, publisher Publisher, batchSize int, log logrus.FieldLogger) *Poller {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Poller{outbox: outbox, publisher: publisher, batchSize: batchSize, log: log}
}

// PublishPending publishes one batch and returns how many events were delivered.
// A failed event is recorded and skipped; later events of the same batch still go out.
func (p *Poller) PublishPending(ctx context.Context) (int, error) {
	evs, err := p.outbox.Pending(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range evs {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		if err := p.publisher.Publish(ctx, ev); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"event_id":   ev.EventID,
				"event_type": ev.EventType,
			}).Warn("Failed to publish event")
			if markErr := p.outbox.MarkFailed(ctx, ev.ID, err); markErr != nil {
				p.log.WithError(markErr).Error("Failed to record publish failure")
			}
			continue
		}

		if err := p.outbox.MarkPublished(ctx, ev.ID); err != nil {
			p.log.WithError(err).WithField("event_id", ev.EventID).Error("Event published but not marked")
			continue
		}
		published++
	}
	return published, nil
}
