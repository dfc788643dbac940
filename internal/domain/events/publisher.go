// internal/domain/events/publisher.go
package events

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Publisher delivers one outbox event to the broker
type Publisher interface {
	Publish(ctx context.Context, ev OutboxEvent) error
}

// KafkaPublisher writes events to a Kafka topic keyed by aggregate id,
// which keeps every order's events in one partition and in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, ev OutboxEvent) error {
	return p.writer.WriteMessages(ctx, toMessage(ev))
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(ev OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(ev.AggregateID),
		Value: []byte(ev.Payload),
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}
}

// LogPublisher only logs events; used when no broker is configured
type LogPublisher struct {
	log logrus.FieldLogger
}

// NewLogPublisher creates a log-only publisher
func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(ctx context.Context, ev OutboxEvent) error {
	p.log.WithFields(logrus.Fields{
		"event_id":     ev.EventID,
		"event_type":   ev.EventType,
		"aggregate_id": ev.AggregateID,
	}).Info("Domain event")
	return nil
}
