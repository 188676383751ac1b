package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"energy_market/internal/event"

	"github.com/segmentio/kafka-go"
)

// Producer publishes market events to one Kafka topic, keyed by the event's
// partition key so all events of a trade or settlement stay ordered.
type Producer struct {
	writer *kafka.Writer
}

var _ event.Sink = (*Producer)(nil)

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Name() string { return "kafka" }

// Deliver writes one event synchronously.
func (p *Producer) Deliver(ctx context.Context, ev event.Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Encode turns an event into a Kafka message with the event type as a header.
func Encode(ev event.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}, nil
}
