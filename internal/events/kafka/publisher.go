package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coomunity/unitsledger/internal/events"
	"github.com/segmentio/kafka-go"
)

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher writes to topic. Messages are keyed by sender so one
// sender's transfers land on one partition in commit order.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, evt events.TransferCompleted) error {
	msg, err := message(evt)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.EventType, err)
	}
	return nil
}

func message(evt events.TransferCompleted) (kafka.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(evt.SenderID),
		Value: data,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(evt.EventType)},
			{Key: "eventId", Value: []byte(evt.EventID.String())},
		},
	}, nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
