package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/wrapbridge/engine/internal/events"
)

// Publisher writes transaction updates to a Kafka topic, keyed by transaction id
// so a consumer sees each transaction's updates in order
type Publisher struct {
	writer *kafka.Writer
	logger logrus.FieldLogger
}

func NewPublisher(brokers []string, topic string, logger logrus.FieldLogger) *Publisher {
	p := &Publisher{logger: logger}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion:   p.completed,
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, ev events.TransactionUpdated) error {
	msg, err := message(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// completed reports failures of async writes, which WriteMessages cannot return
func (p *Publisher) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, msg := range messages {
		p.logger.WithField("tx", string(msg.Key)).WithError(err).Error("❌ Failed to deliver transaction update")
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func message(ev events.TransactionUpdated) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal transaction update: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.ID),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
		},
	}, nil
}

var _ events.Publisher = (*Publisher)(nil)
