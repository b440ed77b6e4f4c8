package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes durable events to a topic, keyed by market so one market's
// events stay ordered within a partition.
type Kafka struct {
	writer messageWriter
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
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

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Append(ctx context.Context, msg engine.DBMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(marketOf(msg)),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Type, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }

// marketOf returns the market a durable event belongs to. The engine tags
// every event; the payload is only consulted for untagged messages.
func marketOf(msg engine.DBMessage) string {
	if m := msg.Market(); m != "" {
		return m
	}
	switch d := msg.Data.(type) {
	case engine.TradeAdded:
		return d.Market
	case engine.OrderUpdate:
		return d.Market
	}
	return ""
}

var _ DurableSink = (*Kafka)(nil)
