package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/hakobi/internal/model"
)

// DefaultKafkaTopic is the topic changes are written to.
const DefaultKafkaTopic = "hakobi.changes"

// messageWriter is the part of *kafka.Writer the feed uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaFeed writes changes to a Kafka topic. Messages are keyed
// tenant:entity so every change for one entity lands on one partition in
// commit order.
type KafkaFeed struct {
	w messageWriter
}

// NewKafkaFeed creates a KafkaFeed writing to topic on the given brokers.
func NewKafkaFeed(brokers []string, topic string) (*KafkaFeed, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("notify: at least one kafka broker is required")
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaFeed{w: w}, nil
}

func (f *KafkaFeed) Name() string { return "kafka" }

func (f *KafkaFeed) Publish(ctx context.Context, c model.Change) error {
	msg, err := kafkaMessage(c)
	if err != nil {
		return err
	}
	if err := f.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka write: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (f *KafkaFeed) Close() error {
	return f.w.Close()
}

func kafkaMessage(c model.Change) (kafka.Message, error) {
	payload, err := encode(c)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(c.TenantID.String() + ":" + c.EntityID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(c.TenantID.String())},
			{Key: "entity_type", Value: []byte(c.EntityType)},
			{Key: "action", Value: []byte(c.Action)},
		},
	}, nil
}
