package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes notifications to a Kafka topic keyed by recipient so
// messages for one user stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, n *Notification) error {
	msg, err := KafkaMessage(n)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, msg)
}

// Close flushes pending writes.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// KafkaMessage encodes n. Operator notifications share the "operator" key.
func KafkaMessage(n *Notification) (kafka.Message, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, err
	}
	key := n.UserID
	if n.Channel == ChannelOperator {
		key = string(ChannelOperator)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  n.CreatedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
			{Key: "channel", Value: []byte(n.Channel)},
		},
	}, nil
}
