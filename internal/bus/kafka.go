package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher implements Publisher using segmentio/kafka-go.
// Events are keyed by payload id so one payload's changes stay in partition
// order; there is no ordering guarantee across payloads.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaPublisher creates a Kafka publisher that writes change events to the
// given topic. brokers must be non-empty. Call Close when shutting down.
func NewKafkaPublisher(brokers []string, topic string, timeout time.Duration) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: writer, timeout: timeout}
}

// Publish serializes the event as JSON and writes it keyed by payload id.
// Uses the request context with a short timeout so a slow broker does not
// block the ingestion caller indefinitely.
func (p *KafkaPublisher) Publish(ctx context.Context, event *ChangeEvent) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.PayloadID),
		Value: value,
	})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// KafkaSubscriber implements Subscriber using a consumer-group reader. Each
// broadcaster instance uses its own group id so every instance sees the full
// stream.
type KafkaSubscriber struct {
	reader *kafka.Reader
}

// NewKafkaSubscriber creates a subscriber for the topic with the given group id.
func NewKafkaSubscriber(brokers []string, topic, groupID string) *KafkaSubscriber {
	if len(brokers) == 0 || topic == "" || groupID == "" {
		return nil
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	return &KafkaSubscriber{reader: reader}
}

// Run consumes change events until ctx is cancelled. Undecodable messages are
// logged and skipped; the stream must keep moving.
func (s *KafkaSubscriber) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("bus: kafka read error: %v", err)
			continue
		}
		var event ChangeEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Printf("bus: dropping undecodable event: %v", err)
			continue
		}
		handle(ctx, &event)
	}
}

// Close closes the Kafka reader. Safe to call multiple times.
func (s *KafkaSubscriber) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
