// Package tasks hands derived-computation jobs off to an external worker queue.
// Dispatch is best-effort and idempotent: jobs are keyed by (payload id,
// telemetry id, job type) and the queue layer collapses duplicate keys, so a
// dispatch failure never affects ingestion success.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Job types for commit-triggered derived computation.
const (
	// JobPredictPath recomputes the payload's predicted trajectory.
	JobPredictPath = "predict-path"
	// JobDopplerFix derives a fallback position from satellite doppler data.
	JobDopplerFix = "doppler-fix"
)

// Job is one derived-computation dispatch.
type Job struct {
	Type        string    `json:"type"`
	PayloadID   string    `json:"payloadId"`
	TelemetryID string    `json:"telemetryId"`
	EventTime   time.Time `json:"eventTime"`
}

// DedupKey is the idempotency key the queue collapses duplicates by.
func (j Job) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", j.PayloadID, j.TelemetryID, j.Type)
}

// Dispatcher enqueues jobs onto the external queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// KafkaDispatcher writes jobs to a Kafka topic with the dedup key as message
// key. Downstream workers (external) collapse duplicates by key.
type KafkaDispatcher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaDispatcher creates a dispatcher writing to the given topic.
// Returns nil (a no-op dispatcher) when brokers or topic are unset.
func NewKafkaDispatcher(brokers []string, topic string, timeout time.Duration) *KafkaDispatcher {
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
	return &KafkaDispatcher{writer: writer, timeout: timeout}
}

// Enqueue writes the job keyed by its dedup key.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, job Job) error {
	if d == nil || d.writer == nil {
		return nil
	}
	value, err := json.Marshal(job)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(job.DedupKey()),
		Value: value,
	})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (d *KafkaDispatcher) Close() error {
	if d == nil || d.writer == nil {
		return nil
	}
	return d.writer.Close()
}

// EnqueueAsync runs Enqueue in a goroutine with its own timeout so the commit
// path is never blocked by the queue; failures are logged and dropped.
func EnqueueAsync(d Dispatcher, job Job) {
	if d == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Enqueue(ctx, job); err != nil {
			log.Printf("tasks: dispatch %s failed: %v", job.DedupKey(), err)
		}
	}()
}
