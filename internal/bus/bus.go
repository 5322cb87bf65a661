// Package bus defines the change-event distribution boundary between the
// ingestion commit path and broadcaster processes. Delivery is at-least-once
// per subscriber; consumers dedupe by (payload id, event time).
package bus

import (
	"context"
	"time"

	"payload-tracker/backend/internal/telemetry/domain"
)

// ChangeEvent is published once per successful telemetry commit.
type ChangeEvent struct {
	PayloadID  string            `json:"payloadId"`
	Point      domain.Point      `json:"point"`
	EventTime  time.Time         `json:"eventTime"`
	Confidence domain.Confidence `json:"confidence"`
}

// Publisher emits change events onto the bus. Publish is at-least-once: the
// caller retries transient failures, and a publish failure never reverts the
// store commit that produced the event.
type Publisher interface {
	Publish(ctx context.Context, event *ChangeEvent) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}

// Handler consumes one change event. Returning an error only logs; events are
// not redelivered within a subscriber's run.
type Handler func(ctx context.Context, event *ChangeEvent)

// Subscriber yields the at-least-once change stream to one broadcaster instance.
type Subscriber interface {
	// Run consumes events and invokes handle for each until ctx is cancelled.
	Run(ctx context.Context, handle Handler) error
	Close() error
}
