// Package queue is the job transport between the dispatcher and the worker
// pool. Messages carry task ids only; plans, credentials, and results never
// ride the queue. Delivery is at-least-once: a message claimed by a worker
// that dies comes back after its lease expires, and the task registry's
// compare-and-set transitions make the replay harmless.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

// Delivery is one leased message. The worker must Ack it after the task
// reaches a terminal state, Nack it to hand it back early, or let the lease
// lapse on crash.
type Delivery struct {
	MessageID string
	TaskID    string
	Kind      types.TaskKind

	// Consumer is the name under which the message was claimed; Renew
	// must run as the same consumer.
	Consumer string

	// Attempt counts deliveries of this message, starting at 1. A value
	// above 1 means some worker claimed it before and never acked.
	Attempt int

	EnqueuedAt time.Time
}

// Redelivered reports whether this delivery is a replay.
func (d *Delivery) Redelivered() bool { return d.Attempt > 1 }

// Queue moves task references between the dispatcher and workers.
type Queue interface {
	// Enqueue appends one message. It must be durable before returning.
	Enqueue(ctx context.Context, taskID string, kind types.TaskKind) error

	// Claim leases the next message for the named consumer, blocking up to
	// the given duration. It returns (nil, nil) when nothing arrived.
	Claim(ctx context.Context, consumer string, block time.Duration) (*Delivery, error)

	// Renew extends the lease on a claimed message so long-running work is
	// not reclaimed mid-flight.
	Renew(ctx context.Context, d *Delivery) error

	// Ack removes a claimed message permanently.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns a claimed message to the queue for another consumer,
	// bumping its attempt count. The reason is recorded for operators; it
	// does not change delivery behavior.
	Nack(ctx context.Context, d *Delivery, reason string) error

	// Depth reports how many messages are queued or leased.
	Depth(ctx context.Context) (int64, error)

	// Ping verifies the transport is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// New picks the transport: a Redis URL selects Redis Streams, an empty URL
// the in-process queue for single-binary deployments and tests.
func New(redisURL, stream, group string, leaseTTL time.Duration, logger *zap.Logger) (Queue, error) {
	if redisURL == "" {
		return NewMemory(leaseTTL, logger), nil
	}
	return NewRedis(redisURL, stream, group, leaseTTL, logger)
}
