package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"podium/internal/types"
)

// Redis is the durable transport, built on Redis Streams with one consumer
// group. XAUTOCLAIM gives us lease-expiry redelivery: any pending entry idle
// longer than the lease TTL is fair game for the next claimer.
type Redis struct {
	client   *redis.Client
	stream   string
	group    string
	leaseTTL time.Duration
	logger   *zap.Logger
}

// NewRedis connects, creates the stream and consumer group if needed, and
// returns the transport.
func NewRedis(redisURL, stream, group string, leaseTTL time.Duration, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, types.WrapError(types.KindQueueUnavailable, err, "invalid redis url")
	}

	q := &Redis{
		client:   redis.NewClient(opts),
		stream:   stream,
		group:    group,
		leaseTTL: leaseTTL,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.ensureGroup(ctx); err != nil {
		q.client.Close()
		return nil, err
	}

	logger.Info("redis queue ready",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.Duration("lease_ttl", leaseTTL))
	return q, nil
}

// ensureGroup creates the consumer group from the stream head. BUSYGROUP
// means another process won the race, which is fine.
func (q *Redis) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return types.WrapError(types.KindQueueUnavailable, err, "failed to create consumer group")
	}
	return nil
}

func (q *Redis) Enqueue(ctx context.Context, taskID string, kind types.TaskKind) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"task_id":     taskID,
			"kind":        string(kind),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return types.WrapError(types.KindQueueUnavailable, err, "failed to enqueue task %s", taskID)
	}
	return nil
}

func (q *Redis) Claim(ctx context.Context, consumer string, block time.Duration) (*Delivery, error) {
	// Abandoned work first: reclaim one entry whose lease lapsed.
	if d, err := q.reclaim(ctx, consumer); err != nil || d != nil {
		return d, err
	}

	// go-redis reads Block 0 as "forever"; a non-positive block here means
	// a plain poll instead.
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindQueueUnavailable, err, "failed to read from stream")
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return q.toDelivery(msg, consumer, 1), nil
		}
	}
	return nil, nil
}

// reclaim takes over one pending entry idle past the lease TTL.
func (q *Redis) reclaim(ctx context.Context, consumer string) (*Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.leaseTTL,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, types.WrapError(types.KindQueueUnavailable, err, "failed to reclaim pending entries")
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	attempt := q.deliveryCount(ctx, msg.ID)
	q.logger.Warn("reclaimed expired lease",
		zap.String("message_id", msg.ID),
		zap.String("consumer", consumer),
		zap.Int("attempt", attempt))
	return q.toDelivery(msg, consumer, attempt), nil
}

// deliveryCount asks XPENDING how many times an entry has been handed out.
func (q *Redis) deliveryCount(ctx context.Context, messageID string) int {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2 // reclaimed at least once
	}
	return int(pending[0].RetryCount)
}

func (q *Redis) Renew(ctx context.Context, d *Delivery) error {
	// Claiming to self with MinIdle 0 resets the idle clock, which is
	// exactly a lease renewal. JUSTID keeps the delivery counter honest.
	_, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: d.Consumer,
		MinIdle:  0,
		Messages: []string{d.MessageID},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return types.WrapError(types.KindQueueUnavailable, err, "failed to renew lease on %s", d.MessageID)
	}
	return nil
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.XAck(ctx, q.stream, q.group, d.MessageID).Err(); err != nil {
		return types.WrapError(types.KindQueueUnavailable, err, "failed to ack %s", d.MessageID)
	}
	// Acked entries are dead weight in the stream; trim as we go.
	if err := q.client.XDel(ctx, q.stream, d.MessageID).Err(); err != nil {
		q.logger.Warn("failed to delete acked message", zap.String("message_id", d.MessageID), zap.Error(err))
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, d *Delivery, reason string) error {
	// Streams cannot return an entry to ">" readers, so hand-back is a
	// fresh entry plus an ack of the old one. The attempt count survives in
	// the message body.
	values := map[string]interface{}{
		"task_id":     d.TaskID,
		"kind":        string(d.Kind),
		"enqueued_at": d.EnqueuedAt.Format(time.RFC3339Nano),
		"attempt":     d.Attempt,
	}
	if reason != "" {
		values["nack_reason"] = reason
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: values,
	}).Err()
	if err != nil {
		return types.WrapError(types.KindQueueUnavailable, err, "failed to requeue %s", d.MessageID)
	}
	q.logger.Info("message handed back",
		zap.String("message_id", d.MessageID),
		zap.String("task_id", d.TaskID),
		zap.String("reason", reason))
	return q.Ack(ctx, d)
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, types.WrapError(types.KindQueueUnavailable, err, "failed to read stream length")
	}
	return n, nil
}

func (q *Redis) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return types.WrapError(types.KindQueueUnavailable, err, "redis unreachable")
	}
	return nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}

// toDelivery decodes one stream entry.
func (q *Redis) toDelivery(msg redis.XMessage, consumer string, attempt int) *Delivery {
	d := &Delivery{
		MessageID: msg.ID,
		Consumer:  consumer,
		Attempt:   attempt,
	}
	if v, ok := msg.Values["task_id"].(string); ok {
		d.TaskID = v
	}
	if v, ok := msg.Values["kind"].(string); ok {
		d.Kind = types.TaskKind(v)
	}
	if v, ok := msg.Values["enqueued_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.EnqueuedAt = ts
		}
	}
	// Nacked entries carry their prior attempt count in the body.
	if v, ok := msg.Values["attempt"].(string); ok {
		if prior, err := strconv.Atoi(v); err == nil && prior+1 > d.Attempt {
			d.Attempt = prior + 1
		}
	}
	return d
}
