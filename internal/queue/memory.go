package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

// Memory is the in-process queue. It keeps full lease semantics so the
// worker behaves identically against Redis and against nothing at all: a
// claimed message whose lease lapses goes back on the line with its attempt
// count bumped.
type Memory struct {
	mu     sync.Mutex
	ready  []*memMessage
	leased map[string]*memMessage
	seq    int64
	closed bool

	leaseTTL time.Duration
	notify   chan struct{}
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

type memMessage struct {
	delivery Delivery
	expires  time.Time
}

// NewMemory builds the in-process queue and starts its lease janitor.
func NewMemory(leaseTTL time.Duration, logger *zap.Logger) *Memory {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Memory{
		leased:   make(map[string]*memMessage),
		leaseTTL: leaseTTL,
		notify:   make(chan struct{}, 1),
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) Enqueue(ctx context.Context, taskID string, kind types.TaskKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.NewError(types.KindQueueUnavailable, "queue closed")
	}

	m.seq++
	m.ready = append(m.ready, &memMessage{
		delivery: Delivery{
			MessageID:  strconv.FormatInt(m.seq, 10),
			TaskID:     taskID,
			Kind:       kind,
			Attempt:    0, // bumped on claim
			EnqueuedAt: time.Now().UTC(),
		},
	})
	m.wake()
	return nil
}

func (m *Memory) Claim(ctx context.Context, consumer string, block time.Duration) (*Delivery, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		if d := m.tryClaim(consumer); d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-m.notify:
		}
	}
}

func (m *Memory) tryClaim(consumer string) *Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.ready) == 0 {
		return nil
	}

	msg := m.ready[0]
	m.ready = m.ready[1:]
	msg.delivery.Consumer = consumer
	msg.delivery.Attempt++
	msg.expires = time.Now().Add(m.leaseTTL)
	m.leased[msg.delivery.MessageID] = msg

	d := msg.delivery
	return &d
}

func (m *Memory) Renew(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.leased[d.MessageID]
	if !ok {
		return types.NewError(types.KindQueueUnavailable, "lease %s not held", d.MessageID)
	}
	msg.expires = time.Now().Add(m.leaseTTL)
	return nil
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leased, d.MessageID)
	return nil
}

func (m *Memory) Nack(ctx context.Context, d *Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.leased[d.MessageID]
	if !ok {
		return nil
	}
	delete(m.leased, d.MessageID)
	m.ready = append(m.ready, msg)
	m.logger.Info("message handed back",
		zap.String("message_id", d.MessageID),
		zap.String("task_id", d.TaskID),
		zap.String("reason", reason))
	m.wake()
	return nil
}

func (m *Memory) Depth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready) + len(m.leased)), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.NewError(types.KindQueueUnavailable, "queue closed")
	}
	return nil
}

// Close stops the janitor and rejects further enqueues. Leased messages are
// dropped; a durable transport is the answer when that matters.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	return nil
}

// wake nudges one blocked Claim. Callers hold m.mu.
func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// janitor returns expired leases to the ready line.
func (m *Memory) janitor() {
	defer close(m.done)

	interval := m.leaseTTL / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

func (m *Memory) reapExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, msg := range m.leased {
		if now.Before(msg.expires) {
			continue
		}
		delete(m.leased, id)
		m.ready = append(m.ready, msg)
		m.logger.Warn("lease expired, requeueing message",
			zap.String("message_id", id),
			zap.String("task_id", msg.delivery.TaskID),
			zap.Int("attempt", msg.delivery.Attempt))
		m.wake()
	}
}
