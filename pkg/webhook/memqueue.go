package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is the in-process Queue used when the daemon runs without
// redis. Messages do not survive a restart; unfinished deliveries are
// re-enqueued on the next run from the webhook_status column instead.
type MemoryQueue struct {
	mu         sync.Mutex
	name       string
	ready      []*QueuedMessage
	processing map[string]*QueuedMessage
	deadLetter []*QueuedMessage
	closed     bool
	wake       chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(cfg QueueConfig) *MemoryQueue {
	if cfg.Name == "" {
		cfg.Name = DefaultQueueConfig().Name
	}
	return &MemoryQueue{
		name:       cfg.Name,
		processing: make(map[string]*QueuedMessage),
		wake:       make(chan struct{}, 1),
	}
}

// Name implements Queue.
func (q *MemoryQueue) Name() string { return q.name }

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	qm := &QueuedMessage{
		ID:          uuid.New().String(),
		Payload:     payload,
		MessageType: msg.Type(),
		EnqueuedAt:  time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue %s is closed", q.name)
	}
	q.ready = append(q.ready, qm)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue implements Queue. It blocks until a message becomes visible or ctx
// is done.
func (q *MemoryQueue) Dequeue(ctx context.Context, max int) ([]*QueuedMessage, error) {
	if max <= 0 {
		max = 1
	}
	for {
		msgs, nextVisible := q.takeReady(max)
		if len(msgs) > 0 {
			return msgs, nil
		}

		wait := 100 * time.Millisecond
		if !nextVisible.IsZero() {
			if d := time.Until(nextVisible); d < wait {
				wait = d
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// takeReady moves up to max visible messages into processing and returns
// them, plus the earliest future visibility time among those skipped.
func (q *MemoryQueue) takeReady(max int) ([]*QueuedMessage, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []*QueuedMessage
	var rest []*QueuedMessage
	var nextVisible time.Time
	for _, qm := range q.ready {
		if len(out) < max && !qm.VisibleAfter.After(now) {
			q.processing[qm.ID] = qm
			out = append(out, qm)
			continue
		}
		if qm.VisibleAfter.After(now) &&
			(nextVisible.IsZero() || qm.VisibleAfter.Before(nextVisible)) {
			nextVisible = qm.VisibleAfter
		}
		rest = append(rest, qm)
	}
	q.ready = rest
	return out, nextVisible
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[messageID]; !ok {
		return fmt.Errorf("ack %s: %w", messageID, ErrMessageNotFound)
	}
	delete(q.processing, messageID)
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(ctx context.Context, messageID string, delay time.Duration) error {
	q.mu.Lock()
	qm, ok := q.processing[messageID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("nack %s: %w", messageID, ErrMessageNotFound)
	}
	delete(q.processing, messageID)
	qm.RetryCount++
	qm.VisibleAfter = time.Now().Add(delay)
	q.ready = append(q.ready, qm)
	q.mu.Unlock()

	q.signal()
	return nil
}

// MoveToDeadLetter implements Queue.
func (q *MemoryQueue) MoveToDeadLetter(ctx context.Context, messageID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	qm, ok := q.processing[messageID]
	if !ok {
		return fmt.Errorf("dead-letter %s: %w", messageID, ErrMessageNotFound)
	}
	delete(q.processing, messageID)
	q.deadLetter = append(q.deadLetter, qm)
	return nil
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// DeadLetters returns a copy of the parked messages.
func (q *MemoryQueue) DeadLetters() []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueuedMessage, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Verify interface compliance
var _ Queue = (*MemoryQueue)(nil)
