package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // pending messages (sorted set by visibility time)
	keyPrefixProcessing = "processing:" // in-flight messages (sorted set by visibility deadline)
	keyPrefixMessage    = "msg:"        // message data
	keyPrefixDLQ        = "dlq:"        // dead letter queue
)

// DefaultVisibilityTimeout bounds how long a crashed worker can hold a
// dequeued message before RecoverStaleMessages returns it to the queue.
const DefaultVisibilityTimeout = 2 * time.Minute

// RedisQueue implements Queue on redis sorted sets, for deployments where
// delivery must survive daemon restarts or run on a separate host.
type RedisQueue struct {
	client            *redis.Client
	name              string
	retention         time.Duration
	visibilityTimeout time.Duration
}

// NewRedisQueue creates a redis-backed queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg QueueConfig) *RedisQueue {
	if cfg.Name == "" {
		cfg.Name = DefaultQueueConfig().Name
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = DefaultQueueConfig().RetentionPeriod
	}
	return &RedisQueue{
		client:            client,
		name:              cfg.Name,
		retention:         cfg.RetentionPeriod,
		visibilityTimeout: DefaultVisibilityTimeout,
	}
}

// Name implements Queue.
func (q *RedisQueue) Name() string { return q.name }

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
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
	return q.push(ctx, qm, time.Now())
}

// push stores the message body and schedules it in the pending set, visible
// at the given time. Both writes ride one transaction so a crash cannot
// leave a scheduled ID without a body.
func (q *RedisQueue) push(ctx context.Context, qm *QueuedMessage, visibleAt time.Time) error {
	data, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(qm.ID), data, q.retention)
	pipe.ZAdd(ctx, keyPrefixQueue+q.name, redis.Z{
		Score:  float64(visibleAt.UnixNano()),
		Member: qm.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// Dequeue implements Queue. It polls the pending set for messages whose
// visibility time has passed and blocks until at least one arrives or ctx is
// done.
func (q *RedisQueue) Dequeue(ctx context.Context, max int) ([]*QueuedMessage, error) {
	if max <= 0 {
		max = 1
	}
	queueKey := keyPrefixQueue + q.name
	processingKey := keyPrefixProcessing + q.name

	for {
		ids, err := q.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", time.Now().UnixNano()),
			Count: int64(max),
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}

		var messages []*QueuedMessage
		for _, id := range ids {
			// ZRem is the claim: only one worker wins a contested ID.
			removed, err := q.client.ZRem(ctx, queueKey, id).Result()
			if err != nil {
				return messages, fmt.Errorf("claim message: %w", err)
			}
			if removed == 0 {
				continue
			}

			data, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
			if err == redis.Nil {
				// Body expired past retention; drop the orphaned ID.
				continue
			}
			if err != nil {
				return messages, fmt.Errorf("get message data: %w", err)
			}

			var qm QueuedMessage
			if err := json.Unmarshal(data, &qm); err != nil {
				return messages, fmt.Errorf("unmarshal message: %w", err)
			}

			deadline := time.Now().Add(q.visibilityTimeout)
			if err := q.client.ZAdd(ctx, processingKey, redis.Z{
				Score:  float64(deadline.UnixNano()),
				Member: id,
			}).Err(); err != nil {
				return messages, fmt.Errorf("move to processing: %w", err)
			}
			messages = append(messages, &qm)
		}
		if len(messages) > 0 {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixProcessing+q.name, messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// Nack implements Queue.
func (q *RedisQueue) Nack(ctx context.Context, messageID string, delay time.Duration) error {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("nack %s: %w", messageID, ErrMessageNotFound)
	}
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}

	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	qm.RetryCount++
	qm.VisibleAfter = time.Now().Add(delay)

	if err := q.client.ZRem(ctx, keyPrefixProcessing+q.name, messageID).Err(); err != nil {
		return fmt.Errorf("remove from processing: %w", err)
	}
	return q.push(ctx, &qm, qm.VisibleAfter)
}

// MoveToDeadLetter implements Queue.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, messageID, reason string) error {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("dead-letter %s: %w", messageID, ErrMessageNotFound)
	}
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}

	entry, err := json.Marshal(map[string]interface{}{
		"message":    string(data),
		"reason":     reason,
		"moved_at":   time.Now().Format(time.RFC3339),
		"queue_name": q.name,
	})
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixProcessing+q.name, messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	pipe.ZAdd(ctx, keyPrefixDLQ+q.name, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: string(entry),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move to dlq: %w", err)
	}
	return nil
}

// Depth implements Queue.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, keyPrefixQueue+q.name).Result()
}

// DeadLetterDepth returns the number of parked messages.
func (q *RedisQueue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, keyPrefixDLQ+q.name).Result()
}

// RecoverStaleMessages returns in-flight messages whose visibility deadline
// has passed to the pending set. Call periodically from a background loop.
func (q *RedisQueue) RecoverStaleMessages(ctx context.Context) error {
	processingKey := keyPrefixProcessing + q.name

	stale, err := q.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", time.Now().UnixNano()),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("find stale messages: %w", err)
	}

	for _, id := range stale {
		data, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
		if err == redis.Nil {
			q.client.ZRem(ctx, processingKey, id)
			continue
		}
		if err != nil {
			continue
		}

		var qm QueuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			continue
		}
		qm.RetryCount++

		if err := q.client.ZRem(ctx, processingKey, id).Err(); err != nil {
			continue
		}
		q.push(ctx, &qm, time.Now())
	}
	return nil
}

// Close implements Queue. The redis client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

func (q *RedisQueue) msgKey(id string) string {
	return keyPrefixMessage + q.name + ":" + id
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
