package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_EnqueueDequeueAck(t *testing.T) {
	q := NewMemoryQueue(DefaultQueueConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &DeliveryMessage{MeetingID: "m-1"}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	msgs, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeDelivery, msgs[0].MessageType)

	parsed, err := msgs[0].Parse()
	require.NoError(t, err)
	assert.Equal(t, "m-1", parsed.(*DeliveryMessage).MeetingID)

	// In flight: not counted in depth, not re-dequeued.
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	require.NoError(t, q.Ack(ctx, msgs[0].ID))
	assert.ErrorIs(t, q.Ack(ctx, msgs[0].ID), ErrMessageNotFound)
}

func TestMemoryQueue_NackDelaysVisibility(t *testing.T) {
	q := NewMemoryQueue(DefaultQueueConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &DeliveryMessage{MeetingID: "m-1"}))
	msgs, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Nack(ctx, msgs[0].ID, 50*time.Millisecond))

	// Not visible yet.
	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Visible after the delay, with the retry counted.
	msgs, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].RetryCount)
}

func TestMemoryQueue_DeadLetter(t *testing.T) {
	q := NewMemoryQueue(DefaultQueueConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &DeliveryMessage{MeetingID: "m-1"}))
	msgs, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, q.MoveToDeadLetter(ctx, msgs[0].ID, "rejected"))
	require.Len(t, q.DeadLetters(), 1)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestMemoryQueue_DequeueUnblocksOnEnqueue(t *testing.T) {
	q := NewMemoryQueue(DefaultQueueConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan []*QueuedMessage, 1)
	go func() {
		msgs, err := q.Dequeue(ctx, 1)
		if err == nil {
			got <- msgs
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &NotificationMessage{MeetingID: "m-1", Event: EventMeetingStarted}))

	select {
	case msgs := <-got:
		require.Len(t, msgs, 1)
		assert.Equal(t, MessageTypeNotification, msgs[0].MessageType)
	case <-ctx.Done():
		t.Fatal("dequeue did not observe the enqueue")
	}
}

func TestMemoryQueue_ClosedRejectsEnqueue(t *testing.T) {
	q := NewMemoryQueue(DefaultQueueConfig())
	require.NoError(t, q.Close())
	assert.Error(t, q.Enqueue(context.Background(), &DeliveryMessage{MeetingID: "m-1"}))
}
