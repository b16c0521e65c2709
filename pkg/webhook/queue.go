// Package webhook forwards finalized meetings and lifecycle signals to a
// user-configured endpoint. Delivery rides a retry queue so a flaky endpoint
// never blocks or loses a finalized meeting; the capture path only ever
// enqueues.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MessageType identifies the kind of queued work.
type MessageType string

const (
	// MessageTypeDelivery posts the full meeting payload.
	MessageTypeDelivery MessageType = "delivery"

	// MessageTypeNotification posts a small lifecycle signal. Receivers must
	// tolerate duplicates.
	MessageTypeNotification MessageType = "notification"
)

// Lifecycle events carried by notification messages.
const (
	EventMeetingStarted = "meeting.started"
	EventMeetingEnded   = "meeting.ended"
)

// ErrMessageNotFound is returned when acking or nacking an unknown message.
var ErrMessageNotFound = errors.New("queue message not found")

// ErrUnknownMessageType is returned when a queued payload cannot be parsed.
var ErrUnknownMessageType = errors.New("unknown queue message type")

// Message is one unit of delivery work.
type Message interface {
	Type() MessageType
}

// DeliveryMessage asks for the full meeting payload to be posted.
type DeliveryMessage struct {
	MeetingID  string    `json:"meeting_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Type implements Message.
func (m *DeliveryMessage) Type() MessageType { return MessageTypeDelivery }

// NotificationMessage carries a meeting lifecycle signal.
type NotificationMessage struct {
	MeetingID string    `json:"meeting_id"`
	Event     string    `json:"event"`
	At        time.Time `json:"at"`
}

// Type implements Message.
func (m *NotificationMessage) Type() MessageType { return MessageTypeNotification }

// QueuedMessage wraps a message with queue metadata.
type QueuedMessage struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	MessageType  MessageType     `json:"message_type"`
	RetryCount   int             `json:"retry_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
}

// Parse decodes the wrapped message.
func (qm *QueuedMessage) Parse() (Message, error) {
	switch qm.MessageType {
	case MessageTypeDelivery:
		var m DeliveryMessage
		if err := json.Unmarshal(qm.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case MessageTypeNotification:
		var m NotificationMessage
		if err := json.Unmarshal(qm.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

// Queue is the delivery queue contract. Implementations must be safe for
// concurrent use by the delivery workers and the capture path.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a message, visible immediately.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue returns up to max visible messages, blocking until at least
	// one is available or ctx is done. Dequeued messages are invisible to
	// other workers until acked or nacked.
	Dequeue(ctx context.Context, max int) ([]*QueuedMessage, error)

	// Ack removes a successfully processed message.
	Ack(ctx context.Context, messageID string) error

	// Nack re-enqueues a failed message with the given delay and an
	// incremented retry count.
	Nack(ctx context.Context, messageID string, delay time.Duration) error

	// MoveToDeadLetter parks a message that will never succeed.
	MoveToDeadLetter(ctx context.Context, messageID, reason string) error

	// Depth returns the number of messages waiting (not in flight).
	Depth(ctx context.Context) (int64, error)

	// Close releases the backend.
	Close() error
}

// QueueConfig configures queue behavior.
type QueueConfig struct {
	Name            string        `yaml:"name"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
}

// DefaultQueueConfig returns the delivery queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Name:            "webhook:delivery",
		RetentionPeriod: 24 * time.Hour,
	}
}
