// Package store defines the persistence contract for captured meetings and
// the shared record types. Capture-path writes are fire-and-continue: the
// observer chain logs persistence failures and keeps going, so a flaky store
// can never kill captioning.
package store

import (
	"context"
	"time"
)

// WebhookStatus is the delivery state of a finalized meeting.
type WebhookStatus string

const (
	WebhookStatusNew        WebhookStatus = "new"
	WebhookStatusSuccessful WebhookStatus = "successful"
	WebhookStatusFailed     WebhookStatus = "failed"
)

// TranscriptBlock is one finalized speaker turn. Immutable once appended.
type TranscriptBlock struct {
	Speaker   string    `json:"speaker"`
	StartedAt time.Time `json:"started_at"`
	Text      string    `json:"text"`
}

// ChatMessage is one captured chat message. Immutable once appended.
type ChatMessage struct {
	Speaker string    `json:"speaker"`
	SentAt  time.Time `json:"sent_at"`
	Text    string    `json:"text"`
}

// Meeting is the persisted meeting record. It is created at start detection,
// grown by incremental appends, and finalized exactly once.
type Meeting struct {
	ID            string            `json:"id"`
	Platform      string            `json:"platform"`
	Title         string            `json:"title"`
	PageURL       string            `json:"page_url,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at,omitzero"` // zero while in progress
	Recovered     bool              `json:"recovered,omitempty"`
	WebhookStatus WebhookStatus     `json:"webhook_status"`
	Transcript    []TranscriptBlock `json:"transcript"`
	Chat          []ChatMessage     `json:"chat_messages"`
}

// Finalized reports whether the meeting has an end timestamp.
func (m *Meeting) Finalized() bool {
	return !m.EndedAt.IsZero()
}

// MeetingSummary is the list-view projection of a meeting.
type MeetingSummary struct {
	ID            string        `json:"id"`
	Platform      string        `json:"platform"`
	Title         string        `json:"title"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitzero"`
	Recovered     bool          `json:"recovered,omitempty"`
	WebhookStatus WebhookStatus `json:"webhook_status"`
	BlockCount    int           `json:"block_count"`
	ChatCount     int           `json:"chat_count"`
}

// Store persists meetings. Implementations must be safe for concurrent use.
type Store interface {
	// RecordMeetingStart creates the meeting record with status "new".
	RecordMeetingStart(ctx context.Context, m *Meeting) error

	// SetTitle updates the meeting title (titles populate asynchronously).
	SetTitle(ctx context.Context, meetingID, title string) error

	// AppendTranscriptBlock appends one finalized block.
	AppendTranscriptBlock(ctx context.Context, meetingID string, b TranscriptBlock) error

	// AppendChatMessage appends one chat message.
	AppendChatMessage(ctx context.Context, meetingID string, m ChatMessage) error

	// RecordMeetingEnd finalizes the meeting. Returns ErrAlreadyFinalized on
	// a second call so end-of-meeting races surface instead of double-writing.
	RecordMeetingEnd(ctx context.Context, meetingID string, endedAt time.Time) error

	// GetUnfinalizedMeeting returns the in-progress meeting with no end
	// timestamp, or ErrNotFound. At most one can exist per store.
	GetUnfinalizedMeeting(ctx context.Context) (*Meeting, error)

	// MarkRecovered finalizes a crashed meeting with a best-effort end
	// timestamp and sets the recovered flag. Idempotent.
	MarkRecovered(ctx context.Context, meetingID string, endedAt time.Time) error

	// SetWebhookStatus records the delivery outcome.
	SetWebhookStatus(ctx context.Context, meetingID string, status WebhookStatus) error

	// GetMeeting returns the full meeting record.
	GetMeeting(ctx context.Context, meetingID string) (*Meeting, error)

	// ListMeetings returns summaries, most recent first.
	ListMeetings(ctx context.Context, limit int) ([]MeetingSummary, error)

	// Close releases the backend.
	Close() error
}
