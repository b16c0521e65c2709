package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/captrail/captrail/pkg/store"
)

// SignatureHeader carries the HMAC of the request body, as
// "sha256=<hex digest>". Receivers verify it with the shared signing key.
const SignatureHeader = "X-Captrail-Signature"

// EventMeetingCompleted is the event name on full delivery payloads.
const EventMeetingCompleted = "meeting.completed"

// Envelope is the top level of every webhook request body.
type Envelope struct {
	Event     string          `json:"event"`
	SentAt    time.Time       `json:"sent_at"`
	MeetingID string          `json:"meeting_id"`
	Meeting   *MeetingPayload `json:"meeting,omitempty"`
}

// MeetingPayload is the wire form of a finalized meeting.
type MeetingPayload struct {
	ID        string            `json:"id"`
	Platform  string            `json:"platform"`
	Title     string            `json:"title"`
	PageURL   string            `json:"page_url,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at,omitzero"`
	Recovered bool              `json:"recovered,omitempty"`
	Blocks    []TranscriptEntry `json:"transcript"`
	Chat      []ChatEntry       `json:"chat,omitempty"`
}

// TranscriptEntry is one speaker turn.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	StartedAt time.Time `json:"started_at"`
	Text      string    `json:"text"`
}

// ChatEntry is one chat message.
type ChatEntry struct {
	Speaker string    `json:"speaker"`
	SentAt  time.Time `json:"sent_at"`
	Text    string    `json:"text"`
}

// BuildDeliveryBody serializes a finalized meeting into the delivery request
// body. The transcript array is always present, empty for silent meetings.
func BuildDeliveryBody(m *store.Meeting, now time.Time) ([]byte, error) {
	p := &MeetingPayload{
		ID:        m.ID,
		Platform:  m.Platform,
		Title:     m.Title,
		PageURL:   m.PageURL,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		Recovered: m.Recovered,
		Blocks:    make([]TranscriptEntry, 0, len(m.Transcript)),
	}
	for _, b := range m.Transcript {
		p.Blocks = append(p.Blocks, TranscriptEntry{
			Speaker:   b.Speaker,
			StartedAt: b.StartedAt,
			Text:      b.Text,
		})
	}
	for _, c := range m.Chat {
		p.Chat = append(p.Chat, ChatEntry{
			Speaker: c.Speaker,
			SentAt:  c.SentAt,
			Text:    c.Text,
		})
	}

	body, err := json.Marshal(&Envelope{
		Event:     EventMeetingCompleted,
		SentAt:    now,
		MeetingID: m.ID,
		Meeting:   p,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal delivery body: %w", err)
	}
	return body, nil
}

// BuildNotificationBody serializes a lifecycle signal.
func BuildNotificationBody(msg *NotificationMessage, now time.Time) ([]byte, error) {
	body, err := json.Marshal(&Envelope{
		Event:     msg.Event,
		SentAt:    now,
		MeetingID: msg.MeetingID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal notification body: %w", err)
	}
	return body, nil
}

// Sign computes the signature header value for a request body.
func Sign(body, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body, in
// constant time. Exposed for receiver-side tooling and tests.
func VerifySignature(body, key []byte, header string) bool {
	return hmac.Equal([]byte(Sign(body, key)), []byte(header))
}
