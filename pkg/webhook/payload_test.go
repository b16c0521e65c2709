package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captrail/captrail/pkg/store"
)

func TestBuildDeliveryBody(t *testing.T) {
	started := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	m := &store.Meeting{
		ID:        "m-1",
		Platform:  "meet",
		Title:     "Planning",
		PageURL:   "https://meet.example/abc",
		StartedAt: started,
		EndedAt:   started.Add(time.Hour),
		Transcript: []store.TranscriptBlock{
			{Speaker: "Alice", StartedAt: started, Text: "hello there"},
			{Speaker: "Bob", StartedAt: started.Add(time.Minute), Text: "hi"},
		},
		Chat: []store.ChatMessage{
			{Speaker: "Carol", SentAt: started.Add(2 * time.Minute), Text: "a link"},
		},
	}

	body, err := BuildDeliveryBody(m, started.Add(time.Hour))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, EventMeetingCompleted, env.Event)
	assert.Equal(t, "m-1", env.MeetingID)
	require.NotNil(t, env.Meeting)
	assert.Equal(t, "Planning", env.Meeting.Title)
	require.Len(t, env.Meeting.Blocks, 2)
	assert.Equal(t, "Alice", env.Meeting.Blocks[0].Speaker)
	assert.Equal(t, "hello there", env.Meeting.Blocks[0].Text)
	require.Len(t, env.Meeting.Chat, 1)
}

func TestBuildDeliveryBody_SilentMeetingHasEmptyTranscript(t *testing.T) {
	m := &store.Meeting{ID: "m-1", Platform: "zoom", StartedAt: time.Now()}

	body, err := BuildDeliveryBody(m, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(body), `"transcript":[]`)
}

func TestBuildNotificationBody(t *testing.T) {
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	body, err := BuildNotificationBody(&NotificationMessage{
		MeetingID: "m-1", Event: EventMeetingStarted, At: at,
	}, at)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, EventMeetingStarted, env.Event)
	assert.Equal(t, "m-1", env.MeetingID)
	assert.Nil(t, env.Meeting)
}

func TestSign_KnownVector(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	sig := Sign([]byte("The quick brown fox jumps over the lazy dog"), []byte("key"))
	assert.Equal(t,
		"sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", sig)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"meeting.completed"}`)
	key := []byte("shared-secret")

	assert.True(t, VerifySignature(body, key, Sign(body, key)))
	assert.False(t, VerifySignature(body, key, Sign(body, []byte("wrong-key"))))
	assert.False(t, VerifySignature([]byte("tampered"), key, Sign(body, key)))
}
