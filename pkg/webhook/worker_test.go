package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/store"
)

// endpoint records received webhook requests and answers with a scripted
// status sequence, repeating the last entry.
type endpoint struct {
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	headers  []http.Header
}

func (e *endpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		e.mu.Lock()
		e.bodies = append(e.bodies, body)
		e.headers = append(e.headers, r.Header.Clone())
		status := e.statuses[0]
		if len(e.statuses) > 1 {
			e.statuses = e.statuses[1:]
		}
		e.mu.Unlock()

		w.WriteHeader(status)
	}
}

func (e *endpoint) requests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bodies)
}

func (e *endpoint) body(i int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bodies[i]
}

func (e *endpoint) header(i int) http.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.headers[i]
}

func finalizedMeeting(t *testing.T, st store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	started := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordMeetingStart(ctx, &store.Meeting{
		ID: id, Platform: "meet", Title: "Standup", StartedAt: started,
	}))
	require.NoError(t, st.AppendTranscriptBlock(ctx, id, store.TranscriptBlock{
		Speaker: "Alice", StartedAt: started, Text: "hello",
	}))
	require.NoError(t, st.RecordMeetingEnd(ctx, id, started.Add(time.Hour)))
}

func startDeliverer(t *testing.T, ep *endpoint, st store.Store, key []byte, policy RetryPolicy) (*Deliverer, *MemoryQueue) {
	t.Helper()
	srv := httptest.NewServer(ep.handler())
	t.Cleanup(srv.Close)

	q := NewMemoryQueue(DefaultQueueConfig())
	d := NewDeliverer(q, NewSender(srv.URL, key, srv.Client()), st, logging.NewNopLogger(), Options{
		Workers: 1,
		Policy:  policy,
	})
	d.Start()
	t.Cleanup(d.Stop)
	return d, q
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func webhookStatus(t *testing.T, st store.Store, id string) store.WebhookStatus {
	t.Helper()
	m, err := st.GetMeeting(context.Background(), id)
	require.NoError(t, err)
	return m.WebhookStatus
}

func TestDeliverer_DeliversSignedPayload(t *testing.T) {
	st := store.NewMemoryStore()
	finalizedMeeting(t, st, "m-1")
	ep := &endpoint{statuses: []int{http.StatusOK}}
	key := []byte("shared-secret")
	d, _ := startDeliverer(t, ep, st, key, fastPolicy(3))

	require.NoError(t, d.EnqueueDelivery(context.Background(), "m-1"))

	assert.Eventually(t, func() bool {
		return webhookStatus(t, st, "m-1") == store.WebhookStatusSuccessful
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, ep.requests())
	body := ep.body(0)
	assert.True(t, VerifySignature(body, key, ep.header(0).Get(SignatureHeader)))
	assert.Equal(t, "application/json", ep.header(0).Get("Content-Type"))

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, EventMeetingCompleted, env.Event)
	require.NotNil(t, env.Meeting)
	assert.Equal(t, "Standup", env.Meeting.Title)
	require.Len(t, env.Meeting.Blocks, 1)
}

func TestDeliverer_RetriesTransientFailures(t *testing.T) {
	st := store.NewMemoryStore()
	finalizedMeeting(t, st, "m-1")
	ep := &endpoint{statuses: []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK}}
	d, _ := startDeliverer(t, ep, st, nil, fastPolicy(3))

	require.NoError(t, d.EnqueueDelivery(context.Background(), "m-1"))

	assert.Eventually(t, func() bool {
		return webhookStatus(t, st, "m-1") == store.WebhookStatusSuccessful
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, ep.requests())
}

func TestDeliverer_PermanentFailureParksImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	finalizedMeeting(t, st, "m-1")
	ep := &endpoint{statuses: []int{http.StatusBadRequest}}
	d, q := startDeliverer(t, ep, st, nil, fastPolicy(3))

	require.NoError(t, d.EnqueueDelivery(context.Background(), "m-1"))

	assert.Eventually(t, func() bool {
		return webhookStatus(t, st, "m-1") == store.WebhookStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, ep.requests(), "permanent rejections are not retried")
	assert.Len(t, q.DeadLetters(), 1)
}

func TestDeliverer_ExhaustedRetriesMarkFailed(t *testing.T) {
	st := store.NewMemoryStore()
	finalizedMeeting(t, st, "m-1")
	ep := &endpoint{statuses: []int{http.StatusInternalServerError}}
	d, q := startDeliverer(t, ep, st, nil, fastPolicy(2))

	require.NoError(t, d.EnqueueDelivery(context.Background(), "m-1"))

	assert.Eventually(t, func() bool {
		return webhookStatus(t, st, "m-1") == store.WebhookStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	// First attempt plus two retries.
	assert.Equal(t, 3, ep.requests())
	assert.Len(t, q.DeadLetters(), 1)
}

func TestDeliverer_MeetingEndedEnqueuesSignalAndPayload(t *testing.T) {
	st := store.NewMemoryStore()
	finalizedMeeting(t, st, "m-1")
	ep := &endpoint{statuses: []int{http.StatusOK}}
	d, _ := startDeliverer(t, ep, st, nil, fastPolicy(3))

	d.MeetingEnded("m-1")

	assert.Eventually(t, func() bool { return ep.requests() == 2 }, 2*time.Second, 10*time.Millisecond)

	var events []string
	for i := 0; i < 2; i++ {
		var env Envelope
		require.NoError(t, json.Unmarshal(ep.body(i), &env))
		events = append(events, env.Event)
	}
	assert.ElementsMatch(t, []string{EventMeetingEnded, EventMeetingCompleted}, events)
}

func TestDeliverer_UnknownMeetingGoesToDeadLetter(t *testing.T) {
	st := store.NewMemoryStore()
	ep := &endpoint{statuses: []int{http.StatusOK}}
	d, q := startDeliverer(t, ep, st, nil, fastPolicy(3))

	require.NoError(t, d.EnqueueDelivery(context.Background(), "ghost"))

	assert.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, ep.requests())
}
