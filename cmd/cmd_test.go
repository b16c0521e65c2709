package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/captrail/captrail/config"
	"github.com/captrail/captrail/pkg/store"
)

// testDeps wires commands to a shared in-memory store and a capture buffer.
func testDeps(st store.Store) (*CommandDeps, *bytes.Buffer) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig()
	cfg.Store.Backend = config.StoreMemory
	return &CommandDeps{
		LoadConfig: func() (*config.Config, error) { return cfg, nil },
		OpenStore: func(context.Context, *config.Config) (store.Store, error) {
			return st, nil
		},
		Out: &buf,
	}, &buf
}

// seedMeeting stores a finalized two-block meeting and returns it.
func seedMeeting(t *testing.T, st store.Store, id string, start time.Time) *store.Meeting {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.RecordMeetingStart(ctx, &store.Meeting{
		ID:        id,
		Platform:  "meet",
		Title:     "Weekly sync",
		PageURL:   "https://meet.example/abc",
		StartedAt: start,
	}))
	require.NoError(t, st.AppendTranscriptBlock(ctx, id, store.TranscriptBlock{
		Speaker: "Alice", StartedAt: start.Add(time.Minute), Text: "morning everyone",
	}))
	require.NoError(t, st.AppendTranscriptBlock(ctx, id, store.TranscriptBlock{
		Speaker: "Bob", StartedAt: start.Add(2 * time.Minute), Text: "hey all",
	}))
	require.NoError(t, st.AppendChatMessage(ctx, id, store.ChatMessage{
		Speaker: "Carol", SentAt: start.Add(time.Minute), Text: "posting the doc link",
	}))
	require.NoError(t, st.RecordMeetingEnd(ctx, id, start.Add(30*time.Minute)))

	m, err := st.GetMeeting(ctx, id)
	require.NoError(t, err)
	return m
}
