package cmd

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captrail/captrail/pkg/store"
)

func runMeetings(t *testing.T, deps *CommandDeps, args ...string) error {
	t.Helper()
	c := NewMeetingsCommand(deps)
	c.SetArgs(args)
	c.SetOut(deps.out())
	c.SetErr(deps.out())
	c.SilenceUsage = true
	c.SilenceErrors = true
	return c.Execute()
}

func TestMeetingsList_Text(t *testing.T) {
	st := store.NewMemoryStore()
	start := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	seedMeeting(t, st, "mtg-1", start)
	seedMeeting(t, st, "mtg-2", start.Add(24*time.Hour))

	deps, buf := testDeps(st)
	require.NoError(t, runMeetings(t, deps, "list"))

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "mtg-1")
	assert.Contains(t, out, "mtg-2")
	assert.Contains(t, out, "Weekly sync")
	assert.Contains(t, out, "30m0s")
}

func TestMeetingsList_JSON(t *testing.T) {
	st := store.NewMemoryStore()
	seedMeeting(t, st, "mtg-json", time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC))

	deps, buf := testDeps(st)
	require.NoError(t, runMeetings(t, deps, "list", "--output", "json"))

	var summaries []store.MeetingSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "mtg-json", summaries[0].ID)
	assert.Equal(t, 2, summaries[0].BlockCount)
	assert.Equal(t, 1, summaries[0].ChatCount)
}

func TestMeetingsShow_PrintsTranscriptAndChat(t *testing.T) {
	st := store.NewMemoryStore()
	seedMeeting(t, st, "mtg-show", time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC))

	deps, buf := testDeps(st)
	require.NoError(t, runMeetings(t, deps, "show", "mtg-show"))

	out := buf.String()
	assert.Contains(t, out, "Meeting:  mtg-show")
	assert.Contains(t, out, "Alice: morning everyone")
	assert.Contains(t, out, "Bob: hey all")
	assert.Contains(t, out, "Carol: posting the doc link")
	assert.Contains(t, out, "Webhook:  new")
}

func TestMeetingsShow_NotFound(t *testing.T) {
	deps, _ := testDeps(store.NewMemoryStore())
	err := runMeetings(t, deps, "show", "nope")
	require.Error(t, err)
}

func TestMeetingsExport_JSON(t *testing.T) {
	st := store.NewMemoryStore()
	want := seedMeeting(t, st, "mtg-export", time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC))

	deps, buf := testDeps(st)
	require.NoError(t, runMeetings(t, deps, "export", "mtg-export"))

	var got store.Meeting
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Title, got.Title)
	require.Len(t, got.Transcript, 2)
	assert.Equal(t, "morning everyone", got.Transcript[0].Text)
}

func TestMeetingsExport_Text(t *testing.T) {
	st := store.NewMemoryStore()
	seedMeeting(t, st, "mtg-text", time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC))

	deps, buf := testDeps(st)
	require.NoError(t, runMeetings(t, deps, "export", "mtg-text", "--output", "text"))

	assert.Contains(t, buf.String(), "Alice: morning everyone")
	assert.NotContains(t, buf.String(), "{")
}
