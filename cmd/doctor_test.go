package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captrail/captrail/pkg/dom"
	"github.com/captrail/captrail/pkg/store"
)

func writeRecording(t *testing.T, envelopes []dom.Envelope) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, env := range envelopes {
		require.NoError(t, enc.Encode(env))
	}
	return path
}

func recordedCaption(seq int, speaker, text string) dom.Envelope {
	blk := dom.NodeID(fmt.Sprintf("blk-%d", seq))
	sp := dom.NodeID(fmt.Sprintf("sp-%d", seq))
	txt := dom.NodeID(fmt.Sprintf("txt-%d", seq))
	return dom.Envelope{
		Type: dom.EnvelopeMutations,
		Nodes: []dom.Node{
			{ID: blk, Tag: "div", Attrs: map[string]string{"class": "caption-block"}, Parent: "cap"},
			{ID: sp, Tag: "span", Attrs: map[string]string{"class": "speaker"}, Text: speaker, Parent: blk},
			{ID: txt, Tag: "span", Attrs: map[string]string{"class": "caption-text"}, Text: text, Parent: blk},
		},
		Mutations: []dom.Mutation{{Type: dom.MutationChildList, Target: "cap", Added: []dom.NodeID{blk}}},
	}
}

func TestDoctorReplay_PrintsTranscript(t *testing.T) {
	path := writeRecording(t, []dom.Envelope{
		{Type: dom.EnvelopeHello, Hello: &dom.Hello{Platform: "meet", URL: "https://meet.example/standup"}},
		{Type: dom.EnvelopeSnapshot, Nodes: []dom.Node{
			{ID: "root", Tag: "body"},
			{ID: "leave", Tag: "button", Attrs: map[string]string{"aria-label": "Leave call"}, Parent: "root"},
			{ID: "cap", Tag: "div", Attrs: map[string]string{"role": "region", "aria-label": "Captions"}, Parent: "root"},
		}},
		recordedCaption(0, "Alice", "shipping the fix today"),
		recordedCaption(1, "Bob", "sounds good"),
		{Type: dom.EnvelopeUnload},
	})

	deps, buf := testDeps(store.NewMemoryStore())
	c := NewDoctorCommand(deps)
	c.SetArgs([]string{"replay", path})
	c.SilenceUsage = true
	require.NoError(t, c.Execute())

	out := buf.String()
	assert.Contains(t, out, "Platform: meet")
	assert.Contains(t, out, "Alice: shipping the fix today")
	assert.Contains(t, out, "Bob: sounds good")
}

func TestDoctorReplay_MissingHello(t *testing.T) {
	path := writeRecording(t, []dom.Envelope{
		{Type: dom.EnvelopeSnapshot, Nodes: []dom.Node{{ID: "root", Tag: "body"}}},
	})

	deps, _ := testDeps(store.NewMemoryStore())
	c := NewDoctorCommand(deps)
	c.SetArgs([]string{"replay", path})
	c.SilenceUsage = true
	c.SilenceErrors = true
	require.Error(t, c.Execute())
}

func TestDoctorReplay_MissingFile(t *testing.T) {
	deps, _ := testDeps(store.NewMemoryStore())
	c := NewDoctorCommand(deps)
	c.SetArgs([]string{"replay", filepath.Join(t.TempDir(), "absent.jsonl")})
	c.SilenceUsage = true
	c.SilenceErrors = true
	require.Error(t, c.Execute())
}
