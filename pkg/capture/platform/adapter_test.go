package platform

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captrail/captrail/pkg/capture/turn"
	"github.com/captrail/captrail/pkg/dom"
	cterrors "github.com/captrail/captrail/pkg/errors"
	"github.com/captrail/captrail/pkg/logging"
)

type captured struct {
	speaker string
	text    string
}

type fakeSession struct {
	mu       sync.Mutex
	began    bool
	platform string
	pageURL  string
	bufCfg   turn.Config
	titleFn  func() string
	captions []captured
	chats    []captured
	ends     int
}

func (s *fakeSession) Begin(_ context.Context, platform, pageURL string, bufCfg turn.Config, titleFn func() string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.began = true
	s.platform = platform
	s.pageURL = pageURL
	s.bufCfg = bufCfg
	s.titleFn = titleFn
	return nil
}

func (s *fakeSession) OnCaption(speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions = append(s.captions, captured{speaker, text})
}

func (s *fakeSession) OnChat(speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, captured{speaker, text})
}

func (s *fakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
}

func (s *fakeSession) snapshot() fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fakeSession{
		began:    s.began,
		platform: s.platform,
		pageURL:  s.pageURL,
		bufCfg:   s.bufCfg,
		titleFn:  s.titleFn,
		captions: append([]captured(nil), s.captions...),
		chats:    append([]captured(nil), s.chats...),
		ends:     s.ends,
	}
}

func feedDoc(platform, url string, nodes []dom.Node) *dom.MemDocument {
	doc := dom.NewMemDocument()
	doc.Feed(dom.Envelope{Type: dom.EnvelopeHello, Hello: &dom.Hello{Platform: platform, URL: url}})
	doc.Feed(dom.Envelope{Type: dom.EnvelopeSnapshot, Nodes: nodes})
	return doc
}

func startAdapter(t *testing.T, doc *dom.MemDocument, session Session, log logging.Logger) (*Adapter, chan error) {
	t.Helper()
	a, err := New(doc, session, log, nil, Config{})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	return a, done
}

func waitObserving(t *testing.T, a *Adapter) {
	t.Helper()
	require.Eventually(t, func() bool { return a.State() == StateObserving },
		time.Second, time.Millisecond)
}

func finish(t *testing.T, doc *dom.MemDocument, done chan error) {
	t.Helper()
	doc.Feed(dom.Envelope{Type: dom.EnvelopeUnload})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("adapter did not stop after unload")
	}
}

func meetNodes() []dom.Node {
	return []dom.Node{
		{ID: "root", Tag: "body"},
		{ID: "leave", Tag: "button", Attrs: map[string]string{"aria-label": "Leave call"}, Parent: "root"},
		{ID: "title", Tag: "div", Attrs: map[string]string{"data-meeting-title": "true"}, Text: "Planning", Parent: "root"},
		{ID: "cap", Tag: "div", Attrs: map[string]string{"role": "region", "aria-label": "Captions"}, Parent: "root"},
		{ID: "blk1", Tag: "div", Attrs: map[string]string{"class": "caption-block"}, Parent: "cap"},
		{ID: "sp1", Tag: "span", Attrs: map[string]string{"class": "speaker"}, Text: "Alice", Parent: "blk1"},
		{ID: "wrap1", Tag: "div", Parent: "blk1"},
		{ID: "txt1", Tag: "span", Attrs: map[string]string{"class": "caption-text"}, Parent: "wrap1"},
	}
}

func charData(target dom.NodeID, text string) dom.Envelope {
	return dom.Envelope{Type: dom.EnvelopeMutations, Mutations: []dom.Mutation{
		{Type: dom.MutationCharacterData, Target: target, NewText: text},
	}}
}

func TestAdapter_MeetCaptureFlow(t *testing.T) {
	doc := feedDoc("meet", "https://meet.example/abc", meetNodes())
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, logging.NewNopLogger())
	waitObserving(t, a)

	doc.Feed(charData("txt1", "hello"))
	doc.Feed(charData("txt1", "hello there"))

	// Bob's caption arrives as a whole new block.
	doc.Feed(dom.Envelope{
		Type: dom.EnvelopeMutations,
		Nodes: []dom.Node{
			{ID: "blk2", Tag: "div", Attrs: map[string]string{"class": "caption-block"}, Parent: "cap"},
			{ID: "sp2", Tag: "span", Attrs: map[string]string{"class": "speaker"}, Text: "Bob", Parent: "blk2"},
			{ID: "wrap2", Tag: "div", Parent: "blk2"},
			{ID: "txt2", Tag: "span", Attrs: map[string]string{"class": "caption-text"}, Text: "hi", Parent: "wrap2"},
		},
		Mutations: []dom.Mutation{{Type: dom.MutationChildList, Target: "cap", Added: []dom.NodeID{"blk2"}}},
	})

	finish(t, doc, done)

	got := session.snapshot()
	require.True(t, got.began)
	assert.Equal(t, "meet", got.platform)
	assert.Equal(t, "https://meet.example/abc", got.pageURL)
	assert.Equal(t, turn.MergeReplace, got.bufCfg.Merge)
	require.NotNil(t, got.titleFn)
	assert.Equal(t, "Planning", got.titleFn())

	require.Equal(t, []captured{
		{"Alice", "hello"},
		{"Alice", "hello there"},
		{"Bob", "hi"},
	}, got.captions)
	assert.Equal(t, 1, got.ends)
	assert.Equal(t, StateEnded, a.State())
}

func TestAdapter_TeamsAvatarIdentityIsStable(t *testing.T) {
	nodes := []dom.Node{
		{ID: "root", Tag: "body"},
		{ID: "leave", Tag: "button", Attrs: map[string]string{"aria-label": "Leave"}, Parent: "root"},
		{ID: "cap", Tag: "div", Attrs: map[string]string{"data-tid": "closed-caption-renderer"}, Parent: "root"},
		{ID: "item1", Tag: "div", Attrs: map[string]string{"class": "caption-item"}, Parent: "cap"},
		{ID: "av1", Tag: "img", Attrs: map[string]string{"class": "caption-avatar", "src": "https://cdn.example/av/7.png"}, Parent: "item1"},
		{ID: "t1", Tag: "span", Attrs: map[string]string{"class": "caption-text"}, Text: "good morning", Parent: "item1"},
	}
	doc := feedDoc("teams", "https://teams.example/m", nodes)
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, logging.NewNopLogger())
	waitObserving(t, a)

	doc.Feed(dom.Envelope{
		Type:      dom.EnvelopeMutations,
		Mutations: []dom.Mutation{{Type: dom.MutationChildList, Target: "cap", Added: []dom.NodeID{"item1"}}},
	})

	// Wholesale rerender: old entry gone, fresh node identities, same avatar.
	doc.Feed(dom.Envelope{
		Type: dom.EnvelopeMutations,
		Nodes: []dom.Node{
			{ID: "item2", Tag: "div", Attrs: map[string]string{"class": "caption-item"}, Parent: "cap"},
			{ID: "av2", Tag: "img", Attrs: map[string]string{"class": "caption-avatar", "src": "https://cdn.example/av/7.png"}, Parent: "item2"},
			{ID: "t2", Tag: "span", Attrs: map[string]string{"class": "caption-text"}, Text: "good morning everyone", Parent: "item2"},
		},
		Mutations: []dom.Mutation{{
			Type: dom.MutationChildList, Target: "cap",
			Added: []dom.NodeID{"item2"}, Removed: []dom.NodeID{"item1"},
		}},
	})

	finish(t, doc, done)

	got := session.snapshot()
	require.Len(t, got.captions, 2)
	assert.Equal(t, turn.MergeReplace, got.bufCfg.Merge)
	assert.True(t, strings.HasPrefix(got.captions[0].speaker, "Speaker "))
	assert.Equal(t, got.captions[0].speaker, got.captions[1].speaker,
		"same avatar URL must resolve to the same speaker across rerenders")
	assert.Equal(t, "good morning everyone", got.captions[1].text)
}

func TestAdapter_ZoomRescansVirtualizedList(t *testing.T) {
	nodes := []dom.Node{
		{ID: "root", Tag: "body"},
		{ID: "leave", Tag: "button", Attrs: map[string]string{"aria-label": "Leave meeting"}, Parent: "root"},
		{ID: "cap", Tag: "div", Attrs: map[string]string{"class": "live-transcription-subtitle"}, Parent: "root"},
		{ID: "item1", Tag: "div", Attrs: map[string]string{"class": "lt-subtitle-item"}, Parent: "cap"},
		{ID: "sp1", Tag: "span", Attrs: map[string]string{"class": "lt-speaker"}, Text: "Carol", Parent: "item1"},
		{ID: "tx1", Tag: "span", Attrs: map[string]string{"class": "lt-text"}, Text: "we shipped", Parent: "item1"},
	}
	doc := feedDoc("zoom", "https://zoom.example/j/1", nodes)
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, logging.NewNopLogger())
	waitObserving(t, a)

	doc.Feed(dom.Envelope{
		Type:      dom.EnvelopeMutations,
		Mutations: []dom.Mutation{{Type: dom.MutationChildList, Target: "cap", Added: []dom.NodeID{"item1"}}},
	})

	// The virtualized list swaps node identities between renders.
	doc.Feed(dom.Envelope{
		Type: dom.EnvelopeMutations,
		Nodes: []dom.Node{
			{ID: "item2", Tag: "div", Attrs: map[string]string{"class": "lt-subtitle-item"}, Parent: "cap"},
			{ID: "sp2", Tag: "span", Attrs: map[string]string{"class": "lt-speaker"}, Text: "Carol", Parent: "item2"},
			{ID: "tx2", Tag: "span", Attrs: map[string]string{"class": "lt-text"}, Text: "shipped the feature", Parent: "item2"},
		},
		Mutations: []dom.Mutation{{
			Type: dom.MutationChildList, Target: "cap",
			Added: []dom.NodeID{"item2"}, Removed: []dom.NodeID{"item1"},
		}},
	})

	finish(t, doc, done)

	got := session.snapshot()
	assert.Equal(t, turn.MergeAppend, got.bufCfg.Merge)
	require.Equal(t, []captured{
		{"Carol", "we shipped"},
		{"Carol", "shipped the feature"},
	}, got.captions)
}

func TestAdapter_MalformedMutationNoticeIsOneShot(t *testing.T) {
	notifier := logging.NewCollectingNotifier()
	log := logging.NewLogger(&logging.Config{
		Level:      logging.LevelError,
		JSONFormat: true,
		Output:     io.Discard,
		Notifier:   notifier,
	})

	doc := feedDoc("meet", "https://meet.example/x", meetNodes())
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, log)
	waitObserving(t, a)

	// Mutations on nodes the document has never seen cannot be attributed.
	doc.Feed(charData("ghost-1", "noise"))
	doc.Feed(charData("ghost-2", "more noise"))
	// The observer survives and keeps extracting.
	doc.Feed(charData("txt1", "still here"))

	finish(t, doc, done)

	got := session.snapshot()
	require.Equal(t, []captured{{"Alice", "still here"}}, got.captions)

	var malformed int
	for _, n := range notifier.Notices() {
		if n.Key == "malformed-mutation" {
			malformed++
		}
	}
	assert.Equal(t, 1, malformed)
}

func TestAdapter_MissingCaptionsDegradesToNotice(t *testing.T) {
	notifier := logging.NewCollectingNotifier()
	log := logging.NewLogger(&logging.Config{
		Level:      logging.LevelError,
		JSONFormat: true,
		Output:     io.Discard,
		Notifier:   notifier,
	})

	nodes := []dom.Node{
		{ID: "root", Tag: "body"},
		{ID: "leave", Tag: "button", Attrs: map[string]string{"aria-label": "Leave call"}, Parent: "root"},
	}
	doc := feedDoc("meet", "https://meet.example/y", nodes)
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, log)
	waitObserving(t, a)

	finish(t, doc, done)

	got := session.snapshot()
	assert.True(t, got.began, "the meeting record is still kept without captions")
	assert.Empty(t, got.captions)
	assert.Equal(t, 1, got.ends)

	keys := make([]string, 0, 1)
	for _, n := range notifier.Notices() {
		keys = append(keys, n.Key)
	}
	assert.Contains(t, keys, "missing-captions")
}

func TestAdapter_SessionClosedBeforeMeetingStart(t *testing.T) {
	doc := feedDoc("meet", "https://meet.example/lobby", []dom.Node{{ID: "root", Tag: "body"}})
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, logging.NewNopLogger())

	require.Eventually(t, func() bool { return a.State() == StateWaitingForMeetingStart },
		time.Second, time.Millisecond)
	finish(t, doc, done)

	got := session.snapshot()
	assert.False(t, got.began)
	assert.Equal(t, 0, got.ends)
	assert.Equal(t, StateEnded, a.State())
}

func TestAdapter_EndsWhenMeetingUITornDown(t *testing.T) {
	doc := feedDoc("meet", "https://meet.example/z", meetNodes())
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, logging.NewNopLogger())
	waitObserving(t, a)

	doc.Feed(charData("txt1", "wrapping up"))

	// The user clicks leave: the whole in-meeting UI goes away at once.
	doc.Feed(dom.Envelope{
		Type: dom.EnvelopeMutations,
		Mutations: []dom.Mutation{{
			Type: dom.MutationChildList, Target: "root",
			Removed: []dom.NodeID{"leave", "cap"},
		}},
	})
	deadline := time.After(time.Second)
	running := true
	for running {
		select {
		case err := <-done:
			require.NoError(t, err)
			running = false
		case <-deadline:
			t.Fatal("adapter did not end after UI teardown")
		default:
			doc.Feed(dom.Envelope{Type: dom.EnvelopeFrame})
			time.Sleep(time.Millisecond)
		}
	}

	got := session.snapshot()
	require.Equal(t, []captured{{"Alice", "wrapping up"}}, got.captions)
	assert.Equal(t, 1, got.ends)
}

func TestAdapter_ChatCapture(t *testing.T) {
	nodes := append(meetNodes(),
		dom.Node{ID: "chat", Tag: "div", Attrs: map[string]string{"aria-label": "Chat messages"}, Parent: "root"},
	)
	doc := feedDoc("meet", "https://meet.example/c", nodes)
	session := &fakeSession{}
	a, done := startAdapter(t, doc, session, logging.NewNopLogger())
	waitObserving(t, a)

	doc.Feed(dom.Envelope{
		Type: dom.EnvelopeMutations,
		Nodes: []dom.Node{
			{ID: "msg1", Tag: "div", Parent: "chat"},
			{ID: "msg1s", Tag: "span", Attrs: map[string]string{"class": "sender"}, Text: "Dana", Parent: "msg1"},
			{ID: "msg1t", Tag: "div", Attrs: map[string]string{"class": "message-text"}, Text: "sharing the doc link", Parent: "msg1"},
		},
		Mutations: []dom.Mutation{{Type: dom.MutationChildList, Target: "chat", Added: []dom.NodeID{"msg1"}}},
	})

	finish(t, doc, done)

	got := session.snapshot()
	require.Equal(t, []captured{{"Dana", "sharing the doc link"}}, got.chats)
}

func TestAdapter_UnsupportedPlatform(t *testing.T) {
	doc := feedDoc("webex", "https://webex.example", nil)
	_, err := New(doc, &fakeSession{}, logging.NewNopLogger(), nil, Config{})
	assert.ErrorIs(t, err, cterrors.ErrValidation)
}
