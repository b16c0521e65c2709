package dom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cterrors "github.com/captrail/captrail/pkg/errors"
)

func TestMatches_SelectorForms(t *testing.T) {
	n := &Node{
		ID:  "n1",
		Tag: "div",
		Attrs: map[string]string{
			"id":    "captions",
			"class": "caption-region visible",
			"role":  "list",
		},
	}

	tests := []struct {
		name     string
		selector string
		want     bool
	}{
		{"tag", "div", true},
		{"tag mismatch", "span", false},
		{"id", "#captions", true},
		{"id mismatch", "#chat", false},
		{"class", ".caption-region", true},
		{"second class", ".visible", true},
		{"class mismatch", ".hidden", false},
		{"attr present", "[role]", true},
		{"attr value", "[role=list]", true},
		{"attr value mismatch", "[role=grid]", false},
		{"compound", "div.caption-region[role=list]", true},
		{"compound mismatch", "div.hidden[role=list]", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(n, tt.selector))
		})
	}
}

func newTestDoc(t *testing.T) *MemDocument {
	t.Helper()
	doc := NewMemDocument()
	doc.Feed(Envelope{Type: EnvelopeHello, Hello: &Hello{Platform: "meet", URL: "https://meet.example/abc"}})
	doc.Feed(Envelope{Type: EnvelopeSnapshot, Nodes: []Node{
		{ID: "root", Tag: "div", Attrs: map[string]string{"id": "root"}},
		{ID: "cap", Tag: "div", Parent: "root", Attrs: map[string]string{"class": "captions"}},
		{ID: "s1", Tag: "span", Parent: "cap", Text: "Alice"},
		{ID: "t1", Tag: "span", Parent: "cap", Text: "hello there"},
	}})
	return doc
}

func TestMemDocument_QueryAndDeepText(t *testing.T) {
	doc := newTestDoc(t)

	n, ok := doc.Query(Locator{Selector: ".captions"})
	require.True(t, ok)
	assert.Equal(t, NodeID("cap"), n.ID)

	assert.Equal(t, "Alice hello there", doc.DeepText("cap"))

	_, ok = doc.Query(Locator{Selector: ".missing"})
	assert.False(t, ok)
}

func TestMemDocument_QueryByExpectedText(t *testing.T) {
	doc := newTestDoc(t)

	n, ok := doc.Query(Locator{Selector: "span", Text: "Alice"})
	require.True(t, ok)
	assert.Equal(t, NodeID("s1"), n.ID)
}

func TestObserve_DeliversFilteredBatches(t *testing.T) {
	doc := newTestDoc(t)

	var got [][]Mutation
	obs, err := doc.Observe(Locator{Selector: ".captions"}, ObserverConfig{CharacterData: true, Subtree: true}, func(batch []Mutation) {
		got = append(got, batch)
	})
	require.NoError(t, err)

	doc.Feed(Envelope{Type: EnvelopeMutations, Mutations: []Mutation{
		{Type: MutationCharacterData, Target: "t1", OldText: "hello there", NewText: "hello there friend"},
		{Type: MutationAttributes, Target: "cap", AttrName: "class"},
	}})

	require.Len(t, got, 1)
	require.Len(t, got[0], 1) // attribute record filtered out
	assert.Equal(t, MutationCharacterData, got[0][0].Type)

	// Node table was updated before dispatch.
	assert.Equal(t, "Alice hello there friend", doc.DeepText("cap"))

	obs.Disconnect()
	doc.Feed(Envelope{Type: EnvelopeMutations, Mutations: []Mutation{
		{Type: MutationCharacterData, Target: "t1", NewText: "gone"},
	}})
	assert.Len(t, got, 1, "no delivery after disconnect")
}

func TestObserve_MissingRootIsAnchorNotFound(t *testing.T) {
	doc := newTestDoc(t)
	_, err := doc.Observe(Locator{Selector: ".no-such"}, ObserveAll(), func([]Mutation) {})
	assert.ErrorIs(t, err, cterrors.ErrAnchorNotFound)
}

func TestObserve_DisconnectIsIdempotent(t *testing.T) {
	doc := newTestDoc(t)
	obs, err := doc.Observe(Locator{Selector: ".captions"}, ObserveAll(), func([]Mutation) {})
	require.NoError(t, err)
	obs.Disconnect()
	obs.Disconnect()
}

func TestWaitForElement_FindsAfterFrames(t *testing.T) {
	doc := newTestDoc(t)

	done := make(chan *Node, 1)
	go func() {
		n, err := WaitForElement(context.Background(), doc, Locator{Selector: "#leave"})
		require.NoError(t, err)
		done <- n
	}()

	// A few empty frames, then the anchor appears.
	doc.Feed(Envelope{Type: EnvelopeFrame})
	doc.Feed(Envelope{Type: EnvelopeMutations, Nodes: []Node{
		{ID: "leave", Tag: "button", Parent: "root", Attrs: map[string]string{"id": "leave"}},
	}})
	doc.Feed(Envelope{Type: EnvelopeFrame})

	select {
	case n := <-done:
		assert.Equal(t, NodeID("leave"), n.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForElement did not return")
	}
}

func TestWaitForElement_CancelledByContext(t *testing.T) {
	doc := newTestDoc(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WaitForElement(ctx, doc, Locator{Selector: "#never"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForElement_CancelledBySessionClose(t *testing.T) {
	doc := newTestDoc(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := WaitForElement(context.Background(), doc, Locator{Selector: "#never"})
		errCh <- err
	}()
	doc.Feed(Envelope{Type: EnvelopeUnload})
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, cterrors.ErrObserverClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForElement did not return after unload")
	}
}

func TestChildListRemoval_RemovesSubtree(t *testing.T) {
	doc := newTestDoc(t)
	doc.Feed(Envelope{Type: EnvelopeMutations, Mutations: []Mutation{
		{Type: MutationChildList, Target: "root", Removed: []NodeID{"cap"}},
	}})
	_, ok := doc.Node("cap")
	assert.False(t, ok)
	_, ok = doc.Node("t1")
	assert.False(t, ok, "descendants removed with the subtree")
}

func TestObserve_DisconnectMidBatchSuppressesDelivery(t *testing.T) {
	doc := newTestDoc(t)

	// The first observer's callback disconnects the second while both are
	// queued for the same batch.
	var secondDeliveries int
	var obs2 Observer
	obs1, err := doc.Observe(Locator{Selector: ".captions"}, ObserveAll(), func([]Mutation) {
		obs2.Disconnect()
	})
	require.NoError(t, err)
	defer obs1.Disconnect()

	obs2, err = doc.Observe(Locator{Selector: ".captions"}, ObserveAll(), func([]Mutation) {
		secondDeliveries++
	})
	require.NoError(t, err)

	doc.Feed(Envelope{Type: EnvelopeMutations, Mutations: []Mutation{
		{Type: MutationCharacterData, Target: "t1", NewText: "changed"},
	}})

	assert.Zero(t, secondDeliveries, "no delivery may start after Disconnect returns")
}
