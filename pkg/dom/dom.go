// Package dom models the read-only, untyped, unstable DOM contract that the
// capture engine observes. A Document is fed by a browser-side shim (over a
// WebSocket session, see wsfeed) or by a recorded session (see replay); the
// platform adapters only ever see this abstraction.
package dom

import (
	"context"
	"strings"

	cterrors "github.com/captrail/captrail/pkg/errors"
)

// NodeID identifies a node within one document. IDs are assigned by the shim
// and are only stable until the hosting UI rerenders; adapters must not cache
// them across mutation callbacks on virtualized lists.
type NodeID string

// Node is a snapshot of a single element.
type Node struct {
	ID       NodeID            `json:"id"`
	Tag      string            `json:"tag"`
	Text     string            `json:"text,omitempty"` // own text, not descendants
	Attrs    map[string]string `json:"attrs,omitempty"`
	Parent   NodeID            `json:"parent,omitempty"`
	Children []NodeID          `json:"children,omitempty"`
}

// Attr returns the named attribute or "".
func (n *Node) Attr(name string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// Locator is a CSS-selector-equivalent element locator with an optional
// expected text. Locators are configuration, not code: platform UIs change
// selectors without notice, so every locator can be overridden in config.
type Locator struct {
	Selector string `yaml:"selector" json:"selector"`
	Text     string `yaml:"text,omitempty" json:"text,omitempty"`
}

// IsZero reports whether the locator is empty.
func (l Locator) IsZero() bool {
	return l.Selector == "" && l.Text == ""
}

// MutationType mirrors the MutationObserver record types.
type MutationType string

const (
	MutationChildList     MutationType = "childList"
	MutationAttributes    MutationType = "attributes"
	MutationCharacterData MutationType = "characterData"
)

// Mutation is one observed DOM change.
type Mutation struct {
	Type     MutationType `json:"type"`
	Target   NodeID       `json:"target"`
	Added    []NodeID     `json:"added,omitempty"`
	Removed  []NodeID     `json:"removed,omitempty"`
	AttrName string       `json:"attr_name,omitempty"`
	OldText  string       `json:"old_text,omitempty"`
	NewText  string       `json:"new_text,omitempty"`
}

// ObserverConfig selects which mutation types are delivered. Different
// platforms rerender captions via different mutation types, so adapters
// typically enable everything.
type ObserverConfig struct {
	ChildList     bool
	Attributes    bool
	Subtree       bool
	CharacterData bool
}

// ObserveAll enables every mutation type with subtree scope.
func ObserveAll() ObserverConfig {
	return ObserverConfig{ChildList: true, Attributes: true, Subtree: true, CharacterData: true}
}

// MutationFunc receives one mutation batch. Batches for a given document are
// delivered strictly in feed order on a single goroutine; the capture engine
// relies on that ordering for correct turn-buffer merges.
type MutationFunc func(batch []Mutation)

// Observer is a live mutation subscription. Disconnect is idempotent; no new
// batch starts delivering once it returns.
type Observer interface {
	Disconnect()
}

// Document is the read-only view of one captured page.
type Document interface {
	// Platform is the platform name announced by the shim (meet, teams, zoom).
	Platform() string

	// URL is the page URL announced by the shim.
	URL() string

	// Query returns the first node matching the locator.
	Query(loc Locator) (*Node, bool)

	// QueryAll returns every node matching the locator, in document order.
	QueryAll(loc Locator) []*Node

	// Node returns the node with the given ID.
	Node(id NodeID) (*Node, bool)

	// DeepText returns the concatenated text of the node and its descendants.
	DeepText(id NodeID) string

	// Observe subscribes fn to mutations under the first node matching target.
	Observe(target Locator, cfg ObserverConfig, fn MutationFunc) (Observer, error)

	// NextFrame returns a channel closed at the next render-loop tick.
	// Polling loops wait on it instead of busy-spinning on a timer.
	NextFrame() <-chan struct{}

	// Closed returns a channel closed when the session ends (page unload,
	// socket drop, end of recording).
	Closed() <-chan struct{}
}

// WaitForElement blocks until a node matching loc exists, synchronized to the
// document's render-loop ticks. There is no internal timeout: a meeting may
// sit in a lobby indefinitely. Cancellation comes from ctx or session close.
func WaitForElement(ctx context.Context, doc Document, loc Locator) (*Node, error) {
	for {
		if n, ok := doc.Query(loc); ok {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-doc.Closed():
			return nil, cterrors.ErrObserverClosed
		case <-doc.NextFrame():
		}
	}
}

// Matches reports whether the node matches a simple selector. Supported
// forms: "tag", "#id", ".class", "[attr]", "[attr=value]" and compounds of
// those ("div.captions[role=list]"). This is deliberately not a CSS engine;
// the shim resolves anything richer before it reaches us.
func Matches(n *Node, selector string) bool {
	if n == nil {
		return false
	}
	for _, part := range splitSelector(selector) {
		switch {
		case strings.HasPrefix(part, "#"):
			if n.Attr("id") != part[1:] {
				return false
			}
		case strings.HasPrefix(part, "."):
			if !hasClass(n, part[1:]) {
				return false
			}
		case strings.HasPrefix(part, "["):
			name, value, hasValue := parseAttrSelector(part)
			if name == "" {
				return false
			}
			got, present := "", false
			if n.Attrs != nil {
				got, present = n.Attrs[name]
			}
			if !present {
				return false
			}
			if hasValue && got != value {
				return false
			}
		default:
			if !strings.EqualFold(n.Tag, part) {
				return false
			}
		}
	}
	return true
}

// MatchesLocator reports whether the node matches the locator's selector and,
// when set, its expected text (exact match on the node's own trimmed text).
func MatchesLocator(n *Node, loc Locator, deepText func(NodeID) string) bool {
	if loc.Selector != "" && !Matches(n, loc.Selector) {
		return false
	}
	if loc.Text != "" {
		text := strings.TrimSpace(n.Text)
		if text == "" && deepText != nil {
			text = strings.TrimSpace(deepText(n.ID))
		}
		if text != loc.Text {
			return false
		}
	}
	return true
}

// splitSelector breaks "div.captions[role=list]" into its simple parts.
func splitSelector(selector string) []string {
	var parts []string
	var cur strings.Builder
	inAttr := false
	for _, r := range strings.TrimSpace(selector) {
		switch {
		case r == '[':
			inAttr = true
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
			cur.WriteRune(r)
		case r == ']':
			inAttr = false
			cur.WriteRune(r)
			parts = append(parts, cur.String())
			cur.Reset()
		case (r == '.' || r == '#') && !inAttr:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func hasClass(n *Node, class string) bool {
	for _, c := range strings.Fields(n.Attr("class")) {
		if c == class {
			return true
		}
	}
	return false
}

func parseAttrSelector(part string) (name, value string, hasValue bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(part, "["), "]")
	if eq := strings.IndexByte(inner, '='); eq >= 0 {
		return inner[:eq], strings.Trim(inner[eq+1:], `"'`), true
	}
	return inner, "", false
}
