package dom

import (
	"sort"
	"strings"
	"sync"

	cterrors "github.com/captrail/captrail/pkg/errors"
)

// MemDocument is the Document implementation shared by the WebSocket feed and
// the replay feed. The feeding goroutine calls Feed for every envelope;
// mutation callbacks run synchronously inside Feed, which is what gives
// adapters their strict delivery-order guarantee. Queries may come from other
// goroutines (WaitForElement), so the node table is mutex-protected.
type MemDocument struct {
	mu        sync.Mutex
	platform  string
	url       string
	nodes     map[NodeID]*Node
	order     map[NodeID]int // insertion order, for document-order queries
	nextOrder int

	observers []*memObserver
	frame     chan struct{}
	closed    chan struct{}
	isClosed  bool
}

// NewMemDocument creates an empty document awaiting a hello envelope.
func NewMemDocument() *MemDocument {
	return &MemDocument{
		nodes:  make(map[NodeID]*Node),
		order:  make(map[NodeID]int),
		frame:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

type memObserver struct {
	doc          *MemDocument
	root         NodeID
	cfg          ObserverConfig
	fn           MutationFunc
	disconnected bool
}

// Disconnect stops delivery. Idempotent. Disconnection is re-checked right
// before each callback starts, so no new batch is delivered once Disconnect
// returns; a callback already executing on the feed goroutine finishes.
func (o *memObserver) Disconnect() {
	o.doc.mu.Lock()
	defer o.doc.mu.Unlock()
	o.disconnected = true
}

// Platform returns the platform announced by the shim.
func (d *MemDocument) Platform() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.platform
}

// URL returns the page URL announced by the shim.
func (d *MemDocument) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Query returns the first node matching the locator, in document order.
func (d *MemDocument) Query(loc Locator) (*Node, bool) {
	all := d.QueryAll(loc)
	if len(all) == 0 {
		return nil, false
	}
	return all[0], true
}

// QueryAll returns every node matching the locator, in document order.
func (d *MemDocument) QueryAll(loc Locator) []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Node
	for _, n := range d.nodes {
		if MatchesLocator(n, loc, d.deepTextLocked) {
			out = append(out, copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return d.order[out[i].ID] < d.order[out[j].ID]
	})
	return out
}

// Node returns a copy of the node with the given ID.
func (d *MemDocument) Node(id NodeID) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	return copyNode(n), true
}

// DeepText returns the concatenated text of the node and its descendants.
func (d *MemDocument) DeepText(id NodeID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deepTextLocked(id)
}

func (d *MemDocument) deepTextLocked(id NodeID) string {
	n, ok := d.nodes[id]
	if !ok {
		return ""
	}
	var sb strings.Builder
	var walk func(*Node)
	walk = func(n *Node) {
		if n.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(n.Text)
		}
		for _, c := range n.Children {
			if child, ok := d.nodes[c]; ok {
				walk(child)
			}
		}
	}
	walk(n)
	return sb.String()
}

// Observe subscribes fn to mutations under the first node matching target.
func (d *MemDocument) Observe(target Locator, cfg ObserverConfig, fn MutationFunc) (Observer, error) {
	root, ok := d.Query(target)
	if !ok {
		return nil, cterrors.ErrAnchorNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return nil, cterrors.ErrObserverClosed
	}
	obs := &memObserver{doc: d, root: root.ID, cfg: cfg, fn: fn}
	d.observers = append(d.observers, obs)
	return obs, nil
}

// NextFrame returns a channel closed at the next frame envelope.
func (d *MemDocument) NextFrame() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// Closed returns a channel closed when the session ends.
func (d *MemDocument) Closed() <-chan struct{} {
	return d.closed
}

// Feed applies one envelope. Must be called from a single goroutine.
func (d *MemDocument) Feed(env Envelope) {
	switch env.Type {
	case EnvelopeHello:
		if env.Hello != nil {
			d.mu.Lock()
			d.platform = env.Hello.Platform
			d.url = env.Hello.URL
			d.mu.Unlock()
		}
	case EnvelopeSnapshot:
		d.mu.Lock()
		d.nodes = make(map[NodeID]*Node, len(env.Nodes))
		d.order = make(map[NodeID]int, len(env.Nodes))
		d.nextOrder = 0
		for i := range env.Nodes {
			d.upsertLocked(env.Nodes[i])
		}
		d.mu.Unlock()
	case EnvelopeMutations:
		d.applyMutations(env)
	case EnvelopeFrame:
		d.mu.Lock()
		close(d.frame)
		d.frame = make(chan struct{})
		d.mu.Unlock()
	case EnvelopeUnload:
		d.Close()
	}
}

// Close ends the session, disconnecting all observers. Idempotent.
func (d *MemDocument) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isClosed {
		return
	}
	d.isClosed = true
	for _, o := range d.observers {
		o.disconnected = true
	}
	close(d.closed)
}

func (d *MemDocument) applyMutations(env Envelope) {
	d.mu.Lock()
	// New and changed nodes ride along with the mutation batch.
	for i := range env.Nodes {
		d.upsertLocked(env.Nodes[i])
	}
	// Apply text changes and removals described by the records themselves.
	for _, m := range env.Mutations {
		switch m.Type {
		case MutationCharacterData:
			if n, ok := d.nodes[m.Target]; ok {
				n.Text = m.NewText
			}
		case MutationChildList:
			for _, id := range m.Removed {
				d.removeLocked(id)
			}
		}
	}

	// Snapshot eligible observers under the lock, dispatch outside it so
	// callbacks can query the document.
	type delivery struct {
		o     *memObserver
		batch []Mutation
	}
	var deliveries []delivery
	for _, o := range d.observers {
		if o.disconnected {
			continue
		}
		batch := d.filterLocked(o, env.Mutations)
		if len(batch) > 0 {
			deliveries = append(deliveries, delivery{o: o, batch: batch})
		}
	}
	d.mu.Unlock()

	for _, dv := range deliveries {
		// An earlier callback in this batch may have disconnected a later
		// observer; re-check before starting its delivery.
		d.mu.Lock()
		gone := dv.o.disconnected
		d.mu.Unlock()
		if gone {
			continue
		}
		dv.o.fn(dv.batch)
	}
}

func (d *MemDocument) upsertLocked(n Node) {
	nc := n
	if _, seen := d.order[n.ID]; !seen {
		d.order[n.ID] = d.nextOrder
		d.nextOrder++
	}
	d.nodes[n.ID] = &nc
	if n.Parent != "" {
		if p, ok := d.nodes[n.Parent]; ok && !containsID(p.Children, n.ID) {
			p.Children = append(p.Children, n.ID)
		}
	}
}

func (d *MemDocument) removeLocked(id NodeID) {
	n, ok := d.nodes[id]
	if !ok {
		return
	}
	for _, c := range n.Children {
		d.removeLocked(c)
	}
	if p, ok := d.nodes[n.Parent]; ok {
		p.Children = removeID(p.Children, id)
	}
	delete(d.nodes, id)
	delete(d.order, id)
}

// filterLocked keeps the records the observer's config and root scope select.
func (d *MemDocument) filterLocked(o *memObserver, batch []Mutation) []Mutation {
	var out []Mutation
	for _, m := range batch {
		switch m.Type {
		case MutationChildList:
			if !o.cfg.ChildList {
				continue
			}
		case MutationAttributes:
			if !o.cfg.Attributes {
				continue
			}
		case MutationCharacterData:
			if !o.cfg.CharacterData {
				continue
			}
		}
		if m.Target != o.root {
			if !o.cfg.Subtree || !d.underLocked(m.Target, o.root) {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// underLocked reports whether id is a descendant of root. A target that was
// just removed no longer has an ancestry; deliver it to subtree observers
// rather than dropping the removal record.
func (d *MemDocument) underLocked(id, root NodeID) bool {
	n, ok := d.nodes[id]
	if !ok {
		return true
	}
	for n != nil && n.Parent != "" {
		if n.Parent == root {
			return true
		}
		n = d.nodes[n.Parent]
	}
	return false
}

func copyNode(n *Node) *Node {
	nc := *n
	if n.Attrs != nil {
		nc.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			nc.Attrs[k] = v
		}
	}
	nc.Children = append([]NodeID(nil), n.Children...)
	return &nc
}

func containsID(ids []NodeID, id NodeID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
