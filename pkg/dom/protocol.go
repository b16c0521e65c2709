package dom

// The shim protocol: one JSON envelope per event, delivered in order. The
// same envelopes appear on the WebSocket stream and in session recordings,
// so a recorded meeting replays through the exact capture path.

// Envelope types.
const (
	EnvelopeHello     = "hello"
	EnvelopeSnapshot  = "snapshot"
	EnvelopeMutations = "mutations"
	EnvelopeFrame     = "frame"
	EnvelopeUnload    = "unload"
)

// Hello announces the session.
type Hello struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	ShimVer  string `json:"shim_version,omitempty"`
}

// Envelope is one event on the shim stream.
type Envelope struct {
	Type      string     `json:"type"`
	Hello     *Hello     `json:"hello,omitempty"`
	Nodes     []Node     `json:"nodes,omitempty"`     // snapshot: full table; mutations: new/changed nodes
	Mutations []Mutation `json:"mutations,omitempty"` // mutations only
}
