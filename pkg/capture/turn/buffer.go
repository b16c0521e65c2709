// Package turn accumulates caption fragments into speaker turns and decides
// when a turn is finished. Exactly one logically-open turn exists per meeting;
// the empty speaker is the "no open turn" sentinel.
package turn

import (
	"time"

	"github.com/captrail/captrail/pkg/capture/diff"
)

// MergePolicy is how same-speaker caption updates fold into the open turn.
// It is a fixed property of the platform adapter, not data-dependent.
type MergePolicy int

const (
	// MergeReplace overwrites the turn text with the new read. Used where
	// the DOM always holds the full current text for the speaker (Meet,
	// Teams: per-speaker blocks rerendered wholesale).
	MergeReplace MergePolicy = iota

	// MergeAppend appends the reconciled delta between the previous and
	// current raw fragments. Used for diff-only caption windows (Zoom).
	MergeAppend
)

// DefaultShrinkThreshold is the character count by which a same-speaker read
// must shrink to be treated as a recycled node starting a new utterance.
// Empirical heuristic; tune per platform via config.
const DefaultShrinkThreshold = 50

// Block is a finalized transcript block. Immutable once emitted.
type Block struct {
	Speaker   string    `json:"speaker"`
	StartedAt time.Time `json:"started_at"`
	Text      string    `json:"text"`
}

// Config tunes a Buffer.
type Config struct {
	Merge           MergePolicy
	ShrinkThreshold int
	Now             func() time.Time
}

// FlushFunc receives finalized blocks in turn order.
type FlushFunc func(Block)

// Buffer is the per-meeting speaker-turn accumulator. It is owned by the
// active observer callback chain and must not be shared across goroutines.
type Buffer struct {
	cfg   Config
	flush FlushFunc

	speaker   string
	startedAt time.Time
	text      string
	lastRaw   string // previous raw fragment, for shrink detection and MergeAppend
}

// New creates a Buffer that emits finalized blocks through flush.
func New(cfg Config, flush FlushFunc) *Buffer {
	if cfg.ShrinkThreshold <= 0 {
		cfg.ShrinkThreshold = DefaultShrinkThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Buffer{cfg: cfg, flush: flush}
}

// Observe folds one (speaker, rawText) extraction into the buffer. Empty
// speaker or empty text never opens a turn and never flushes: transient DOM
// read failures while nodes are still being constructed must be inert.
func (b *Buffer) Observe(speaker, raw string) {
	if speaker == "" || raw == "" {
		return
	}

	if b.speaker == "" {
		b.open(speaker, raw)
		return
	}

	if speaker != b.speaker {
		b.Flush()
		b.open(speaker, raw)
		return
	}

	// Same speaker. An abrupt shrink means the UI recycled the node for a
	// new utterance without a speaker-name change event.
	if len(raw)-len(b.lastRaw) < -b.cfg.ShrinkThreshold {
		b.Flush()
		b.open(speaker, raw)
		return
	}

	switch b.cfg.Merge {
	case MergeAppend:
		b.text += diff.Reconcile(b.lastRaw, raw)
	default:
		b.text = raw
	}
	b.lastRaw = raw
}

// Flush finalizes the open turn, if any, and clears the buffer. Safe to call
// when nothing is open; called at every speaker change, every shrink split,
// and unconditionally at meeting end.
func (b *Buffer) Flush() {
	if b.speaker != "" && b.text != "" {
		b.flush(Block{Speaker: b.speaker, StartedAt: b.startedAt, Text: b.text})
	}
	b.speaker = ""
	b.startedAt = time.Time{}
	b.text = ""
	b.lastRaw = ""
}

// Open reports whether a turn is currently accumulating.
func (b *Buffer) Open() bool {
	return b.speaker != ""
}

func (b *Buffer) open(speaker, raw string) {
	b.speaker = speaker
	b.startedAt = b.cfg.Now()
	b.text = raw
	b.lastRaw = raw
}
