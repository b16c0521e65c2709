// Package platform implements the per-platform observer adapters. Each
// adapter drives one document through the capture state machine
// (Idle -> WaitingForMeetingStart -> Observing -> Ended), extracts
// (speaker, rawText) pairs from mutation batches according to the platform's
// DOM shape, and feeds them into the meeting session. The turn buffer and
// text-diff reconciler are shared; only extraction differs per platform.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/captrail/captrail/pkg/capture/identity"
	"github.com/captrail/captrail/pkg/capture/turn"
	"github.com/captrail/captrail/pkg/dom"
	cterrors "github.com/captrail/captrail/pkg/errors"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/observability"
)

// State is the adapter's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateWaitingForMeetingStart
	StateObserving
	StateEnded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForMeetingStart:
		return "waiting_for_meeting_start"
	case StateObserving:
		return "observing"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Supported platform names, as announced by the shim hello.
const (
	PlatformMeet  = "meet"
	PlatformTeams = "teams"
	PlatformZoom  = "zoom"
)

// Platforms returns the supported platform names.
func Platforms() []string {
	return []string{PlatformMeet, PlatformTeams, PlatformZoom}
}

// Locators names every element the adapter needs. All of them can be
// overridden in config; platform UIs change selectors without notice.
type Locators struct {
	// InMeeting is the anchor whose presence means the meeting is live
	// (typically the leave/hang-up control).
	InMeeting dom.Locator `yaml:"in_meeting"`

	// Captions is the caption container root the mutation observer attaches to.
	Captions dom.Locator `yaml:"captions"`

	// CaptionEntry matches one caption block inside the container.
	CaptionEntry dom.Locator `yaml:"caption_entry"`

	// SpeakerName matches the visible speaker name inside an entry.
	SpeakerName dom.Locator `yaml:"speaker_name"`

	// CaptionText matches the caption text inside an entry.
	CaptionText dom.Locator `yaml:"caption_text"`

	// Avatar matches the avatar image inside an entry, for UIs that render
	// no visible name.
	Avatar dom.Locator `yaml:"avatar"`

	// Chat is the chat message container. Empty disables chat capture.
	Chat dom.Locator `yaml:"chat"`

	// ChatSpeaker and ChatText match the sender and body inside one chat node.
	ChatSpeaker dom.Locator `yaml:"chat_speaker"`
	ChatText    dom.Locator `yaml:"chat_text"`

	// Title matches the meeting title element.
	Title dom.Locator `yaml:"title"`
}

// DefaultIdleWindow bounds caption silence after the in-meeting anchor has
// disappeared before the meeting is considered over.
const DefaultIdleWindow = 15 * time.Second

// Config tunes one adapter.
type Config struct {
	Locators        Locators
	ShrinkThreshold int
	IdleWindow      time.Duration
}

// Session is the lifecycle surface the adapter drives. Implemented by
// lifecycle.Controller.
type Session interface {
	Begin(ctx context.Context, platform, pageURL string, bufCfg turn.Config, titleFn func() string) error
	OnCaption(speaker, text string)
	OnChat(speaker, text string)
	End()
}

// shape is the platform-specific extraction strategy. emit receives the raw
// (visibleName, avatarURL, text) of one extraction; the adapter resolves
// identity and forwards to the session.
type shape interface {
	observerConfig() dom.ObserverConfig
	mergePolicy() turn.MergePolicy
	extract(doc dom.Document, loc Locators, batch []dom.Mutation, emit func(rawName, avatarURL, text string)) error
}

// Adapter observes one document for one meeting. Create one per shim session;
// adapters are not reusable across meetings.
type Adapter struct {
	doc      dom.Document
	session  Session
	log      logging.Logger
	metrics  *observability.CaptureMetrics
	cfg      Config
	shape    shape
	resolver identity.Resolver
	platform string

	state        atomic.Int32
	lastMutation atomic.Int64 // unix nanos of the last caption mutation

	obs     dom.Observer
	chatObs dom.Observer
	endOnce sync.Once

	malformedNotice sync.Once

	// speaker display forms by identity key, first sighting wins. Only
	// touched on the document's feed goroutine.
	speakers map[string]string
}

// New creates the adapter for the document's announced platform. Unknown
// platforms are a validation error.
func New(doc dom.Document, session Session, log logging.Logger, metrics *observability.CaptureMetrics, cfg Config) (*Adapter, error) {
	var (
		sh  shape
		res identity.Resolver
	)
	switch doc.Platform() {
	case PlatformMeet:
		sh, res = meetShape{}, identity.NewNameResolver()
	case PlatformTeams:
		sh, res = teamsShape{}, identity.NewAvatarResolver()
	case PlatformZoom:
		sh, res = zoomShape{}, identity.NewNameResolver()
	default:
		return nil, fmt.Errorf("%w: unsupported platform %q", cterrors.ErrValidation, doc.Platform())
	}

	if cfg.Locators.InMeeting.IsZero() {
		cfg.Locators = DefaultLocators(doc.Platform())
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}

	return &Adapter{
		doc:      doc,
		session:  session,
		log:      log.With(logging.F("platform", doc.Platform())),
		metrics:  metrics,
		cfg:      cfg,
		shape:    sh,
		resolver: res,
		platform: doc.Platform(),
		speakers: make(map[string]string),
	}, nil
}

// State returns the adapter's current state.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Run drives the full capture state machine and blocks until the meeting
// ends, the session closes, or ctx is cancelled. Teardown always runs, in
// order: disconnect observers, then end the session (which flushes and
// persists).
func (a *Adapter) Run(ctx context.Context) error {
	a.state.Store(int32(StateWaitingForMeetingStart))
	a.log.Info("waiting for meeting start")

	waitStart := time.Now()
	if _, err := dom.WaitForElement(ctx, a.doc, a.cfg.Locators.InMeeting); err != nil {
		a.state.Store(int32(StateEnded))
		if errors.Is(err, cterrors.ErrObserverClosed) {
			// Page closed while still in the lobby; nothing to capture.
			a.log.Debug("session closed before meeting start")
			return nil
		}
		return err
	}
	if a.metrics != nil {
		a.metrics.AnchorWaitSeconds.WithLabelValues(a.platform, "in_meeting").
			Observe(time.Since(waitStart).Seconds())
	}

	bufCfg := turn.Config{Merge: a.shape.mergePolicy(), ShrinkThreshold: a.cfg.ShrinkThreshold}
	if err := a.session.Begin(ctx, a.platform, a.doc.URL(), bufCfg, a.readTitle); err != nil {
		a.state.Store(int32(StateEnded))
		return fmt.Errorf("begin meeting: %w", err)
	}

	a.state.Store(int32(StateObserving))
	a.lastMutation.Store(time.Now().UnixNano())
	a.attachObservers()
	defer a.teardown()

	return a.watchEnd(ctx)
}

// attachObservers subscribes to the caption and chat containers. A missing
// captions container degrades to a one-shot notice: capture is skipped but
// the meeting record is still kept and finalized.
func (a *Adapter) attachObservers() {
	obs, err := a.doc.Observe(a.cfg.Locators.Captions, a.shape.observerConfig(), a.onCaptionBatch)
	if err != nil {
		a.log.Notice("missing-captions",
			"captions container not found; transcript capture disabled for this meeting",
			logging.Err(err))
	} else {
		a.obs = obs
	}

	if a.cfg.Locators.Chat.IsZero() {
		return
	}
	chatObs, err := a.doc.Observe(a.cfg.Locators.Chat,
		dom.ObserverConfig{ChildList: true, Subtree: true}, a.onChatBatch)
	if err != nil {
		a.log.Debug("chat container not found; chat capture disabled", logging.Err(err))
		return
	}
	a.chatObs = chatObs
}

// watchEnd blocks until an end condition fires: session close (page unload),
// ctx cancellation, the whole in-meeting UI going away (leave control and
// captions both gone), or the anchor staying gone through a quiet idle window.
func (a *Adapter) watchEnd(ctx context.Context) error {
	var anchorGoneAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.doc.Closed():
			a.log.Debug("session closed, ending meeting")
			return nil
		case <-a.doc.NextFrame():
		}

		if _, ok := a.doc.Query(a.cfg.Locators.InMeeting); ok {
			anchorGoneAt = time.Time{}
			continue
		}

		now := time.Now()
		if anchorGoneAt.IsZero() {
			anchorGoneAt = now
		}
		if _, ok := a.doc.Query(a.cfg.Locators.Captions); !ok {
			// Leave path: the meeting UI was torn down wholesale.
			a.log.Debug("in-meeting UI gone, ending meeting")
			return nil
		}
		last := time.Unix(0, a.lastMutation.Load())
		if now.Sub(anchorGoneAt) >= a.cfg.IdleWindow && now.Sub(last) >= a.cfg.IdleWindow {
			a.log.Debug("caption stream idle after anchor loss, ending meeting",
				logging.F("idle_window", a.cfg.IdleWindow))
			return nil
		}
	}
}

// teardown disconnects exactly once, then ends the session. The disconnect
// happens first so no mutation callback can observe a closed session.
func (a *Adapter) teardown() {
	a.endOnce.Do(func() {
		if a.obs != nil {
			a.obs.Disconnect()
		}
		if a.chatObs != nil {
			a.chatObs.Disconnect()
		}
		a.session.End()
		a.state.Store(int32(StateEnded))
	})
}

// onCaptionBatch is the mutation callback. Extraction errors are contained
// here: one bad batch must not kill the observer, and only the first one per
// meeting produces a user-visible notice.
func (a *Adapter) onCaptionBatch(batch []dom.Mutation) {
	a.lastMutation.Store(time.Now().UnixNano())
	if a.metrics != nil {
		a.metrics.MutationsTotal.WithLabelValues(a.platform).Inc()
	}

	err := a.shape.extract(a.doc, a.cfg.Locators, batch, func(rawName, avatarURL, text string) {
		speaker := a.speakerFor(rawName, avatarURL)
		if speaker == "" {
			return
		}
		a.session.OnCaption(speaker, text)
	})
	if err != nil {
		a.noteMalformed(err)
	}
}

// onChatBatch handles chat container mutations: each added node is a
// single-shot (sender, body) extraction.
func (a *Adapter) onChatBatch(batch []dom.Mutation) {
	for _, m := range batch {
		if m.Type != dom.MutationChildList {
			continue
		}
		for _, id := range m.Added {
			speaker := deepTextOf(a.doc, findDescendant(a.doc, id, a.cfg.Locators.ChatSpeaker))
			text := deepTextOf(a.doc, findDescendant(a.doc, id, a.cfg.Locators.ChatText))
			if speaker == "" || text == "" {
				a.noteMalformed(fmt.Errorf("%w: chat node %s", cterrors.ErrMalformedMutation, id))
				continue
			}
			a.session.OnChat(speaker, text)
		}
	}
}

// speakerFor resolves a raw extraction into the stored display name. The
// first display form seen for an identity key wins, so case or whitespace
// drift across rerenders does not split a turn.
func (a *Adapter) speakerFor(rawName, avatarURL string) string {
	key, display := a.resolver.Resolve(rawName, avatarURL)
	if key == "" {
		return ""
	}
	if seen, ok := a.speakers[key]; ok {
		return seen
	}
	a.speakers[key] = display
	return display
}

func (a *Adapter) noteMalformed(err error) {
	if a.metrics != nil {
		a.metrics.MalformedTotal.WithLabelValues(a.platform).Inc()
	}
	notified := false
	a.malformedNotice.Do(func() {
		notified = true
		a.log.Notice("malformed-mutation",
			"some captions could not be read; the transcript may have gaps",
			logging.Err(err))
	})
	if !notified {
		a.log.Debug("malformed mutation", logging.Err(err))
	}
}

func (a *Adapter) readTitle() string {
	n, ok := a.doc.Query(a.cfg.Locators.Title)
	if !ok {
		return ""
	}
	return strings.TrimSpace(a.doc.DeepText(n.ID))
}

// findDescendant returns the ID of the first node in the subtree of id
// (including id itself) matching loc, or "".
func findDescendant(doc dom.Document, id dom.NodeID, loc dom.Locator) dom.NodeID {
	if loc.IsZero() {
		return ""
	}
	queue := []dom.NodeID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := doc.Node(cur)
		if !ok {
			continue
		}
		if dom.MatchesLocator(n, loc, doc.DeepText) {
			return cur
		}
		queue = append(queue, n.Children...)
	}
	return ""
}

func deepTextOf(doc dom.Document, id dom.NodeID) string {
	if id == "" {
		return ""
	}
	return strings.TrimSpace(doc.DeepText(id))
}

// DefaultLocators returns the built-in locator set for a platform. These are
// starting points, not a compatibility promise; config overrides them.
func DefaultLocators(platform string) Locators {
	switch platform {
	case PlatformMeet:
		return Locators{
			InMeeting:    dom.Locator{Selector: "button[aria-label=Leave call]"},
			Captions:     dom.Locator{Selector: "div[role=region][aria-label=Captions]"},
			CaptionEntry: dom.Locator{Selector: "div.caption-block"},
			SpeakerName:  dom.Locator{Selector: "span.speaker"},
			CaptionText:  dom.Locator{Selector: "span.caption-text"},
			Chat:         dom.Locator{Selector: "div[aria-label=Chat messages]"},
			ChatSpeaker:  dom.Locator{Selector: "span.sender"},
			ChatText:     dom.Locator{Selector: "div.message-text"},
			Title:        dom.Locator{Selector: "div[data-meeting-title]"},
		}
	case PlatformTeams:
		return Locators{
			InMeeting:    dom.Locator{Selector: "button[aria-label=Leave]"},
			Captions:     dom.Locator{Selector: "div[data-tid=closed-caption-renderer]"},
			CaptionEntry: dom.Locator{Selector: "div.caption-item"},
			SpeakerName:  dom.Locator{Selector: "span.caption-author"},
			CaptionText:  dom.Locator{Selector: "span.caption-text"},
			Avatar:       dom.Locator{Selector: "img.caption-avatar"},
			Chat:         dom.Locator{Selector: "div[data-tid=chat-pane-list]"},
			ChatSpeaker:  dom.Locator{Selector: "span.message-author"},
			ChatText:     dom.Locator{Selector: "div.message-body"},
			Title:        dom.Locator{Selector: "span[data-tid=meeting-title]"},
		}
	case PlatformZoom:
		return Locators{
			InMeeting:    dom.Locator{Selector: "button[aria-label=Leave meeting]"},
			Captions:     dom.Locator{Selector: "div.live-transcription-subtitle"},
			CaptionEntry: dom.Locator{Selector: "div.lt-subtitle-item"},
			SpeakerName:  dom.Locator{Selector: "span.lt-speaker"},
			CaptionText:  dom.Locator{Selector: "span.lt-text"},
			Chat:         dom.Locator{Selector: "div.chat-message-container"},
			ChatSpeaker:  dom.Locator{Selector: "span.chat-sender"},
			ChatText:     dom.Locator{Selector: "div.chat-text"},
			Title:        dom.Locator{Selector: "span.meeting-topic"},
		}
	}
	return Locators{}
}
