// Package lifecycle owns the Meeting record for one captured page: start
// detection bookkeeping, write-through persistence of every flushed block and
// chat message, and the end-of-meeting teardown ordering.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/captrail/captrail/pkg/capture/turn"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/observability"
	"github.com/captrail/captrail/pkg/store"
)

// State is the controller's meeting state.
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StateEnded      State = "ended"
)

// Notifier receives the two lifecycle signals. Receivers must tolerate
// duplicates; the controller itself only emits each once per meeting.
type Notifier interface {
	MeetingStarted(meetingID string)
	MeetingEnded(meetingID string)
}

// NopNotifier discards lifecycle signals.
type NopNotifier struct{}

func (NopNotifier) MeetingStarted(string) {}
func (NopNotifier) MeetingEnded(string)   {}

// Options tunes a Controller.
type Options struct {
	// TitleDelay is how long after start detection the title is re-queried;
	// meeting titles often populate asynchronously.
	TitleDelay time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	// Metrics is optional.
	Metrics *observability.CaptureMetrics

	// Tracer is optional.
	Tracer *observability.Tracer
}

// DefaultTitleDelay is applied when Options.TitleDelay is zero.
const DefaultTitleDelay = 5 * time.Second

// finalizeTimeout bounds the final flush and end-timestamp writes in End.
const finalizeTimeout = 10 * time.Second

// Controller drives one meeting from start detection to finalization.
//
// Capture writes arrive on the document's feed goroutine (observer
// callbacks); End can additionally arrive from the session-close or idle
// paths. The mutex serializes those edges; on the feed goroutine itself it
// is uncontended.
type Controller struct {
	st     store.Store
	notify Notifier
	log    logging.Logger
	opts   Options

	state      State
	meetingID  string
	platform   string
	buf        *turn.Buffer
	span       spanCloser
	ctx        context.Context
	startedAt  time.Time
	titleTimer *time.Timer

	mu sync.Mutex
}

type spanCloser func()

// New creates a Controller in StateNotStarted.
func New(st store.Store, notify Notifier, log logging.Logger, opts Options) *Controller {
	if notify == nil {
		notify = NopNotifier{}
	}
	if opts.TitleDelay <= 0 {
		opts.TitleDelay = DefaultTitleDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		st:     st,
		notify: notify,
		log:    log,
		opts:   opts,
		state:  StateNotStarted,
	}
}

// Begin records meeting start: creates the persisted record, emits the
// started signal, and schedules the delayed title capture. bufCfg fixes the
// platform's merge policy and shrink threshold; titleFn re-reads the title
// locator when the timer fires (empty result keeps the placeholder).
func (c *Controller) Begin(ctx context.Context, platform, pageURL string, bufCfg turn.Config, titleFn func() string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNotStarted {
		return nil
	}

	if bufCfg.Now == nil {
		bufCfg.Now = c.opts.Now
	}

	id := uuid.New().String()
	startedAt := c.opts.Now()

	m := &store.Meeting{
		ID:        id,
		Platform:  platform,
		Title:     placeholderTitle(pageURL, startedAt),
		PageURL:   pageURL,
		StartedAt: startedAt,
	}
	if err := c.st.RecordMeetingStart(ctx, m); err != nil {
		return err
	}

	c.state = StateInProgress
	c.meetingID = id
	c.platform = platform
	c.startedAt = startedAt
	c.ctx = ctx
	c.buf = turn.New(bufCfg, c.persistBlock)

	if c.opts.Tracer != nil {
		_, span := c.opts.Tracer.StartMeetingSpan(ctx, platform, id)
		c.span = func() { span.End() }
	}

	c.log.Info("meeting started",
		logging.F("meeting_id", id),
		logging.F("platform", platform))
	c.notify.MeetingStarted(id)

	if titleFn != nil {
		c.titleTimer = time.AfterFunc(c.opts.TitleDelay, func() {
			c.captureTitle(titleFn)
		})
	}
	return nil
}

// OnCaption folds one (speaker, rawText) extraction into the turn buffer.
// Must only be called from the document's feed goroutine.
func (c *Controller) OnCaption(speaker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInProgress {
		return
	}
	c.buf.Observe(speaker, text)
}

// OnChat persists one chat message write-through.
func (c *Controller) OnChat(speaker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInProgress || speaker == "" || text == "" {
		return
	}
	msg := store.ChatMessage{Speaker: speaker, SentAt: c.opts.Now(), Text: text}
	if err := c.st.AppendChatMessage(c.ctx, c.meetingID, msg); err != nil {
		c.log.Error("persist chat message failed", logging.Err(err),
			logging.F("meeting_id", c.meetingID))
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.ChatMessagesTotal.WithLabelValues(c.platform).Inc()
	}
}

// End finalizes the meeting: one forced buffer flush, end timestamp, ended
// signal. Idempotent. The caller must have disconnected the observer first;
// the teardown order disconnect -> flush -> persist -> notify is the
// correctness mechanism against a racing final mutation callback.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInProgress {
		return
	}
	c.state = StateEnded

	if c.titleTimer != nil {
		c.titleTimer.Stop()
	}

	// On the shutdown and socket-drop paths the session context is already
	// cancelled when End runs; the final flush and the end timestamp persist
	// on a detached, bounded context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), finalizeTimeout)
	defer cancel()
	c.ctx = ctx

	c.buf.Flush()

	endedAt := c.opts.Now()
	if err := c.st.RecordMeetingEnd(ctx, c.meetingID, endedAt); err != nil {
		c.log.Error("persist meeting end failed", logging.Err(err),
			logging.F("meeting_id", c.meetingID))
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.MeetingsTotal.WithLabelValues(c.platform, "ended").Inc()
		c.opts.Metrics.MeetingSeconds.WithLabelValues(c.platform).
			Observe(endedAt.Sub(c.startedAt).Seconds())
	}
	if c.span != nil {
		c.span()
	}

	c.log.Info("meeting ended",
		logging.F("meeting_id", c.meetingID),
		logging.F("duration", endedAt.Sub(c.startedAt)))
	c.notify.MeetingEnded(c.meetingID)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MeetingID returns the active meeting's ID, or "".
func (c *Controller) MeetingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meetingID
}

// persistBlock is the buffer's flush sink: write-through, fire-and-continue.
// Runs with the controller mutex held (flush only happens inside OnCaption
// and End).
func (c *Controller) persistBlock(b turn.Block) {
	ctx := c.ctx
	var span trace.Span
	if c.opts.Tracer != nil {
		ctx, span = c.opts.Tracer.StartFlushSpan(ctx, b.Speaker)
		defer span.End()
	}

	blk := store.TranscriptBlock{Speaker: b.Speaker, StartedAt: b.StartedAt, Text: b.Text}
	if err := c.st.AppendTranscriptBlock(ctx, c.meetingID, blk); err != nil {
		if span != nil {
			observability.RecordError(span, err)
		}
		c.log.Error("persist transcript block failed", logging.Err(err),
			logging.F("meeting_id", c.meetingID),
			logging.F("speaker", b.Speaker))
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.BlocksFlushedTotal.WithLabelValues(c.platform).Inc()
	}
}

func (c *Controller) captureTitle(titleFn func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInProgress {
		return
	}
	title := titleFn()
	if title == "" {
		return
	}
	if err := c.st.SetTitle(c.ctx, c.meetingID, title); err != nil {
		c.log.Error("persist title failed", logging.Err(err),
			logging.F("meeting_id", c.meetingID))
		return
	}
	c.log.Debug("meeting title captured",
		logging.F("meeting_id", c.meetingID),
		logging.F("title", title))
}

func placeholderTitle(pageURL string, startedAt time.Time) string {
	if pageURL == "" {
		return "Meeting " + startedAt.Format("2006-01-02 15:04")
	}
	return pageURL + " " + startedAt.Format("2006-01-02 15:04")
}
