// Package recovery finalizes meetings that a crash left in progress. It runs
// on every daemon start, before new meeting detection, and is bounded by a
// hard timeout so a slow store can never block the current meeting's startup.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	cterrors "github.com/captrail/captrail/pkg/errors"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/observability"
	"github.com/captrail/captrail/pkg/store"
)

// DefaultTimeout bounds one recovery pass.
const DefaultTimeout = 10 * time.Second

// Options tunes a Coordinator.
type Options struct {
	// Timeout is the hard bound on the whole pass. Zero means DefaultTimeout.
	Timeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	// Metrics and Tracer are optional.
	Metrics *observability.CaptureMetrics
	Tracer  *observability.Tracer
}

// Coordinator runs the recovery pass.
type Coordinator struct {
	st   store.Store
	log  logging.Logger
	opts Options
}

// New creates a Coordinator.
func New(st store.Store, log logging.Logger, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{st: st, log: log, opts: opts}
}

// Run looks for a prior meeting with no end timestamp and finalizes it with a
// best-effort end time, marking it recovered. Returns the recovered meeting,
// or nil when there was nothing to recover. Hitting the timeout abandons the
// pass: logged and counted, never fatal, so the current meeting can start.
func (c *Coordinator) Run(ctx context.Context) (*store.Meeting, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if c.opts.Tracer != nil {
		var span trace.Span
		ctx, span = c.opts.Tracer.StartRecoverySpan(ctx)
		defer span.End()
	}

	m, err := c.st.GetUnfinalizedMeeting(ctx)
	if err != nil {
		if errors.Is(err, cterrors.ErrNotFound) {
			c.log.Debug("no unfinalized meeting to recover")
			return nil, nil
		}
		if c.abandoned(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query unfinalized meeting: %w", err)
	}

	endedAt := bestEffortEnd(m, c.opts.Now)
	if err := c.st.MarkRecovered(ctx, m.ID, endedAt); err != nil {
		if c.abandoned(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mark meeting %s recovered: %w", m.ID, err)
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.RecoveredMeetings.Inc()
	}
	c.log.Info("recovered crashed meeting",
		logging.F("meeting_id", m.ID),
		logging.F("platform", m.Platform),
		logging.F("blocks", len(m.Transcript)),
		logging.F("ended_at", endedAt))

	m.EndedAt = endedAt
	m.Recovered = true
	return m, nil
}

// abandoned reports whether err means the pass ran out of time, and if so
// logs and counts the abandonment.
func (c *Coordinator) abandoned(err error) bool {
	if !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecoveryAbandoned.Inc()
	}
	c.log.Warn("recovery abandoned at hard timeout",
		logging.F("timeout", c.opts.Timeout),
		logging.Err(cterrors.ErrRecoveryTimeout))
	return true
}

// bestEffortEnd picks the latest timestamp the incremental writes left
// behind; a meeting with no captured content gets the current time.
func bestEffortEnd(m *store.Meeting, now func() time.Time) time.Time {
	end := m.StartedAt
	for _, b := range m.Transcript {
		if b.StartedAt.After(end) {
			end = b.StartedAt
		}
	}
	for _, msg := range m.Chat {
		if msg.SentAt.After(end) {
			end = msg.SentAt
		}
	}
	if end.Equal(m.StartedAt) {
		return now()
	}
	return end
}
