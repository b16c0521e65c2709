package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for capture operations.
	TracerName = "captrail"
)

// Span attribute keys
const (
	AttrMeetingID = "meeting_id"
	AttrPlatform  = "platform"
	AttrSpeaker   = "speaker"
	AttrTarget    = "target"
	AttrAttempt   = "attempt"
	AttrHTTPCode  = "http_status"
)

// Span names
const (
	SpanMeeting      = "capture.meeting"
	SpanTurnFlush    = "capture.turn_flush"
	SpanRecovery     = "capture.recovery"
	SpanDeliveryPost = "delivery.post"
)

// Tracer provides distributed tracing for capture operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new capture tracer.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartMeetingSpan starts a root span covering one captured meeting.
func (t *Tracer) StartMeetingSpan(ctx context.Context, platform, meetingID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanMeeting,
		trace.WithAttributes(
			attribute.String(AttrPlatform, platform),
			attribute.String(AttrMeetingID, meetingID),
		),
	)
}

// StartFlushSpan starts a span for one turn flush.
func (t *Tracer) StartFlushSpan(ctx context.Context, speaker string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanTurnFlush,
		trace.WithAttributes(attribute.String(AttrSpeaker, speaker)),
	)
}

// StartRecoverySpan starts a span for a recovery pass.
func (t *Tracer) StartRecoverySpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanRecovery)
}

// StartDeliverySpan starts a span for one webhook POST attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, target string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanDeliveryPost,
		trace.WithAttributes(
			attribute.String(AttrTarget, target),
			attribute.Int(AttrAttempt, attempt),
		),
	)
}

// RecordError marks the span failed and records the error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
