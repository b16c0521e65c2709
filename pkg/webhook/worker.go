package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	cterrors "github.com/captrail/captrail/pkg/errors"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/observability"
	"github.com/captrail/captrail/pkg/store"
)

// Delivery defaults.
const (
	DefaultWorkers         = 2
	DefaultBatchSize       = 10
	DefaultShutdownTimeout = 30 * time.Second
	DefaultDepthInterval   = 15 * time.Second
)

// Options tunes a Deliverer.
type Options struct {
	// Workers is the number of concurrent delivery goroutines.
	Workers int

	// BatchSize is the maximum messages taken per dequeue.
	BatchSize int

	// ShutdownTimeout bounds the drain on Stop.
	ShutdownTimeout time.Duration

	// AttemptTimeout bounds one POST, including body build.
	AttemptTimeout time.Duration

	// Policy controls retry backoff; zero value means DefaultRetryPolicy.
	Policy RetryPolicy

	// Now overrides the clock (tests).
	Now func() time.Time

	// Metrics is optional.
	Metrics *observability.CaptureMetrics

	// Tracer is optional.
	Tracer *observability.Tracer
}

// Deliverer runs the delivery worker pool: it drains the queue, posts signed
// payloads, and records the per-meeting webhook status.
type Deliverer struct {
	queue Queue
	st    store.Store
	log   logging.Logger
	opts  Options

	senderMu sync.RWMutex
	sender   *Sender

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewDeliverer wires a worker pool over the given queue and endpoint.
func NewDeliverer(queue Queue, sender *Sender, st store.Store, log logging.Logger, opts Options) *Deliverer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultRequestTimeout
	}
	if opts.Policy == (RetryPolicy{}) {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Deliverer{
		queue:  queue,
		sender: sender,
		st:     st,
		log:    log.With(logging.F("component", "webhook")),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines and the queue depth sampler.
func (d *Deliverer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	d.wg.Add(1)
	go d.depthLoop()

	d.log.Info("delivery workers started",
		logging.F("workers", d.opts.Workers),
		logging.F("queue", d.queue.Name()),
		logging.F("target", d.endpoint().URL()))
}

// Stop drains the pool: dequeues stop immediately, in-flight deliveries get
// up to ShutdownTimeout to finish.
func (d *Deliverer) Stop() {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("delivery workers stopped")
	case <-time.After(d.opts.ShutdownTimeout):
		d.log.Warn("delivery drain timed out",
			logging.F("timeout", d.opts.ShutdownTimeout.String()))
	}
}

// SetEndpoint swaps the delivery target. In-flight attempts finish against
// the old endpoint; everything after uses the new one. This is the config
// live-reload path.
func (d *Deliverer) SetEndpoint(sender *Sender) {
	d.senderMu.Lock()
	d.sender = sender
	d.senderMu.Unlock()
	d.log.Info("delivery endpoint updated", logging.F("target", sender.URL()))
}

func (d *Deliverer) endpoint() *Sender {
	d.senderMu.RLock()
	defer d.senderMu.RUnlock()
	return d.sender
}

// EnqueueDelivery schedules the full payload post for a finalized meeting.
func (d *Deliverer) EnqueueDelivery(ctx context.Context, meetingID string) error {
	return d.queue.Enqueue(ctx, &DeliveryMessage{
		MeetingID:  meetingID,
		EnqueuedAt: d.opts.Now(),
	})
}

// MeetingStarted implements lifecycle.Notifier.
func (d *Deliverer) MeetingStarted(meetingID string) {
	d.enqueueNotification(meetingID, EventMeetingStarted)
}

// MeetingEnded implements lifecycle.Notifier. The full payload delivery is
// enqueued alongside the signal; the meeting is already finalized in the
// store by the time this fires.
func (d *Deliverer) MeetingEnded(meetingID string) {
	d.enqueueNotification(meetingID, EventMeetingEnded)
	if err := d.EnqueueDelivery(context.Background(), meetingID); err != nil {
		d.log.Error("enqueue delivery failed",
			logging.F("meeting_id", meetingID), logging.Err(err))
	}
}

func (d *Deliverer) enqueueNotification(meetingID, event string) {
	err := d.queue.Enqueue(context.Background(), &NotificationMessage{
		MeetingID: meetingID,
		Event:     event,
		At:        d.opts.Now(),
	})
	if err != nil {
		d.log.Error("enqueue notification failed",
			logging.F("meeting_id", meetingID),
			logging.F("event", event), logging.Err(err))
	}
}

func (d *Deliverer) workerLoop(n int) {
	defer d.wg.Done()
	log := d.log.With(logging.F("worker", n))

	for {
		msgs, err := d.queue.Dequeue(d.ctx, d.opts.BatchSize)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", logging.Err(err))
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, qm := range msgs {
			// Drain semantics: messages already claimed are finished with a
			// fresh context so shutdown cannot strand them in flight.
			ctx, cancel := context.WithTimeout(context.Background(), d.opts.AttemptTimeout)
			d.handle(ctx, log, qm)
			cancel()
		}
	}
}

func (d *Deliverer) handle(ctx context.Context, log logging.Logger, qm *QueuedMessage) {
	msg, err := qm.Parse()
	if err != nil {
		log.Error("unparseable queue message",
			logging.F("message_id", qm.ID), logging.Err(err))
		d.deadLetter(ctx, qm, "unparseable")
		return
	}

	switch m := msg.(type) {
	case *DeliveryMessage:
		d.handleDelivery(ctx, log, qm, m)
	case *NotificationMessage:
		d.handleNotification(ctx, log, qm, m)
	}
}

func (d *Deliverer) handleDelivery(ctx context.Context, log logging.Logger, qm *QueuedMessage, m *DeliveryMessage) {
	meeting, err := d.st.GetMeeting(ctx, m.MeetingID)
	if errors.Is(err, cterrors.ErrNotFound) {
		log.Error("delivery for unknown meeting",
			logging.F("meeting_id", m.MeetingID))
		d.deadLetter(ctx, qm, "meeting-missing")
		return
	}
	if err != nil {
		log.Error("load meeting for delivery failed",
			logging.F("meeting_id", m.MeetingID), logging.Err(err))
		d.retryOrPark(ctx, log, qm, "")
		return
	}

	body, err := BuildDeliveryBody(meeting, d.opts.Now())
	if err != nil {
		log.Error("build delivery body failed",
			logging.F("meeting_id", m.MeetingID), logging.Err(err))
		d.deadLetter(ctx, qm, "unserializable")
		return
	}

	outcome := d.post(ctx, qm, body)
	switch outcome {
	case OutcomeSuccess:
		d.ack(ctx, qm)
		d.setStatus(ctx, m.MeetingID, store.WebhookStatusSuccessful)
		log.Info("meeting delivered",
			logging.F("meeting_id", m.MeetingID),
			logging.F("blocks", len(meeting.Transcript)),
			logging.F("retries", qm.RetryCount))
	case OutcomePermanent:
		d.deadLetter(ctx, qm, "rejected")
		d.setStatus(ctx, m.MeetingID, store.WebhookStatusFailed)
		log.Warn("delivery rejected by endpoint",
			logging.F("meeting_id", m.MeetingID))
	default:
		d.retryOrPark(ctx, log, qm, m.MeetingID)
	}
}

func (d *Deliverer) handleNotification(ctx context.Context, log logging.Logger, qm *QueuedMessage, m *NotificationMessage) {
	body, err := BuildNotificationBody(m, d.opts.Now())
	if err != nil {
		d.deadLetter(ctx, qm, "unserializable")
		return
	}

	switch d.post(ctx, qm, body) {
	case OutcomeSuccess:
		d.ack(ctx, qm)
	case OutcomePermanent:
		d.deadLetter(ctx, qm, "rejected")
		log.Warn("notification rejected by endpoint",
			logging.F("meeting_id", m.MeetingID),
			logging.F("event", m.Event))
	default:
		d.retryOrPark(ctx, log, qm, m.MeetingID)
	}
}

// post runs one signed POST, recording metrics and a span, and classifies
// the result.
func (d *Deliverer) post(ctx context.Context, qm *QueuedMessage, body []byte) Outcome {
	sender := d.endpoint()
	if d.opts.Tracer != nil {
		var span trace.Span
		ctx, span = d.opts.Tracer.StartDeliverySpan(ctx, sender.URL(), qm.RetryCount+1)
		defer span.End()
	}
	start := d.opts.Now()
	status, err := sender.Send(ctx, body)
	outcome := Classify(status, err)

	if d.opts.Metrics != nil {
		d.opts.Metrics.DeliveriesTotal.WithLabelValues(outcome.String()).Inc()
		d.opts.Metrics.DeliverySeconds.WithLabelValues(outcome.String()).
			Observe(d.opts.Now().Sub(start).Seconds())
	}
	if err != nil {
		d.log.Debug("delivery attempt failed",
			logging.F("message_id", qm.ID), logging.Err(err))
	} else if outcome != OutcomeSuccess {
		d.log.Debug("delivery attempt refused",
			logging.F("message_id", qm.ID), logging.F("status", status))
	}
	return outcome
}

// retryOrPark nacks a transient failure with backoff, or parks it once the
// retry budget is spent. A spent budget on a delivery also marks the meeting
// failed so `captrail meetings list` shows it.
func (d *Deliverer) retryOrPark(ctx context.Context, log logging.Logger, qm *QueuedMessage, meetingID string) {
	if d.opts.Policy.Exhausted(qm.RetryCount) {
		d.deadLetter(ctx, qm, "retries-exhausted")
		if meetingID != "" && qm.MessageType == MessageTypeDelivery {
			d.setStatus(ctx, meetingID, store.WebhookStatusFailed)
		}
		log.Warn("delivery retries exhausted",
			logging.F("message_id", qm.ID),
			logging.F("retries", qm.RetryCount))
		return
	}

	backoff := d.opts.Policy.Backoff(qm.RetryCount)
	if err := d.queue.Nack(ctx, qm.ID, backoff); err != nil {
		log.Error("nack failed", logging.F("message_id", qm.ID), logging.Err(err))
		return
	}
	log.Debug("delivery scheduled for retry",
		logging.F("message_id", qm.ID),
		logging.F("backoff", backoff.String()),
		logging.F("retry", qm.RetryCount+1))
}

func (d *Deliverer) ack(ctx context.Context, qm *QueuedMessage) {
	if err := d.queue.Ack(ctx, qm.ID); err != nil {
		d.log.Error("ack failed", logging.F("message_id", qm.ID), logging.Err(err))
	}
}

func (d *Deliverer) deadLetter(ctx context.Context, qm *QueuedMessage, reason string) {
	if err := d.queue.MoveToDeadLetter(ctx, qm.ID, reason); err != nil {
		d.log.Error("dead-letter failed",
			logging.F("message_id", qm.ID),
			logging.F("reason", reason), logging.Err(err))
		return
	}
	if d.opts.Metrics != nil {
		d.opts.Metrics.DeliveryDLQTotal.WithLabelValues(reason).Inc()
	}
}

func (d *Deliverer) setStatus(ctx context.Context, meetingID string, status store.WebhookStatus) {
	if err := d.st.SetWebhookStatus(ctx, meetingID, status); err != nil {
		d.log.Error("set webhook status failed",
			logging.F("meeting_id", meetingID),
			logging.F("status", string(status)), logging.Err(err))
	}
}

func (d *Deliverer) depthLoop() {
	defer d.wg.Done()
	if d.opts.Metrics == nil {
		return
	}
	ticker := time.NewTicker(DefaultDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			depth, err := d.queue.Depth(d.ctx)
			if err != nil {
				continue
			}
			d.opts.Metrics.DeliveryQueueDepth.
				WithLabelValues(d.queue.Name()).Set(float64(depth))
		}
	}
}
