package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/nurture/pkg/delivery"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"k8s.io/utils/clock"
)

// Delivery is one rendered message waiting for the transport.
type Delivery struct {
	AutomationID string
	ExecutionID  string
	StepID       string
	Message      models.RenderedMessage
	Recipient    models.Recipient
}

func (d Delivery) tracking() map[string]string {
	return map[string]string{
		delivery.TrackExecutionID:  d.ExecutionID,
		delivery.TrackAutomationID: d.AutomationID,
		delivery.TrackStepID:       d.StepID,
	}
}

// Dispatcher hands rendered messages to a Deliverer from a bounded queue and
// reports message_sent or message_failed to the metrics sink.
// With zero workers every Submit delivers inline.
type Dispatcher struct {
	logger    *slog.Logger
	deliverer protocol.Deliverer
	sink      protocol.MetricsSink
	clock     clock.Clock

	workers  int
	attempts int
	backoff  time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	jobs    chan Delivery
	wg      sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(workers, queueSize int) DispatcherOption {
	return func(d *Dispatcher) {
		d.workers = workers
		d.jobs = make(chan Delivery, max(queueSize, 1))
	}
}

// WithRetry sets how many times a transient delivery failure is attempted
// and the pause between attempts.
func WithRetry(attempts int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.attempts = max(attempts, 1)
		d.backoff = backoff
	}
}

// WithDispatcherClock sets the clock used for retry backoff and outcome timestamps.
func WithDispatcherClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

func NewDispatcher(logger *slog.Logger, deliverer protocol.Deliverer, sink protocol.MetricsSink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:    logger.With("module", "delivery_dispatcher"),
		deliverer: deliverer,
		sink:      sink,
		clock:     clock.RealClock{},
		workers:   4,
		attempts:  3,
		backoff:   500 * time.Millisecond,
		jobs:      make(chan Delivery, 256),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start launches the workers. Their context outlives the caller's steps so
// queued messages are still sent while the engine drains.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed || d.workers <= 0 {
		return
	}

	d.started = true

	for i := range d.workers {
		d.wg.Add(1)

		go d.work(ctx, i)
	}
}

// Submit queues a message. It never blocks: a full queue yields
// ErrDispatcherFull.
func (d *Dispatcher) Submit(ctx context.Context, job Delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	if d.workers <= 0 {
		d.deliver(ctx, job)

		return nil
	}

	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrDispatcherFull
	}
}

// Pending is the number of queued messages not yet picked by a worker.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Stop rejects new messages and waits for queued ones to be delivered.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return nil
	}

	d.closed = true
	close(d.jobs)
	started := d.started
	d.mu.Unlock()

	if !started {
		for job := range d.jobs {
			d.deliver(ctx, job)
		}

		return nil
	}

	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	defer d.wg.Done()

	d.logger.DebugContext(ctx, "Delivery worker started", "worker", worker)

	for job := range d.jobs {
		d.deliver(context.WithoutCancel(ctx), job)
	}
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	select {
	case <-d.clock.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job Delivery) {
	logger := d.logger.With(
		"execution_id", job.ExecutionID,
		"automation_id", job.AutomationID,
		"step_id", job.StepID,
	)

	var (
		result models.DeliveryResult
		err    error
	)

	for attempt := 1; attempt <= d.attempts; attempt++ {
		result, err = d.deliverer.Deliver(ctx, job.Message, job.Recipient, job.tracking())
		if err == nil || !protocol.IsTransient(err) || attempt == d.attempts {
			break
		}

		logger.WarnContext(ctx, "Delivery attempt failed, retrying", "attempt", attempt, "error", err)

		if d.backoff > 0 && !d.wait(ctx, d.backoff*time.Duration(attempt)) {
			break
		}
	}

	outcome := models.Outcome{
		AutomationID: job.AutomationID,
		ExecutionID:  job.ExecutionID,
		SubjectID:    job.Recipient.SubjectID,
		StepID:       job.StepID,
		Timestamp:    d.clock.Now(),
	}

	switch {
	case err != nil:
		outcome.Kind = models.OutcomeMessageFailed
		outcome.Error = err.Error()

		logger.ErrorContext(ctx, "Message delivery failed", "error", err)
	case !result.Success:
		outcome.Kind = models.OutcomeMessageFailed
		outcome.Error = result.Error

		logger.ErrorContext(ctx, "Message rejected by transport", "error", result.Error)
	default:
		outcome.Kind = models.OutcomeMessageSent
		outcome.MessageID = result.MessageID

		logger.InfoContext(ctx, "Message delivered", "message_id", result.MessageID, "scheduled", result.Scheduled)
	}

	if d.sink == nil {
		return
	}

	if err := d.sink.Record(ctx, outcome); err != nil {
		logger.ErrorContext(ctx, "Failed to record delivery outcome", "kind", outcome.Kind, "error", err)
	}
}
