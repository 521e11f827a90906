package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	apperrors "shiftline/internal/pkg/errors"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/pkg/urlguard"
	"shiftline/internal/platform/metrics"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/queue"
	"shiftline/internal/platform/repositories"
)

// JobName is the queue job that runs one delivery attempt.
const JobName = "webhook.deliver"

const (
	MaxAttempts             = 6
	DefaultDisableThreshold = 10
)

// retrySchedule[n] is the delay before attempt n+1.
var retrySchedule = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// Backoff returns the delay between attempt and attempt+1. Attempts past the
// schedule reuse its last entry.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if attempt >= len(retrySchedule) {
		return retrySchedule[len(retrySchedule)-1]
	}
	return retrySchedule[attempt]
}

// Transition is the outcome of one attempt. NextAttempt is zero when the
// chain stops.
type Transition struct {
	Status      models.DeliveryStatus
	NextAttempt int
	Delay       time.Duration
	NextRetryAt *time.Time
}

// Decide maps an attempt result onto the delivery state machine. It has no
// side effects.
func Decide(attempt, maxAttempts int, success bool, now time.Time) Transition {
	if success {
		return Transition{Status: models.DeliverySuccess}
	}
	if maxAttempts <= 0 {
		maxAttempts = MaxAttempts
	}
	if attempt >= maxAttempts {
		return Transition{Status: models.DeliveryFailed}
	}
	delay := Backoff(attempt)
	next := now.Add(delay)
	return Transition{
		Status:      models.DeliveryRetrying,
		NextAttempt: attempt + 1,
		Delay:       delay,
		NextRetryAt: &next,
	}
}

// JobData is the queue payload for JobName.
type JobData struct {
	DeliveryID    string `json:"deliveryId"`
	AttemptNumber int    `json:"attemptNumber"`
}

// JobOptions returns the queue options for one delivery attempt. The job id
// makes re-enqueueing the same attempt a no-op.
func JobOptions(deliveryID string, attempt int, delay time.Duration) queue.JobOptions {
	opts := queue.DefaultJobOptions()
	opts.JobID = fmt.Sprintf("%s:%d", deliveryID, attempt)
	opts.Delay = delay
	return opts
}

// Enqueue schedules attempt of deliveryID. A duplicate is not an error.
func Enqueue(ctx context.Context, q queue.Enqueuer, deliveryID string, attempt int, delay time.Duration) error {
	data := JobData{DeliveryID: deliveryID, AttemptNumber: attempt}
	_, err := q.AddJob(ctx, JobName, data, JobOptions(deliveryID, attempt, delay))
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	return err
}

// EndpointStore is the endpoint persistence used by the worker.
type EndpointStore interface {
	GetByID(ctx context.Context, id string) (*models.WebhookEndpoint, error)
	UpdateEndpointStats(ctx context.Context, id string, success bool, at time.Time) error
	CheckAndDisableUnhealthyEndpoint(ctx context.Context, id string, threshold int) (bool, error)
}

// DeliveryStore is the delivery persistence used by the worker.
type DeliveryStore interface {
	GetByID(ctx context.Context, id string) (*models.Delivery, error)
	MarkStarted(ctx context.Context, id string, attempt int, status models.DeliveryStatus, at time.Time) (bool, error)
	Complete(ctx context.Context, id string, a repositories.Attempt) error
}

type URLValidator interface {
	Validate(ctx context.Context, rawURL string) urlguard.Result
}

type Worker struct {
	endpoints        EndpointStore
	deliveries       DeliveryStore
	executor         *Executor
	validator        URLValidator
	queue            queue.Enqueuer
	disableThreshold int
	log              zerolog.Logger
	now              func() time.Time
}

type WorkerConfig struct {
	Endpoints        EndpointStore
	Deliveries       DeliveryStore
	Executor         *Executor
	Validator        URLValidator
	Queue            queue.Enqueuer
	DisableThreshold int
}

func NewWorker(cfg WorkerConfig) *Worker {
	w := &Worker{
		endpoints:        cfg.Endpoints,
		deliveries:       cfg.Deliveries,
		executor:         cfg.Executor,
		validator:        cfg.Validator,
		queue:            cfg.Queue,
		disableThreshold: cfg.DisableThreshold,
		log:              logger.Component("webhook-worker"),
		now:              time.Now,
	}
	if w.executor == nil {
		w.executor = NewExecutor()
	}
	if w.validator == nil {
		w.validator = urlguard.New(nil)
	}
	if w.disableThreshold <= 0 {
		w.disableThreshold = DefaultDisableThreshold
	}
	return w
}

// HandleJob is the queue handler for JobName. Only undecodable job data is
// returned as an error; every delivery outcome is recorded on the delivery.
func (w *Worker) HandleJob(ctx context.Context, job *queue.Job) error {
	var data JobData
	if err := job.Decode(&data); err != nil {
		return err
	}
	if data.DeliveryID == "" || data.AttemptNumber < 1 {
		return fmt.Errorf("invalid %s job %s: %+v", JobName, job.ID, data)
	}
	w.Process(ctx, data)
	return nil
}

// Process runs one attempt of a delivery chain. Store failures are logged;
// the chain is left in its last persisted state.
func (w *Worker) Process(ctx context.Context, data JobData) {
	log := w.log.With().Str("delivery_id", data.DeliveryID).Int("attempt", data.AttemptNumber).Logger()

	d, err := w.deliveries.GetByID(ctx, data.DeliveryID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Warn().Msg("delivery not found, dropping job")
		} else {
			log.Error().Err(err).Msg("failed to load delivery")
		}
		return
	}
	if d.Status.Terminal() || data.AttemptNumber < d.AttemptNumber {
		log.Debug().Str("status", string(d.Status)).Msg("skipping stale job")
		return
	}
	log = log.With().Str("endpoint_id", d.WebhookEndpointID).Str("event_type", string(d.EventType)).Logger()

	endpoint, err := w.endpoints.GetByID(ctx, d.WebhookEndpointID)
	switch {
	case apperrors.IsNotFound(err):
		w.failTerminal(ctx, d, "Webhook endpoint not found", log)
		return
	case err != nil:
		log.Error().Err(err).Msg("failed to load endpoint")
		return
	case !endpoint.IsActive:
		w.failTerminal(ctx, d, "Webhook endpoint is inactive", log)
		return
	}

	status := models.DeliveryPending
	if data.AttemptNumber > 1 {
		status = models.DeliveryRetrying
	}
	started, err := w.deliveries.MarkStarted(ctx, d.ID, data.AttemptNumber, status, w.now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("failed to mark delivery started")
		return
	}
	if !started {
		log.Debug().Msg("attempt already superseded")
		return
	}

	var res Result
	if check := w.validator.Validate(ctx, d.URL); !check.Valid {
		res = Result{ErrorMessage: "URL validation failed: " + check.Reason}
	} else {
		res = w.executor.Deliver(ctx, Request{
			URL:        d.URL,
			Payload:    json.RawMessage(d.Payload),
			Secret:     endpoint.Secret,
			EventType:  string(d.EventType),
			DeliveryID: d.ID,
		})
	}

	now := w.now().UTC()
	t := Decide(data.AttemptNumber, d.MaxAttempts, res.Success, now)
	attempt := repositories.Attempt{
		Status:       t.Status,
		HTTPStatus:   res.HTTPStatus,
		ResponseBody: res.ResponseBody,
		ErrorMessage: res.ErrorMessage,
		DurationMs:   &res.DurationMs,
		NextRetryAt:  t.NextRetryAt,
	}
	if t.Status.Terminal() {
		attempt.CompletedAt = &now
	}
	if err := w.deliveries.Complete(ctx, d.ID, attempt); err != nil {
		log.Error().Err(err).Msg("failed to record attempt")
		return
	}

	metrics.WebhookAttempts.WithLabelValues(string(d.EventType), string(t.Status)).Inc()
	metrics.WebhookLatency.WithLabelValues(string(d.EventType), outcome(res.Success)).Observe(float64(res.DurationMs))

	if err := w.endpoints.UpdateEndpointStats(ctx, endpoint.ID, res.Success, now); err != nil {
		log.Error().Err(err).Msg("failed to update endpoint stats")
	}

	if res.Success {
		log.Info().Int64("duration_ms", res.DurationMs).Msg("webhook delivered")
		return
	}

	disabled, err := w.endpoints.CheckAndDisableUnhealthyEndpoint(ctx, endpoint.ID, w.disableThreshold)
	if err != nil {
		log.Error().Err(err).Msg("failed to check endpoint health")
	} else if disabled {
		metrics.EndpointsDisabled.Inc()
		log.Warn().Int("threshold", w.disableThreshold).Msg("webhook endpoint disabled after consecutive failures")
	}

	if t.NextAttempt == 0 {
		log.Warn().Str("error", res.ErrorMessage).Msg("webhook delivery failed, attempts exhausted")
		return
	}
	log.Info().Str("error", res.ErrorMessage).Dur("retry_in", t.Delay).Msg("webhook attempt failed, retry scheduled")
	if err := Enqueue(ctx, w.queue, d.ID, t.NextAttempt, t.Delay); err != nil {
		log.Error().Err(err).Int("next_attempt", t.NextAttempt).Msg("failed to enqueue retry")
	}
}

func (w *Worker) failTerminal(ctx context.Context, d *models.Delivery, reason string, log zerolog.Logger) {
	now := w.now().UTC()
	err := w.deliveries.Complete(ctx, d.ID, repositories.Attempt{
		Status:       models.DeliveryFailed,
		ErrorMessage: reason,
		CompletedAt:  &now,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to mark delivery failed")
		return
	}
	metrics.WebhookAttempts.WithLabelValues(string(d.EventType), string(models.DeliveryFailed)).Inc()
	log.Warn().Str("reason", reason).Msg("webhook delivery failed without attempt")
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
