package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/platform/metrics"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/queue"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultStallTimeout  = 5 * time.Minute
	sweepBatch           = 100
)

// StalledLister finds non-terminal deliveries that stopped making progress.
type StalledLister interface {
	ListStalled(ctx context.Context, before time.Time, limit, offset int) ([]*models.Delivery, error)
}

// Sweeper re-enqueues deliveries whose chain stalled because a store write or
// an enqueue failed. Attempt job ids make a still-queued attempt a no-op.
type Sweeper struct {
	deliveries   StalledLister
	queue        queue.Enqueuer
	interval     time.Duration
	stallTimeout time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

type SweeperConfig struct {
	Deliveries   StalledLister
	Queue        queue.Enqueuer
	Interval     time.Duration
	StallTimeout time.Duration
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		deliveries:   cfg.Deliveries,
		queue:        cfg.Queue,
		interval:     cfg.Interval,
		stallTimeout: cfg.StallTimeout,
		log:          logger.Component("webhook-sweeper"),
		now:          time.Now,
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.stallTimeout <= 0 {
		s.stallTimeout = DefaultStallTimeout
	}
	return s
}

// resumeAttempt is the scheduled retry when one was recorded, otherwise the
// attempt that never recorded an outcome.
func resumeAttempt(d *models.Delivery) int {
	if d.NextRetryAt != nil {
		return d.AttemptNumber + 1
	}
	if d.AttemptNumber < 1 {
		return 1
	}
	return d.AttemptNumber
}

// Sweep enqueues one job for every stalled delivery and returns how many
// were resumed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().UTC().Add(-s.stallTimeout)
	resumed := 0
	for offset := 0; ; offset += sweepBatch {
		stalled, err := s.deliveries.ListStalled(ctx, before, sweepBatch, offset)
		if err != nil {
			return resumed, err
		}
		for _, d := range stalled {
			attempt := resumeAttempt(d)
			data := JobData{DeliveryID: d.ID, AttemptNumber: attempt}
			_, err := s.queue.AddJob(ctx, JobName, data, JobOptions(d.ID, attempt, 0))
			switch {
			case errors.Is(err, queue.ErrDuplicateJob):
			case err != nil:
				s.log.Error().Err(err).Str("delivery_id", d.ID).Int("attempt", attempt).Msg("failed to resume delivery")
			default:
				resumed++
				s.log.Warn().Str("delivery_id", d.ID).Int("attempt", attempt).Str("status", string(d.Status)).Msg("resumed stalled delivery")
			}
		}
		if len(stalled) < sweepBatch {
			break
		}
	}
	metrics.DeliveriesResumed.Add(float64(resumed))
	return resumed, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("delivery sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
