package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/platform/config"
	"shiftline/internal/platform/metrics"
)

const (
	defaultPrefix       = "shiftline:queue"
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 2 * time.Minute
	moveBatch           = 100
)

// moveDue moves members of KEYS[1] scored at or below ARGV[1] into the ready
// set KEYS[2], scored like readyScore with the priority kept in hash KEYS[3].
// Used to promote delayed jobs and to reclaim expired leases.
var moveDue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local now = tonumber(ARGV[1])
for _, id in ipairs(ids) do
	local priority = tonumber(redis.call('HGET', KEYS[3], id) or 0)
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], string.format('%.0f', priority * 1e13 + now), id)
end
return #ids
`)

// claim pops the best ready job into the active set under a lease.
var claim = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// Connect builds a client from a redis:// URL or a bare host:port and pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	poll   time.Duration
	lease  time.Duration
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRedisQueue(rdb *redis.Client, cfg config.RedisConfig) *RedisQueue {
	q := &RedisQueue{
		rdb:      rdb,
		prefix:   cfg.QueuePrefix,
		poll:     cfg.PollInterval,
		lease:    cfg.JobLease,
		log:      logger.Component("queue"),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	if q.prefix == "" {
		q.prefix = defaultPrefix
	}
	if q.poll <= 0 {
		q.poll = defaultPollInterval
	}
	if q.lease <= 0 {
		q.lease = defaultLease
	}
	return q
}

func (q *RedisQueue) key(parts ...string) string {
	return q.prefix + ":" + strings.Join(parts, ":")
}

func (q *RedisQueue) jobKey(id string) string { return q.key("job", id) }

func readyScore(priority int, at time.Time) float64 {
	return float64(priority)*1e13 + float64(at.UnixMilli())
}

// AddJob stores the job and schedules it. Zero-valued options fall back to
// DefaultJobOptions for Attempts. A lower Priority runs first.
func (q *RedisQueue) AddJob(ctx context.Context, name string, data any, opts JobOptions) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode job data: %w", err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	now := q.now().UTC()
	job := &Job{
		ID:         opts.JobID,
		Name:       name,
		Data:       raw,
		Opts:       opts,
		EnqueuedAt: now,
		RunAt:      now.Add(opts.Delay),
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	created, err := q.rdb.SetNX(ctx, q.jobKey(job.ID), body, 0).Result()
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrDuplicateJob
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if opts.Priority != 0 {
			p.HSet(ctx, q.key("priority"), job.ID, opts.Priority)
		}
		if opts.Delay > 0 {
			p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		} else {
			p.ZAdd(ctx, q.key("ready"), redis.Z{Score: readyScore(opts.Priority, now), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		q.rdb.Del(ctx, q.jobKey(job.ID))
		return nil, err
	}

	metrics.JobsEnqueued.WithLabelValues(name).Inc()
	q.log.Debug().Str("job_id", job.ID).Str("job", name).Dur("delay", opts.Delay).Msg("job enqueued")
	return job, nil
}

// Register sets the handler for jobs called name, replacing any previous one.
func (q *RedisQueue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *RedisQueue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Promote moves due delayed jobs to ready and reclaims jobs whose lease
// expired. It returns how many jobs were moved.
func (q *RedisQueue) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)

	promoted, err := moveDue.Run(ctx, q.rdb, []string{q.key("delayed"), q.key("ready"), q.key("priority")}, now, moveBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	reclaimed, err := moveDue.Run(ctx, q.rdb, []string{q.key("active"), q.key("ready"), q.key("priority")}, now, moveBatch).Int()
	if err != nil {
		return promoted, fmt.Errorf("reclaim expired jobs: %w", err)
	}
	if reclaimed > 0 {
		q.log.Warn().Int("count", reclaimed).Msg("reclaimed jobs with expired leases")
	}
	return promoted + reclaimed, nil
}

// ProcessNext claims one ready job and runs its handler. It reports false
// when nothing was ready.
func (q *RedisQueue) ProcessNext(ctx context.Context) (bool, error) {
	deadline := strconv.FormatInt(q.now().Add(q.lease).UnixMilli(), 10)
	id, err := claim.Run(ctx, q.rdb, []string{q.key("ready"), q.key("active")}, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	body, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		q.rdb.ZRem(ctx, q.key("active"), id)
		q.rdb.HDel(ctx, q.key("priority"), id)
		return true, nil
	}
	if err != nil {
		return true, err
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		q.log.Error().Err(err).Str("job_id", id).Msg("dropping undecodable job")
		q.rdb.ZRem(ctx, q.key("active"), id)
		q.rdb.HDel(ctx, q.key("priority"), id)
		return true, nil
	}

	runErr := q.run(ctx, &job)
	return true, q.finish(ctx, &job, runErr)
}

func (q *RedisQueue) run(ctx context.Context, job *Job) (err error) {
	h, ok := q.handler(job.Name)
	if !ok {
		return fmt.Errorf("no handler registered for %q", job.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *RedisQueue) finish(ctx context.Context, job *Job, runErr error) error {
	job.AttemptsMade++
	now := q.now().UTC()
	log := q.log.With().Str("job_id", job.ID).Str("job", job.Name).Int("attempts_made", job.AttemptsMade).Logger()

	if runErr == nil {
		metrics.JobsProcessed.WithLabelValues(job.Name, "completed").Inc()
		job.FinishedAt = &now
		_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, q.key("active"), job.ID)
			p.HDel(ctx, q.key("priority"), job.ID)
			if job.Opts.RemoveOnComplete {
				p.Del(ctx, q.jobKey(job.ID))
			} else {
				p.Set(ctx, q.jobKey(job.ID), mustJSON(job), 0)
			}
			return nil
		})
		return err
	}

	job.FailedReason = runErr.Error()
	if job.AttemptsMade < job.Opts.Attempts {
		metrics.JobsProcessed.WithLabelValues(job.Name, "retried").Inc()
		log.Warn().Err(runErr).Msg("job failed, requeueing")
		_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, q.jobKey(job.ID), mustJSON(job), 0)
			p.ZRem(ctx, q.key("active"), job.ID)
			p.ZAdd(ctx, q.key("ready"), redis.Z{Score: readyScore(job.Opts.Priority, now), Member: job.ID})
			return nil
		})
		return err
	}

	metrics.JobsProcessed.WithLabelValues(job.Name, "failed").Inc()
	log.Error().Err(runErr).Msg("job failed")
	job.FinishedAt = &now
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.key("active"), job.ID)
		p.HDel(ctx, q.key("priority"), job.ID)
		if job.Opts.RemoveOnFail {
			p.Del(ctx, q.jobKey(job.ID))
		} else {
			p.Set(ctx, q.jobKey(job.ID), mustJSON(job), 0)
			p.LPush(ctx, q.key("failed"), job.ID)
		}
		return nil
	})
	return err
}

func mustJSON(job *Job) []byte {
	b, _ := json.Marshal(job)
	return b
}

// GetJob loads a stored job. Completed jobs with RemoveOnComplete are gone.
func (q *RedisQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	body, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var (
		s                               Stats
		ready, delayed, active, failedN *redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.ZCard(ctx, q.key("ready"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		active = p.ZCard(ctx, q.key("active"))
		failedN = p.LLen(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return s, err
	}
	s.Ready, s.Delayed, s.Active, s.Failed = ready.Val(), delayed.Val(), active.Val(), failedN.Val()
	return s, nil
}

// PingContext checks the Redis connection.
func (q *RedisQueue) PingContext(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Run consumes jobs with concurrency workers until ctx is cancelled. A job
// already claimed runs to completion after cancellation.
func (q *RedisQueue) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.log.Info().Int("concurrency", concurrency).Str("prefix", q.prefix).Msg("queue worker started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(q.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := q.Promote(ctx); err != nil && ctx.Err() == nil {
					q.log.Error().Err(err).Msg("promote failed")
				}
				q.recordDepth(ctx)
			}
		}
	})
	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				processed, err := q.ProcessNext(jobCtx)
				if err != nil {
					q.log.Error().Err(err).Msg("process job failed")
				}
				if processed {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(q.poll):
				}
			}
		})
	}
	err := g.Wait()
	q.log.Info().Msg("queue worker stopped")
	return err
}

func (q *RedisQueue) recordDepth(ctx context.Context) {
	s, err := q.Stats(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues("ready").Set(float64(s.Ready))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(s.Delayed))
	metrics.QueueDepth.WithLabelValues("active").Set(float64(s.Active))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(s.Failed))
}
