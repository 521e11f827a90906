package webhooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"shiftline/internal/pkg/urlguard"
	"shiftline/internal/platform/config"
	"shiftline/internal/platform/database"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/queue"
	"shiftline/internal/platform/repositories"
)

type recordedJob struct {
	Name string
	Data JobData
	Opts queue.JobOptions
}

// recordingQueue captures enqueued jobs instead of running them.
type recordingQueue struct {
	mu        sync.Mutex
	jobs      []recordedJob
	failCalls map[int]bool
	calls     int
}

func (q *recordingQueue) AddJob(ctx context.Context, name string, data any, opts queue.JobOptions) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failCalls[q.calls] {
		return nil, errors.New("redis unavailable")
	}
	q.jobs = append(q.jobs, recordedJob{Name: name, Data: data.(JobData), Opts: opts})
	return &queue.Job{ID: opts.JobID, Name: name}, nil
}

// pop removes the oldest recorded job.
func (q *recordingQueue) pop() (recordedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return recordedJob{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type staticValidator urlguard.Result

func (v staticValidator) Validate(ctx context.Context, rawURL string) urlguard.Result {
	return urlguard.Result(v)
}

var allowAll = staticValidator{Valid: true}

func setupStores(t *testing.T) (*repositories.WebhookRepository, *repositories.DeliveryRepository) {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: database.DriverSQLite, URL: ":memory:", MaxConnections: 1})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repositories.NewWebhookRepository(db, nil), repositories.NewDeliveryRepository(db)
}

func createEndpoint(t *testing.T, repo *repositories.WebhookRepository, org, url string, events ...models.EventType) *models.WebhookEndpoint {
	t.Helper()
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	e := &models.WebhookEndpoint{
		OrganizationID:   org,
		Name:             "Endpoint",
		URL:              url,
		Secret:           secret,
		SubscribedEvents: events,
		IsActive:         true,
	}
	if err := repo.Create(context.Background(), e); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return e
}
