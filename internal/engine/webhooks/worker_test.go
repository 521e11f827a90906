package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"shiftline/internal/engine/events"
	"shiftline/internal/platform/config"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/queue"
	"shiftline/internal/platform/repositories"
)

func TestBackoff(t *testing.T) {
	want := map[int]time.Duration{
		1: time.Second,
		2: 5 * time.Second,
		3: 30 * time.Second,
		4: 2 * time.Minute,
		5: 10 * time.Minute,
		9: 10 * time.Minute,
	}
	for attempt, d := range want {
		if got := Backoff(attempt); got != d {
			t.Errorf("Backoff(%d) = %s, want %s", attempt, got, d)
		}
	}
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		attempt     int
		success     bool
		wantStatus  models.DeliveryStatus
		wantNext    int
		wantDelay   time.Duration
		wantRetryAt bool
	}{
		{"success on first attempt", 1, true, models.DeliverySuccess, 0, 0, false},
		{"success on last attempt", 6, true, models.DeliverySuccess, 0, 0, false},
		{"first failure", 1, false, models.DeliveryRetrying, 2, time.Second, true},
		{"third failure", 3, false, models.DeliveryRetrying, 4, 30 * time.Second, true},
		{"fifth failure", 5, false, models.DeliveryRetrying, 6, 10 * time.Minute, true},
		{"final failure", 6, false, models.DeliveryFailed, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.attempt, MaxAttempts, tt.success, now)
			if got.Status != tt.wantStatus || got.NextAttempt != tt.wantNext || got.Delay != tt.wantDelay {
				t.Errorf("Decide() = %+v", got)
			}
			if (got.NextRetryAt != nil) != tt.wantRetryAt {
				t.Fatalf("NextRetryAt = %v", got.NextRetryAt)
			}
			if got.NextRetryAt != nil && !got.NextRetryAt.Equal(now.Add(tt.wantDelay)) {
				t.Errorf("NextRetryAt = %s", got.NextRetryAt)
			}
		})
	}
}

type workerFixture struct {
	endpoints  *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	queue      *recordingQueue
	worker     *Worker
}

func newWorkerFixture(t *testing.T, client *http.Client, validator URLValidator, threshold int) *workerFixture {
	t.Helper()
	endpoints, deliveries := setupStores(t)
	q := &recordingQueue{}
	return &workerFixture{
		endpoints:  endpoints,
		deliveries: deliveries,
		queue:      q,
		worker: NewWorker(WorkerConfig{
			Endpoints:        endpoints,
			Deliveries:       deliveries,
			Executor:         NewExecutor(WithHTTPClient(client)),
			Validator:        validator,
			Queue:            q,
			DisableThreshold: threshold,
		}),
	}
}

// publish creates the first attempt the way the subscriber does.
func (f *workerFixture) publish(t *testing.T, e *models.WebhookEndpoint) *models.Delivery {
	t.Helper()
	body, _ := json.Marshal(BuildWirePayload(events.New(models.EventShiftCreated, e.OrganizationID, map[string]any{"shiftId": "s1"}, "evt_1")))
	d, err := scheduleDelivery(context.Background(), f.deliveries, f.queue, MaxAttempts, e, models.EventShiftCreated, "evt_1", body)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return d
}

// drain runs queued jobs until the queue is empty and returns the attempts seen.
func (f *workerFixture) drain(t *testing.T) []int {
	t.Helper()
	var attempts []int
	for i := 0; i < 20; i++ {
		job, ok := f.queue.pop()
		if !ok {
			return attempts
		}
		attempts = append(attempts, job.Data.AttemptNumber)
		f.worker.Process(context.Background(), job.Data)
	}
	t.Fatal("queue did not drain")
	return nil
}

func TestWorker_PermanentFailureExhaustsSixAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.Client(), allowAll, 0)
	e := createEndpoint(t, f.endpoints, "org-1", srv.URL, models.EventShiftCreated)
	d := f.publish(t, e)

	attempts := f.drain(t)
	want := []int{1, 2, 3, 4, 5, 6}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %v, want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempts = %v, want %v", attempts, want)
		}
	}
	if atomic.LoadInt32(&hits) != 6 {
		t.Errorf("endpoint received %d requests, want 6", hits)
	}

	got, _ := f.deliveries.GetByID(context.Background(), d.ID)
	if got.Status != models.DeliveryFailed || got.AttemptNumber != 6 || got.CompletedAt == nil || got.NextRetryAt != nil {
		t.Errorf("final delivery = %+v", got)
	}
	if got.ErrorMessage != "HTTP 500" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}

	ep, _ := f.endpoints.GetByID(context.Background(), e.ID)
	if ep.ConsecutiveFailures != 6 || ep.TotalDeliveries != 6 || !ep.IsActive {
		t.Errorf("endpoint = %+v", ep)
	}
}

func TestWorker_RetryScheduleDelays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.Client(), allowAll, 0)
	e := createEndpoint(t, f.endpoints, "org-1", srv.URL, models.EventShiftCreated)
	f.publish(t, e)

	var delays []time.Duration
	for {
		job, ok := f.queue.pop()
		if !ok {
			break
		}
		delays = append(delays, job.Opts.Delay)
		if job.Opts.Attempts != 1 || !job.Opts.RemoveOnComplete || job.Opts.RemoveOnFail {
			t.Errorf("job options = %+v", job.Opts)
		}
		f.worker.Process(context.Background(), job.Data)
	}
	want := []time.Duration{0, time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	for i := range want {
		if i >= len(delays) || delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestWorker_SuccessAfterFailureResetsHealth(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.Client(), allowAll, 0)
	e := createEndpoint(t, f.endpoints, "org-1", srv.URL, models.EventShiftCreated)
	d := f.publish(t, e)

	if attempts := f.drain(t); len(attempts) != 2 {
		t.Fatalf("attempts = %v", attempts)
	}

	got, _ := f.deliveries.GetByID(context.Background(), d.ID)
	if got.Status != models.DeliverySuccess || got.AttemptNumber != 2 || got.HTTPStatus == nil || *got.HTTPStatus != 200 {
		t.Errorf("delivery = %+v", got)
	}
	ep, _ := f.endpoints.GetByID(context.Background(), e.ID)
	if ep.ConsecutiveFailures != 0 || ep.TotalDeliveries != 2 || ep.TotalSuccesses != 1 || ep.LastDeliveredAt == nil {
		t.Errorf("endpoint = %+v", ep)
	}
}

func TestWorker_AutoDisableStopsChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.Client(), allowAll, 3)
	e := createEndpoint(t, f.endpoints, "org-1", srv.URL, models.EventShiftCreated)
	d := f.publish(t, e)

	attempts := f.drain(t)
	// Attempt 3 trips the breaker; attempt 4 finds the endpoint inactive.
	if len(attempts) != 4 {
		t.Fatalf("attempts = %v", attempts)
	}

	ep, _ := f.endpoints.GetByID(context.Background(), e.ID)
	if ep.IsActive || ep.ConsecutiveFailures != 3 || ep.TotalDeliveries != 3 {
		t.Errorf("endpoint = %+v", ep)
	}
	got, _ := f.deliveries.GetByID(context.Background(), d.ID)
	if got.Status != models.DeliveryFailed || got.ErrorMessage != "Webhook endpoint is inactive" {
		t.Errorf("delivery = %+v", got)
	}
}

func TestWorker_MissingEndpointFailsWithoutAttempt(t *testing.T) {
	f := newWorkerFixture(t, http.DefaultClient, allowAll, 0)
	e := createEndpoint(t, f.endpoints, "org-1", "https://hooks.example.com", models.EventShiftCreated)
	d := f.publish(t, e)
	if err := f.endpoints.Delete(context.Background(), "org-1", e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	f.drain(t)
	got, _ := f.deliveries.GetByID(context.Background(), d.ID)
	if got.Status != models.DeliveryFailed || got.ErrorMessage != "Webhook endpoint not found" || got.StartedAt != nil {
		t.Errorf("delivery = %+v", got)
	}
}

func TestWorker_URLValidationFailureIsRetryable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.Client(), staticValidator{Reason: "hostname resolves to private address 10.0.0.1"}, 0)
	e := createEndpoint(t, f.endpoints, "org-1", srv.URL, models.EventShiftCreated)
	d := f.publish(t, e)

	job, _ := f.queue.pop()
	f.worker.Process(context.Background(), job.Data)

	if atomic.LoadInt32(&hits) != 0 {
		t.Error("request sent despite failed validation")
	}
	got, _ := f.deliveries.GetByID(context.Background(), d.ID)
	if got.Status != models.DeliveryRetrying || !strings.HasPrefix(got.ErrorMessage, "URL validation failed: ") {
		t.Errorf("delivery = %+v", got)
	}
	if f.queue.len() != 1 {
		t.Errorf("expected retry to be enqueued, queue has %d", f.queue.len())
	}
}

func TestWorker_SentBodyMatchesStoredPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		sig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Shiftline-Signature")
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.Client(), allowAll, 0)
	e := createEndpoint(t, f.endpoints, "org-1", srv.URL, models.EventShiftCreated)
	d := f.publish(t, e)
	f.drain(t)

	stored, _ := f.deliveries.GetByID(context.Background(), d.ID)
	mu.Lock()
	defer mu.Unlock()
	if string(body) != string(stored.Payload) {
		t.Errorf("sent %s, stored %s", body, stored.Payload)
	}
	if !Verify(body, sig, e.Secret) {
		t.Error("signature does not verify with the endpoint secret")
	}

	var wire models.WirePayload
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("decode wire payload: %v", err)
	}
	if wire.ID != "evt_1" || wire.Type != models.EventShiftCreated || wire.Data["shiftId"] != "s1" {
		t.Errorf("wire payload = %+v", wire)
	}
}

func TestWorker_StaleJobIsIgnored(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	f := newWorkerFixture(t, srv.Client(), allowAll, 0)
	e := createEndpoint(t, f.endpoints, "org-1", srv.URL, models.EventShiftCreated)
	d := f.publish(t, e)
	f.drain(t)

	f.worker.Process(context.Background(), JobData{DeliveryID: d.ID, AttemptNumber: 1})
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("terminal delivery was re-sent, hits = %d", hits)
	}
}

func TestWorker_HandleJobRejectsBadData(t *testing.T) {
	f := newWorkerFixture(t, http.DefaultClient, allowAll, 0)
	err := f.worker.HandleJob(context.Background(), &queue.Job{ID: "j1", Name: JobName, Data: json.RawMessage(`{"deliveryId":""}`)})
	if err == nil {
		t.Error("expected error for job without delivery id")
	}
}

func TestEndToEnd_PublishThroughRedisQueue(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- b
	}))
	defer srv.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client, err := queue.Connect(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	q := queue.NewRedisQueue(client, config.RedisConfig{QueuePrefix: "e2e"})

	endpoints, deliveries := setupStores(t)
	e := createEndpoint(t, endpoints, "org-1", srv.URL, models.EventApprovalRequestSubmitted)

	worker := NewWorker(WorkerConfig{
		Endpoints:  endpoints,
		Deliveries: deliveries,
		Executor:   NewExecutor(WithHTTPClient(srv.Client())),
		Validator:  allowAll,
		Queue:      q,
	})
	q.Register(JobName, worker.HandleJob)

	sub := NewSubscriber(endpoints, deliveries, q, 0)
	bus := events.NewBus(nil, sub.Initializer())
	bus.Publish(context.Background(), events.New(models.EventApprovalRequestSubmitted, "org-1", map[string]any{"requestId": "r1"}, ""))

	processed, err := q.ProcessNext(context.Background())
	if err != nil || !processed {
		t.Fatalf("ProcessNext() = %v, %v", processed, err)
	}

	select {
	case b := <-received:
		var wire models.WirePayload
		if err := json.Unmarshal(b, &wire); err != nil || wire.Data["requestId"] != "r1" {
			t.Errorf("received %s", b)
		}
	default:
		t.Fatal("endpoint was not called")
	}

	page, total, err := deliveries.ListByEndpoint(context.Background(), "org-1", e.ID, 10, 0)
	if err != nil || total != 1 || page[0].Status != models.DeliverySuccess {
		t.Errorf("deliveries = %v, total %d, err %v", page, total, err)
	}
}
