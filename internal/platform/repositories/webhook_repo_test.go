package repositories

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	apperrors "shiftline/internal/pkg/errors"
	"shiftline/internal/platform/config"
	"shiftline/internal/platform/database"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/secrets"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: database.DriverSQLite, URL: ":memory:", MaxConnections: 1})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newEndpoint(org string, events ...models.EventType) *models.WebhookEndpoint {
	return &models.WebhookEndpoint{
		OrganizationID:   org,
		Name:             "Payroll sync",
		URL:              "https://hooks.example.com/shiftline",
		Secret:           strings.Repeat("ab", 32),
		SubscribedEvents: events,
		IsActive:         true,
		CreatedBy:        "user_1",
	}
}

func TestWebhookRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	box, err := secrets.NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	repo := NewWebhookRepository(db, box)
	ctx := context.Background()

	e := newEndpoint("org_1", models.EventShiftCreated, models.EventShiftUpdated)
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(e.ID, "wh_") {
		t.Errorf("expected wh_ id, got %s", e.ID)
	}

	var stored string
	if err := db.QueryRow(`SELECT secret FROM webhook_endpoints WHERE id = ?`, e.ID).Scan(&stored); err != nil {
		t.Fatalf("read raw secret: %v", err)
	}
	if stored == e.Secret {
		t.Error("secret stored in plaintext")
	}

	got, err := repo.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Secret != e.Secret {
		t.Error("secret did not round-trip")
	}
	if len(got.SubscribedEvents) != 2 || !got.IsActive || got.TotalDeliveries != 0 {
		t.Errorf("unexpected endpoint: %+v", got)
	}

	if _, err := repo.GetForOrganization(ctx, "org_2", e.ID); !apperrors.IsNotFound(err) {
		t.Errorf("cross-org get error = %v, want not found", err)
	}
	if _, err := repo.GetByID(ctx, "wh_missing"); !apperrors.IsNotFound(err) {
		t.Errorf("missing get error = %v, want not found", err)
	}
}

func TestWebhookRepository_ListActiveForEvent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWebhookRepository(db, nil)
	ctx := context.Background()

	shifts := newEndpoint("org_1", models.EventShiftCreated)
	approvals := newEndpoint("org_1", models.EventApprovalRequestSubmitted)
	inactive := newEndpoint("org_1", models.EventShiftCreated)
	inactive.IsActive = false
	otherOrg := newEndpoint("org_2", models.EventShiftCreated)

	for _, e := range []*models.WebhookEndpoint{shifts, approvals, inactive, otherOrg} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := repo.ListActiveForEvent(ctx, "org_1", models.EventShiftCreated)
	if err != nil {
		t.Fatalf("ListActiveForEvent() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != shifts.ID {
		t.Errorf("expected only %s, got %d endpoints", shifts.ID, len(got))
	}

	all, err := repo.ListByOrganization(ctx, "org_1")
	if err != nil {
		t.Fatalf("ListByOrganization() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 endpoints for org_1, got %d", len(all))
	}
}

func TestWebhookRepository_StatsAndAutoDisable(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWebhookRepository(db, nil)
	ctx := context.Background()

	e := newEndpoint("org_1", models.EventShiftCreated)
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 9; i++ {
		if err := repo.UpdateEndpointStats(ctx, e.ID, false, now); err != nil {
			t.Fatalf("UpdateEndpointStats() error = %v", err)
		}
	}
	disabled, err := repo.CheckAndDisableUnhealthyEndpoint(ctx, e.ID, 10)
	if err != nil || disabled {
		t.Fatalf("disabled below threshold: %v, %v", disabled, err)
	}

	if err := repo.UpdateEndpointStats(ctx, e.ID, false, now); err != nil {
		t.Fatalf("UpdateEndpointStats() error = %v", err)
	}
	disabled, err = repo.CheckAndDisableUnhealthyEndpoint(ctx, e.ID, 10)
	if err != nil || !disabled {
		t.Fatalf("expected disable at threshold: %v, %v", disabled, err)
	}
	disabled, err = repo.CheckAndDisableUnhealthyEndpoint(ctx, e.ID, 10)
	if err != nil || disabled {
		t.Errorf("second disable should report false: %v, %v", disabled, err)
	}

	got, err := repo.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.IsActive || got.ConsecutiveFailures != 10 || got.TotalDeliveries != 10 || got.TotalSuccesses != 0 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.LastFailedAt == nil || got.Health() != models.HealthDisabled {
		t.Errorf("expected disabled endpoint with last_failed_at, got %+v", got)
	}

	if err := repo.UpdateEndpointStats(ctx, e.ID, true, now); err != nil {
		t.Fatalf("UpdateEndpointStats() error = %v", err)
	}
	got, _ = repo.GetByID(ctx, e.ID)
	if got.ConsecutiveFailures != 0 || got.TotalSuccesses != 1 || got.TotalDeliveries != 11 || got.LastDeliveredAt == nil {
		t.Errorf("success did not reset failures: %+v", got)
	}
}

func TestWebhookRepository_SetActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWebhookRepository(db, nil)
	ctx := context.Background()

	e := newEndpoint("org_1", models.EventShiftCreated)
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		repo.UpdateEndpointStats(ctx, e.ID, false, now)
	}
	if disabled, _ := repo.CheckAndDisableUnhealthyEndpoint(ctx, e.ID, 3); !disabled {
		t.Fatal("expected endpoint to be disabled")
	}

	if changed, err := repo.SetActive(ctx, "org_2", e.ID, true); err != nil || changed {
		t.Errorf("cross-org SetActive() = %v, %v", changed, err)
	}
	got, _ := repo.GetByID(ctx, e.ID)
	if got.IsActive || got.ConsecutiveFailures != 3 {
		t.Fatalf("cross-org SetActive changed the endpoint: %+v", got)
	}

	if changed, err := repo.SetActive(ctx, "org_1", e.ID, true); err != nil || !changed {
		t.Fatalf("SetActive(true) = %v, %v", changed, err)
	}
	got, _ = repo.GetByID(ctx, e.ID)
	if !got.IsActive || got.ConsecutiveFailures != 0 || got.TotalDeliveries != 3 {
		t.Errorf("re-enable should reset failures only: %+v", got)
	}
	if changed, _ := repo.SetActive(ctx, "org_1", e.ID, true); changed {
		t.Error("enabling an active endpoint should report no change")
	}

	repo.UpdateEndpointStats(ctx, e.ID, false, now)
	if changed, err := repo.SetActive(ctx, "org_1", e.ID, false); err != nil || !changed {
		t.Fatalf("SetActive(false) = %v, %v", changed, err)
	}
	got, _ = repo.GetByID(ctx, e.ID)
	if got.IsActive || got.ConsecutiveFailures != 1 {
		t.Errorf("disable should keep failures: %+v", got)
	}
}

func TestWebhookRepository_UpdateSecretAndDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWebhookRepository(db, nil)
	ctx := context.Background()

	e := newEndpoint("org_1", models.EventShiftCreated)
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.UpdateSecret(ctx, "org_2", e.ID, "other"); !apperrors.IsNotFound(err) {
		t.Errorf("cross-org UpdateSecret error = %v, want not found", err)
	}
	if err := repo.UpdateSecret(ctx, "org_1", e.ID, "rotated"); err != nil {
		t.Fatalf("UpdateSecret() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, e.ID)
	if got.Secret != "rotated" {
		t.Errorf("secret = %q, want rotated", got.Secret)
	}

	got.Name = "Renamed"
	got.IsActive = false
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = repo.GetByID(ctx, e.ID)
	if got.Name != "Renamed" || !got.IsActive {
		t.Errorf("Update should rename and leave activation alone: %+v", got)
	}

	if err := repo.Delete(ctx, "org_1", e.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "org_1", e.ID); !apperrors.IsNotFound(err) {
		t.Errorf("second Delete error = %v, want not found", err)
	}
}

func TestWebhookRepository_PostgresPlaceholders(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer sqlDB.Close()

	repo := NewWebhookRepository(database.Wrap(sqlDB, database.DriverPostgres), nil)

	mock.ExpectExec(`UPDATE webhook_endpoints\s+SET is_active = 0, updated_at = \$1\s+WHERE id = \$2 AND is_active = 1 AND consecutive_failures >= \$3`).
		WithArgs(sqlmock.AnyArg(), "wh_1", 10).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE webhook_endpoints\s+SET is_active = 1, consecutive_failures = 0, updated_at = \$1\s+WHERE id = \$2 AND organization_id = \$3 AND is_active = 0`).
		WithArgs(sqlmock.AnyArg(), "wh_1", "org_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	disabled, err := repo.CheckAndDisableUnhealthyEndpoint(context.Background(), "wh_1", 10)
	if err != nil || !disabled {
		t.Errorf("CheckAndDisableUnhealthyEndpoint() = %v, %v", disabled, err)
	}
	enabled, err := repo.SetActive(context.Background(), "org_1", "wh_1", true)
	if err != nil || !enabled {
		t.Errorf("SetActive() = %v, %v", enabled, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
