package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "shiftline/internal/pkg/errors"
	"shiftline/internal/platform/database"
	"shiftline/internal/platform/models"
	"shiftline/internal/platform/secrets"
)

const endpointColumns = `id, organization_id, name, url, secret, subscribed_events, is_active, description,
	consecutive_failures, total_deliveries, total_successes, last_delivered_at, last_failed_at,
	created_by, created_at, updated_at`

type WebhookRepository struct {
	db  *database.DB
	box *secrets.Box
}

func NewWebhookRepository(db *database.DB, box *secrets.Box) *WebhookRepository {
	if box == nil {
		box = &secrets.Box{}
	}
	return &WebhookRepository{db: db, box: box}
}

// Create inserts the endpoint. webhook.Secret must hold the plaintext secret;
// it is sealed before storage and left untouched on the struct.
func (r *WebhookRepository) Create(ctx context.Context, webhook *models.WebhookEndpoint) error {
	if webhook.ID == "" {
		webhook.ID = "wh_" + uuid.New().String()
	}
	now := time.Now().UTC()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now

	eventsJSON, err := json.Marshal(webhook.SubscribedEvents)
	if err != nil {
		return err
	}
	sealed, err := r.box.Seal(webhook.Secret)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}

	query := `
		INSERT INTO webhook_endpoints (id, organization_id, name, url, secret, subscribed_events, is_active, description,
			consecutive_failures, total_deliveries, total_successes, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.db.Q(query),
		webhook.ID, webhook.OrganizationID, webhook.Name, webhook.URL, sealed, string(eventsJSON),
		boolToInt(webhook.IsActive), webhook.Description, webhook.CreatedBy,
		toMillis(webhook.CreatedAt), toMillis(webhook.UpdatedAt))
	return err
}

// GetByID loads an endpoint with its plaintext secret. Used by the delivery worker.
func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	row := r.db.QueryRowContext(ctx, r.db.Q(`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`), id)
	return r.scan(row)
}

// GetForOrganization loads an endpoint only if it belongs to orgID.
func (r *WebhookRepository) GetForOrganization(ctx context.Context, orgID, id string) (*models.WebhookEndpoint, error) {
	row := r.db.QueryRowContext(ctx,
		r.db.Q(`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ? AND organization_id = ?`), id, orgID)
	return r.scan(row)
}

func (r *WebhookRepository) ListByOrganization(ctx context.Context, orgID string) ([]*models.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		r.db.Q(`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE organization_id = ? ORDER BY created_at DESC, id DESC`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*models.WebhookEndpoint
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// ListActiveForEvent returns the organization's active endpoints subscribed to
// eventType. Subscriptions are stored as a JSON array and filtered in Go;
// endpoint counts per organization are small.
func (r *WebhookRepository) ListActiveForEvent(ctx context.Context, orgID string, eventType models.EventType) ([]*models.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		r.db.Q(`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE organization_id = ? AND is_active = 1 ORDER BY created_at ASC, id ASC`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []*models.WebhookEndpoint
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		if e.Subscribes(eventType) {
			matched = append(matched, e)
		}
	}
	return matched, rows.Err()
}

// Update writes the management-owned fields. Activation and health counters
// are left alone because the worker may be changing them concurrently; see
// SetActive.
func (r *WebhookRepository) Update(ctx context.Context, webhook *models.WebhookEndpoint) error {
	eventsJSON, err := json.Marshal(webhook.SubscribedEvents)
	if err != nil {
		return err
	}
	webhook.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE webhook_endpoints
		SET name = ?, url = ?, subscribed_events = ?, description = ?, updated_at = ?
		WHERE id = ? AND organization_id = ?
	`
	res, err := r.db.ExecContext(ctx, r.db.Q(query),
		webhook.Name, webhook.URL, string(eventsJSON), webhook.Description,
		toMillis(webhook.UpdatedAt), webhook.ID, webhook.OrganizationID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// SetActive enables or disables an endpoint. Enabling clears the consecutive
// failure count in the same statement. It reports false when the endpoint
// was already in the requested state.
func (r *WebhookRepository) SetActive(ctx context.Context, orgID, id string, active bool) (bool, error) {
	var query string
	if active {
		query = `
			UPDATE webhook_endpoints
			SET is_active = 1, consecutive_failures = 0, updated_at = ?
			WHERE id = ? AND organization_id = ? AND is_active = 0
		`
	} else {
		query = `
			UPDATE webhook_endpoints
			SET is_active = 0, updated_at = ?
			WHERE id = ? AND organization_id = ? AND is_active = 1
		`
	}
	res, err := r.db.ExecContext(ctx, r.db.Q(query), toMillis(time.Now().UTC()), id, orgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *WebhookRepository) Delete(ctx context.Context, orgID, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Q(`DELETE FROM webhook_endpoints WHERE id = ? AND organization_id = ?`), id, orgID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// UpdateSecret irreversibly replaces the signing secret.
func (r *WebhookRepository) UpdateSecret(ctx context.Context, orgID, id, secret string) error {
	sealed, err := r.box.Seal(secret)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		r.db.Q(`UPDATE webhook_endpoints SET secret = ?, updated_at = ? WHERE id = ? AND organization_id = ?`),
		sealed, toMillis(time.Now().UTC()), id, orgID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// UpdateEndpointStats records one attempt outcome with atomic increments, so
// concurrent deliveries to the same endpoint need no in-process locking.
func (r *WebhookRepository) UpdateEndpointStats(ctx context.Context, id string, success bool, at time.Time) error {
	var query string
	if success {
		query = `
			UPDATE webhook_endpoints
			SET consecutive_failures = 0, total_deliveries = total_deliveries + 1,
				total_successes = total_successes + 1, last_delivered_at = ?
			WHERE id = ?
		`
	} else {
		query = `
			UPDATE webhook_endpoints
			SET consecutive_failures = consecutive_failures + 1, total_deliveries = total_deliveries + 1,
				last_failed_at = ?
			WHERE id = ?
		`
	}
	_, err := r.db.ExecContext(ctx, r.db.Q(query), toMillis(at), id)
	return err
}

// CheckAndDisableUnhealthyEndpoint deactivates an active endpoint whose
// consecutive failures reached threshold. It reports true only for the call
// that performed the transition.
func (r *WebhookRepository) CheckAndDisableUnhealthyEndpoint(ctx context.Context, id string, threshold int) (bool, error) {
	query := `
		UPDATE webhook_endpoints
		SET is_active = 0, updated_at = ?
		WHERE id = ? AND is_active = 1 AND consecutive_failures >= ?
	`
	res, err := r.db.ExecContext(ctx, r.db.Q(query), toMillis(time.Now().UTC()), id, threshold)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WebhookRepository) scan(row rowScanner) (*models.WebhookEndpoint, error) {
	var (
		e               models.WebhookEndpoint
		eventsStr       string
		sealed          string
		isActive        int
		lastDeliveredAt sql.NullInt64
		lastFailedAt    sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)

	err := row.Scan(&e.ID, &e.OrganizationID, &e.Name, &e.URL, &sealed, &eventsStr, &isActive, &e.Description,
		&e.ConsecutiveFailures, &e.TotalDeliveries, &e.TotalSuccesses, &lastDeliveredAt, &lastFailedAt,
		&e.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(eventsStr), &e.SubscribedEvents); err != nil {
		return nil, fmt.Errorf("decode subscribed_events for %s: %w", e.ID, err)
	}
	e.Secret, err = r.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open secret for %s: %w", e.ID, err)
	}
	e.IsActive = isActive != 0
	e.LastDeliveredAt = fromNullMillis(lastDeliveredAt)
	e.LastFailedAt = fromNullMillis(lastFailedAt)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}
