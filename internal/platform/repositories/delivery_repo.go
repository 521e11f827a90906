package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	apperrors "shiftline/internal/pkg/errors"
	"shiftline/internal/platform/database"
	"shiftline/internal/platform/models"
)

const deliveryColumns = `id, webhook_endpoint_id, organization_id, url, event_type, payload, event_id, status,
	attempt_number, max_attempts, http_status, response_body, error_message, scheduled_at, started_at,
	completed_at, duration_ms, next_retry_at`

// Attempt is the recorded outcome of one HTTP attempt.
type Attempt struct {
	Status       models.DeliveryStatus
	HTTPStatus   *int
	ResponseBody string
	ErrorMessage string
	CompletedAt  *time.Time
	DurationMs   *int64
	NextRetryAt  *time.Time
}

type DeliveryRepository struct {
	db *database.DB
}

func NewDeliveryRepository(db *database.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func (r *DeliveryRepository) Create(ctx context.Context, d *models.Delivery) error {
	if d.ID == "" {
		d.ID = "whd_" + uuid.New().String()
	}
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = models.DeliveryPending
	}
	if d.AttemptNumber == 0 {
		d.AttemptNumber = 1
	}

	query := `
		INSERT INTO webhook_deliveries (id, webhook_endpoint_id, organization_id, url, event_type, payload, event_id,
			status, attempt_number, max_attempts, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.db.Q(query),
		d.ID, d.WebhookEndpointID, d.OrganizationID, d.URL, string(d.EventType), string(d.Payload),
		nullString(d.EventID), string(d.Status), d.AttemptNumber, d.MaxAttempts, toMillis(d.ScheduledAt))
	return err
}

func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*models.Delivery, error) {
	row := r.db.QueryRowContext(ctx, r.db.Q(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`), id)
	return scanDelivery(row)
}

// MarkStarted moves a non-terminal delivery to attempt number attempt. It
// reports false when the row is already terminal or has moved past attempt,
// which means a duplicate or stale job is being processed.
func (r *DeliveryRepository) MarkStarted(ctx context.Context, id string, attempt int, status models.DeliveryStatus, at time.Time) (bool, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = ?, attempt_number = ?, started_at = ?, next_retry_at = NULL
		WHERE id = ? AND status IN ('pending', 'retrying') AND attempt_number <= ?
	`
	res, err := r.db.ExecContext(ctx, r.db.Q(query), string(status), attempt, toMillis(at), id, attempt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Complete records the outcome of the current attempt. Terminal rows are
// never rewritten.
func (r *DeliveryRepository) Complete(ctx context.Context, id string, a Attempt) error {
	query := `
		UPDATE webhook_deliveries
		SET status = ?, http_status = ?, response_body = ?, error_message = ?, completed_at = ?,
			duration_ms = ?, next_retry_at = ?
		WHERE id = ? AND status IN ('pending', 'retrying')
	`
	res, err := r.db.ExecContext(ctx, r.db.Q(query),
		string(a.Status), nullInt(a.HTTPStatus), nullString(a.ResponseBody), nullString(a.ErrorMessage),
		nullMillis(a.CompletedAt), nullInt64(a.DurationMs), nullMillis(a.NextRetryAt), id)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// ListByEndpoint returns one page of an endpoint's deliveries, newest first,
// with the total count across all pages.
func (r *DeliveryRepository) ListByEndpoint(ctx context.Context, orgID, endpointID string, limit, offset int) ([]*models.Delivery, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		r.db.Q(`SELECT COUNT(*) FROM webhook_deliveries WHERE webhook_endpoint_id = ? AND organization_id = ?`),
		endpointID, orgID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE webhook_endpoint_id = ? AND organization_id = ?
		ORDER BY scheduled_at DESC, id DESC
		LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, r.db.Q(query), endpointID, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	deliveries := []*models.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, total, rows.Err()
}

// ListStalled returns non-terminal deliveries that made no progress since
// before: a recorded retry that is overdue, an attempt that started but never
// recorded an outcome, or a first attempt that never started.
func (r *DeliveryRepository) ListStalled(ctx context.Context, before time.Time, limit, offset int) ([]*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE status IN ('pending', 'retrying') AND (
			(next_retry_at IS NOT NULL AND next_retry_at <= ?)
			OR (next_retry_at IS NULL AND started_at IS NOT NULL AND started_at <= ?)
			OR (next_retry_at IS NULL AND started_at IS NULL AND scheduled_at <= ?)
		)
		ORDER BY scheduled_at, id
		LIMIT ? OFFSET ?`
	cutoff := toMillis(before)
	rows, err := r.db.QueryContext(ctx, r.db.Q(query), cutoff, cutoff, cutoff, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func scanDelivery(row rowScanner) (*models.Delivery, error) {
	var (
		d            models.Delivery
		eventType    string
		payload      string
		status       string
		eventID      sql.NullString
		httpStatus   sql.NullInt64
		responseBody sql.NullString
		errorMessage sql.NullString
		scheduledAt  int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
		durationMs   sql.NullInt64
		nextRetryAt  sql.NullInt64
	)

	err := row.Scan(&d.ID, &d.WebhookEndpointID, &d.OrganizationID, &d.URL, &eventType, &payload, &eventID, &status,
		&d.AttemptNumber, &d.MaxAttempts, &httpStatus, &responseBody, &errorMessage, &scheduledAt, &startedAt,
		&completedAt, &durationMs, &nextRetryAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}

	d.EventType = models.EventType(eventType)
	d.Payload = []byte(payload)
	d.Status = models.DeliveryStatus(status)
	d.EventID = eventID.String
	d.ResponseBody = responseBody.String
	d.ErrorMessage = errorMessage.String
	d.ScheduledAt = fromMillis(scheduledAt)
	d.StartedAt = fromNullMillis(startedAt)
	d.CompletedAt = fromNullMillis(completedAt)
	d.NextRetryAt = fromNullMillis(nextRetryAt)
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		d.HTTPStatus = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		d.DurationMs = &v
	}
	return &d, nil
}
