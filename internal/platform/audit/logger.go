package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"shiftline/internal/pkg/logger"
	"shiftline/internal/platform/database"
)

// Actions recorded for webhook endpoint management.
const (
	ActionWebhookCreated     = "webhook.created"
	ActionWebhookUpdated     = "webhook.updated"
	ActionWebhookDeleted     = "webhook.deleted"
	ActionWebhookSecretRegen = "webhook.secret_regenerated"
	ActionWebhookTestSent    = "webhook.test_sent"
)

type AuditLog struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	Metadata       map[string]interface{} `json:"metadata"`
	IPAddress      string                 `json:"ip_address"`
	UserAgent      string                 `json:"user_agent"`
	CreatedAt      int64                  `json:"created_at"`
}

// Actor identifies who performed an action and from where.
type Actor struct {
	OrganizationID string
	UserID         string
	IPAddress      string
	UserAgent      string
}

// ActorFromRequest fills the client fields from r.
func ActorFromRequest(r *http.Request, orgID, userID string) Actor {
	return Actor{
		OrganizationID: orgID,
		UserID:         userID,
		IPAddress:      r.RemoteAddr,
		UserAgent:      r.UserAgent(),
	}
}

type Logger struct {
	db  *database.DB
	log zerolog.Logger
	now func() time.Time
}

func NewLogger(db *database.DB) *Logger {
	return &Logger{db: db, log: logger.Component("audit"), now: time.Now}
}

// Log records action on a resource. A failed write is logged and never
// fails the caller's request.
func (l *Logger) Log(ctx context.Context, actor Actor, action, resourceType, resourceID string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	entry := &AuditLog{
		ID:             "audit_" + uuid.New().String(),
		OrganizationID: actor.OrganizationID,
		UserID:         actor.UserID,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Metadata:       metadata,
		IPAddress:      orDefault(actor.IPAddress),
		UserAgent:      orDefault(actor.UserAgent),
		CreatedAt:      l.now().UnixMilli(),
	}

	query := `
		INSERT INTO audit_logs (id, organization_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = l.db.ExecContext(context.WithoutCancel(ctx), l.db.Q(query),
		entry.ID, entry.OrganizationID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID,
		string(metaJSON), entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		l.log.Error().Err(err).
			Str("action", action).
			Str("resource_id", resourceID).
			Str("organization_id", actor.OrganizationID).
			Msg("failed to write audit log")
	}
}

// List returns an organization's most recent entries, newest first.
func (l *Logger) List(ctx context.Context, orgID string, limit int) ([]*AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, l.db.Q(`
		SELECT id, organization_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs WHERE organization_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditLog
	for rows.Next() {
		var (
			e    AuditLog
			meta string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID,
			&meta, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func orDefault(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
