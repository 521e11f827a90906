package database

import (
	"context"
	"fmt"
)

// Timestamps are unix milliseconds; booleans are 0/1 integers so the same DDL
// runs on sqlite and postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_endpoints (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		subscribed_events TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		description TEXT NOT NULL DEFAULT '',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		total_deliveries BIGINT NOT NULL DEFAULT 0,
		total_successes BIGINT NOT NULL DEFAULT 0,
		last_delivered_at BIGINT,
		last_failed_at BIGINT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_org_active
		ON webhook_endpoints (organization_id, is_active)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		webhook_endpoint_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		url TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		event_id TEXT,
		status TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		http_status INTEGER,
		response_body TEXT,
		error_message TEXT,
		scheduled_at BIGINT NOT NULL,
		started_at BIGINT,
		completed_at BIGINT,
		duration_ms BIGINT,
		next_retry_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_endpoint_scheduled
		ON webhook_deliveries (webhook_endpoint_id, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_org
		ON webhook_deliveries (organization_id)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status_scheduled
		ON webhook_deliveries (status, scheduled_at)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		metadata TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_org_created
		ON audit_logs (organization_id, created_at)`,
}

// Migrate creates the webhook and audit tables if they do not exist.
func Migrate(ctx context.Context, db *DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Drop removes the tables. Used by the migrate command's "down" direction.
func Drop(ctx context.Context, db *DB) error {
	for _, table := range []string{"audit_logs", "webhook_deliveries", "webhook_endpoints"} {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}
