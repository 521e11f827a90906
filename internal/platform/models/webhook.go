package models

import (
	"encoding/json"
	"time"
)

// WebhookEndpoint is a tenant-registered URL, signing secret and subscribed event set.
type WebhookEndpoint struct {
	ID                  string      `json:"id"`
	OrganizationID      string      `json:"organization_id"`
	Name                string      `json:"name"`
	URL                 string      `json:"url"`
	Secret              string      `json:"secret,omitempty"` // plaintext only on create and regenerate
	SubscribedEvents    []EventType `json:"subscribed_events"`
	IsActive            bool        `json:"is_active"`
	Description         string      `json:"description"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	TotalDeliveries     int64       `json:"total_deliveries"`
	TotalSuccesses      int64       `json:"total_successes"`
	LastDeliveredAt     *time.Time  `json:"last_delivered_at,omitempty"`
	LastFailedAt        *time.Time  `json:"last_failed_at,omitempty"`
	CreatedBy           string      `json:"created_by"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Subscribes reports whether the endpoint wants events of the given type.
func (e *WebhookEndpoint) Subscribes(t EventType) bool {
	for _, s := range e.SubscribedEvents {
		if s == t {
			return true
		}
	}
	return false
}

type EndpointHealth string

const (
	HealthHealthy  EndpointHealth = "healthy"
	HealthFailing  EndpointHealth = "failing"
	HealthDisabled EndpointHealth = "disabled"
)

// FailingThreshold is the number of consecutive failures after which an
// active endpoint is shown as failing.
const FailingThreshold = 3

// Health derives the badge shown in the management UI.
func (e *WebhookEndpoint) Health() EndpointHealth {
	switch {
	case !e.IsActive:
		return HealthDisabled
	case e.ConsecutiveFailures >= FailingThreshold:
		return HealthFailing
	default:
		return HealthHealthy
	}
}

// MarshalJSON adds the derived health badge.
func (e WebhookEndpoint) MarshalJSON() ([]byte, error) {
	type alias WebhookEndpoint
	return json.Marshal(struct {
		alias
		Health EndpointHealth `json:"health"`
	}{alias(e), e.Health()})
}

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts may change the status.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// Delivery is the attempt chain for one event to one endpoint. URL and payload
// are snapshotted at fan-out so later endpoint changes never rewrite history.
type Delivery struct {
	ID                string          `json:"id"`
	WebhookEndpointID string          `json:"webhook_endpoint_id"`
	OrganizationID    string          `json:"organization_id"`
	URL               string          `json:"url"`
	EventType         EventType       `json:"event_type"`
	Payload           json.RawMessage `json:"payload"`
	EventID           string          `json:"event_id,omitempty"`
	Status            DeliveryStatus  `json:"status"`
	AttemptNumber     int             `json:"attempt_number"`
	MaxAttempts       int             `json:"max_attempts"`
	HTTPStatus        *int            `json:"http_status,omitempty"`
	ResponseBody      string          `json:"response_body,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	DurationMs        *int64          `json:"duration_ms,omitempty"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
}

// DeliveryPage is one page of delivery logs, newest first.
type DeliveryPage struct {
	Deliveries []*Delivery `json:"deliveries"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
}
