package models

import "time"

type EventType string

const (
	EventApprovalRequestSubmitted EventType = "approval_request_submitted"
	EventApprovalRequestApproved  EventType = "approval_request_approved"
	EventApprovalRequestRejected  EventType = "approval_request_rejected"
	EventShiftCreated             EventType = "shift_created"
	EventShiftUpdated             EventType = "shift_updated"
	EventShiftDeleted             EventType = "shift_deleted"
	EventTimesheetSubmitted       EventType = "timesheet_submitted"
	EventTimesheetApproved        EventType = "timesheet_approved"
	EventComplianceViolation      EventType = "compliance_violation_detected"
	EventEmployeeCreated          EventType = "employee_created"
	EventEmployeeUpdated          EventType = "employee_updated"
	EventWebhookTest              EventType = "webhook.test"
)

var knownEventTypes = map[EventType]struct{}{
	EventApprovalRequestSubmitted: {},
	EventApprovalRequestApproved:  {},
	EventApprovalRequestRejected:  {},
	EventShiftCreated:             {},
	EventShiftUpdated:             {},
	EventShiftDeleted:             {},
	EventTimesheetSubmitted:       {},
	EventTimesheetApproved:        {},
	EventComplianceViolation:      {},
	EventEmployeeCreated:          {},
	EventEmployeeUpdated:          {},
}

// IsKnownEventType reports whether endpoints may subscribe to t.
// The synthetic test event is delivered explicitly and is not subscribable.
func IsKnownEventType(t EventType) bool {
	_, ok := knownEventTypes[t]
	return ok
}

// EventPayload is the transient in-process event. It is never persisted directly.
type EventPayload struct {
	Type           EventType      `json:"type"`
	OrganizationID string         `json:"organization_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data"`
	SourceID       string         `json:"source_id,omitempty"`
}

// WirePayload is the JSON body POSTed to tenant endpoints.
type WirePayload struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Data      map[string]any `json:"data"`
}
