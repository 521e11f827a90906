package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"shiftline/internal/api/middleware"
	"shiftline/internal/engine/events"
	"shiftline/internal/pkg/errors"
	"shiftline/internal/platform/models"
)

// EventHandler lets first-party services publish domain events for the
// caller's organization.
type EventHandler struct {
	bus *events.Bus
}

func NewEventHandler(bus *events.Bus) *EventHandler {
	return &EventHandler{bus: bus}
}

func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	var req struct {
		Type     models.EventType `json:"type"`
		Data     map[string]any   `json:"data"`
		SourceID string           `json:"source_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if !models.IsKnownEventType(req.Type) {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput,
			fmt.Sprintf("Unknown event type %q", req.Type), map[string]string{"field": "type"})
		return
	}

	report := h.bus.Publish(r.Context(), events.New(req.Type, tenant.OrgID, req.Data, req.SourceID))

	failures := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, f.Subscriber)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"subscribers": report.Subscribers,
		"failures":    failures,
	})
}
