package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	apiContext "shiftline/internal/api/context"
	"shiftline/internal/api/middleware"
	"shiftline/internal/engine/webhooks"
	"shiftline/internal/pkg/errors"
	"shiftline/internal/platform/audit"
)

type WebhookHandler struct {
	service *webhooks.Service
	audit   *audit.Logger
}

// NewWebhookHandler serves endpoint management. auditLog may be nil.
func NewWebhookHandler(service *webhooks.Service, auditLog *audit.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, audit: auditLog}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	var req webhooks.CreateEndpointInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	endpoint, err := h.service.CreateEndpoint(r.Context(), tenant.OrgID, tenant.UserID, req)
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}
	h.record(r, tenant, audit.ActionWebhookCreated, endpoint.ID, map[string]interface{}{
		"url":               endpoint.URL,
		"subscribed_events": endpoint.SubscribedEvents,
	})

	writeJSON(w, http.StatusCreated, endpoint)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	endpoints, err := h.service.ListEndpoints(r.Context(), tenant.OrgID)
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"webhooks": endpoints})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	endpoint, err := h.service.GetEndpoint(r.Context(), tenant.OrgID, webhookID(r))
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, endpoint)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	var req webhooks.UpdateEndpointInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	endpoint, err := h.service.UpdateEndpoint(r.Context(), tenant.OrgID, webhookID(r), req)
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}
	h.record(r, tenant, audit.ActionWebhookUpdated, endpoint.ID, map[string]interface{}{
		"url":       endpoint.URL,
		"is_active": endpoint.IsActive,
	})

	writeJSON(w, http.StatusOK, endpoint)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	id := webhookID(r)
	if err := h.service.DeleteEndpoint(r.Context(), tenant.OrgID, id); err != nil {
		errors.WriteFromError(w, err)
		return
	}
	h.record(r, tenant, audit.ActionWebhookDeleted, id, nil)

	w.WriteHeader(http.StatusNoContent)
}

// RegenerateSecret returns the new secret. It is the only time it is shown.
func (h *WebhookHandler) RegenerateSecret(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	id := webhookID(r)
	secret, err := h.service.RegenerateSecret(r.Context(), tenant.OrgID, id)
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}
	h.record(r, tenant, audit.ActionWebhookSecretRegen, id, nil)

	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *WebhookHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	delivery, err := h.service.SendTestEvent(r.Context(), tenant.OrgID, webhookID(r))
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}
	h.record(r, tenant, audit.ActionWebhookTestSent, delivery.WebhookEndpointID, map[string]interface{}{
		"delivery_id": delivery.ID,
	})

	writeJSON(w, http.StatusAccepted, delivery)
}

func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	page, err := h.service.ListDeliveries(r.Context(), tenant.OrgID, webhookID(r), limit, offset)
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (h *WebhookHandler) record(r *http.Request, tenant *middleware.TenantContext, action, id string, meta map[string]interface{}) {
	if h.audit == nil {
		return
	}
	h.audit.Log(r.Context(), audit.ActorFromRequest(r, tenant.OrgID, tenant.UserID), action, "webhook_endpoint", id, meta)
}

func webhookID(r *http.Request) string {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	return params.ByName("webhook_id")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
