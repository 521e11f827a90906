package handlers

import (
	"net/http"
	"strconv"

	"shiftline/internal/api/middleware"
	"shiftline/internal/pkg/errors"
	"shiftline/internal/platform/audit"
)

type AuditHandler struct {
	audit *audit.Logger
}

func NewAuditHandler(auditLog *audit.Logger) *AuditHandler {
	return &AuditHandler{audit: auditLog}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.Tenant(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}

	logs, err := h.audit.List(r.Context(), tenant.OrgID, limit)
	if err != nil {
		errors.WriteFromError(w, err)
		return
	}
	if logs == nil {
		logs = []*audit.AuditLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}
