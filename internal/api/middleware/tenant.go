package middleware

import (
	"context"
	"net/http"

	apiContext "shiftline/internal/api/context"
	"shiftline/internal/pkg/errors"
	"shiftline/internal/platform/auth"
)

// TenantContext scopes a request to one organization. Every store call made
// by a handler is filtered by OrgID.
type TenantContext struct {
	OrgID  string
	UserID string
	Role   string
}

type TenantMiddleware struct{}

func NewTenantMiddleware() *TenantMiddleware {
	return &TenantMiddleware{}
}

func (m *TenantMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
		if !ok {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
			return
		}
		if claims.OrganizationID == "" {
			errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Token is not bound to an organization", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Tenant, &TenantContext{
			OrgID:  claims.OrganizationID,
			UserID: claims.UserID,
			Role:   claims.Role,
		})

		next(w, r.WithContext(ctx))
	}
}

// Tenant returns the request's tenant. It panics if TenantMiddleware did not run.
func Tenant(r *http.Request) *TenantContext {
	return r.Context().Value(apiContext.Tenant).(*TenantContext)
}
