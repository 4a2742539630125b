package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	// TenantIDKey is the context key for the tenant ID.
	TenantIDKey contextKey = "tenant_id"

	// TenantHeaderName is the default HTTP header for the tenant ID.
	TenantHeaderName = "X-Tenant-ID"
)

// FromContext extracts the tenant ID from the context.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithTenant returns a context with the tenant ID set.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// Isolation is an HTTP middleware that extracts the tenant ID from the
// request header and injects it into the request context. Requests without
// a tenant ID, or from tenants with no grant record, are rejected before
// they reach any module route.
type Isolation struct {
	HeaderName string
	Grants     *GrantStore // nil disables the known-tenant check
}

// NewIsolation creates tenant isolation middleware backed by a grant store.
func NewIsolation(grants *GrantStore) *Isolation {
	return &Isolation{
		HeaderName: TenantHeaderName,
		Grants:     grants,
	}
}

// Process wraps an HTTP handler with tenant isolation.
func (t *Isolation) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(t.HeaderName))
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "missing tenant ID header "+t.HeaderName)
			return
		}

		if t.Grants != nil && !t.Grants.Known(tenantID) {
			writeError(w, http.StatusForbidden, "unknown tenant "+tenantID)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithTenant(r.Context(), tenantID)))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
