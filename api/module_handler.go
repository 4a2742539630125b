package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/GoCodeAlone/exthost"
	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/marketplace"
	"github.com/GoCodeAlone/exthost/registry"
	"github.com/GoCodeAlone/exthost/tenant"
)

// Lifecycle is the slice of the module manager the API depends on.
type Lifecycle interface {
	LoadModule(ctx context.Context, raw []byte, tenantID string) (*manifest.ModuleMetadata, error)
	ActivateModule(ctx context.Context, moduleID, tenantID string) error
	DeactivateModule(ctx context.Context, moduleID, tenantID string) error
	ReloadModule(ctx context.Context, moduleID, tenantID string) error
	UninstallModule(ctx context.Context, moduleID, tenantID string) error
	InstallFromMarketplace(ctx context.Context, moduleID, version, tenantID string) error
	GetModule(ctx context.Context, moduleID, tenantID string) (*registry.Entry, error)
	ListModules(ctx context.Context, tenantID string) ([]*registry.Entry, error)
}

// ModuleHandler serves the lifecycle administration endpoints.
type ModuleHandler struct {
	lifecycle Lifecycle
	market    marketplace.Client
}

// NewModuleHandler creates a ModuleHandler. The marketplace client may be
// nil; search then returns 503.
func NewModuleHandler(lifecycle Lifecycle, market marketplace.Client) *ModuleHandler {
	return &ModuleHandler{lifecycle: lifecycle, market: market}
}

// RegisterRoutes mounts the API v1 routes on mux.
func (h *ModuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/modules", h.List)
	mux.HandleFunc("POST /api/v1/modules", h.Load)
	mux.HandleFunc("GET /api/v1/modules/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/modules/{id}/activate", h.Activate)
	mux.HandleFunc("POST /api/v1/modules/{id}/deactivate", h.Deactivate)
	mux.HandleFunc("POST /api/v1/modules/{id}/reload", h.Reload)
	mux.HandleFunc("DELETE /api/v1/modules/{id}", h.Uninstall)
	mux.HandleFunc("POST /api/v1/marketplace/install", h.Install)
	mux.HandleFunc("GET /api/v1/marketplace/search", h.Search)
}

func tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := tenant.FromContext(r.Context())
	if id == "" {
		WriteError(w, http.StatusBadRequest, "missing tenant identity")
		return "", false
	}
	return id, true
}

// statusFor maps lifecycle failures onto HTTP status codes using the error
// taxonomy.
func statusFor(err error) int {
	var illegal *registry.IllegalTransitionError
	switch {
	case errors.Is(err, exthost.ErrModuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, exthost.ErrOperationInProgress):
		return http.StatusConflict
	case errors.As(err, &illegal):
		return http.StatusConflict
	}
	switch exthost.Categorize(err) {
	case exthost.CategoryLoad, exthost.CategoryCompatibility, exthost.CategoryConfiguration:
		return http.StatusUnprocessableEntity
	case exthost.CategoryPermission, exthost.CategorySecurity:
		return http.StatusForbidden
	case exthost.CategoryMarketplace:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// List handles GET /api/v1/modules.
func (h *ModuleHandler) List(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	entries, err := h.lifecycle.ListModules(r.Context(), tid)
	if err != nil {
		WriteLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

// Get handles GET /api/v1/modules/{id}.
func (h *ModuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	entry, err := h.lifecycle.GetModule(r.Context(), r.PathValue("id"), tid)
	if err != nil {
		WriteLifecycleError(w, err)
		return
	}
	if entry == nil {
		WriteError(w, http.StatusNotFound, "module not installed for tenant")
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

// Load handles POST /api/v1/modules. The request body is the module
// manifest.
func (h *ModuleHandler) Load(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read manifest body")
		return
	}
	md, err := h.lifecycle.LoadModule(r.Context(), raw, tid)
	if err != nil {
		WriteLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, md)
}

// Activate handles POST /api/v1/modules/{id}/activate.
func (h *ModuleHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.ActivateModule)
}

// Deactivate handles POST /api/v1/modules/{id}/deactivate.
func (h *ModuleHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.DeactivateModule)
}

// Reload handles POST /api/v1/modules/{id}/reload.
func (h *ModuleHandler) Reload(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.ReloadModule)
}

// Uninstall handles DELETE /api/v1/modules/{id}.
func (h *ModuleHandler) Uninstall(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.lifecycle.UninstallModule)
}

func (h *ModuleHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	moduleID := r.PathValue("id")
	if err := op(r.Context(), moduleID, tid); err != nil {
		WriteLifecycleError(w, err)
		return
	}
	entry, err := h.lifecycle.GetModule(r.Context(), moduleID, tid)
	if err != nil || entry == nil {
		WriteJSON(w, http.StatusOK, map[string]string{"moduleId": moduleID})
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

type installRequest struct {
	ModuleID string `json:"moduleId"`
	Version  string `json:"version"`
}

// Install handles POST /api/v1/marketplace/install.
func (h *ModuleHandler) Install(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ModuleID == "" || req.Version == "" {
		WriteError(w, http.StatusBadRequest, "moduleId and version are required")
		return
	}
	if err := h.lifecycle.InstallFromMarketplace(r.Context(), req.ModuleID, req.Version, tid); err != nil {
		WriteLifecycleError(w, err)
		return
	}
	entry, err := h.lifecycle.GetModule(r.Context(), req.ModuleID, tid)
	if err != nil || entry == nil {
		WriteJSON(w, http.StatusCreated, map[string]string{"moduleId": req.ModuleID})
		return
	}
	WriteJSON(w, http.StatusCreated, entry)
}

// Search handles GET /api/v1/marketplace/search.
func (h *ModuleHandler) Search(w http.ResponseWriter, r *http.Request) {
	if h.market == nil {
		WriteError(w, http.StatusServiceUnavailable, "marketplace not configured")
		return
	}
	listings, err := h.market.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, listings)
}
