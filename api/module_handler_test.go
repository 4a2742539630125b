package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoCodeAlone/exthost"
	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/marketplace"
	"github.com/GoCodeAlone/exthost/registry"
	"github.com/GoCodeAlone/exthost/tenant"
)

type fakeLifecycle struct {
	entries map[string]*registry.Entry // moduleID -> entry
	errs    map[string]error           // operation -> error

	calls []string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		entries: make(map[string]*registry.Entry),
		errs:    make(map[string]error),
	}
}

func (f *fakeLifecycle) op(name, moduleID string) error {
	f.calls = append(f.calls, name+":"+moduleID)
	return f.errs[name]
}

func (f *fakeLifecycle) LoadModule(_ context.Context, raw []byte, tenantID string) (*manifest.ModuleMetadata, error) {
	if err := f.errs["load"]; err != nil {
		return nil, err
	}
	md, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}
	f.entries[md.ID] = &registry.Entry{
		ModuleID: md.ID,
		TenantID: tenantID,
		Metadata: md,
		Status:   registry.StatusAvailable,
	}
	return md, nil
}

func (f *fakeLifecycle) ActivateModule(_ context.Context, moduleID, _ string) error {
	return f.op("activate", moduleID)
}

func (f *fakeLifecycle) DeactivateModule(_ context.Context, moduleID, _ string) error {
	return f.op("deactivate", moduleID)
}

func (f *fakeLifecycle) ReloadModule(_ context.Context, moduleID, _ string) error {
	return f.op("reload", moduleID)
}

func (f *fakeLifecycle) UninstallModule(_ context.Context, moduleID, _ string) error {
	return f.op("uninstall", moduleID)
}

func (f *fakeLifecycle) InstallFromMarketplace(_ context.Context, moduleID, _, _ string) error {
	return f.op("install", moduleID)
}

func (f *fakeLifecycle) GetModule(_ context.Context, moduleID, _ string) (*registry.Entry, error) {
	return f.entries[moduleID], nil
}

func (f *fakeLifecycle) ListModules(_ context.Context, _ string) ([]*registry.Entry, error) {
	out := make([]*registry.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func serve(t *testing.T, h *ModuleHandler, method, target, tenantID, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if tenantID != "" {
		req = req.WithContext(tenant.ContextWithTenant(req.Context(), tenantID))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

const validManifest = `
module:
  id: billing-reports
  name: Billing Reports
  version: 0.3.0
compatibility:
  hostVersion: ">=1.0.0"
  runtimeVersion: ">=1.0.0"
`

func TestLoadModuleEndpoint(t *testing.T) {
	t.Parallel()
	h := NewModuleHandler(newFakeLifecycle(), nil)

	rec := serve(t, h, http.MethodPost, "/api/v1/modules", "acme", validManifest)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Data manifest.ModuleMetadata `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.ID != "billing-reports" {
		t.Errorf("module id = %q", resp.Data.ID)
	}
}

func TestLoadModuleRejectsMalformed(t *testing.T) {
	t.Parallel()
	h := NewModuleHandler(newFakeLifecycle(), nil)

	rec := serve(t, h, http.MethodPost, "/api/v1/modules", "acme", "module: [broken")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body)
	}
}

func TestMissingTenantRejected(t *testing.T) {
	t.Parallel()
	h := NewModuleHandler(newFakeLifecycle(), nil)

	rec := serve(t, h, http.MethodGet, "/api/v1/modules", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTransitionStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		err          error
		want         int
		wantCategory string
	}{
		{"not found", fmt.Errorf("wrap: %w", exthost.ErrModuleNotFound), http.StatusNotFound, "load"},
		{"in progress", &exthost.OperationInProgressError{ModuleID: "m", TenantID: "t"}, http.StatusConflict, "workflow"},
		{"illegal transition", &registry.IllegalTransitionError{From: registry.StatusActive, To: registry.StatusActive}, http.StatusConflict, "unknown"},
		{"marketplace down", fmt.Errorf("%w: boom", marketplace.ErrMarketplace), http.StatusBadGateway, "marketplace"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			lc := newFakeLifecycle()
			lc.errs["activate"] = tc.err
			h := NewModuleHandler(lc, nil)

			rec := serve(t, h, http.MethodPost, "/api/v1/modules/billing-reports/activate", "acme", "")
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
			var resp struct {
				Error struct {
					Message  string `json:"message"`
					Category string `json:"category"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Error.Message == "" {
				t.Error("error message missing from body")
			}
			if resp.Error.Category != tc.wantCategory {
				t.Errorf("error category = %q, want %q", resp.Error.Category, tc.wantCategory)
			}
		})
	}
}

func TestActivateEndpoint(t *testing.T) {
	t.Parallel()
	lc := newFakeLifecycle()
	h := NewModuleHandler(lc, nil)
	serve(t, h, http.MethodPost, "/api/v1/modules", "acme", validManifest)

	rec := serve(t, h, http.MethodPost, "/api/v1/modules/billing-reports/activate", "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if len(lc.calls) != 1 || lc.calls[0] != "activate:billing-reports" {
		t.Errorf("calls = %v", lc.calls)
	}
}

func TestInstallEndpointValidation(t *testing.T) {
	t.Parallel()
	h := NewModuleHandler(newFakeLifecycle(), nil)

	rec := serve(t, h, http.MethodPost, "/api/v1/marketplace/install", "acme", `{"moduleId":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = serve(t, h, http.MethodPost, "/api/v1/marketplace/install", "acme", `{"moduleId":"billing-reports","version":"0.3.0"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
}

func TestSearchWithoutMarketplace(t *testing.T) {
	t.Parallel()
	h := NewModuleHandler(newFakeLifecycle(), nil)

	rec := serve(t, h, http.MethodGet, "/api/v1/marketplace/search?q=billing", "acme", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
