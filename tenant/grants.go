// Package tenant tracks per-tenant capability grants and provides HTTP
// tenant isolation. All module state in the host is scoped to a tenant;
// the grant set decides which module permissions a tenant may satisfy.
package tenant

import (
	"fmt"
	"sort"
	"sync"
)

// Grants is the set of capability permissions a tenant has been granted,
// e.g. "client.read" or "client.write".
type Grants map[string]struct{}

// NewGrants builds a grant set from a list of permission names.
func NewGrants(permissions ...string) Grants {
	g := make(Grants, len(permissions))
	for _, p := range permissions {
		g[p] = struct{}{}
	}
	return g
}

// Has reports whether the permission is granted.
func (g Grants) Has(permission string) bool {
	_, ok := g[permission]
	return ok
}

// List returns the granted permissions sorted by name.
func (g Grants) List() []string {
	out := make([]string, 0, len(g))
	for p := range g {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// GrantStore manages capability grants for all tenants.
// It is safe for concurrent use.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]Grants
}

// NewGrantStore creates an empty grant store.
func NewGrantStore() *GrantStore {
	return &GrantStore{grants: make(map[string]Grants)}
}

// SetGrants replaces the grant set for a tenant.
func (s *GrantStore) SetGrants(tenantID string, grants Grants) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[tenantID] = grants
}

// Grant adds permissions to a tenant's grant set.
func (s *GrantStore) Grant(tenantID string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[tenantID]
	if !ok {
		g = make(Grants, len(permissions))
		s.grants[tenantID] = g
	}
	for _, p := range permissions {
		g[p] = struct{}{}
	}
}

// Revoke removes permissions from a tenant's grant set.
func (s *GrantStore) Revoke(tenantID string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[tenantID]
	if !ok {
		return
	}
	for _, p := range permissions {
		delete(g, p)
	}
}

// GrantsFor returns a copy of the tenant's grant set. An unknown tenant has
// an empty grant set, not an error; whether that is a failure is the
// caller's decision.
func (s *GrantStore) GrantsFor(tenantID string) Grants {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[tenantID]
	if !ok {
		return Grants{}
	}
	out := make(Grants, len(g))
	for p := range g {
		out[p] = struct{}{}
	}
	return out
}

// Known reports whether the tenant has any grant record at all.
func (s *GrantStore) Known(tenantID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[tenantID]
	return ok
}

// RemoveTenant deletes a tenant's grant record.
func (s *GrantStore) RemoveTenant(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, tenantID)
}

// Missing returns the subset of the given permissions the tenant lacks,
// sorted by name. An empty result means every permission is granted.
func (s *GrantStore) Missing(tenantID string, permissions []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.grants[tenantID]
	var missing []string
	for _, p := range permissions {
		if _, ok := g[p]; !ok {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)
	return missing
}

// Validate checks that every permission in the list is granted.
func (s *GrantStore) Validate(tenantID string, permissions []string) error {
	if missing := s.Missing(tenantID, permissions); len(missing) > 0 {
		return fmt.Errorf("tenant %s lacks permissions %v", tenantID, missing)
	}
	return nil
}
