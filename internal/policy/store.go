package policy

import (
	"context"
	"sync"
	"time"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
)

// Archive persists appended policy versions for reproducible audits.
// The Postgres implementation lives in archive.go; a nil archive keeps
// versions in memory only.
type Archive interface {
	SaveVersion(ctx context.Context, p *TenantPolicy) error
	LoadAll(ctx context.Context) (map[types.ID][]*TenantPolicy, error)
}

// Store holds every version of every tenant policy. Reads take the current
// version; historical versions remain addressable so audit records can name
// the exact policy they were checked against.
type Store struct {
	mu      sync.RWMutex
	tenants map[types.ID][]*TenantPolicy
	archive Archive
}

// NewStore creates an empty policy store.
func NewStore(archive Archive) *Store {
	return &Store{
		tenants: make(map[types.ID][]*TenantPolicy),
		archive: archive,
	}
}

// Hydrate restores archived versions into the store. Called once at
// startup, before the policy file is loaded, so appends continue the
// persisted version sequence rather than restarting at 1.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	versions, err := s.archive.LoadAll(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for tenantID, vs := range versions {
		s.tenants[tenantID] = vs
	}
	return nil
}

// Current returns the effective policy version for the tenant.
func (s *Store) Current(tenantID types.ID) (*TenantPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.tenants[tenantID]
	if len(versions) == 0 {
		return nil, errors.NotFound("tenant policy", tenantID.String())
	}
	return versions[len(versions)-1], nil
}

// Version returns one historical policy version.
func (s *Store) Version(tenantID types.ID, version int) (*TenantPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.tenants[tenantID] {
		if p.Version == version {
			return p, nil
		}
	}
	return nil, errors.NotFound("tenant policy version", tenantID.String())
}

// Versions returns all versions for a tenant, oldest first.
func (s *Store) Versions(tenantID types.ID) []*TenantPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TenantPolicy, len(s.tenants[tenantID]))
	copy(out, s.tenants[tenantID])
	return out
}

// Tenants lists tenant IDs with at least one policy version.
func (s *Store) Tenants() []types.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ID, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	return out
}

// Append validates the policy and appends it as the next version for its
// tenant. Existing versions are never touched.
func (s *Store) Append(ctx context.Context, p *TenantPolicy) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, errors.BadRequest(err.Error())
	}

	s.mu.Lock()
	versions := s.tenants[p.TenantID]
	p.Version = len(versions) + 1
	p.CreatedAt = time.Now().UTC()
	s.tenants[p.TenantID] = append(versions, p)
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveVersion(ctx, p); err != nil {
			return p.Version, errors.Wrap(err, "failed to archive policy version")
		}
	}
	return p.Version, nil
}

// Replace swaps in a freshly loaded policy file. Tenants present in the
// file whose document changed get a new version appended; tenants absent
// from the file keep their history but are no longer reloaded. Used by the
// hot-reload loop.
func (s *Store) Replace(ctx context.Context, policies []*TenantPolicy) error {
	for _, p := range policies {
		current, err := s.Current(p.TenantID)
		if err == nil && samePolicyDocument(current, p) {
			continue
		}
		if _, err := s.Append(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func samePolicyDocument(a, b *TenantPolicy) bool {
	if a.PinnedPolicyOID != b.PinnedPolicyOID ||
		a.MinimumHashBits != b.MinimumHashBits ||
		a.RequireAccuracy != b.RequireAccuracy ||
		a.SLATier != b.SLATier {
		return false
	}
	if !sameStrings(a.AllowedPolicyOIDs, b.AllowedPolicyOIDs) ||
		!sameStrings(a.TrustAnchorsPEM, b.TrustAnchorsPEM) ||
		!sameStrings(a.Providers, b.Providers) {
		return false
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
