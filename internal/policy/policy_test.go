package policy

import (
	"context"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/tsa/tsatest"
)

func anchorPEM(t *testing.T) string {
	t.Helper()
	s, err := tsatest.NewSigner("Policy Test TSA")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s.CertPEM()
}

func validPolicy(t *testing.T, tenantID types.ID) *TenantPolicy {
	return &TenantPolicy{
		TenantID:          tenantID,
		AllowedPolicyOIDs: []string{"1.3.6.1.4.1.57264.2.1"},
		TrustAnchorsPEM:   []string{anchorPEM(t)},
		MinimumHashBits:   256,
		Providers:         []string{"tsa-a"},
	}
}

// TestStoreAppendVersions tests that appends produce monotonically
// increasing versions and that every version stays addressable.
func TestStoreAppendVersions(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	tenant := types.NewID()

	v1, err := store.Append(ctx, validPolicy(t, tenant))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if v1 != 1 {
		t.Errorf("Expected version 1, got %d", v1)
	}

	p2 := validPolicy(t, tenant)
	p2.MinimumHashBits = 384
	v2, err := store.Append(ctx, p2)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if v2 != 2 {
		t.Errorf("Expected version 2, got %d", v2)
	}

	current, err := store.Current(tenant)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current.Version != 2 || current.MinimumHashBits != 384 {
		t.Errorf("Expected current to be version 2, got %+v", current)
	}

	// The old version is still there for audit reproduction.
	old, err := store.Version(tenant, 1)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if old.MinimumHashBits != 256 {
		t.Errorf("Historical version mutated: %+v", old)
	}
	if got := len(store.Versions(tenant)); got != 2 {
		t.Errorf("Expected 2 versions, got %d", got)
	}
}

// TestStoreAppendRejectsInvalid tests that a policy failing validation
// never becomes a version.
func TestStoreAppendRejectsInvalid(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	tenant := types.NewID()

	tests := []struct {
		name   string
		mutate func(*TenantPolicy)
	}{
		{"no policy OIDs", func(p *TenantPolicy) { p.AllowedPolicyOIDs = nil }},
		{"no providers", func(p *TenantPolicy) { p.Providers = nil }},
		{"no trust anchors", func(p *TenantPolicy) { p.TrustAnchorsPEM = nil }},
		{"zero hash bits", func(p *TenantPolicy) { p.MinimumHashBits = 0 }},
		{"garbage anchor", func(p *TenantPolicy) { p.TrustAnchorsPEM = []string{"not pem"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy(t, tenant)
			tt.mutate(p)
			if _, err := store.Append(ctx, p); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	if got := len(store.Versions(tenant)); got != 0 {
		t.Errorf("Rejected policies must not create versions, got %d", got)
	}
}

// TestStoreReplaceIdempotent tests that reloading an unchanged document
// does not burn a version number.
func TestStoreReplaceIdempotent(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	tenant := types.NewID()
	anchor := anchorPEM(t)

	doc := func() *TenantPolicy {
		return &TenantPolicy{
			TenantID:          tenant,
			AllowedPolicyOIDs: []string{"1.3.6.1.4.1.57264.2.1"},
			TrustAnchorsPEM:   []string{anchor},
			MinimumHashBits:   256,
			Providers:         []string{"tsa-a"},
		}
	}

	if err := store.Replace(ctx, []*TenantPolicy{doc()}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := store.Replace(ctx, []*TenantPolicy{doc()}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := len(store.Versions(tenant)); got != 1 {
		t.Errorf("Unchanged document should not append, got %d versions", got)
	}

	changed := doc()
	changed.SLATier = "gold"
	if err := store.Replace(ctx, []*TenantPolicy{changed}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := len(store.Versions(tenant)); got != 2 {
		t.Errorf("Changed document should append, got %d versions", got)
	}
}

// TestLoadFile tests YAML loading with cross-reference validation.
func TestLoadFile(t *testing.T) {
	anchor := anchorPEM(t)
	tenant := types.NewID()

	writeFile := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		return path
	}

	good := fmt.Sprintf(`
providers:
  - id: tsa-a
    name: Primary TSA
    endpoint: https://tsa-a.example/tsr
    priority_tier: 1
  - id: tsa-b
    endpoint: https://tsa-b.example/tsr
    priority_tier: 2
tenants:
  - tenant_id: %s
    allowed_policy_oids: ["1.3.6.1.4.1.57264.2.1"]
    minimum_hash_bits: 256
    providers: [tsa-a, tsa-b]
    trust_anchors:
      - |
%s
`, tenant, indent(anchor, "        "))

	f, err := LoadFile(writeFile(t, good))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Providers) != 2 || len(f.Tenants) != 1 {
		t.Fatalf("Expected 2 providers and 1 tenant, got %d/%d", len(f.Providers), len(f.Tenants))
	}
	if f.Tenants[0].TrustAnchors() == nil {
		t.Error("Expected compiled trust anchors after load")
	}

	bad := fmt.Sprintf(`
providers:
  - id: tsa-a
    endpoint: https://tsa-a.example/tsr
tenants:
  - tenant_id: %s
    allowed_policy_oids: ["1.3.6.1.4.1.57264.2.1"]
    minimum_hash_bits: 256
    providers: [tsa-missing]
    trust_anchors:
      - |
%s
`, tenant, indent(anchor, "        "))

	if _, err := LoadFile(writeFile(t, bad)); err == nil {
		t.Error("Expected error for unknown provider reference")
	}
}

func indent(s, prefix string) string {
	out := ""
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out += prefix + s[start:i] + "\n"
			start = i + 1
		}
	}
	if start < len(s) {
		out += prefix + s[start:]
	}
	return out
}

// writePolicyYAML writes a one-provider one-tenant policy file so reloader
// tests can vary a field and watch the store pick it up.
func writePolicyYAML(t *testing.T, path, anchor string, tenant types.ID, hashBits int) {
	t.Helper()
	body := fmt.Sprintf(`
providers:
  - id: tsa-a
    endpoint: https://tsa-a.example/tsr
    priority_tier: 1
tenants:
  - tenant_id: %s
    allowed_policy_oids: ["1.3.6.1.4.1.57264.2.1"]
    minimum_hash_bits: %d
    providers: [tsa-a]
    trust_anchors:
      - |
%s
`, tenant, hashBits, indent(anchor, "        "))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// TestReloaderForceReload tests that the explicit reload endpoint path
// bypasses the mtime gate: a rewrite that keeps the old mtime is invisible
// to the poll path but still lands through ForceReload.
func TestReloaderForceReload(t *testing.T) {
	anchor := anchorPEM(t)
	tenant := types.NewID()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	ctx := context.Background()

	writePolicyYAML(t, path, anchor, tenant, 256)
	store := NewStore(nil)
	r := NewReloader(path, time.Hour, store, slog.New(slog.DiscardHandler))

	if err := r.ForceReload(ctx); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	writePolicyYAML(t, path, anchor, tenant, 384)
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := r.ReloadIfChanged(ctx); err != nil {
		t.Fatalf("ReloadIfChanged: %v", err)
	}
	cur, err := store.Current(tenant)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.MinimumHashBits != 256 {
		t.Fatalf("Unchanged mtime should not reload, got hash bits %d", cur.MinimumHashBits)
	}

	if err := r.ForceReload(ctx); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	cur, err = store.Current(tenant)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.MinimumHashBits != 384 || cur.Version != 2 {
		t.Errorf("Expected forced reload to append version 2 with 384 bits, got v%d/%d",
			cur.Version, cur.MinimumHashBits)
	}
}

// TestReloaderConcurrentReload tests that the poll loop and the explicit
// reload endpoint may run at the same time.
func TestReloaderConcurrentReload(t *testing.T) {
	anchor := anchorPEM(t)
	tenant := types.NewID()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicyYAML(t, path, anchor, tenant, 256)

	r := NewReloader(path, time.Millisecond, NewStore(nil), slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	for i := 0; i < 50; i++ {
		if err := r.ForceReload(ctx); err != nil {
			t.Fatalf("ForceReload: %v", err)
		}
		// Future mtimes keep the poll path reloading alongside.
		mod := time.Now().Add(time.Duration(i+1) * time.Second)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	cancel()
	<-done
}

// TestPolicyLookups tests the allow-list and provider membership helpers.
func TestPolicyLookups(t *testing.T) {
	p := validPolicy(t, types.NewID())
	if err := p.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if !p.AllowsPolicyOID(asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 2, 1}) {
		t.Error("Expected OID on the allow-list")
	}
	if p.AllowsPolicyOID(asn1.ObjectIdentifier{1, 2, 3, 4}) {
		t.Error("Expected foreign OID to be refused")
	}

	if !p.TrustsProvider("tsa-a") {
		t.Error("Expected tsa-a to be trusted")
	}
	if p.TrustsProvider("tsa-z") {
		t.Error("Expected tsa-z to be untrusted")
	}
}
