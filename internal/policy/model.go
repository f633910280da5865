// Package policy holds the versioned, declarative per-tenant trust
// configuration: which providers a tenant trusts, which timestamp policy
// OIDs it accepts, and which anchors a token's signer chain must reach.
// Policy updates append new versions; existing versions are never mutated,
// so every recorded validation stays reproducible.
package policy

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/credlink/stampd/internal/shared/types"
)

// TenantPolicy is one immutable version of a tenant's trust policy.
type TenantPolicy struct {
	TenantID types.ID `json:"tenant_id" yaml:"tenant_id"`
	Version  int      `json:"version" yaml:"-"`

	// AllowedPolicyOIDs is the dotted-form allow-list a returned token's
	// policy OID must belong to, whether or not the request pinned one.
	AllowedPolicyOIDs []string `json:"allowed_policy_oids" yaml:"allowed_policy_oids"`

	// PinnedPolicyOID, when set, is sent as the request policy hint.
	// When empty the provider picks its default.
	PinnedPolicyOID string `json:"pinned_policy_oid,omitempty" yaml:"pinned_policy_oid"`

	// TrustAnchorsPEM holds the PEM certificates token chains must
	// terminate at. The process trust store is never consulted.
	TrustAnchorsPEM []string `json:"trust_anchors_pem" yaml:"trust_anchors"`

	// MinimumHashBits rejects weak certificate hash bindings, e.g. 256
	// refuses legacy SHA-1 ESSCertID.
	MinimumHashBits int `json:"minimum_hash_bits" yaml:"minimum_hash_bits"`

	// RequireAccuracy rejects tokens that claim no accuracy at all.
	RequireAccuracy bool `json:"require_accuracy" yaml:"require_accuracy"`

	// SLATier labels the tenant for status reporting and queue fairness.
	SLATier string `json:"sla_tier" yaml:"sla_tier"`

	// Providers is the ordered list of provider IDs the tenant trusts.
	Providers []string `json:"providers" yaml:"providers"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`

	anchors *x509.CertPool
	certs   []*x509.Certificate
}

// Compile parses the PEM anchors once. Must be called before the policy is
// handed to the validator; the Store does this on load and append.
func (p *TenantPolicy) Compile() error {
	if len(p.TrustAnchorsPEM) == 0 {
		return fmt.Errorf("tenant %s: policy has no trust anchors", p.TenantID)
	}
	pool := x509.NewCertPool()
	var certs []*x509.Certificate
	for i, pemBlock := range p.TrustAnchorsPEM {
		block, _ := pem.Decode([]byte(pemBlock))
		if block == nil {
			return fmt.Errorf("tenant %s: trust anchor %d is not PEM", p.TenantID, i)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("tenant %s: trust anchor %d: %w", p.TenantID, i, err)
		}
		pool.AddCert(cert)
		certs = append(certs, cert)
	}
	p.anchors = pool
	p.certs = certs
	return nil
}

// TrustAnchors returns the compiled anchor pool.
func (p *TenantPolicy) TrustAnchors() *x509.CertPool {
	return p.anchors
}

// TrustAnchorCerts returns the parsed anchor certificates.
func (p *TenantPolicy) TrustAnchorCerts() []*x509.Certificate {
	return p.certs
}

// AllowsPolicyOID reports whether the token policy OID is on the allow-list.
func (p *TenantPolicy) AllowsPolicyOID(oid asn1.ObjectIdentifier) bool {
	s := oid.String()
	for _, allowed := range p.AllowedPolicyOIDs {
		if allowed == s {
			return true
		}
	}
	return false
}

// TrustsProvider reports whether the tenant trusts the provider.
func (p *TenantPolicy) TrustsProvider(providerID string) bool {
	for _, id := range p.Providers {
		if id == providerID {
			return true
		}
	}
	return false
}

// Validate checks the policy document is usable before it is appended.
func (p *TenantPolicy) Validate() error {
	if p.TenantID.IsZero() {
		return fmt.Errorf("policy missing tenant_id")
	}
	if len(p.AllowedPolicyOIDs) == 0 {
		return fmt.Errorf("tenant %s: policy allows no policy OIDs", p.TenantID)
	}
	if len(p.Providers) == 0 {
		return fmt.Errorf("tenant %s: policy names no providers", p.TenantID)
	}
	if p.MinimumHashBits <= 0 {
		return fmt.Errorf("tenant %s: minimum_hash_bits must be positive", p.TenantID)
	}
	return p.Compile()
}

// ProviderSpec is the declarative provider entry from the policy file.
// The provider package turns it into a live Provider.
type ProviderSpec struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Endpoint     string            `json:"endpoint" yaml:"endpoint"`
	PolicyOID    string            `json:"policy_oid" yaml:"policy_oid"`
	PriorityTier int               `json:"priority_tier" yaml:"priority_tier"`
	Username     string            `json:"-" yaml:"username"`
	Password     string            `json:"-" yaml:"password"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers"`
	// Base64 wraps the request/response bodies in base64 for legacy
	// gateways that cannot carry binary DER.
	Base64 bool `json:"base64,omitempty" yaml:"base64"`
}

func (s ProviderSpec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("provider spec missing id")
	}
	if s.Endpoint == "" {
		return fmt.Errorf("provider %s: missing endpoint", s.ID)
	}
	return nil
}
