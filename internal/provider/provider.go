// Package provider models external RFC 3161 timestamp authorities and the
// transport adapter used to reach them. Adapters are stateless and never
// retry; failover belongs to the controller.
package provider

import (
	"context"
	"fmt"

	"github.com/credlink/stampd/internal/policy"
)

// Provider is one configured timestamp authority endpoint.
type Provider struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Endpoint     string            `json:"endpoint"`
	PolicyOID    string            `json:"policy_oid"`
	PriorityTier int               `json:"priority_tier"`
	Username     string            `json:"-"`
	Password     string            `json:"-"`
	Headers      map[string]string `json:"-"`
	Base64       bool              `json:"-"`
}

// FromSpec builds a Provider from its declarative spec.
func FromSpec(spec policy.ProviderSpec) *Provider {
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return &Provider{
		ID:           spec.ID,
		Name:         name,
		Endpoint:     spec.Endpoint,
		PolicyOID:    spec.PolicyOID,
		PriorityTier: spec.PriorityTier,
		Username:     spec.Username,
		Password:     spec.Password,
		Headers:      spec.Headers,
		Base64:       spec.Base64,
	}
}

// Registry indexes providers by ID.
type Registry struct {
	byID  map[string]*Provider
	order []*Provider
}

// NewRegistry builds a registry from provider specs.
func NewRegistry(specs []policy.ProviderSpec) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Provider, len(specs))}
	for _, spec := range specs {
		if _, dup := r.byID[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", spec.ID)
		}
		p := FromSpec(spec)
		r.byID[p.ID] = p
		r.order = append(r.order, p)
	}
	return r, nil
}

// Get returns a provider by ID.
func (r *Registry) Get(id string) (*Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns providers in configuration order.
func (r *Registry) All() []*Provider {
	return r.order
}

// Adapter sends one marshaled timestamp request to one provider. It is
// stateless and performs no retries. A malformed-but-received body is
// returned as data so the validator can classify it; only transport
// problems (connect, timeout, non-2xx) come back as errors.
type Adapter interface {
	Send(ctx context.Context, der []byte, p *Provider) ([]byte, error)
}
