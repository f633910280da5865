// Package results persists validated tokens so a deferred-completion
// handle issued during an outage can be resolved later, from any instance.
package results

import (
	"context"
	"time"

	"github.com/credlink/stampd/internal/shared/types"
)

// Result is the durable outcome of a completed timestamp request.
type Result struct {
	RequestID     types.ID  `json:"request_id"`
	TenantID      types.ID  `json:"tenant_id"`
	ProviderID    string    `json:"provider_id"`
	SerialNumber  string    `json:"serial_number"`
	PolicyOID     string    `json:"policy_oid"`
	GenTime       time.Time `json:"gen_time"`
	PolicyVersion int       `json:"policy_version"`
	Token         []byte    `json:"token"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Store resolves request IDs to completed results.
type Store interface {
	Save(ctx context.Context, r *Result) error
	// Get returns the result, or a NotFound error when the request has
	// not completed.
	Get(ctx context.Context, requestID types.ID) (*Result, error)
}
