// Package queue is the durable holding area for timestamp requests that
// could not be dispatched because no provider was eligible. Entries are
// drained per-tenant in round-robin order once the health monitor reports
// recovery, and retired to a dead-letter table when they exceed retention
// or their retry budget.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/credlink/stampd/internal/shared/types"
)

// ErrOverflow is returned when a tenant's backlog capacity is exhausted.
var ErrOverflow = errors.New("tenant backlog capacity exhausted")

// Entry is a queued timestamp request. The original request is preserved
// field-for-field so redispatch reuses the same nonce and digest.
type Entry struct {
	RequestID     types.ID  `json:"request_id"`
	TenantID      types.ID  `json:"tenant_id"`
	Digest        []byte    `json:"digest"`
	HashAlgorithm string    `json:"hash_algorithm"`
	Nonce         string    `json:"nonce"`
	PolicyOIDHint string    `json:"policy_oid_hint,omitempty"`
	RetryCount    int       `json:"retry_count"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// DeadLetter is a retired entry kept for inspection.
type DeadLetter struct {
	Entry
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
	Reason         string    `json:"reason"`
}

// Queue is the durable backlog. Claims are leased: an entry claimed by a
// crashed drainer becomes claimable again when its lease expires, giving
// at-least-once redispatch.
type Queue interface {
	// Enqueue stores an entry, returning ErrOverflow when the tenant is
	// at capacity.
	Enqueue(ctx context.Context, e *Entry) error

	// Tenants lists tenants that currently have claimable entries.
	Tenants(ctx context.Context) ([]types.ID, error)

	// Claim leases up to limit of the tenant's oldest claimable entries.
	Claim(ctx context.Context, tenantID types.ID, limit int, lease time.Duration) ([]*Entry, error)

	// Ack removes a successfully redispatched entry.
	Ack(ctx context.Context, requestID types.ID) error

	// Release returns a claimed entry to the backlog, incrementing its
	// retry count.
	Release(ctx context.Context, requestID types.ID) error

	// Retire moves an entry to the dead-letter table.
	Retire(ctx context.Context, requestID types.ID, reason string) error

	// ExpireRetention dead-letters every entry older than maxAge and
	// returns what was retired so the caller can write audit records.
	ExpireRetention(ctx context.Context, maxAge time.Duration) ([]*Entry, error)

	// Depth reports the number of entries waiting, by tenant and total.
	Depth(ctx context.Context) (map[types.ID]int, int, error)

	// Pending reports whether a request is still waiting in the backlog.
	Pending(ctx context.Context, requestID types.ID) (bool, error)

	// DeadLettered returns the retirement reason for a request, if it was
	// dead-lettered.
	DeadLettered(ctx context.Context, requestID types.ID) (string, bool, error)
}
