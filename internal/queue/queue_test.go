package queue

import (
	"context"
	"testing"
	"time"

	"github.com/credlink/stampd/internal/shared/types"
)

func testEntry(tenantID types.ID) *Entry {
	return &Entry{
		RequestID:     types.NewID(),
		TenantID:      tenantID,
		Digest:        []byte{1, 2, 3},
		HashAlgorithm: "sha-256",
		Nonce:         "12345",
		EnqueuedAt:    time.Now().UTC(),
	}
}

// TestMemoryQueueOverflow tests that per-tenant capacity is enforced and
// that one tenant's full partition does not block another's.
func TestMemoryQueueOverflow(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()
	tenantA := types.NewID()
	tenantB := types.NewID()

	if err := q.Enqueue(ctx, testEntry(tenantA)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testEntry(tenantA)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testEntry(tenantA)); err != ErrOverflow {
		t.Errorf("Expected ErrOverflow at capacity, got %v", err)
	}
	if err := q.Enqueue(ctx, testEntry(tenantB)); err != nil {
		t.Errorf("Other tenant should still have room: %v", err)
	}
}

// TestMemoryQueueClaimLease tests that a claimed entry is invisible until
// its lease lapses and comes back with the retry count bumped on release.
func TestMemoryQueueClaimLease(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()
	tenant := types.NewID()
	e := testEntry(tenant)
	if err := q.Enqueue(ctx, e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := q.Claim(ctx, tenant, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim: got %d entries, err %v", len(claimed), err)
	}

	again, err := q.Claim(ctx, tenant, 1, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(again) != 0 {
		t.Error("Leased entry should not be claimable twice")
	}

	if err := q.Release(ctx, e.RequestID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	released, err := q.Claim(ctx, tenant, 1, time.Minute)
	if err != nil || len(released) != 1 {
		t.Fatalf("Claim after release: got %d entries, err %v", len(released), err)
	}
	if released[0].RetryCount != 1 {
		t.Errorf("Expected retry count 1 after release, got %d", released[0].RetryCount)
	}
}

// TestMemoryQueueAck tests that acked entries leave the backlog for good.
func TestMemoryQueueAck(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()
	tenant := types.NewID()
	e := testEntry(tenant)
	if err := q.Enqueue(ctx, e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Ack(ctx, e.RequestID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	pending, err := q.Pending(ctx, e.RequestID)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending {
		t.Error("Acked entry should not be pending")
	}
	_, total, err := q.Depth(ctx)
	if err != nil || total != 0 {
		t.Errorf("Expected empty backlog, got total %d err %v", total, err)
	}
}

// TestMemoryQueueRetire tests dead-lettering and handle resolution.
func TestMemoryQueueRetire(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()
	tenant := types.NewID()
	e := testEntry(tenant)
	if err := q.Enqueue(ctx, e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Retire(ctx, e.RequestID, "retry budget exhausted"); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	if pending, _ := q.Pending(ctx, e.RequestID); pending {
		t.Error("Retired entry should not be pending")
	}
	reason, ok, err := q.DeadLettered(ctx, e.RequestID)
	if err != nil {
		t.Fatalf("DeadLettered: %v", err)
	}
	if !ok {
		t.Fatal("Expected entry in the dead-letter table")
	}
	if reason != "retry budget exhausted" {
		t.Errorf("Expected retirement reason, got %q", reason)
	}
}

// TestMemoryQueueRetention tests that entries older than retention are
// expired into the dead-letter table.
func TestMemoryQueueRetention(t *testing.T) {
	q := NewMemoryQueue(10)
	ctx := context.Background()
	tenant := types.NewID()

	old := testEntry(tenant)
	old.EnqueuedAt = time.Now().Add(-2 * time.Hour)
	fresh := testEntry(tenant)
	if err := q.Enqueue(ctx, old); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, fresh); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	expired, err := q.ExpireRetention(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpireRetention: %v", err)
	}
	if len(expired) != 1 || expired[0].RequestID != old.RequestID {
		t.Fatalf("Expected only the old entry to expire, got %v", expired)
	}
	if _, ok, _ := q.DeadLettered(ctx, old.RequestID); !ok {
		t.Error("Expired entry should be dead-lettered")
	}
	if pending, _ := q.Pending(ctx, fresh.RequestID); !pending {
		t.Error("Fresh entry should survive the sweep")
	}
}
