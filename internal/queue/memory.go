package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/credlink/stampd/internal/shared/types"
)

// MemoryQueue is an in-process Queue for tests and single-node development.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	entries  map[types.ID]*memoryEntry
	dead     []*DeadLetter
}

type memoryEntry struct {
	entry        *Entry
	claimedUntil time.Time
}

func NewMemoryQueue(perTenantCapacity int) *MemoryQueue {
	return &MemoryQueue{
		capacity: perTenantCapacity,
		entries:  make(map[types.ID]*memoryEntry),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, me := range q.entries {
		if me.entry.TenantID == e.TenantID {
			count++
		}
	}
	if count >= q.capacity {
		return ErrOverflow
	}
	copied := *e
	q.entries[e.RequestID] = &memoryEntry{entry: &copied}
	return nil
}

func (q *MemoryQueue) Tenants(_ context.Context) ([]types.ID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	seen := make(map[types.ID]bool)
	for _, me := range q.entries {
		if me.claimedUntil.After(now) {
			continue
		}
		seen[me.entry.TenantID] = true
	}
	tenants := make([]types.ID, 0, len(seen))
	for id := range seen {
		tenants = append(tenants, id)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].String() < tenants[j].String() })
	return tenants, nil
}

func (q *MemoryQueue) Claim(_ context.Context, tenantID types.ID, limit int, lease time.Duration) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()

	var claimable []*memoryEntry
	for _, me := range q.entries {
		if me.entry.TenantID == tenantID && !me.claimedUntil.After(now) {
			claimable = append(claimable, me)
		}
	}
	sort.Slice(claimable, func(i, j int) bool {
		return claimable[i].entry.EnqueuedAt.Before(claimable[j].entry.EnqueuedAt)
	})
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}

	out := make([]*Entry, 0, len(claimable))
	for _, me := range claimable {
		me.claimedUntil = now.Add(lease)
		copied := *me.entry
		out = append(out, &copied)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, requestID types.ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, requestID)
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, requestID types.ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if me, ok := q.entries[requestID]; ok {
		me.claimedUntil = time.Time{}
		me.entry.RetryCount++
	}
	return nil
}

func (q *MemoryQueue) Retire(_ context.Context, requestID types.ID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	me, ok := q.entries[requestID]
	if !ok {
		return nil
	}
	delete(q.entries, requestID)
	q.dead = append(q.dead, &DeadLetter{Entry: *me.entry, DeadLetteredAt: time.Now(), Reason: reason})
	return nil
}

func (q *MemoryQueue) ExpireRetention(_ context.Context, maxAge time.Duration) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var expired []*Entry
	for id, me := range q.entries {
		if me.entry.EnqueuedAt.Before(cutoff) {
			delete(q.entries, id)
			q.dead = append(q.dead, &DeadLetter{Entry: *me.entry, DeadLetteredAt: time.Now(), Reason: "retention exceeded"})
			copied := *me.entry
			expired = append(expired, &copied)
		}
	}
	return expired, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (map[types.ID]int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[types.ID]int)
	for _, me := range q.entries {
		depths[me.entry.TenantID]++
	}
	total := len(q.entries)
	return depths, total, nil
}

func (q *MemoryQueue) Pending(_ context.Context, requestID types.ID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[requestID]
	return ok, nil
}

func (q *MemoryQueue) DeadLettered(_ context.Context, requestID types.ID) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, dl := range q.dead {
		if dl.RequestID == requestID {
			return dl.Reason, true, nil
		}
	}
	return "", false, nil
}

// DeadLetters returns retired entries, newest last. Test helper.
func (q *MemoryQueue) DeadLetters() []*DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}
