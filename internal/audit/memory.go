package audit

import (
	"context"
	"sync"

	"github.com/credlink/stampd/internal/shared/types"
)

// MemoryRecorder keeps the chain in memory. Tests and single-node
// development only.
type MemoryRecorder struct {
	mu       sync.Mutex
	records  []*Record
	lastHash string
	sequence int64
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Append(_ context.Context, record *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	record.Sequence = r.sequence
	record.PrevHash = r.lastHash
	record.Hash = record.ComputeHash()

	copied := *record
	r.records = append(r.records, &copied)
	r.lastHash = record.Hash
	return nil
}

func (r *MemoryRecorder) FindByRequest(_ context.Context, requestID types.ID) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.RequestID == requestID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *MemoryRecorder) List(_ context.Context, filter ListFilter) ([]*Record, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []*Record
	total := 0
	// Newest first, matching the KurrentDB recorder.
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if !matchFilter(rec, filter) {
			continue
		}
		total++
		if filter.Offset > 0 && total <= filter.Offset {
			continue
		}
		if filter.Limit > 0 && len(records) >= filter.Limit {
			continue
		}
		copied := *rec
		records = append(records, &copied)
	}
	return records, total, nil
}

func (r *MemoryRecorder) VerifyChain(_ context.Context, limit int) (*VerifyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.records)
	if limit > 0 && limit < n {
		n = limit
	}
	newestFirst := make([]*Record, 0, n)
	for i := len(r.records) - 1; i >= len(r.records)-n; i-- {
		newestFirst = append(newestFirst, r.records[i])
	}
	return verifyRecords(newestFirst), nil
}

// Tamper overwrites a stored record's field for chain verification tests.
func (r *MemoryRecorder) Tamper(sequence int64, mutate func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Sequence == sequence {
			mutate(rec)
			return
		}
	}
}
