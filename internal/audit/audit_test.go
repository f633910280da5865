package audit

import (
	"context"
	"testing"

	"github.com/credlink/stampd/internal/shared/types"
)

func appendN(t *testing.T, r *MemoryRecorder, n int) []*Record {
	t.Helper()
	ctx := context.Background()
	tenant := types.NewID()
	out := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		rec := NewRecord(types.NewID(), tenant, OutcomeAccepted)
		rec.ProviderUsed = "tsa-a"
		rec.PolicyVersion = 1
		rec.SerialNumber = "42"
		rec.Transcript = []string{"parse: pass", "status: pass (granted)"}
		if err := r.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

// TestAppendChainsRecords tests that appends assign sequence numbers and
// link each record to its predecessor's hash.
func TestAppendChainsRecords(t *testing.T) {
	r := NewMemoryRecorder()
	recs := appendN(t, r, 5)

	if recs[0].PrevHash != "" {
		t.Error("Expected empty prev_hash on the first record")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Sequence != recs[i-1].Sequence+1 {
			t.Errorf("Expected contiguous sequences, got %d after %d", recs[i].Sequence, recs[i-1].Sequence)
		}
		if recs[i].PrevHash != recs[i-1].Hash {
			t.Errorf("Chain broken at record %d", i)
		}
	}
	for i, rec := range recs {
		if !rec.VerifyHash() {
			t.Errorf("Record %d hash does not match content", i)
		}
	}
}

// TestVerifyChainClean tests verification over an untouched chain.
func TestVerifyChainClean(t *testing.T) {
	r := NewMemoryRecorder()
	appendN(t, r, 10)

	res, err := r.VerifyChain(context.Background(), 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid {
		t.Errorf("Expected valid chain, violations: %v", res.Violations)
	}
	if res.Checked != 10 || res.ContentValid != 10 {
		t.Errorf("Expected 10 checked and content-valid, got %d/%d", res.Checked, res.ContentValid)
	}
	if res.ContentInvalid != 0 || res.LinkageInvalid != 0 {
		t.Errorf("Expected no violations, got %+v", res)
	}
}

// TestVerifyChainDetectsContentTamper tests that editing a stored record's
// content shows up as a content violation.
func TestVerifyChainDetectsContentTamper(t *testing.T) {
	r := NewMemoryRecorder()
	appendN(t, r, 5)

	r.Tamper(3, func(rec *Record) {
		rec.SerialNumber = "43"
	})

	res, err := r.VerifyChain(context.Background(), 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("Expected tampered chain to fail verification")
	}
	if res.ContentInvalid == 0 {
		t.Error("Expected a content violation")
	}
	if len(res.Violations) == 0 {
		t.Error("Expected violation details")
	}
}

// TestVerifyChainDetectsLinkTamper tests that rewriting a record's hash to
// cover edited content still breaks the linkage to its neighbor.
func TestVerifyChainDetectsLinkTamper(t *testing.T) {
	r := NewMemoryRecorder()
	appendN(t, r, 5)

	r.Tamper(3, func(rec *Record) {
		rec.SerialNumber = "43"
		rec.Hash = rec.ComputeHash()
	})

	res, err := r.VerifyChain(context.Background(), 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("Expected re-hashed record to break linkage")
	}
	if res.LinkageInvalid == 0 {
		t.Error("Expected a linkage violation")
	}
}

// TestVerifyChainLimit tests that a bounded verification only walks the
// newest records.
func TestVerifyChainLimit(t *testing.T) {
	r := NewMemoryRecorder()
	appendN(t, r, 10)

	res, err := r.VerifyChain(context.Background(), 4)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Checked != 4 {
		t.Errorf("Expected 4 checked, got %d", res.Checked)
	}
	if !res.Valid {
		t.Errorf("Expected valid window, violations: %v", res.Violations)
	}
}

// TestListFilters tests tenant and outcome filtering with newest-first
// ordering.
func TestListFilters(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()
	tenantA := types.NewID()
	tenantB := types.NewID()

	for i := 0; i < 3; i++ {
		if err := r.Append(ctx, NewRecord(types.NewID(), tenantA, OutcomeAccepted)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := r.Append(ctx, NewRecord(types.NewID(), tenantB, OutcomeQueued)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, total, err := r.List(ctx, ListFilter{TenantID: &tenantA})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(recs) != 3 {
		t.Errorf("Expected 3 records for tenant A, got %d/%d", len(recs), total)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Sequence > recs[i-1].Sequence {
			t.Error("Expected newest-first ordering")
		}
	}

	recs, total, err = r.List(ctx, ListFilter{Outcome: OutcomeQueued})
	if err != nil || total != 1 {
		t.Fatalf("Expected 1 queued record, got %d err %v", total, err)
	}
	if recs[0].TenantID != tenantB {
		t.Errorf("Expected tenant B's record, got %s", recs[0].TenantID)
	}

	recs, total, err = r.List(ctx, ListFilter{Limit: 2})
	if err != nil || total != 4 {
		t.Fatalf("Expected total 4, got %d err %v", total, err)
	}
	if len(recs) != 2 {
		t.Errorf("Expected limit to cap the page at 2, got %d", len(recs))
	}
}

// TestFindByRequest tests that every record for one request comes back.
func TestFindByRequest(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()
	tenant := types.NewID()
	requestID := types.NewID()

	if err := r.Append(ctx, NewRecord(requestID, tenant, OutcomeQueued)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.Append(ctx, NewRecord(types.NewID(), tenant, OutcomeAccepted)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.Append(ctx, NewRecord(requestID, tenant, OutcomeAccepted)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, err := r.FindByRequest(ctx, requestID)
	if err != nil {
		t.Fatalf("FindByRequest: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Expected 2 records for the request, got %d", len(recs))
	}
}
