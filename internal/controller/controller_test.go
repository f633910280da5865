package controller

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/credlink/stampd/internal/audit"
	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/results"
	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/tsa"
	"github.com/credlink/stampd/internal/tsa/tsatest"
)

// fakeAdapter routes requests to in-process signers and scripts transport
// failures and latency per provider.
type fakeAdapter struct {
	mu          sync.Mutex
	signers     map[string]*tsatest.Signer
	fail        map[string]error
	delay       map[string]time.Duration
	calls       []string
	inflight    int
	maxInflight int
}

func (a *fakeAdapter) Send(ctx context.Context, der []byte, p *provider.Provider) ([]byte, error) {
	a.mu.Lock()
	a.calls = append(a.calls, p.ID)
	a.inflight++
	if a.inflight > a.maxInflight {
		a.maxInflight = a.inflight
	}
	failErr := a.fail[p.ID]
	delay := a.delay[p.ID]
	s := a.signers[p.ID]
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inflight--
		a.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return s.Respond(der)
}

func (a *fakeAdapter) maxConcurrent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInflight
}

func (a *fakeAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

type testEnv struct {
	ctrl     *Controller
	adapter  *fakeAdapter
	signers  map[string]*tsatest.Signer
	monitor  *health.Monitor
	backlog  *queue.MemoryQueue
	results  *results.MemoryStore
	recorder *audit.MemoryRecorder
	tenant   types.ID
}

func newTestEnv(t *testing.T, backlogCapacity int, providerIDs ...string) *testEnv {
	t.Helper()

	signers := make(map[string]*tsatest.Signer, len(providerIDs))
	specs := make([]policy.ProviderSpec, 0, len(providerIDs))
	anchors := make([]string, 0, len(providerIDs))
	for i, id := range providerIDs {
		s, err := tsatest.NewSigner(id)
		if err != nil {
			t.Fatalf("NewSigner: %v", err)
		}
		signers[id] = s
		specs = append(specs, policy.ProviderSpec{
			ID:           id,
			Endpoint:     "http://" + id + ".example/tsa",
			PriorityTier: i + 1,
		})
		anchors = append(anchors, s.CertPEM())
	}

	reg, err := provider.NewRegistry(specs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tenant := types.NewID()
	policies := policy.NewStore(nil)
	pol := &policy.TenantPolicy{
		TenantID:          tenant,
		AllowedPolicyOIDs: []string{"1.3.6.1.4.1.57264.2.1"},
		TrustAnchorsPEM:   anchors,
		MinimumHashBits:   256,
		Providers:         providerIDs,
	}
	if _, err := policies.Append(context.Background(), pol); err != nil {
		t.Fatalf("Append policy: %v", err)
	}

	adapter := &fakeAdapter{
		signers: signers,
		fail:    make(map[string]error),
		delay:   make(map[string]time.Duration),
	}
	prober := health.ProberFunc(func(context.Context, *provider.Provider) (time.Duration, error) {
		return time.Millisecond, nil
	})
	monitor := health.NewMonitor(reg, prober, time.Second, 3, slog.Default())
	backlog := queue.NewMemoryQueue(backlogCapacity)
	resultStore := results.NewMemoryStore()
	recorder := audit.NewMemoryRecorder()
	cfg := config.TimestampConfig{
		HedgeDelay:      25 * time.Millisecond,
		ProviderTimeout: 250 * time.Millisecond,
		RequestDeadline: 600 * time.Millisecond,
		DedupeWindow:    time.Hour,
	}
	validator := tsa.NewValidator(tsa.NewMemoryDedupe(), cfg.DedupeWindow)

	ctrl := New(policies, reg, adapter, validator, monitor, backlog, resultStore, recorder, cfg, slog.Default())
	return &testEnv{
		ctrl:     ctrl,
		adapter:  adapter,
		signers:  signers,
		monitor:  monitor,
		backlog:  backlog,
		results:  resultStore,
		recorder: recorder,
		tenant:   tenant,
	}
}

func testDigest() []byte {
	d := sha256.Sum256([]byte("contract.pdf"))
	return d[:]
}

// TestTimestampPrimarySuccess tests the straight path: the primary answers,
// the token validates, the result and an accepted audit record land.
func TestTimestampPrimarySuccess(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a", "tsa-b")
	ctx := context.Background()

	out, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if out.Queued {
		t.Fatal("Expected immediate completion")
	}
	if out.ProviderID != "tsa-a" {
		t.Errorf("Expected primary tsa-a, got %s", out.ProviderID)
	}
	if out.Token == nil || !out.Token.Granted() {
		t.Fatal("Expected granted token")
	}
	if len(out.Transcript) != 10 {
		t.Errorf("Expected full transcript, got %d entries", len(out.Transcript))
	}

	stored, err := env.results.Get(ctx, out.RequestID)
	if err != nil {
		t.Fatalf("Result not persisted: %v", err)
	}
	if stored.ProviderID != "tsa-a" || len(stored.Token) == 0 {
		t.Errorf("Stored result incomplete: %+v", stored)
	}

	recs, err := env.recorder.FindByRequest(ctx, out.RequestID)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected one audit record, got %d err %v", len(recs), err)
	}
	if recs[0].Outcome != audit.OutcomeAccepted {
		t.Errorf("Expected accepted outcome, got %s", recs[0].Outcome)
	}
	if len(recs[0].Transcript) == 0 {
		t.Error("Expected transcript on the audit record")
	}
}

// TestTimestampFailoverOnTransportFault tests rotation: a refused primary
// degrades and the secondary serves the request.
func TestTimestampFailoverOnTransportFault(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a", "tsa-b")
	env.adapter.fail["tsa-a"] = fmt.Errorf("connection refused")
	ctx := context.Background()

	out, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if out.ProviderID != "tsa-b" {
		t.Errorf("Expected failover to tsa-b, got %s", out.ProviderID)
	}
	if got := env.monitor.Snapshot("tsa-a").State; got != health.StateDegraded {
		t.Errorf("Expected tsa-a degraded after traffic fault, got %s", got)
	}
}

// TestTimestampHedging tests that a slow primary is raced: the hedge
// launches the secondary after the delay and its token wins.
func TestTimestampHedging(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a", "tsa-b")
	env.adapter.delay["tsa-a"] = 400 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	out, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if out.ProviderID != "tsa-b" {
		t.Errorf("Expected hedge winner tsa-b, got %s", out.ProviderID)
	}
	if elapsed >= 400*time.Millisecond {
		t.Errorf("Hedge should beat the slow primary, took %v", elapsed)
	}

	calls := env.adapter.sent()
	if len(calls) != 2 || calls[0] != "tsa-a" || calls[1] != "tsa-b" {
		t.Errorf("Expected primary then hedge, got %v", calls)
	}
}

// TestTimestampHedgeConcurrencyBound tests that however many providers are
// eligible, a request never has more than two calls in flight: the hedge
// timer fires once and further providers wait for a returned fault.
func TestTimestampHedgeConcurrencyBound(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a", "tsa-b", "tsa-c", "tsa-d")
	for _, id := range []string{"tsa-a", "tsa-b", "tsa-c", "tsa-d"} {
		env.adapter.delay[id] = 80 * time.Millisecond
		env.adapter.fail[id] = fmt.Errorf("connection refused")
	}
	ctx := context.Background()

	out, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if !out.Queued {
		t.Fatal("Expected fallthrough to the backlog when every provider fails")
	}
	if got := env.adapter.maxConcurrent(); got > 2 {
		t.Errorf("Expected at most 2 concurrent provider calls, observed %d", got)
	}
	if calls := env.adapter.sent(); len(calls) != 4 {
		t.Errorf("Expected all 4 providers attempted, got %v", calls)
	}
}

// TestTimestampPolicyFaultNotRetried tests that a deterministic trust
// failure aborts the race instead of rotating providers.
func TestTimestampPolicyFaultNotRetried(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a", "tsa-b")
	env.signers["tsa-a"].Policy = asn1.ObjectIdentifier{1, 2, 3, 4}
	ctx := context.Background()

	_, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	f, ok := tsa.AsFault(err)
	if !ok {
		t.Fatalf("Expected *Fault, got %v", err)
	}
	if f.Kind != tsa.FaultPolicy {
		t.Errorf("Expected PolicyViolation, got %s", f.Kind)
	}
	if calls := env.adapter.sent(); len(calls) != 1 {
		t.Errorf("Policy fault must not rotate, got calls %v", calls)
	}

	recs, _ := env.recorder.FindByRequest(ctx, requestIDFromAudit(t, env.recorder))
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeRejected {
		t.Fatalf("Expected one rejected audit record, got %v", recs)
	}
	if recs[0].FaultKind != "PolicyViolation" {
		t.Errorf("Expected PolicyViolation on record, got %s", recs[0].FaultKind)
	}
	if len(recs[0].Transcript) == 0 {
		t.Error("Expected transcript on the rejection record")
	}
}

// requestIDFromAudit pulls the single recorded request ID out of the
// memory recorder.
func requestIDFromAudit(t *testing.T, r *audit.MemoryRecorder) types.ID {
	t.Helper()
	recs, _, err := r.List(context.Background(), audit.ListFilter{Limit: 10})
	if err != nil || len(recs) == 0 {
		t.Fatalf("Expected audit records, got %d err %v", len(recs), err)
	}
	return recs[0].RequestID
}

// TestTimestampQueuesOnExhaustion tests that a request is parked in the
// backlog once every provider fails with retryable faults.
func TestTimestampQueuesOnExhaustion(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a", "tsa-b")
	env.adapter.fail["tsa-a"] = fmt.Errorf("connection refused")
	env.adapter.fail["tsa-b"] = fmt.Errorf("connection refused")
	ctx := context.Background()

	out, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if !out.Queued {
		t.Fatal("Expected request to be queued")
	}
	pending, err := env.backlog.Pending(ctx, out.RequestID)
	if err != nil || !pending {
		t.Errorf("Expected entry in backlog: pending=%v err=%v", pending, err)
	}

	recs, _ := env.recorder.FindByRequest(ctx, out.RequestID)
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeQueued {
		t.Errorf("Expected queued audit record, got %v", recs)
	}
}

// TestTimestampQueueOverflow tests backpressure once the tenant partition
// is full.
func TestTimestampQueueOverflow(t *testing.T) {
	env := newTestEnv(t, 1, "tsa-a")
	env.adapter.fail["tsa-a"] = fmt.Errorf("connection refused")
	ctx := context.Background()

	if out, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256"); err != nil || !out.Queued {
		t.Fatalf("First request should queue: out=%v err=%v", out, err)
	}

	_, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	f, ok := tsa.AsFault(err)
	if !ok {
		t.Fatalf("Expected *Fault, got %v", err)
	}
	if f.Kind != tsa.FaultQueueOverflow {
		t.Errorf("Expected QueueOverflow, got %s", f.Kind)
	}
}

// TestRedispatchDrainedEntry tests the drain path end to end: a queued
// entry replayed once the provider is back yields a stored result under
// the original request ID.
func TestRedispatchDrainedEntry(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a")
	env.adapter.fail["tsa-a"] = fmt.Errorf("connection refused")
	ctx := context.Background()

	out, err := env.ctrl.Timestamp(ctx, env.tenant, testDigest(), "sha-256")
	if err != nil || !out.Queued {
		t.Fatalf("Expected queued request: out=%v err=%v", out, err)
	}

	delete(env.adapter.fail, "tsa-a")
	entries, err := env.backlog.Claim(ctx, env.tenant, 1, time.Minute)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Claim: got %d entries, err %v", len(entries), err)
	}

	if err := env.ctrl.Redispatch(ctx, entries[0]); err != nil {
		t.Fatalf("Redispatch: %v", err)
	}

	stored, err := env.results.Get(ctx, out.RequestID)
	if err != nil {
		t.Fatalf("Expected result under the original request ID: %v", err)
	}
	if stored.TenantID != env.tenant {
		t.Errorf("Expected tenant %s, got %s", env.tenant, stored.TenantID)
	}
}

// TestRedispatchRetryableClassification tests the Redispatcher contract
// the drainer relies on.
func TestRedispatchRetryableClassification(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a")

	transport := tsa.NewFault(tsa.FaultTransport, "", "tsa-a", nil, fmt.Errorf("refused"))
	if !env.ctrl.Retryable(transport) {
		t.Error("Transport faults should be retryable")
	}
	policyFault := tsa.NewFault(tsa.FaultPolicy, "chain", "tsa-a", nil, fmt.Errorf("untrusted"))
	if env.ctrl.Retryable(policyFault) {
		t.Error("Policy faults must not be retryable")
	}
	if !env.ctrl.Retryable(fmt.Errorf("opaque")) {
		t.Error("Unknown errors should default to retryable")
	}
}

// TestTimestampUnknownTenant tests that a tenant without a policy is
// refused outright.
func TestTimestampUnknownTenant(t *testing.T) {
	env := newTestEnv(t, 5, "tsa-a")
	_, err := env.ctrl.Timestamp(context.Background(), types.NewID(), testDigest(), "sha-256")
	if err == nil {
		t.Fatal("Expected error for unknown tenant")
	}
}
