// Package health tracks per-provider availability with active probes and
// passive traffic reports. State transitions are asymmetric: going down is
// quick, coming back requires a sustained streak of good probes.
package health

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/shared/metrics"
)

// State is a provider's current availability.
type State int

const (
	StateDown State = iota
	StateDegraded
	StateHealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	default:
		return "down"
	}
}

const latencyRingSize = 64

// Snapshot is an immutable view of a provider's health, published with
// copy-on-write so readers never block probers.
type Snapshot struct {
	ProviderID           string        `json:"provider_id"`
	State                State         `json:"-"`
	StateName            string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastProbe            time.Time     `json:"last_probe"`
	LastError            string        `json:"last_error,omitempty"`
	LatencyP50           time.Duration `json:"latency_p50_ns"`
	LatencyP95           time.Duration `json:"latency_p95_ns"`
	LatencyP99           time.Duration `json:"latency_p99_ns"`
	ErrorRate            float64       `json:"error_rate"`
}

// Prober issues a single liveness check against a provider and reports
// how long it took.
type Prober interface {
	Probe(ctx context.Context, p *provider.Provider) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, p *provider.Provider) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context, p *provider.Provider) (time.Duration, error) {
	return f(ctx, p)
}

type entry struct {
	provider *provider.Provider

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastProbe    time.Time
	lastError    string
	latencies    [latencyRingSize]time.Duration
	latencyCount int
	latencyNext  int
	outcomes     [32]bool
	outcomeCount int
	outcomeNext  int

	snapshot atomic.Pointer[Snapshot]
}

// Monitor owns one probe loop per provider.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	threshold int
	logger    *slog.Logger

	entries   map[string]*entry
	recovered chan string
}

func NewMonitor(reg *provider.Registry, prober Prober, interval time.Duration, threshold int, logger *slog.Logger) *Monitor {
	m := &Monitor{
		prober:    prober,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		entries:   make(map[string]*entry),
		recovered: make(chan string, 16),
	}
	for _, p := range reg.All() {
		e := &entry{provider: p, state: StateHealthy}
		e.publish()
		m.entries[p.ID] = e
		metrics.RecordProviderHealth(p.ID, int(StateHealthy))
	}
	return m
}

// Start launches the probe loops. They stop when ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	for _, e := range m.entries {
		go m.probeLoop(ctx, e)
	}
}

// Recovered delivers provider IDs that completed a Down to Healthy
// transition. The queue drainer subscribes to this.
func (m *Monitor) Recovered() <-chan string {
	return m.recovered
}

// Snapshot returns the current view of one provider, or nil if unknown.
func (m *Monitor) Snapshot(providerID string) *Snapshot {
	e, ok := m.entries[providerID]
	if !ok {
		return nil
	}
	return e.snapshot.Load()
}

// Snapshots returns the current view of every monitored provider.
func (m *Monitor) Snapshots() []*Snapshot {
	out := make([]*Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot.Load())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Eligible filters the given provider IDs down to those currently usable
// and orders them Healthy before Degraded. Down providers are dropped.
func (m *Monitor) Eligible(ids []string) []string {
	healthy := make([]string, 0, len(ids))
	degraded := make([]string, 0, len(ids))
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		switch e.snapshot.Load().State {
		case StateHealthy:
			healthy = append(healthy, id)
		case StateDegraded:
			degraded = append(degraded, id)
		}
	}
	return append(healthy, degraded...)
}

// ReportFault marks traffic-observed trouble. A single fault moves a
// Healthy provider to Degraded so it sorts behind healthy peers, but only
// a probe streak can take it Down.
func (m *Monitor) ReportFault(providerID string, err error) {
	e, ok := m.entries[providerID]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = err.Error()
	e.recordOutcome(false)
	if e.state == StateHealthy {
		e.state = StateDegraded
		m.logger.Warn("provider degraded by traffic fault", "provider", providerID, "error", err)
		metrics.RecordProviderHealth(providerID, int(StateDegraded))
	}
	e.publish()
}

// ReportSuccess marks traffic-observed success and clears Degraded.
func (m *Monitor) ReportSuccess(providerID string, latency time.Duration) {
	e, ok := m.entries[providerID]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLatency(latency)
	e.recordOutcome(true)
	if e.state == StateDegraded {
		e.state = StateHealthy
		metrics.RecordProviderHealth(providerID, int(StateHealthy))
	}
	e.publish()
}

func (m *Monitor) probeLoop(ctx context.Context, e *entry) {
	// Jitter the first probe so loops do not fire in lockstep.
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rand.Int63n(int64(m.interval)))):
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.probeOnce(ctx, e)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, e *entry) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	latency, err := m.prober.Probe(probeCtx, e.provider)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastProbe = time.Now()

	if err != nil {
		metrics.RecordProbe(e.provider.ID, false)
		e.lastError = err.Error()
		e.failures++
		e.successes = 0
		e.recordOutcome(false)
		if e.state != StateDown && e.failures >= m.threshold {
			e.state = StateDown
			m.logger.Warn("provider down", "provider", e.provider.ID, "consecutive_failures", e.failures, "error", err)
			metrics.RecordProviderHealth(e.provider.ID, int(StateDown))
		}
		e.publish()
		return
	}

	metrics.RecordProbe(e.provider.ID, true)
	e.recordLatency(latency)
	e.recordOutcome(true)
	e.successes++
	e.failures = 0

	switch e.state {
	case StateDown:
		if e.successes >= m.threshold {
			e.state = StateHealthy
			m.logger.Info("provider recovered", "provider", e.provider.ID)
			metrics.RecordProviderHealth(e.provider.ID, int(StateHealthy))
			select {
			case m.recovered <- e.provider.ID:
			default:
			}
		}
	case StateDegraded:
		e.state = StateHealthy
		metrics.RecordProviderHealth(e.provider.ID, int(StateHealthy))
	}
	e.publish()
}

// entry helpers below assume e.mu is held.

func (e *entry) recordLatency(d time.Duration) {
	e.latencies[e.latencyNext] = d
	e.latencyNext = (e.latencyNext + 1) % latencyRingSize
	if e.latencyCount < latencyRingSize {
		e.latencyCount++
	}
}

func (e *entry) recordOutcome(ok bool) {
	e.outcomes[e.outcomeNext] = ok
	e.outcomeNext = (e.outcomeNext + 1) % len(e.outcomes)
	if e.outcomeCount < len(e.outcomes) {
		e.outcomeCount++
	}
}

func (e *entry) percentiles() (p50, p95, p99 time.Duration) {
	if e.latencyCount == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, e.latencyCount)
	copy(sorted, e.latencies[:e.latencyCount])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

func (e *entry) errorRate() float64 {
	if e.outcomeCount == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < e.outcomeCount; i++ {
		if !e.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(e.outcomeCount)
}

func (e *entry) publish() {
	p50, p95, p99 := e.percentiles()
	e.snapshot.Store(&Snapshot{
		ProviderID:           e.provider.ID,
		State:                e.state,
		StateName:            e.state.String(),
		ConsecutiveFailures:  e.failures,
		ConsecutiveSuccesses: e.successes,
		LastProbe:            e.lastProbe,
		LastError:            e.lastError,
		LatencyP50:           p50,
		LatencyP95:           p95,
		LatencyP99:           p99,
		ErrorRate:            e.errorRate(),
	})
}
