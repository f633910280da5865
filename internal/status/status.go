// Package status exposes a read-only operational view: provider health,
// latencies and error rates, per-tenant backlog depth with a drain
// estimate, and SLO compliance over a sliding window.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/queue"
)

// SLOTracker counts request outcomes over a sliding window of buckets.
type SLOTracker struct {
	mu      sync.Mutex
	buckets [60]sloBucket
	target  float64
}

type sloBucket struct {
	minute  int64
	total   int64
	success int64
}

// NewSLOTracker tracks compliance against a success-ratio target, e.g.
// 0.999 for three nines over the last hour.
func NewSLOTracker(target float64) *SLOTracker {
	return &SLOTracker{target: target}
}

// Observe records one request outcome. Queued counts as success: the
// caller got a usable handle.
func (t *SLOTracker) Observe(success bool) {
	now := time.Now().Unix() / 60
	idx := now % int64(len(t.buckets))

	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	if b.minute != now {
		b.minute = now
		b.total = 0
		b.success = 0
	}
	b.total++
	if success {
		b.success++
	}
}

// Compliance returns the success ratio over the window and whether it
// meets the target.
func (t *SLOTracker) Compliance() (ratio float64, met bool, total int64) {
	now := time.Now().Unix() / 60
	horizon := now - int64(len(t.buckets))

	t.mu.Lock()
	defer t.mu.Unlock()
	var success int64
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.minute <= horizon {
			continue
		}
		total += b.total
		success += b.success
	}
	if total == 0 {
		return 1, true, 0
	}
	ratio = float64(success) / float64(total)
	return ratio, ratio >= t.target, total
}

// Handler serves the status endpoints.
type Handler struct {
	monitor *health.Monitor
	backlog queue.Queue
	slo     *SLOTracker
	started time.Time

	// drainRate is entries per second observed during the last drain,
	// used for the ETA estimate. Zero means no drain has run yet.
	drainRate atomic.Uint64
}

func NewHandler(monitor *health.Monitor, backlog queue.Queue, slo *SLOTracker) *Handler {
	return &Handler{
		monitor: monitor,
		backlog: backlog,
		slo:     slo,
		started: time.Now(),
	}
}

// ObserveDrainRate updates the drain throughput estimate.
func (h *Handler) ObserveDrainRate(entriesPerSecond float64) {
	if entriesPerSecond > 0 {
		h.drainRate.Store(uint64(entriesPerSecond * 1000))
	}
}

// Routes registers the status routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Status)
	r.Get("/providers", h.Providers)
	r.Get("/queue", h.Queue)
	return r
}

// Status returns the full operational summary
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ratio, met, total := h.slo.Compliance()

	depths, totalDepth, err := h.backlog.Depth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read queue depth"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"providers":      h.monitor.Snapshots(),
		"queue": map[string]any{
			"total_depth": totalDepth,
			"by_tenant":   depths,
			"drain_eta":   h.drainETA(totalDepth).String(),
		},
		"slo": map[string]any{
			"success_ratio": ratio,
			"target_met":    met,
			"window_total":  total,
		},
	})
}

// Providers returns per-provider health snapshots
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.monitor.Snapshots()})
}

// Queue returns backlog depth per tenant and the drain estimate
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	depths, total, err := h.backlog.Depth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read queue depth"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_depth": total,
		"by_tenant":   depths,
		"drain_eta":   h.drainETA(total).String(),
	})
}

// drainETA estimates time to empty the backlog at the last observed drain
// rate. Zero depth or an unknown rate yields zero.
func (h *Handler) drainETA(depth int) time.Duration {
	if depth == 0 {
		return 0
	}
	milli := h.drainRate.Load()
	if milli == 0 {
		return 0
	}
	perSecond := float64(milli) / 1000
	return time.Duration(float64(depth) / perSecond * float64(time.Second))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
