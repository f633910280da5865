package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/credlink/stampd/internal/shared/metrics"
)

// Redispatcher replays a queued entry through the normal dispatch path.
// A nil error means the entry produced a token and can be acked. Retryable
// reports whether a failed entry should go back to the backlog or straight
// to the dead-letter table.
type Redispatcher interface {
	Redispatch(ctx context.Context, e *Entry) error
	Retryable(err error) bool
}

// DrainerConfig bounds a drain cycle.
type DrainerConfig struct {
	Lease        time.Duration
	MaxRetries   int
	Parallelism  int
	MaxRetention time.Duration
	// SweepInterval forces retention expiry even when no provider
	// recovers for a long stretch.
	SweepInterval time.Duration
}

// Drainer empties the backlog when the health monitor reports a provider
// recovery. Tenants are serviced round-robin, one claim per tenant per
// round, so a tenant with a deep backlog cannot starve the others.
type Drainer struct {
	queue      Queue
	dispatcher Redispatcher
	recovered  <-chan string
	cfg        DrainerConfig
	logger     *slog.Logger

	// DeadLettered, when set, observes every retired entry so audit
	// records can be written for them.
	DeadLettered func(ctx context.Context, e *Entry, reason string)

	// RateObserver, when set, receives the drain throughput in entries
	// per second after each cycle. The status exporter uses it for ETA
	// estimates.
	RateObserver func(entriesPerSecond float64)
}

func NewDrainer(q Queue, dispatcher Redispatcher, recovered <-chan string, cfg DrainerConfig, logger *slog.Logger) *Drainer {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Drainer{
		queue:      q,
		dispatcher: dispatcher,
		recovered:  recovered,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start runs the drain loop until ctx is canceled.
func (d *Drainer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case providerID := <-d.recovered:
				d.logger.Info("draining backlog after provider recovery", "provider", providerID)
				d.Drain(ctx)
			case <-ticker.C:
				d.sweepRetention(ctx)
			}
		}
	}()
}

// Drain runs rounds until the backlog has no claimable entries. Each round
// claims one entry per tenant and redispatches them with bounded
// parallelism.
func (d *Drainer) Drain(ctx context.Context) {
	d.sweepRetention(ctx)

	start := time.Now()
	total := 0
	defer func() {
		if d.RateObserver == nil || total == 0 {
			return
		}
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			d.RateObserver(float64(total) / elapsed)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		tenants, err := d.queue.Tenants(ctx)
		if err != nil {
			d.logger.Error("failed to list backlog tenants", "error", err)
			return
		}
		if len(tenants) == 0 {
			d.reportDepth(ctx)
			return
		}

		sem := make(chan struct{}, d.cfg.Parallelism)
		var wg sync.WaitGroup
		dispatched := 0

		for _, tenantID := range tenants {
			entries, err := d.queue.Claim(ctx, tenantID, 1, d.cfg.Lease)
			if err != nil {
				d.logger.Error("failed to claim backlog entry", "tenant", tenantID, "error", err)
				continue
			}
			for _, e := range entries {
				dispatched++
				total++
				wg.Add(1)
				sem <- struct{}{}
				go func(e *Entry) {
					defer wg.Done()
					defer func() { <-sem }()
					d.redispatch(ctx, e)
				}(e)
			}
		}
		wg.Wait()

		if dispatched == 0 {
			// Claimable tenants but nothing claimed means live leases
			// held elsewhere. Back off rather than spin.
			d.reportDepth(ctx)
			return
		}
	}
}

func (d *Drainer) redispatch(ctx context.Context, e *Entry) {
	err := d.dispatcher.Redispatch(ctx, e)
	if err == nil {
		if ackErr := d.queue.Ack(ctx, e.RequestID); ackErr != nil {
			d.logger.Error("failed to ack drained entry", "request_id", e.RequestID, "error", ackErr)
			return
		}
		metrics.RecordQueueDrained("success")
		return
	}

	if !d.dispatcher.Retryable(err) {
		d.retire(ctx, e, "non-retryable fault: "+err.Error())
		return
	}
	if e.RetryCount+1 >= d.cfg.MaxRetries {
		d.retire(ctx, e, "retry budget exhausted")
		return
	}
	if relErr := d.queue.Release(ctx, e.RequestID); relErr != nil {
		d.logger.Error("failed to release backlog entry", "request_id", e.RequestID, "error", relErr)
	}
}

func (d *Drainer) retire(ctx context.Context, e *Entry, reason string) {
	if err := d.queue.Retire(ctx, e.RequestID, reason); err != nil {
		d.logger.Error("failed to dead-letter entry", "request_id", e.RequestID, "error", err)
		return
	}
	metrics.RecordDeadLetter(e.TenantID.String())
	d.logger.Warn("backlog entry dead-lettered", "request_id", e.RequestID, "tenant", e.TenantID, "reason", reason)
	if d.DeadLettered != nil {
		d.DeadLettered(ctx, e, reason)
	}
}

func (d *Drainer) sweepRetention(ctx context.Context) {
	expired, err := d.queue.ExpireRetention(ctx, d.cfg.MaxRetention)
	if err != nil {
		d.logger.Error("failed to expire backlog retention", "error", err)
		return
	}
	for _, e := range expired {
		metrics.RecordDeadLetter(e.TenantID.String())
		d.logger.Warn("backlog entry expired", "request_id", e.RequestID, "tenant", e.TenantID, "age", time.Since(e.EnqueuedAt))
		if d.DeadLettered != nil {
			d.DeadLettered(ctx, e, "retention exceeded")
		}
	}
	d.reportDepth(ctx)
}

func (d *Drainer) reportDepth(ctx context.Context) {
	depths, _, err := d.queue.Depth(ctx)
	if err != nil {
		return
	}
	for tenant, n := range depths {
		metrics.RecordQueueDepth(tenant.String(), n)
	}
}
