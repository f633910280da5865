// Package controller owns the timestamp request lifecycle: provider
// selection, hedged dispatch with failover, validation, and the handoff to
// the backpressure queue when no provider is usable.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/credlink/stampd/internal/audit"
	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/results"
	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/events"
	"github.com/credlink/stampd/internal/shared/metrics"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/tsa"
)

// Outcome is the caller-visible result of a timestamp request: either a
// validated token or a deferred-completion handle when the request was
// queued.
type Outcome struct {
	RequestID     types.ID            `json:"request_id"`
	Queued        bool                `json:"queued"`
	ProviderID    string              `json:"provider_id,omitempty"`
	PolicyVersion int                 `json:"policy_version"`
	Token         *tsa.TimestampToken `json:"token,omitempty"`
	Transcript    []tsa.CheckResult   `json:"transcript,omitempty"`
}

// Controller dispatches timestamp requests across redundant providers.
type Controller struct {
	policies  *policy.Store
	registry  *provider.Registry
	adapter   provider.Adapter
	validator *tsa.Validator
	monitor   *health.Monitor
	backlog   queue.Queue
	results   results.Store
	recorder  audit.Recorder
	cfg       config.TimestampConfig
	logger    *slog.Logger

	// bus, when set, receives lifecycle events for downstream consumers
	// (the signing service subscribes to completion events for queued
	// requests).
	bus *events.Bus
}

// SetBus enables lifecycle event publication.
func (c *Controller) SetBus(bus *events.Bus) {
	c.bus = bus
}

func New(
	policies *policy.Store,
	registry *provider.Registry,
	adapter provider.Adapter,
	validator *tsa.Validator,
	monitor *health.Monitor,
	backlog queue.Queue,
	resultStore results.Store,
	recorder audit.Recorder,
	cfg config.TimestampConfig,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		policies:  policies,
		registry:  registry,
		adapter:   adapter,
		validator: validator,
		monitor:   monitor,
		backlog:   backlog,
		results:   resultStore,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Timestamp obtains a validated token for the tenant's digest, failing
// over between providers as needed. When every eligible provider is down
// the request is queued and Outcome.Queued is set; the caller resolves the
// handle later via the results store.
func (c *Controller) Timestamp(ctx context.Context, tenantID types.ID, digest []byte, hashAlg string) (*Outcome, error) {
	start := time.Now()

	alg, err := tsa.HashByName(hashAlg)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	pol, err := c.policies.Current(tenantID)
	if err != nil {
		return nil, err
	}

	req, err := tsa.BuildRequest(pol, digest, alg)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	outcome, err := c.dispatch(ctx, req, pol, true)
	switch {
	case err != nil:
		metrics.RecordTimestampRequest(tenantID.String(), tsa.KindOf(err).String(), time.Since(start))
	case outcome.Queued:
		metrics.RecordTimestampRequest(tenantID.String(), "queued", time.Since(start))
	default:
		metrics.RecordTimestampRequest(tenantID.String(), "success", time.Since(start))
	}
	return outcome, err
}

// dispatch runs one hedged failover cycle. enqueueOnExhaustion is false on
// the drain path, where the entry is already queued and the drainer
// decides between release and dead-letter.
func (c *Controller) dispatch(ctx context.Context, req *tsa.TimestampRequest, pol *policy.TenantPolicy, enqueueOnExhaustion bool) (*Outcome, error) {
	providers := c.orderProviders(pol)
	if len(providers) == 0 {
		if !enqueueOnExhaustion {
			return nil, tsa.NewFault(tsa.FaultTransport, "", "", nil, errNoEligibleProviders)
		}
		return c.enqueue(ctx, req)
	}

	res := c.race(ctx, req, pol, providers)
	if res.err == nil {
		return c.accept(ctx, req, res)
	}

	kind := tsa.KindOf(res.err)
	if !kind.Retryable() {
		c.auditRejection(ctx, req, res)
		return nil, res.err
	}

	// Every eligible provider was exhausted by transport or protocol
	// faults.
	if !enqueueOnExhaustion {
		return nil, res.err
	}
	c.logger.Warn("all eligible providers exhausted, queueing request",
		"request_id", req.RequestID, "tenant", req.TenantID, "error", res.err)
	return c.enqueue(ctx, req)
}

var errNoEligibleProviders = fmt.Errorf("no eligible timestamp provider")

// orderProviders returns the providers the tenant trusts that are
// currently usable, lowest priority tier first, healthy before degraded
// within a tier.
func (c *Controller) orderProviders(pol *policy.TenantPolicy) []*provider.Provider {
	byTier := make(map[int][]string)
	var tiers []int
	for _, id := range pol.Providers {
		p, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		if _, seen := byTier[p.PriorityTier]; !seen {
			tiers = append(tiers, p.PriorityTier)
		}
		byTier[p.PriorityTier] = append(byTier[p.PriorityTier], id)
	}
	sort.Ints(tiers)

	var ordered []*provider.Provider
	for _, tier := range tiers {
		for _, id := range c.monitor.Eligible(byTier[tier]) {
			if p, ok := c.registry.Get(id); ok {
				ordered = append(ordered, p)
			}
		}
	}
	return ordered
}

func (c *Controller) accept(ctx context.Context, req *tsa.TimestampRequest, res *attemptResult) (*Outcome, error) {
	tok := res.token

	result := &results.Result{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		ProviderID:    res.providerID,
		SerialNumber:  tok.SerialNumber.String(),
		PolicyOID:     tok.PolicyOID.String(),
		GenTime:       tok.GenTime,
		PolicyVersion: req.PolicyVersion,
		Token:         tok.RawToken,
		CompletedAt:   time.Now().UTC(),
	}
	if err := c.results.Save(ctx, result); err != nil {
		c.logger.Error("failed to persist timestamp result", "request_id", req.RequestID, "error", err)
	}

	rec := audit.NewRecord(req.RequestID, req.TenantID, audit.OutcomeAccepted)
	rec.ProviderUsed = res.providerID
	rec.PolicyVersion = req.PolicyVersion
	rec.SerialNumber = tok.SerialNumber.String()
	rec.Transcript = res.transcript.Lines()
	c.appendAudit(ctx, rec)

	c.publish(ctx, "timestamp.completed", req, map[string]any{
		"provider_id":   res.providerID,
		"serial_number": tok.SerialNumber.String(),
		"gen_time":      tok.GenTime,
	})

	return &Outcome{
		RequestID:     req.RequestID,
		ProviderID:    res.providerID,
		PolicyVersion: req.PolicyVersion,
		Token:         tok,
		Transcript:    res.transcript.Results,
	}, nil
}

func (c *Controller) auditRejection(ctx context.Context, req *tsa.TimestampRequest, res *attemptResult) {
	rec := audit.NewRecord(req.RequestID, req.TenantID, audit.OutcomeRejected)
	rec.ProviderUsed = res.providerID
	rec.PolicyVersion = req.PolicyVersion
	rec.FaultKind = tsa.KindOf(res.err).String()
	if f, ok := tsa.AsFault(res.err); ok {
		rec.FailedCheck = f.Check
	}
	rec.Transcript = res.transcript.Lines()
	c.appendAudit(ctx, rec)
}

func (c *Controller) enqueue(ctx context.Context, req *tsa.TimestampRequest) (*Outcome, error) {
	entry := entryFromRequest(req)

	if err := c.backlog.Enqueue(ctx, entry); err != nil {
		if err == queue.ErrOverflow {
			metrics.RecordQueueOverflow(req.TenantID.String())
			rec := audit.NewRecord(req.RequestID, req.TenantID, audit.OutcomeOverflow)
			rec.PolicyVersion = req.PolicyVersion
			c.appendAudit(ctx, rec)
			return nil, tsa.NewFault(tsa.FaultQueueOverflow, "", "", nil, err)
		}
		return nil, errors.Wrap(err, "failed to queue request")
	}

	rec := audit.NewRecord(req.RequestID, req.TenantID, audit.OutcomeQueued)
	rec.PolicyVersion = req.PolicyVersion
	c.appendAudit(ctx, rec)

	c.publish(ctx, "timestamp.queued", req, nil)

	return &Outcome{
		RequestID:     req.RequestID,
		Queued:        true,
		PolicyVersion: req.PolicyVersion,
	}, nil
}

// publish emits a lifecycle event when a bus is wired. Failures are
// logged, never surfaced: event delivery is best-effort.
func (c *Controller) publish(ctx context.Context, eventType string, req *tsa.TimestampRequest, data map[string]any) {
	if c.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["request_id"] = req.RequestID
	evt := events.NewEvent(eventType, "controller", data).WithTenant(req.TenantID)
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.logger.Warn("failed to publish event", "type", eventType, "request_id", req.RequestID, "error", err)
	}
}

// Redispatch replays a queued entry through the normal dispatch path. The
// drainer acks, releases, or retires the entry based on the returned error.
func (c *Controller) Redispatch(ctx context.Context, e *queue.Entry) error {
	pol, err := c.policies.Current(e.TenantID)
	if err != nil {
		// A tenant removed while entries were queued is not retryable.
		return tsa.NewFault(tsa.FaultPolicy, "", "", nil, err)
	}

	req, err := requestFromEntry(e, pol.Version)
	if err != nil {
		return tsa.NewFault(tsa.FaultProtocol, "", "", nil, err)
	}

	_, err = c.dispatch(ctx, req, pol, false)
	return err
}

// Retryable implements queue.Redispatcher.
func (c *Controller) Retryable(err error) bool {
	return tsa.KindOf(err).Retryable()
}

// AuditDeadLetter records an entry retired from the backlog. Wired as the
// drainer's DeadLettered callback.
func (c *Controller) AuditDeadLetter(ctx context.Context, e *queue.Entry, reason string) {
	rec := audit.NewRecord(e.RequestID, e.TenantID, audit.OutcomeDeadLettered)
	rec.FaultKind = reason
	c.appendAudit(ctx, rec)
}

func (c *Controller) appendAudit(ctx context.Context, rec *audit.Record) {
	if err := c.recorder.Append(ctx, rec); err != nil {
		c.logger.Error("failed to append audit record",
			"request_id", rec.RequestID, "outcome", rec.Outcome, "error", err)
	}
}

func entryFromRequest(req *tsa.TimestampRequest) *queue.Entry {
	hint := ""
	if len(req.PolicyOIDHint) > 0 {
		hint = req.PolicyOIDHint.String()
	}
	return &queue.Entry{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		Digest:        req.Digest,
		HashAlgorithm: tsa.HashName(req.HashAlgorithm),
		Nonce:         req.Nonce.String(),
		PolicyOIDHint: hint,
		EnqueuedAt:    time.Now().UTC(),
	}
}

// requestFromEntry rebuilds the original request so the drained dispatch
// reuses the same nonce and request ID. Only the policy version is taken
// from the present: validation always runs against the tenant's currently
// effective policy.
func requestFromEntry(e *queue.Entry, policyVersion int) (*tsa.TimestampRequest, error) {
	alg, err := tsa.HashByName(e.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	nonce, ok := new(big.Int).SetString(e.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("malformed queued nonce %q", e.Nonce)
	}

	req := &tsa.TimestampRequest{
		RequestID:     e.RequestID,
		TenantID:      e.TenantID,
		HashAlgorithm: alg,
		Digest:        e.Digest,
		Nonce:         nonce,
		CertReq:       true,
		PolicyVersion: policyVersion,
		CreatedAt:     e.EnqueuedAt,
	}
	if e.PolicyOIDHint != "" {
		oid, err := tsa.ParseOID(e.PolicyOIDHint)
		if err != nil {
			return nil, err
		}
		req.PolicyOIDHint = oid
	}
	return req, nil
}
