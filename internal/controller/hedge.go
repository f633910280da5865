package controller

import (
	"context"
	"time"

	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/shared/metrics"
	"github.com/credlink/stampd/internal/tsa"
)

type attemptResult struct {
	providerID string
	token      *tsa.TimestampToken
	transcript *tsa.Transcript
	latency    time.Duration
	err        error
}

// race dispatches the request across the ordered provider list with
// hedging: the primary gets hedgeDelay of exclusive time, then one hedge
// is launched to the next provider. At most two attempts are in flight at
// any moment; further providers are reached only when a returned attempt
// carries a retryable fault. The first validated token wins and cancels
// the rest; policy and replay faults abort the whole race because no
// other provider can fix a deterministic trust failure.
func (c *Controller) race(ctx context.Context, req *tsa.TimestampRequest, pol *policy.TenantPolicy, providers []*provider.Provider) *attemptResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestDeadline)
	defer cancel()

	der, err := req.Marshal()
	if err != nil {
		return &attemptResult{err: tsa.NewFault(tsa.FaultProtocol, "", "", nil, err)}
	}

	results := make(chan *attemptResult, len(providers))
	next := 0
	pending := 0

	launch := func(hedged bool) {
		p := providers[next]
		if hedged {
			metrics.RecordHedge(p.ID)
		}
		next++
		pending++
		go func() {
			results <- c.attempt(ctx, der, req, pol, p)
		}()
	}
	launch(false)

	hedge := time.NewTimer(c.cfg.HedgeDelay)
	defer hedge.Stop()

	var last *attemptResult
	for {
		select {
		case <-ctx.Done():
			if last != nil {
				return last
			}
			return &attemptResult{err: tsa.NewFault(tsa.FaultTransport, "", "", nil, ctx.Err())}

		case <-hedge.C:
			// The timer fires once: one hedge on top of the primary.
			if next < len(providers) && pending < 2 {
				launch(true)
			}

		case res := <-results:
			pending--
			if res.err == nil {
				c.monitor.ReportSuccess(res.providerID, res.latency)
				return res
			}
			kind := tsa.KindOf(res.err)
			if !kind.Retryable() {
				return res
			}
			c.monitor.ReportFault(res.providerID, res.err)
			last = res
			if next < len(providers) && pending < 2 {
				launch(false)
			} else if pending == 0 {
				return last
			}
		}
	}
}

// attempt sends one marshaled request to one provider and validates the
// response. All classification happens here: transport errors from the
// adapter, everything else from the validator.
func (c *Controller) attempt(ctx context.Context, der []byte, req *tsa.TimestampRequest, pol *policy.TenantPolicy, p *provider.Provider) *attemptResult {
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	raw, err := c.adapter.Send(sendCtx, der, p)
	latency := time.Since(start)
	if err != nil {
		metrics.RecordProviderRequest(p.ID, "transport_error", latency)
		return &attemptResult{
			providerID: p.ID,
			latency:    latency,
			err:        tsa.NewFault(tsa.FaultTransport, "", p.ID, nil, err),
		}
	}

	token, transcript, err := c.validator.Validate(ctx, raw, req, pol, p.ID)
	if err != nil {
		metrics.RecordProviderRequest(p.ID, tsa.KindOf(err).String(), latency)
		return &attemptResult{
			providerID: p.ID,
			transcript: transcript,
			latency:    latency,
			err:        err,
		}
	}

	metrics.RecordProviderRequest(p.ID, "success", latency)
	return &attemptResult{
		providerID: p.ID,
		token:      token,
		transcript: transcript,
		latency:    latency,
	}
}
