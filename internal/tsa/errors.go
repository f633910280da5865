package tsa

import (
	"errors"
	"fmt"
)

// FaultKind classifies timestamp pipeline failures. Kinds decide routing:
// transport and protocol faults rotate to another provider, the rest
// surface to the caller untouched.
type FaultKind int

const (
	// FaultTransport is a network-level failure: connect error, timeout,
	// non-2xx status. Retried on an alternate provider.
	FaultTransport FaultKind = iota
	// FaultProtocol is a malformed or non-granted response from a provider
	// that did answer. Treated as a provider fault and retried elsewhere.
	FaultProtocol
	// FaultPolicy is a deterministic trust failure: untrusted anchor,
	// disallowed policy OID, weak hash binding. Never retried.
	FaultPolicy
	// FaultReplay is a duplicate serial number inside the dedupe window.
	// Never retried; logged as a security event.
	FaultReplay
	// FaultQueueOverflow is backpressure from a full tenant queue partition.
	FaultQueueOverflow
)

func (k FaultKind) String() string {
	switch k {
	case FaultTransport:
		return "TransportError"
	case FaultProtocol:
		return "ProtocolViolation"
	case FaultPolicy:
		return "PolicyViolation"
	case FaultReplay:
		return "ReplayDetected"
	case FaultQueueOverflow:
		return "QueueOverflow"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Retryable reports whether the controller may rotate to another provider.
func (k FaultKind) Retryable() bool {
	return k == FaultTransport || k == FaultProtocol
}

// Fault is the typed pipeline error. It carries the failed check and the
// full verification transcript for the audit log.
type Fault struct {
	Kind       FaultKind
	Check      string
	ProviderID string
	Transcript *Transcript
	Err        error
}

func (f *Fault) Error() string {
	msg := f.Kind.String()
	if f.Check != "" {
		msg += ": check " + f.Check
	}
	if f.ProviderID != "" {
		msg += " (provider " + f.ProviderID + ")"
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault creates a fault. Check and transcript are empty for transport
// errors raised before any validation ran.
func NewFault(kind FaultKind, check, providerID string, transcript *Transcript, err error) *Fault {
	return &Fault{Kind: kind, Check: check, ProviderID: providerID, Transcript: transcript, Err: err}
}

// AsFault extracts a *Fault from an error chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf returns the fault kind, defaulting unknown errors to transport so
// they stay retryable.
func KindOf(err error) FaultKind {
	if f, ok := AsFault(err); ok {
		return f.Kind
	}
	return FaultTransport
}

// Transcript records the outcome of every validation check, pass or fail,
// in evaluation order. It is attached to audit records verbatim.
type Transcript struct {
	Results []CheckResult
}

// CheckResult is one validator check outcome.
type CheckResult struct {
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func (t *Transcript) add(check string, ok bool, detail string) {
	t.Results = append(t.Results, CheckResult{Check: check, OK: ok, Detail: detail})
}

// Lines renders the transcript for audit storage.
func (t *Transcript) Lines() []string {
	if t == nil {
		return nil
	}
	lines := make([]string, 0, len(t.Results))
	for _, r := range t.Results {
		status := "pass"
		if !r.OK {
			status = "FAIL"
		}
		line := fmt.Sprintf("%s: %s", r.Check, status)
		if r.Detail != "" {
			line += " (" + r.Detail + ")"
		}
		lines = append(lines, line)
	}
	return lines
}
