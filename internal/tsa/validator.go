package tsa

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/shared/metrics"
)

// Check names as they appear in transcripts and audit records.
const (
	CheckParse      = "parse"
	CheckStatus     = "status"
	CheckImprint    = "imprint"
	CheckNonce      = "nonce"
	CheckPolicyOID  = "policy-oid"
	CheckGenTime    = "gen-time"
	CheckSerial     = "serial"
	CheckChain      = "chain"
	CheckEKU        = "eku"
	CheckESSBinding = "ess-binding"
)

// maxAccuracy bounds the declared accuracy interval. An accuracy wider
// than this makes the token useless as evidence and is always rejected.
const maxAccuracy = 24 * time.Hour

var oidExtensionEKU = asn1.ObjectIdentifier{2, 5, 29, 37}

// Validator verifies provider responses against the request that produced
// them and the tenant's effective policy. Every check is evaluated and
// recorded in the transcript even after one fails; the first failure
// determines the fault kind. Serial numbers are registered in the dedupe
// store only when all checks pass, so rejected tokens never poison the
// replay window.
type Validator struct {
	dedupe SerialDedupe
	window time.Duration
	now    func() time.Time
}

func NewValidator(dedupe SerialDedupe, window time.Duration) *Validator {
	return &Validator{dedupe: dedupe, window: window, now: time.Now}
}

// checkOutcome pairs a check with its fault classification.
type checkOutcome struct {
	check  string
	kind   FaultKind
	err    error
	detail string
}

// Validate runs the full verification of a raw provider response.
// On success it returns the parsed token and the transcript. On failure it
// returns the transcript and a *Fault whose kind reflects the first
// failing check.
func (v *Validator) Validate(ctx context.Context, raw []byte, req *TimestampRequest, pol *policy.TenantPolicy, providerID string) (*TimestampToken, *Transcript, error) {
	tr := &Transcript{}

	tok, err := ParseResponse(raw)
	if err != nil {
		tr.add(CheckParse, false, err.Error())
		metrics.RecordValidationFailure(providerID, CheckParse)
		return nil, tr, NewFault(FaultProtocol, CheckParse, providerID, tr, err)
	}
	tr.add(CheckParse, true, "response and token well-formed")

	var first *checkOutcome
	record := func(o checkOutcome) {
		if o.err == nil {
			tr.add(o.check, true, o.detail)
			return
		}
		tr.add(o.check, false, o.err.Error())
		metrics.RecordValidationFailure(providerID, o.check)
		if first == nil {
			c := o
			first = &c
		}
	}

	record(v.checkStatus(tok))
	record(v.checkImprint(tok, req))
	record(v.checkNonce(tok, req))
	record(v.checkPolicyOID(tok, pol))
	record(v.checkGenTime(tok, pol))
	record(v.checkSerial(ctx, tok, providerID))

	signer, chainOutcome := v.checkChain(tok, pol)
	record(chainOutcome)
	record(v.checkEKU(signer))
	record(v.checkESSBinding(tok, signer, pol))

	if first != nil {
		return nil, tr, NewFault(first.kind, first.check, providerID, tr, first.err)
	}

	// All checks passed. Claim the serial atomically so that two racing
	// validations of the same token cannot both be accepted.
	ok, err := v.dedupe.Register(ctx, providerID, tok.SerialNumber.String(), v.window)
	if err != nil {
		return nil, tr, NewFault(FaultTransport, CheckSerial, providerID, tr, fmt.Errorf("serial registry: %w", err))
	}
	if !ok {
		err := fmt.Errorf("serial %s already accepted for provider %s", tok.SerialNumber, providerID)
		tr.add(CheckSerial, false, err.Error())
		metrics.RecordReplayDetected(providerID)
		return nil, tr, NewFault(FaultReplay, CheckSerial, providerID, tr, err)
	}

	return tok, tr, nil
}

func (v *Validator) checkStatus(tok *TimestampToken) checkOutcome {
	if !tok.Granted() {
		return checkOutcome{
			check: CheckStatus,
			kind:  FaultProtocol,
			err:   fmt.Errorf("status %d (%s), want granted", tok.Status, tok.StatusString),
		}
	}
	return checkOutcome{check: CheckStatus, detail: "granted"}
}

func (v *Validator) checkImprint(tok *TimestampToken, req *TimestampRequest) checkOutcome {
	if tok.HashAlgorithm != req.HashAlgorithm {
		return checkOutcome{
			check: CheckImprint,
			kind:  FaultProtocol,
			err:   fmt.Errorf("imprint algorithm %v does not match request %v", tok.HashAlgorithm, req.HashAlgorithm),
		}
	}
	if !bytes.Equal(tok.HashedMessage, req.Digest) {
		return checkOutcome{
			check: CheckImprint,
			kind:  FaultProtocol,
			err:   fmt.Errorf("imprint digest does not match request"),
		}
	}
	return checkOutcome{check: CheckImprint, detail: "imprint matches request"}
}

func (v *Validator) checkNonce(tok *TimestampToken, req *TimestampRequest) checkOutcome {
	if tok.NonceEcho == nil || req.Nonce == nil || tok.NonceEcho.Cmp(req.Nonce) != 0 {
		return checkOutcome{
			check: CheckNonce,
			kind:  FaultProtocol,
			err:   fmt.Errorf("nonce echo does not match request nonce"),
		}
	}
	return checkOutcome{check: CheckNonce, detail: "nonce echoed"}
}

func (v *Validator) checkPolicyOID(tok *TimestampToken, pol *policy.TenantPolicy) checkOutcome {
	if !pol.AllowsPolicyOID(tok.PolicyOID) {
		return checkOutcome{
			check: CheckPolicyOID,
			kind:  FaultPolicy,
			err:   fmt.Errorf("policy OID %s not in tenant allow-list", tok.PolicyOID),
		}
	}
	return checkOutcome{check: CheckPolicyOID, detail: fmt.Sprintf("policy OID %s allowed", tok.PolicyOID)}
}

func (v *Validator) checkGenTime(tok *TimestampToken, pol *policy.TenantPolicy) checkOutcome {
	if tok.GenTime.IsZero() {
		return checkOutcome{check: CheckGenTime, kind: FaultProtocol, err: fmt.Errorf("genTime missing")}
	}
	if tok.Accuracy < 0 {
		return checkOutcome{check: CheckGenTime, kind: FaultProtocol, err: fmt.Errorf("negative accuracy %v", tok.Accuracy)}
	}
	if tok.Accuracy >= maxAccuracy {
		return checkOutcome{check: CheckGenTime, kind: FaultProtocol, err: fmt.Errorf("accuracy %v exceeds %v bound", tok.Accuracy, maxAccuracy)}
	}
	if pol.RequireAccuracy && tok.Accuracy == 0 {
		return checkOutcome{check: CheckGenTime, kind: FaultProtocol, err: fmt.Errorf("accuracy missing but required by tenant policy")}
	}
	return checkOutcome{check: CheckGenTime, detail: fmt.Sprintf("genTime %s accuracy %v", tok.GenTime.UTC().Format(time.RFC3339), tok.Accuracy)}
}

func (v *Validator) checkSerial(ctx context.Context, tok *TimestampToken, providerID string) checkOutcome {
	seen, err := v.dedupe.Seen(ctx, providerID, tok.SerialNumber.String())
	if err != nil {
		return checkOutcome{check: CheckSerial, kind: FaultTransport, err: fmt.Errorf("serial registry: %w", err)}
	}
	if seen {
		metrics.RecordReplayDetected(providerID)
		return checkOutcome{
			check: CheckSerial,
			kind:  FaultReplay,
			err:   fmt.Errorf("serial %s already seen for provider %s within dedupe window", tok.SerialNumber, providerID),
		}
	}
	return checkOutcome{check: CheckSerial, detail: fmt.Sprintf("serial %s fresh", tok.SerialNumber)}
}

// checkChain verifies the CMS signature and that the chain terminates at a
// tenant trust anchor. The ambient system pool is never consulted. It also
// returns the signer certificate for the EKU and ESS checks.
func (v *Validator) checkChain(tok *TimestampToken, pol *policy.TenantPolicy) (*x509.Certificate, checkOutcome) {
	p7, err := pkcs7.Parse(tok.RawToken)
	if err != nil {
		return nil, checkOutcome{check: CheckChain, kind: FaultProtocol, err: fmt.Errorf("token CMS parse: %w", err)}
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, checkOutcome{check: CheckChain, kind: FaultProtocol, err: fmt.Errorf("token has no single signer certificate")}
	}
	anchors := pol.TrustAnchors()
	if anchors == nil {
		return signer, checkOutcome{check: CheckChain, kind: FaultPolicy, err: fmt.Errorf("tenant policy has no trust anchors")}
	}
	if err := p7.VerifyWithChain(anchors); err != nil {
		return signer, checkOutcome{check: CheckChain, kind: FaultPolicy, err: fmt.Errorf("chain does not terminate at a tenant trust anchor: %w", err)}
	}
	return signer, checkOutcome{check: CheckChain, detail: fmt.Sprintf("chain verified, signer %s", signer.Subject.CommonName)}
}

func (v *Validator) checkEKU(signer *x509.Certificate) checkOutcome {
	if signer == nil {
		return checkOutcome{check: CheckEKU, kind: FaultPolicy, err: fmt.Errorf("no signer certificate available")}
	}
	hasTimestamping := false
	for _, eku := range signer.ExtKeyUsage {
		if eku == x509.ExtKeyUsageTimeStamping {
			hasTimestamping = true
			break
		}
	}
	if !hasTimestamping {
		return checkOutcome{check: CheckEKU, kind: FaultPolicy, err: fmt.Errorf("signer certificate lacks id-kp-timeStamping")}
	}
	critical := false
	for _, ext := range signer.Extensions {
		if ext.Id.Equal(oidExtensionEKU) {
			critical = ext.Critical
			break
		}
	}
	if !critical {
		return checkOutcome{check: CheckEKU, kind: FaultPolicy, err: fmt.Errorf("extended key usage extension is not marked critical")}
	}
	return checkOutcome{check: CheckEKU, detail: "critical id-kp-timeStamping present"}
}

func (v *Validator) checkESSBinding(tok *TimestampToken, signer *x509.Certificate, pol *policy.TenantPolicy) checkOutcome {
	binding, err := parseESSBinding(tok.RawToken)
	if err != nil {
		return checkOutcome{check: CheckESSBinding, kind: FaultProtocol, err: fmt.Errorf("signing-certificate attribute: %w", err)}
	}
	bits := binding.HashBits()
	if bits == 0 {
		return checkOutcome{check: CheckESSBinding, kind: FaultPolicy, err: fmt.Errorf("unrecognized binding digest algorithm %v", binding.hashOID)}
	}
	if bits < pol.MinimumHashBits {
		return checkOutcome{
			check: CheckESSBinding,
			kind:  FaultPolicy,
			err:   fmt.Errorf("binding digest strength %d bits below tenant minimum %d", bits, pol.MinimumHashBits),
		}
	}
	if signer == nil {
		return checkOutcome{check: CheckESSBinding, kind: FaultPolicy, err: fmt.Errorf("no signer certificate to bind")}
	}
	if !binding.MatchesCert(signer) {
		return checkOutcome{check: CheckESSBinding, kind: FaultPolicy, err: fmt.Errorf("binding digest does not match signer certificate")}
	}
	return checkOutcome{check: CheckESSBinding, detail: fmt.Sprintf("binding verified at %d bits", bits)}
}
