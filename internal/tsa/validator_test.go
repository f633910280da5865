package tsa

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/tsa/tsatest"
)

func testSigner(t *testing.T, opts ...tsatest.Option) *tsatest.Signer {
	t.Helper()
	s, err := tsatest.NewSigner("Test TSA", opts...)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func testPolicy(t *testing.T, s *tsatest.Signer) *policy.TenantPolicy {
	t.Helper()
	pol := &policy.TenantPolicy{
		TenantID:          types.NewID(),
		Version:           1,
		AllowedPolicyOIDs: []string{"1.3.6.1.4.1.57264.2.1"},
		TrustAnchorsPEM:   []string{s.CertPEM()},
		MinimumHashBits:   256,
		Providers:         []string{"tsa-a"},
	}
	if err := pol.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return pol
}

// roundTrip builds a request for the policy, signs it, and validates the
// response, returning everything a test needs to inspect.
func roundTrip(t *testing.T, s *tsatest.Signer, pol *policy.TenantPolicy, v *Validator) (*TimestampToken, *Transcript, error) {
	t.Helper()
	digest := sha256.Sum256([]byte("document under test"))
	req, err := BuildRequest(pol, digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	der, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	raw, err := s.Respond(der)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	return v.Validate(context.Background(), raw, req, pol, "tsa-a")
}

// TestValidateAccepted tests that a well-formed granted token passes every
// check and yields a complete transcript.
func TestValidateAccepted(t *testing.T) {
	s := testSigner(t)
	pol := testPolicy(t, s)
	v := NewValidator(NewMemoryDedupe(), time.Hour)

	tok, tr, err := roundTrip(t, s, pol, v)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tok == nil || !tok.Granted() {
		t.Fatal("Expected granted token")
	}
	if tok.SerialNumber == nil {
		t.Error("Expected serial number on accepted token")
	}

	if len(tr.Results) != 10 {
		t.Fatalf("Expected 10 transcript entries, got %d", len(tr.Results))
	}
	for _, r := range tr.Results {
		if !r.OK {
			t.Errorf("Check %s failed on a valid token: %s", r.Check, r.Detail)
		}
	}
}

// TestValidateFailureKinds tests that each corrupted response field maps to
// the right failing check and fault kind.
func TestValidateFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		configure func(s *tsatest.Signer, pol *policy.TenantPolicy)
		wantCheck string
		wantKind  FaultKind
	}{
		{
			name:      "mangled imprint",
			configure: func(s *tsatest.Signer, _ *policy.TenantPolicy) { s.MangleImprint = true },
			wantCheck: CheckImprint,
			wantKind:  FaultProtocol,
		},
		{
			name:      "mangled nonce",
			configure: func(s *tsatest.Signer, _ *policy.TenantPolicy) { s.MangleNonce = true },
			wantCheck: CheckNonce,
			wantKind:  FaultProtocol,
		},
		{
			name:      "dropped nonce",
			configure: func(s *tsatest.Signer, _ *policy.TenantPolicy) { s.DropNonce = true },
			wantCheck: CheckNonce,
			wantKind:  FaultProtocol,
		},
		{
			name: "policy OID outside allow-list",
			configure: func(s *tsatest.Signer, _ *policy.TenantPolicy) {
				s.Policy = asn1.ObjectIdentifier{1, 2, 3, 4, 5}
			},
			wantCheck: CheckPolicyOID,
			wantKind:  FaultPolicy,
		},
		{
			name:      "rejected status",
			configure: func(s *tsatest.Signer, _ *policy.TenantPolicy) { s.RejectAll = true },
			wantCheck: CheckStatus,
			wantKind:  FaultProtocol,
		},
		{
			name: "accuracy beyond bound",
			configure: func(s *tsatest.Signer, _ *policy.TenantPolicy) {
				s.Accuracy = 25 * time.Hour
			},
			wantCheck: CheckGenTime,
			wantKind:  FaultProtocol,
		},
		{
			name: "binding below tenant minimum",
			configure: func(_ *tsatest.Signer, pol *policy.TenantPolicy) {
				pol.MinimumHashBits = 384
			},
			wantCheck: CheckESSBinding,
			wantKind:  FaultPolicy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSigner(t)
			pol := testPolicy(t, s)
			tt.configure(s, pol)
			v := NewValidator(NewMemoryDedupe(), time.Hour)

			tok, tr, err := roundTrip(t, s, pol, v)
			if err == nil {
				t.Fatal("Expected validation failure")
			}
			if tok != nil {
				t.Error("Expected nil token on failure")
			}
			f, ok := AsFault(err)
			if !ok {
				t.Fatalf("Expected *Fault, got %T: %v", err, err)
			}
			if f.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s", tt.wantKind, f.Kind)
			}
			if f.Check != tt.wantCheck {
				t.Errorf("Expected failing check %q, got %q", tt.wantCheck, f.Check)
			}
			if tr == nil || len(tr.Results) == 0 {
				t.Fatal("Expected transcript on failure")
			}
		})
	}
}

// TestValidateTranscriptComplete tests that a failing check does not stop
// evaluation: the transcript still covers every check.
func TestValidateTranscriptComplete(t *testing.T) {
	s := testSigner(t)
	pol := testPolicy(t, s)
	s.MangleImprint = true
	v := NewValidator(NewMemoryDedupe(), time.Hour)

	_, tr, err := roundTrip(t, s, pol, v)
	if err == nil {
		t.Fatal("Expected validation failure")
	}
	if len(tr.Results) != 10 {
		t.Fatalf("Expected 10 transcript entries, got %d", len(tr.Results))
	}

	failed := map[string]bool{}
	for _, r := range tr.Results {
		if !r.OK {
			failed[r.Check] = true
		}
	}
	if !failed[CheckImprint] {
		t.Error("Expected imprint check to fail")
	}
	// The first failure decides the fault kind even when later checks also fail.
	f, _ := AsFault(err)
	if f.Check != CheckImprint {
		t.Errorf("Expected first failure %q, got %q", CheckImprint, f.Check)
	}
}

// TestValidateUntrustedChain tests that a token signed outside the tenant's
// anchors is a policy fault.
func TestValidateUntrustedChain(t *testing.T) {
	s := testSigner(t)
	other := testSigner(t)
	pol := testPolicy(t, other)
	v := NewValidator(NewMemoryDedupe(), time.Hour)

	_, _, err := roundTrip(t, s, pol, v)
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("Expected *Fault, got %v", err)
	}
	if f.Kind != FaultPolicy {
		t.Errorf("Expected PolicyViolation, got %s", f.Kind)
	}
	if f.Check != CheckChain {
		t.Errorf("Expected failing check %q, got %q", CheckChain, f.Check)
	}
}

// TestValidateNonCriticalEKU tests that a signer whose extended key usage
// extension is not marked critical is rejected.
func TestValidateNonCriticalEKU(t *testing.T) {
	s := testSigner(t, tsatest.WithNonCriticalEKU())
	pol := testPolicy(t, s)
	v := NewValidator(NewMemoryDedupe(), time.Hour)

	_, _, err := roundTrip(t, s, pol, v)
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("Expected *Fault, got %v", err)
	}
	if f.Kind != FaultPolicy || f.Check != CheckEKU {
		t.Errorf("Expected PolicyViolation on eku, got %s on %q", f.Kind, f.Check)
	}
}

// TestValidateReplayedSerial tests that a serial reused within the dedupe
// window is a replay fault and that the first acceptance registered it.
func TestValidateReplayedSerial(t *testing.T) {
	s := testSigner(t)
	s.FixedSerial = big.NewInt(424242)
	pol := testPolicy(t, s)
	v := NewValidator(NewMemoryDedupe(), time.Hour)

	tok, _, err := roundTrip(t, s, pol, v)
	if err != nil {
		t.Fatalf("First validation: %v", err)
	}
	if tok.SerialNumber.Cmp(big.NewInt(424242)) != 0 {
		t.Fatalf("Signer did not honor the pinned serial, got %s", tok.SerialNumber)
	}

	_, _, err = roundTrip(t, s, pol, v)
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("Expected *Fault, got %v", err)
	}
	if f.Kind != FaultReplay {
		t.Errorf("Expected ReplayDetected, got %s", f.Kind)
	}
	if f.Check != CheckSerial {
		t.Errorf("Expected failing check %q, got %q", CheckSerial, f.Check)
	}
}

// TestValidateRejectedSerialNotRegistered tests that a token failing
// validation does not claim its serial: a later clean token with the same
// serial is still accepted.
func TestValidateRejectedSerialNotRegistered(t *testing.T) {
	s := testSigner(t)
	s.FixedSerial = big.NewInt(7)
	pol := testPolicy(t, s)
	v := NewValidator(NewMemoryDedupe(), time.Hour)

	s.MangleImprint = true
	if _, _, err := roundTrip(t, s, pol, v); err == nil {
		t.Fatal("Expected validation failure")
	}

	s.MangleImprint = false
	tok, _, err := roundTrip(t, s, pol, v)
	if err != nil {
		t.Fatalf("Clean token after rejected one should be accepted: %v", err)
	}
	if tok.SerialNumber.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("Expected the reissued serial 7, got %s", tok.SerialNumber)
	}
}

// TestValidateGarbageResponse tests that undecodable bytes fail at parse.
func TestValidateGarbageResponse(t *testing.T) {
	s := testSigner(t)
	pol := testPolicy(t, s)
	s.RawResponse = []byte("not DER at all")
	v := NewValidator(NewMemoryDedupe(), time.Hour)

	_, tr, err := roundTrip(t, s, pol, v)
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("Expected *Fault, got %v", err)
	}
	if f.Kind != FaultProtocol || f.Check != CheckParse {
		t.Errorf("Expected ProtocolViolation on parse, got %s on %q", f.Kind, f.Check)
	}
	if len(tr.Results) != 1 {
		t.Errorf("Expected transcript with only the parse entry, got %d", len(tr.Results))
	}
}
