// Package tsa builds RFC 3161 timestamp requests and validates the tokens
// that come back against the originating request and the tenant's trust
// policy.
package tsa

import (
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/digitorus/timestamp"
)

// TimestampRequest is an immutable, fully built request: the digest to
// bind, a fresh nonce, and the tenant context the eventual token will be
// validated under.
type TimestampRequest struct {
	RequestID     types.ID
	TenantID      types.ID
	HashAlgorithm crypto.Hash
	Digest        []byte
	Nonce         *big.Int
	PolicyOIDHint asn1.ObjectIdentifier
	CertReq       bool
	PolicyVersion int
	CreatedAt     time.Time
}

// BuildRequest constructs a request for the tenant. Every call draws a
// fresh nonce; certReq is always set so the provider returns its signing
// chain. A policy OID hint is included only when the tenant pins one.
// Otherwise the provider picks its default and the validator checks the
// returned OID against the allow-list anyway.
func BuildRequest(pol *policy.TenantPolicy, digest []byte, alg crypto.Hash) (*TimestampRequest, error) {
	if !alg.Available() {
		return nil, fmt.Errorf("hash algorithm %v not available", alg)
	}
	if len(digest) != alg.Size() {
		return nil, fmt.Errorf("digest length %d does not match %v (want %d)", len(digest), alg, alg.Size())
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := &TimestampRequest{
		RequestID:     types.NewID(),
		TenantID:      pol.TenantID,
		HashAlgorithm: alg,
		Digest:        append([]byte(nil), digest...),
		Nonce:         nonce,
		CertReq:       true,
		PolicyVersion: pol.Version,
		CreatedAt:     time.Now().UTC(),
	}

	if pol.PinnedPolicyOID != "" {
		oid, err := ParseOID(pol.PinnedPolicyOID)
		if err != nil {
			return nil, fmt.Errorf("invalid pinned policy OID: %w", err)
		}
		req.PolicyOIDHint = oid
	}

	return req, nil
}

// newNonce draws a 128-bit nonce, comfortably above the 64-bit floor.
func newNonce() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// Marshal encodes the request as a DER TimeStampReq.
func (r *TimestampRequest) Marshal() ([]byte, error) {
	tsReq := timestamp.Request{
		HashAlgorithm: r.HashAlgorithm,
		HashedMessage: r.Digest,
		Certificates:  r.CertReq,
		Nonce:         r.Nonce,
	}
	if len(r.PolicyOIDHint) > 0 {
		tsReq.TSAPolicyOID = r.PolicyOIDHint
	}
	return tsReq.Marshal()
}

// ParseOID parses a dotted-form OID string.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}

// HashName renders a hash for storage; HashByName reverses it.
func HashName(h crypto.Hash) string {
	switch h {
	case crypto.SHA256:
		return "sha-256"
	case crypto.SHA384:
		return "sha-384"
	case crypto.SHA512:
		return "sha-512"
	default:
		return h.String()
	}
}

// HashByName maps configuration names to crypto hashes.
func HashByName(name string) (crypto.Hash, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "sha-256", "sha256":
		return crypto.SHA256, nil
	case "sha-384", "sha384":
		return crypto.SHA384, nil
	case "sha-512", "sha512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}
