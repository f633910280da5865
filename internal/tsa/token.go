package tsa

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/digitorus/timestamp"
)

// PKI status values from RFC 3161 section 2.4.2.
const (
	statusGranted         = 0
	statusGrantedWithMods = 1
)

// TimestampToken is a parsed provider response. It is never mutated after
// parse; validation reads it against the originating request.
type TimestampToken struct {
	Status       int
	StatusString string

	GenTime       time.Time
	Accuracy      time.Duration
	SerialNumber  *big.Int
	PolicyOID     asn1.ObjectIdentifier
	HashAlgorithm crypto.Hash
	HashedMessage []byte
	NonceEcho     *big.Int
	SignerChain   []*x509.Certificate

	// RawToken is the DER CMS SignedData, kept for chain verification,
	// ESS parsing, result storage and re-verification by consumers.
	RawToken []byte
}

// Granted reports whether the provider issued a token at all.
func (t *TimestampToken) Granted() bool {
	return t.Status == statusGranted || t.Status == statusGrantedWithMods
}

// timeStampResp is the RFC 3161 response envelope. Parsed locally so the
// status can be inspected even when no token is present.
type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.BitString  `asn1:"optional"`
}

// ParseResponse decodes a raw TimeStampResp. The envelope and the embedded
// token are parsed in one pass; a granted status with an unparseable token
// is an error, a clean rejection is returned as a token with no content.
func ParseResponse(raw []byte) (*TimestampToken, error) {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(raw, &resp)
	if err != nil {
		return nil, fmt.Errorf("malformed TimeStampResp: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after TimeStampResp")
	}

	tok := &TimestampToken{
		Status:       resp.Status.Status,
		StatusString: statusText(resp.Status),
	}

	if !tok.Granted() {
		return tok, nil
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("granted response carries no token")
	}

	ts, err := timestamp.Parse(resp.TimeStampToken.FullBytes)
	if err != nil {
		return nil, fmt.Errorf("malformed timestamp token: %w", err)
	}

	tok.GenTime = ts.Time
	tok.Accuracy = ts.Accuracy
	tok.SerialNumber = ts.SerialNumber
	tok.PolicyOID = ts.Policy
	tok.HashAlgorithm = ts.HashAlgorithm
	tok.HashedMessage = ts.HashedMessage
	tok.NonceEcho = ts.Nonce
	tok.SignerChain = ts.Certificates
	tok.RawToken = append([]byte(nil), resp.TimeStampToken.FullBytes...)

	return tok, nil
}

func statusText(info pkiStatusInfo) string {
	var parts []string
	for _, raw := range info.StatusString {
		var s string
		if _, err := asn1.UnmarshalWithParams(raw.FullBytes, &s, "utf8"); err == nil {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "; ")
}
