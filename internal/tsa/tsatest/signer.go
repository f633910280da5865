// Package tsatest provides an in-process RFC 3161 responder for tests. It
// issues real signed tokens over a generated certificate and exposes knobs
// to corrupt individual response fields.
package tsatest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

var (
	oidEKUExtension         = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidKPTimeStamping       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	oidContentTypeTSTInfo   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	oidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// RFC 3161 response shapes, marshaled locally. timestamp.CreateResponse
// always generates its own random serial number, so honoring the
// FixedSerial knob requires assembling the TSTInfo and SignedData here.
type tsResponse struct {
	Status         tsStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type tsStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional,utf8"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type tsMessageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type tsAccuracy struct {
	Seconds      int64 `asn1:"optional"`
	Milliseconds int64 `asn1:"tag:0,optional"`
	Microseconds int64 `asn1:"tag:1,optional"`
}

type tsTSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint tsMessageImprint
	SerialNumber   *big.Int
	Time           time.Time        `asn1:"generalized"`
	Accuracy       tsAccuracy       `asn1:"optional"`
	Ordering       bool             `asn1:"optional,default:false"`
	Nonce          *big.Int         `asn1:"optional"`
	TSA            asn1.RawValue    `asn1:"tag:0,optional"`
	Extensions     []pkix.Extension `asn1:"tag:1,optional"`
}

type tsGeneralNames struct {
	Name asn1.RawValue `asn1:"optional,tag:4"`
}

type tsIssuerAndSerial struct {
	IssuerName   tsGeneralNames
	SerialNumber *big.Int
}

type tsESSCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  tsIssuerAndSerial `asn1:"optional"`
}

type tsSigningCertificateV2 struct {
	Certs []tsESSCertIDv2
}

// Signer is a self-contained TSA. The zero knobs produce well-formed
// granted responses; tests flip individual fields to provoke each
// validation failure.
type Signer struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	serial atomic.Int64

	// Knobs. Set before calling Respond.
	Policy        asn1.ObjectIdentifier
	Accuracy      time.Duration
	Clock         func() time.Time
	FixedSerial   *big.Int
	MangleImprint bool
	MangleNonce   bool
	DropNonce     bool
	RejectAll     bool
	RawResponse   []byte
}

type signerConfig struct {
	criticalEKU bool
}

// Option configures certificate generation.
type Option func(*signerConfig)

// WithNonCriticalEKU marks the timestamping EKU non-critical, which a
// conforming validator must reject.
func WithNonCriticalEKU() Option {
	return func(c *signerConfig) { c.criticalEKU = false }
}

// NewSigner generates a fresh RSA key and self-signed TSA certificate.
// The extended key usage is written through ExtraExtensions because the
// x509 package emits the EKU extension non-critical otherwise.
func NewSigner(commonName string, opts ...Option) (*Signer, error) {
	cfg := signerConfig{criticalEKU: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	certSerial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: certSerial,
		Subject: pkix.Name{
			Organization: []string{"CredLink Test"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(2, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	if cfg.criticalEKU {
		ekuValue, err := asn1.Marshal([]asn1.ObjectIdentifier{oidKPTimeStamping})
		if err != nil {
			return nil, fmt.Errorf("marshal EKU: %w", err)
		}
		template.ExtraExtensions = []pkix.Extension{{
			Id:       oidEKUExtension,
			Critical: true,
			Value:    ekuValue,
		}}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	s := &Signer{
		cert:     cert,
		key:      key,
		Policy:   asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 2, 1},
		Accuracy: time.Second,
		Clock:    time.Now,
	}
	s.serial.Store(time.Now().UnixNano())
	return s, nil
}

// Certificate returns the TSA signing certificate, which tests install as
// a tenant trust anchor.
func (s *Signer) Certificate() *x509.Certificate { return s.cert }

// CertPEM returns the signing certificate PEM-encoded for policy files.
func (s *Signer) CertPEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.cert.Raw}))
}

// Respond consumes a DER TimeStampReq and produces a DER TimeStampResp.
func (s *Signer) Respond(reqDER []byte) ([]byte, error) {
	if s.RawResponse != nil {
		return s.RawResponse, nil
	}
	if s.RejectAll {
		return timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.SystemFailure)
	}

	req, err := timestamp.ParseRequest(reqDER)
	if err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}

	imprint := req.HashedMessage
	if s.MangleImprint && len(imprint) > 0 {
		imprint = append([]byte(nil), imprint...)
		imprint[0] ^= 0xff
	}

	nonce := req.Nonce
	if s.DropNonce {
		nonce = nil
	} else if s.MangleNonce && nonce != nil {
		nonce = new(big.Int).Add(nonce, big.NewInt(1))
	}

	serial := s.FixedSerial
	if serial == nil {
		serial = big.NewInt(s.serial.Add(1))
	}

	tstDER, err := s.buildTSTInfo(req.HashAlgorithm, imprint, nonce, serial)
	if err != nil {
		return nil, err
	}
	tokenDER, err := s.signTSTInfo(tstDER)
	if err != nil {
		return nil, err
	}

	resp := tsResponse{
		Status:         tsStatusInfo{Status: int(timestamp.Granted)},
		TimeStampToken: asn1.RawValue{FullBytes: tokenDER},
	}
	return asn1.Marshal(resp)
}

func digestOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA1:
		return pkcs7.OIDDigestAlgorithmSHA1, nil
	case crypto.SHA256:
		return pkcs7.OIDDigestAlgorithmSHA256, nil
	case crypto.SHA384:
		return pkcs7.OIDDigestAlgorithmSHA384, nil
	case crypto.SHA512:
		return pkcs7.OIDDigestAlgorithmSHA512, nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm %v", h)
}

func (s *Signer) buildTSTInfo(alg crypto.Hash, imprint []byte, nonce, serial *big.Int) ([]byte, error) {
	oid, err := digestOID(alg)
	if err != nil {
		return nil, err
	}

	dirName, err := asn1.Marshal(asn1.RawValue{Tag: 4, Class: 2, IsCompound: true, Bytes: s.cert.RawSubject})
	if err != nil {
		return nil, fmt.Errorf("marshal TSA name: %w", err)
	}

	info := tsTSTInfo{
		Version: 1,
		Policy:  s.Policy,
		MessageImprint: tsMessageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
			HashedMessage: imprint,
		},
		SerialNumber: serial,
		Time:         s.Clock().UTC(),
		Nonce:        nonce,
		TSA:          asn1.RawValue{Tag: 0, Class: 2, IsCompound: true, Bytes: dirName},
	}
	if s.Accuracy != 0 {
		secs := s.Accuracy.Truncate(time.Second)
		info.Accuracy.Seconds = int64(secs.Seconds())
		ms := (s.Accuracy - secs).Truncate(time.Millisecond)
		if ms != 0 {
			info.Accuracy.Milliseconds = ms.Milliseconds()
		}
		us := (s.Accuracy - secs - ms).Truncate(time.Microsecond)
		if us != 0 {
			info.Accuracy.Microseconds = us.Microseconds()
		}
	}

	return asn1.Marshal(info)
}

// signTSTInfo wraps the TSTInfo in a CMS SignedData with the
// SigningCertificateV2 attribute bound over a SHA-256 hash of the TSA
// certificate, the same structure timestamp.CreateResponse emits.
func (s *Signer) signTSTInfo(tstDER []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(tstDER)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	sd.SetContentType(oidContentTypeTSTInfo)
	sd.GetSignedData().Version = 3

	certHash := sha256.Sum256(s.cert.Raw)
	scv2, err := asn1.Marshal(tsSigningCertificateV2{
		Certs: []tsESSCertIDv2{{
			CertHash: certHash[:],
			IssuerSerial: tsIssuerAndSerial{
				IssuerName: tsGeneralNames{
					Name: asn1.RawValue{Tag: 4, Class: 2, IsCompound: true, Bytes: s.cert.RawIssuer},
				},
				SerialNumber: s.cert.SerialNumber,
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal signing certificate attribute: %w", err)
	}

	cfg := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{{
			Type:  oidSigningCertificateV2,
			Value: asn1.RawValue{FullBytes: scv2},
		}},
	}
	if err := sd.AddSigner(s.cert, s.key, cfg); err != nil {
		return nil, fmt.Errorf("add signer: %w", err)
	}
	return sd.Finish()
}

// Handler serves the signer over HTTP with RFC 3161 content types, so
// tests can stand up a live provider with httptest.
func (s *Signer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		resp, err := s.Respond(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		w.WriteHeader(http.StatusOK)
		w.Write(resp)
	})
}
