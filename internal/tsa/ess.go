package tsa

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// ESS signing-certificate attribute OIDs (RFC 2634 / RFC 5035) and the
// digest OIDs they may reference.
var (
	oidAttrSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	oidAttrSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	oidDigestSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidDigestSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidDigestSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// essBinding is the certificate hash binding extracted from the token's
// signed attributes: ESSCertID (RFC 3161, SHA-1 only) or ESSCertIDv2
// (RFC 5816, configurable digest, SHA-256 default).
type essBinding struct {
	v2       bool
	hashOID  asn1.ObjectIdentifier
	certHash []byte
}

// HashBits returns the strength of the binding digest in bits.
func (b *essBinding) HashBits() int {
	switch {
	case !b.v2:
		return 160
	case b.hashOID == nil, b.hashOID.Equal(oidDigestSHA256):
		return 256
	case b.hashOID.Equal(oidDigestSHA384):
		return 384
	case b.hashOID.Equal(oidDigestSHA512):
		return 512
	case b.hashOID.Equal(oidDigestSHA1):
		return 160
	default:
		return 0
	}
}

// MatchesCert reports whether the binding digest equals the hash of the
// given signing certificate.
func (b *essBinding) MatchesCert(cert *x509.Certificate) bool {
	var sum []byte
	switch b.HashBits() {
	case 160:
		h := sha1.Sum(cert.Raw)
		sum = h[:]
	case 256:
		h := sha256.Sum256(cert.Raw)
		sum = h[:]
	case 384:
		h := sha512.Sum384(cert.Raw)
		sum = h[:]
	case 512:
		h := sha512.Sum512(cert.Raw)
		sum = h[:]
	default:
		return false
	}
	if len(sum) != len(b.certHash) {
		return false
	}
	for i := range sum {
		if sum[i] != b.certHash[i] {
			return false
		}
	}
	return true
}

// Minimal CMS SignedData shapes, just deep enough to reach the signer's
// authenticated attributes. The stdlib encoding/asn1 tags follow RFC 5652.
type cmsContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type cmsSignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue `asn1:"set"`
	EncapContentInfo asn1.RawValue
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []cmsSignerInfo `asn1:"set"`
}

type cmsSignerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        []cmsAttribute `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []cmsAttribute `asn1:"optional,tag:1"`
}

type cmsAttribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

type essCertIDv2 struct {
	HashAlgorithm pkix.AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  asn1.RawValue `asn1:"optional"`
}

type signingCertificateV2 struct {
	Certs    []essCertIDv2
	Policies asn1.RawValue `asn1:"optional"`
}

type essCertID struct {
	CertHash     []byte
	IssuerSerial asn1.RawValue `asn1:"optional"`
}

type signingCertificate struct {
	Certs    []essCertID
	Policies asn1.RawValue `asn1:"optional"`
}

// parseESSBinding walks the CMS structure of a timestamp token and returns
// the signing-certificate binding from the signer's authenticated
// attributes. RFC 3161 requires exactly one signer and one of the two
// attribute forms.
func parseESSBinding(rawToken []byte) (*essBinding, error) {
	var ci cmsContentInfo
	if _, err := asn1.Unmarshal(rawToken, &ci); err != nil {
		return nil, fmt.Errorf("malformed CMS ContentInfo: %w", err)
	}

	var sd cmsSignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("malformed CMS SignedData: %w", err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("expected exactly one signer, got %d", len(sd.SignerInfos))
	}

	for _, attr := range sd.SignerInfos[0].SignedAttrs {
		switch {
		case attr.Type.Equal(oidAttrSigningCertificateV2):
			var sc signingCertificateV2
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &sc); err != nil {
				return nil, fmt.Errorf("malformed SigningCertificateV2: %w", err)
			}
			if len(sc.Certs) == 0 {
				return nil, fmt.Errorf("SigningCertificateV2 names no certificates")
			}
			return &essBinding{
				v2:       true,
				hashOID:  sc.Certs[0].HashAlgorithm.Algorithm,
				certHash: sc.Certs[0].CertHash,
			}, nil

		case attr.Type.Equal(oidAttrSigningCertificate):
			var sc signingCertificate
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &sc); err != nil {
				return nil, fmt.Errorf("malformed SigningCertificate: %w", err)
			}
			if len(sc.Certs) == 0 {
				return nil, fmt.Errorf("SigningCertificate names no certificates")
			}
			return &essBinding{
				v2:       false,
				certHash: sc.Certs[0].CertHash,
			}, nil
		}
	}

	return nil, fmt.Errorf("token carries no signing-certificate attribute")
}
