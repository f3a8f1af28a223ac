package pki

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"
)

// ParseError marks malformed PEM or DER input.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse certificate: %s", e.Reason)
}

// CertInfo is the metadata extracted from one certificate in a chain.
type CertInfo struct {
	Subject      string
	Issuer       string
	DNSNames     []string
	NotBefore    time.Time
	NotAfter     time.Time
	SerialNumber string
	PublicKeyAlg string
	// Fingerprint is the lowercase hex SHA-256 of the DER encoding.
	Fingerprint string

	Raw *x509.Certificate
}

// ParseChain splits a PEM bundle into its certificates, leaf first, with
// extracted metadata.
func ParseChain(chainPEM []byte) ([]CertInfo, error) {
	var infos []CertInfo

	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &ParseError{Reason: err.Error()}
		}
		infos = append(infos, certInfo(cert))
	}

	if len(infos) == 0 {
		return nil, &ParseError{Reason: "no CERTIFICATE blocks in input"}
	}
	return infos, nil
}

func certInfo(cert *x509.Certificate) CertInfo {
	sum := sha256.Sum256(cert.Raw)
	return CertInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		DNSNames:     cert.DNSNames,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		SerialNumber: cert.SerialNumber.Text(16),
		PublicKeyAlg: cert.PublicKeyAlgorithm.String(),
		Fingerprint:  hex.EncodeToString(sum[:]),
		Raw:          cert,
	}
}

// Fingerprint computes the lowercase hex SHA-256 of the leaf certificate
// in a PEM chain.
func Fingerprint(chainPEM []byte) (string, error) {
	infos, err := ParseChain(chainPEM)
	if err != nil {
		return "", err
	}
	return infos[0].Fingerprint, nil
}

// MatchKeyCert reports whether the private key and the leaf of the chain
// form a pair. Any parse failure counts as a mismatch.
func MatchKeyCert(chainPEM, keyPEM []byte) bool {
	_, err := tls.X509KeyPair(chainPEM, keyPEM)
	return err == nil
}
