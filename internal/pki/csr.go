package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// maxCommonNameLen is the X.509 ub-common-name bound; longer primary
// domains are carried in the SAN extension only.
const maxCommonNameLen = 64

// BuildCSR constructs a PKCS#10 request for the given DNS names signed by
// key. The first domain becomes the CN when it fits; every domain goes
// into the SAN extension.
func BuildCSR(domains []string, key crypto.Signer) (der []byte, pemBytes []byte, err error) {
	if len(domains) == 0 {
		return nil, nil, fmt.Errorf("no domains for CSR")
	}

	tmpl := &x509.CertificateRequest{DNSNames: domains}
	if len(domains[0]) <= maxCommonNameLen {
		tmpl.Subject = pkix.Name{CommonName: domains[0]}
	}

	der, err = x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CSR: %w", err)
	}

	pemBytes = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return der, pemBytes, nil
}
