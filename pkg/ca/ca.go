package ca

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
)

// Simple interface for a certificate authority
type CertificateAuthority interface {
	IssuerCertificate() *x509.Certificate
	IssueCertificate(pub crypto.PublicKey, subject pkix.Name, opts ...IssueOption) (*x509.Certificate, error)
	CreateOCSPResponse(cert *x509.Certificate, status int) ([]byte, error)
}

// Encodes X509 certificates to PEM format
func EncodeCertToPEM(certs ...*x509.Certificate) (string, error) {
	certPem := new(bytes.Buffer)
	for _, cert := range certs {
		err := pem.Encode(certPem, &pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})
		if err != nil {
			return "", err
		}
	}
	return certPem.String(), nil
}
