package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/gematik/tee3/pkg/gempki"
	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/ocsp"
)

// IssueOption modifies the certificate template before signing.
type IssueOption func(*x509.Certificate) error

// WithAdmission adds an admission statement with a single profession item and the given OIDs.
func WithAdmission(professionItem string, professionOids ...string) IssueOption {
	return func(tmpl *x509.Certificate) error {
		ext, err := gempki.MarshalAdmissionStatement(&gempki.AdmissionStatement{
			ProfessionItems: []string{professionItem},
			ProfessionOids:  professionOids,
		})
		if err != nil {
			return err
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
		return nil
	}
}

func WithValidity(notBefore, notAfter time.Time) IssueOption {
	return func(tmpl *x509.Certificate) error {
		if !notAfter.After(notBefore) {
			return fmt.Errorf("notAfter %s not after notBefore %s", notAfter, notBefore)
		}
		tmpl.NotBefore = notBefore
		tmpl.NotAfter = notAfter
		return nil
	}
}

func WithKeyUsage(usage x509.KeyUsage) IssueOption {
	return func(tmpl *x509.Certificate) error {
		tmpl.KeyUsage = usage
		return nil
	}
}

// MockCA is a P-256 CA for tests and local servers.
type MockCA struct {
	Certificate *x509.Certificate
	prk         *ecdsa.PrivateKey
}

func NewRandomMockCA() (*MockCA, error) {
	return NewMockCA(pkix.Name{CommonName: ksuid.New().String()})
}

// NewMockCA creates a self-signed root.
func NewMockCA(subject pkix.Name) (*MockCA, error) {
	prk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl, err := caTemplate(subject)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &prk.PublicKey, prk)
	if err != nil {
		return nil, fmt.Errorf("unable to sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &MockCA{Certificate: cert, prk: prk}, nil
}

// NewSubCA creates an intermediate CA signed by ca.
func (ca *MockCA) NewSubCA(subject pkix.Name) (*MockCA, error) {
	prk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl, err := caTemplate(subject)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Certificate, &prk.PublicKey, ca.prk)
	if err != nil {
		return nil, fmt.Errorf("unable to sign sub CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &MockCA{Certificate: cert, prk: prk}, nil
}

func caTemplate(subject pkix.Name) (*x509.Certificate, error) {
	sn, err := serialNumber()
	if err != nil {
		return nil, err
	}
	return &x509.Certificate{
		SerialNumber:          sn,
		Subject:               subject,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * 30 * 6 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil
}

func serialNumber() (*big.Int, error) {
	max := new(big.Int)
	max.Exp(big.NewInt(2), big.NewInt(130), nil).Sub(max, big.NewInt(1))
	sn, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("unable to generate serial number: %w", err)
	}
	return sn, nil
}

func (ca *MockCA) IssuerCertificate() *x509.Certificate {
	return ca.Certificate
}

// IssueCertificate signs an end entity certificate for pub, valid for 24 hours unless
// WithValidity says otherwise.
func (ca *MockCA) IssueCertificate(pub crypto.PublicKey, subject pkix.Name, opts ...IssueOption) (*x509.Certificate, error) {
	sn, err := serialNumber()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject:      subject,
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	for _, opt := range opts {
		if err := opt(tmpl); err != nil {
			return nil, fmt.Errorf("unable to apply issue option: %w", err)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Certificate, pub, ca.prk)
	if err != nil {
		return nil, fmt.Errorf("unable to sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("unable to parse certificate: %w", err)
	}
	return cert, nil
}

// CreateOCSPResponse signs an OCSP response for cert with the CA key. status is one
// of ocsp.Good, ocsp.Revoked or ocsp.Unknown. producedAt is the current time.
func (ca *MockCA) CreateOCSPResponse(cert *x509.Certificate, status int) ([]byte, error) {
	now := time.Now()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   now.Add(-1 * time.Minute),
		NextUpdate:   now.Add(24 * time.Hour),
	}
	if status == ocsp.Revoked {
		tmpl.RevokedAt = now.Add(-1 * time.Minute)
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	resp, err := ocsp.CreateResponse(ca.Certificate, ca.Certificate, tmpl, ca.prk)
	if err != nil {
		return nil, fmt.Errorf("unable to create OCSP response: %w", err)
	}
	return resp, nil
}
