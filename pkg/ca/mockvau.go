package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"

	"github.com/gematik/tee3/pkg/gempki"
	"golang.org/x/crypto/ocsp"
)

// MockVauPKI is a three level trust space with a VAU certificate, as needed to run
// a TEE3 server outside the TI.
type MockVauPKI struct {
	Root    *MockCA
	SubCA   *MockCA
	Leaf    *x509.Certificate
	LeafKey *ecdsa.PrivateKey
}

// NewMockVauPKI issues a VAU certificate carrying oid_epa_vau. opts are applied to
// the leaf after the defaults.
func NewMockVauPKI(opts ...IssueOption) (*MockVauPKI, error) {
	root, err := NewMockCA(pkix.Name{CommonName: "GEM.RCA-MOCK TEST-ONLY", Organization: []string{"gematik GmbH NOT-VALID"}})
	if err != nil {
		return nil, fmt.Errorf("creating root: %w", err)
	}
	sub, err := root.NewSubCA(pkix.Name{CommonName: "GEM.KOMP-CA-MOCK TEST-ONLY", Organization: []string{"gematik GmbH NOT-VALID"}})
	if err != nil {
		return nil, fmt.Errorf("creating sub CA: %w", err)
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	opts = append([]IssueOption{WithAdmission("ePA-Aktensystem VAU", gempki.OIDEpaVau)}, opts...)
	leaf, err := sub.IssueCertificate(&leafKey.PublicKey, pkix.Name{CommonName: "vau.mock.tee3 TEST-ONLY"}, opts...)
	if err != nil {
		return nil, fmt.Errorf("issuing VAU certificate: %w", err)
	}
	return &MockVauPKI{Root: root, SubCA: sub, Leaf: leaf, LeafKey: leafKey}, nil
}

// Verifier trusts Root and SubCA.
func (p *MockVauPKI) Verifier() *gempki.Verifier {
	return gempki.NewVerifier(gempki.NewRoots(p.Root.Certificate), p.SubCA.Certificate)
}

// OCSP returns a fresh good response for the leaf on every call.
func (p *MockVauPKI) OCSP() ([]byte, error) {
	return p.SubCA.CreateOCSPResponse(p.Leaf, ocsp.Good)
}
