package gempki

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type VerifyOptions struct {
	// RequiredRoles are profession OIDs the admission statement must contain.
	RequiredRoles []string
	OCSP          OCSPPolicy
	// CurrentTime is the reference time of all checks. Zero means time.Now.
	CurrentTime time.Time
}

var (
	ErrUnknownIssuer = errors.New("certificate issuer is not trusted")
	ErrNotValid      = errors.New("certificate outside its validity period")
	ErrNotCA         = errors.New("issuer is not a CA")
	ErrRoleMissing   = errors.New("required role missing in admission statement")
	ErrChainTooLong  = errors.New("certificate chain too long")
)

const maxChainLength = 4

// Verifier checks TI certificates against a set of roots and sub-CAs.
type Verifier struct {
	roots  *Roots
	subCAs []*x509.Certificate
}

func NewVerifier(roots *Roots, subCAs ...*x509.Certificate) *Verifier {
	return &Verifier{roots: roots, subCAs: subCAs}
}

// NewVerifierFromTSL builds a verifier from roots and the valid CA/PKC services of tsl.
func NewVerifierFromTSL(roots *Roots, tsl *TrustServiceStatusList, now time.Time) *Verifier {
	subCAs := roots.FilterValidSubCAs(tsl, now)
	slog.Debug("Verifier created from TSL", "roots", len(roots.ByCommonName), "subCAs", len(subCAs))
	return NewVerifier(roots, subCAs...)
}

// Verify walks the chain from cert to a root, then checks the required roles and
// the OCSP policy against the leaf's direct issuer.
func (v *Verifier) Verify(cert *x509.Certificate, opts VerifyOptions) error {
	now := opts.CurrentTime
	if now.IsZero() {
		now = time.Now()
	}

	if err := checkValidity(cert, now); err != nil {
		return err
	}
	issuer, err := v.verifyChain(cert, now)
	if err != nil {
		return err
	}

	if len(opts.RequiredRoles) > 0 {
		statement, err := ParseAdmissionStatement(cert)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRoleMissing, err)
		}
		for _, role := range opts.RequiredRoles {
			if !statement.HasRole(role) {
				return fmt.Errorf("%w: %s", ErrRoleMissing, role)
			}
		}
	}

	if err := checkOCSP(cert, issuer, opts.OCSP, now); err != nil {
		return err
	}
	return nil
}

// verifyChain returns the direct issuer of cert once the chain up to a root is verified.
func (v *Verifier) verifyChain(cert *x509.Certificate, now time.Time) (*x509.Certificate, error) {
	var direct *x509.Certificate
	current := cert
	for range maxChainLength {
		if root, ok := v.root(current); ok {
			if direct == nil {
				direct = root
			}
			if err := checkValidity(root, now); err != nil {
				return nil, err
			}
			return direct, nil
		}
		issuer, err := v.issuer(current)
		if err != nil {
			return nil, err
		}
		if !issuer.IsCA {
			return nil, fmt.Errorf("%w: %s", ErrNotCA, issuer.Subject.CommonName)
		}
		if err := checkValidity(issuer, now); err != nil {
			return nil, err
		}
		if direct == nil {
			direct = issuer
		}
		current = issuer
	}
	return nil, ErrChainTooLong
}

// root returns the root that signed cert, if any.
func (v *Verifier) root(cert *x509.Certificate) (*x509.Certificate, bool) {
	root, ok := v.roots.ByCommonName[cert.Issuer.CommonName]
	if !ok || !bytes.Equal(root.RawSubject, cert.RawIssuer) {
		return nil, false
	}
	if err := cert.CheckSignatureFrom(root); err != nil {
		slog.Warn("certificate not signed by root with matching name", "subject", cert.Subject.CommonName, "root", root.Subject.CommonName)
		return nil, false
	}
	return root, true
}

func (v *Verifier) issuer(cert *x509.Certificate) (*x509.Certificate, error) {
	for _, ca := range v.subCAs {
		if !bytes.Equal(ca.RawSubject, cert.RawIssuer) {
			continue
		}
		if err := cert.CheckSignatureFrom(ca); err == nil {
			return ca, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, cert.Issuer.CommonName)
}

func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: %s not valid before %s", ErrNotValid, cert.Subject.CommonName, cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("%w: %s expired at %s", ErrNotValid, cert.Subject.CommonName, cert.NotAfter)
	}
	return nil
}
