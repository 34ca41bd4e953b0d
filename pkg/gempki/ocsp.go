package gempki

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
)

type OCSPMode int

const (
	// OCSPModeNone skips revocation checking.
	OCSPModeNone OCSPMode = iota
	// OCSPModeProvidedOnly requires a response stapled by the peer and never fetches one.
	OCSPModeProvidedOnly
)

const (
	// DefaultOCSPGracePeriod is the maximum age of a stapled OCSP response.
	DefaultOCSPGracePeriod = 24 * time.Hour
	// MaxOCSPClockSkew bounds how far producedAt may lie in the future.
	MaxOCSPClockSkew = 5 * time.Minute
)

type OCSPPolicy struct {
	Mode        OCSPMode
	GracePeriod time.Duration
	// Response is the DER encoded OCSP response provided by the peer.
	Response []byte
}

var (
	ErrOCSPMissing = errors.New("OCSP response missing")
	ErrOCSPStatus  = errors.New("certificate is not reported good by OCSP")
	ErrOCSPStale   = errors.New("OCSP response too old")
	ErrOCSPFuture  = errors.New("OCSP response produced in the future")
)

func checkOCSP(cert, issuer *x509.Certificate, policy OCSPPolicy, now time.Time) error {
	if policy.Mode == OCSPModeNone {
		return nil
	}
	if len(policy.Response) == 0 {
		return ErrOCSPMissing
	}
	resp, err := ocsp.ParseResponseForCert(policy.Response, cert, issuer)
	if err != nil {
		return fmt.Errorf("failed to parse OCSP response: %w", err)
	}
	if resp.Status != ocsp.Good {
		return fmt.Errorf("%w: status %d", ErrOCSPStatus, resp.Status)
	}

	grace := policy.GracePeriod
	if grace == 0 {
		grace = DefaultOCSPGracePeriod
	}
	if resp.ProducedAt.After(now.Add(MaxOCSPClockSkew)) {
		return fmt.Errorf("%w: producedAt=%s", ErrOCSPFuture, resp.ProducedAt)
	}
	if now.Sub(resp.ProducedAt) > grace {
		return fmt.Errorf("%w: producedAt=%s, grace period %s", ErrOCSPStale, resp.ProducedAt, grace)
	}
	return nil
}
