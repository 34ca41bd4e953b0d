package tee3

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/gematik/tee3/pkg/gempki"
)

// SignatureSize is the size of an ES256 signature in IEEE P1363 form (r || s).
const SignatureSize = 64

// CertificateProvider resolves the VAU certificate identified by its SHA-256 hash and version.
type CertificateProvider interface {
	Certificate(hash []byte, version uint64) (*x509.Certificate, error)
}

type CertificateProviderFunc func(hash []byte, version uint64) (*x509.Certificate, error)

func (f CertificateProviderFunc) Certificate(hash []byte, version uint64) (*x509.Certificate, error) {
	return f(hash, version)
}

// CertificateVerifier checks a certificate against the TI trust space.
type CertificateVerifier interface {
	Verify(cert *x509.Certificate, opts gempki.VerifyOptions) error
}

// verifySignature checks a P1363 ES256 signature over data.
func verifySignature(cert *x509.Certificate, data, signature []byte) error {
	if len(signature) != SignatureSize {
		return structuralError(CodeFailedPublicKeyVerification, "signature-ES256", fmt.Errorf("invalid length %d", len(signature)))
	}
	puk, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return trustError("certificate key", fmt.Errorf("unsupported public key type %T", cert.PublicKey))
	}
	r := new(big.Int).SetBytes(signature[:SignatureSize/2])
	s := new(big.Int).SetBytes(signature[SignatureSize/2:])
	digest := sha256.Sum256(data)
	if !ecdsa.Verify(puk, digest[:], r, s) {
		return cryptoError(CodeFailedPublicKeyVerification, "signature-ES256", fmt.Errorf("signature does not verify"))
	}
	return nil
}

// verifyPublicKeys runs the full gate over signed server keys and returns the decoded VauKeys.
func verifyPublicKeys(signed *SignedPublicKeys, certs CertificateProvider, verifier CertificateVerifier, now time.Time) (*VauKeys, error) {
	if err := requireFields("SignedPublicKeys", signed.SignedPubKeys, signed.SignatureES256, signed.CertHash); err != nil {
		return nil, err
	}

	cert, err := certs.Certificate(signed.CertHash, signed.Cdv)
	if err != nil {
		return nil, trustError(fmt.Sprintf("resolving certificate %x-%d", signed.CertHash, signed.Cdv), err)
	}

	err = verifier.Verify(cert, gempki.VerifyOptions{
		RequiredRoles: []string{gempki.OIDEpaVau},
		OCSP: gempki.OCSPPolicy{
			Mode:        gempki.OCSPModeProvidedOnly,
			GracePeriod: gempki.DefaultOCSPGracePeriod,
			Response:    signed.OCSPResponse,
		},
		CurrentTime: now,
	})
	if err != nil {
		return nil, trustError("certificate verification", err)
	}

	if err := verifySignature(cert, signed.SignedPubKeys, signed.SignatureES256); err != nil {
		return nil, err
	}

	keys, err := signed.VauKeys()
	if err != nil {
		return nil, err
	}
	if err := VerifyVauKeys(&keys.ECDHPublicKey, keys.KyberPublicKey); err != nil {
		return nil, err
	}
	if keys.ExpiresAt <= now.Unix() {
		return nil, trustError("VauKeys expired", fmt.Errorf("exp %s", time.Unix(keys.ExpiresAt, 0).UTC()))
	}
	return keys, nil
}
