package tee3

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// CertificateVersion is the cdv announced for the served certificate.
	CertificateVersion = 1
	// DefaultSignedKeysLifetime is the validity of signed public keys.
	DefaultSignedKeysLifetime = 8 * 24 * time.Hour
	// MaxKeyAge bounds how long one key pair may be used before Rotate.
	MaxKeyAge = 30 * 24 * time.Hour
)

var ErrKeysTooOld = errors.New("tee3: server keys exceed maximum age")

// OCSPSource returns a current DER encoded OCSP response for the VAU certificate.
type OCSPSource func() ([]byte, error)

type ServerKeysConfig struct {
	Certificate AutTeeCertificate
	// Signer holds the private key of Certificate, typically inside an HSM.
	Signer   crypto.Signer
	OCSP     OCSPSource
	Lifetime time.Duration
	Comment  string
}

// ServerKeyPairs is a ServerKeys implementation holding one generation of key pairs
// and their signature by the VAU certificate.
type ServerKeyPairs struct {
	options
	config   ServerKeysConfig
	certHash []byte

	mu        sync.RWMutex
	keypairs  *Keypairs
	createdAt time.Time
	signed    *SignedPublicKeys
}

func NewServerKeyPairs(config ServerKeysConfig, opts ...Option) (*ServerKeyPairs, error) {
	if len(config.Certificate.Cert) == 0 || config.Signer == nil {
		return nil, fmt.Errorf("server keys need certificate and signer")
	}
	if config.Lifetime == 0 {
		config.Lifetime = DefaultSignedKeysLifetime
	}
	hash := sha256.Sum256(config.Certificate.Cert)
	k := &ServerKeyPairs{
		options:  newOptions(opts),
		config:   config,
		certHash: hash[:],
	}
	if err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// CertHash is the SHA-256 of the certificate DER, as announced in cert_hash.
func (k *ServerKeyPairs) CertHash() []byte {
	return k.certHash
}

// Rotate generates new key pairs and signs them.
func (k *ServerKeyPairs) Rotate() error {
	keypairs, err := GenerateKeypairs(k.random)
	if err != nil {
		return err
	}
	now := k.now()
	signed, err := k.sign(keypairs, now)
	if err != nil {
		keypairs.Cleanse()
		return err
	}

	k.mu.Lock()
	old := k.keypairs
	k.keypairs = keypairs
	k.createdAt = now
	k.signed = signed
	k.mu.Unlock()

	if old != nil {
		old.Cleanse()
	}
	return nil
}

// Refresh re-signs the current key pairs with a new validity and OCSP response.
// Key pairs older than MaxKeyAge are not refreshed, they need a Rotate.
func (k *ServerKeyPairs) Refresh() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.now().Sub(k.createdAt) > MaxKeyAge {
		return ErrKeysTooOld
	}
	signed, err := k.sign(k.keypairs, k.now())
	if err != nil {
		return err
	}
	k.signed = signed
	return nil
}

func (k *ServerKeyPairs) sign(keypairs *Keypairs, now time.Time) (*SignedPublicKeys, error) {
	vauKeys, err := encode(&VauKeys{
		ECDHPublicKey:  keypairs.ECDH.PublicKey,
		KyberPublicKey: keypairs.Kyber768.PublicKey,
		IssuedAt:       now.Unix(),
		ExpiresAt:      now.Add(k.config.Lifetime).Unix(),
		Comment:        k.config.Comment,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling VauKeys: %w", err)
	}
	digest := sha256.Sum256(vauKeys)
	der, err := k.config.Signer.Sign(k.random, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing VauKeys: %w", err)
	}
	signature, err := signatureToP1363(der)
	if err != nil {
		return nil, err
	}
	var ocspResponse []byte
	if k.config.OCSP != nil {
		if ocspResponse, err = k.config.OCSP(); err != nil {
			return nil, fmt.Errorf("fetching OCSP response: %w", err)
		}
	}
	return &SignedPublicKeys{
		SignedPubKeys:  vauKeys,
		SignatureES256: signature,
		CertHash:       k.certHash,
		Cdv:            CertificateVersion,
		OCSPResponse:   ocspResponse,
	}, nil
}

func (k *ServerKeyPairs) SignedPublicKeys() (*SignedPublicKeys, error) {
	signed, _, err := k.current(false)
	return signed, err
}

// PrivateKeys returns a copy of the current private keys. The caller cleanses it.
func (k *ServerKeyPairs) PrivateKeys() (PrivateKeys, error) {
	_, private, err := k.current(true)
	return private, err
}

// CurrentKeys returns the signed public keys and a copy of the matching private
// keys of one generation. A Rotate does not affect the copy.
func (k *ServerKeyPairs) CurrentKeys() (*SignedPublicKeys, PrivateKeys, error) {
	return k.current(true)
}

func (k *ServerKeyPairs) current(withPrivate bool) (*SignedPublicKeys, PrivateKeys, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.now().Sub(k.createdAt) > MaxKeyAge {
		return nil, PrivateKeys{}, ErrKeysTooOld
	}
	var private PrivateKeys
	if withPrivate {
		private = k.keypairs.PrivateKeys().Clone()
	}
	return k.signed, private, nil
}

// Age is the time since the current key pairs were generated.
func (k *ServerKeyPairs) Age() time.Duration {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.now().Sub(k.createdAt)
}

// Maintain is meant to run every interval. It rotates the key pairs when they
// would exceed MaxKeyAge before the next run, and refreshes the signature otherwise.
func (k *ServerKeyPairs) Maintain(interval time.Duration) (rotated bool, err error) {
	if k.Age()+interval >= MaxKeyAge {
		return true, k.Rotate()
	}
	return false, k.Refresh()
}

// CertificateData returns the CertData document for a hash and version pair.
func (k *ServerKeyPairs) CertificateData(hash []byte, version uint64) (*AutTeeCertificate, error) {
	if version != CertificateVersion || !bytes.Equal(hash, k.certHash) {
		return nil, fmt.Errorf("no certificate for %x-%d", hash, version)
	}
	return &k.config.Certificate, nil
}

// signatureToP1363 converts an ASN.1 ECDSA P-256 signature to r || s.
func signatureToP1363(der []byte) ([]byte, error) {
	var r, s []byte
	input := cryptobyte.String(der)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(&r) ||
		!inner.ReadASN1Integer(&s) ||
		!inner.Empty() {
		return nil, fmt.Errorf("invalid ASN.1 signature")
	}
	r = bytes.TrimLeft(r, "\x00")
	s = bytes.TrimLeft(s, "\x00")
	half := SignatureSize / 2
	if len(r) > half || len(s) > half {
		return nil, fmt.Errorf("signature component exceeds %d bytes", half)
	}
	out := make([]byte, SignatureSize)
	copy(out[half-len(r):half], r)
	copy(out[SignatureSize-len(s):], s)
	return out, nil
}
