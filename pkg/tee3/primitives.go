package tee3

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/gematik/tee3/pkg/sensitive"
	"golang.org/x/crypto/hkdf"
)

const (
	symmetricKeySize = 32
	ivSize           = 12
	tagSize          = 16
	// MinAEADSize is the size of IV and tag around an empty plaintext.
	MinAEADSize = ivSize + tagSize
)

// ReportFunc receives labelled intermediate values of a handshake. Test use only:
// the values include secrets.
type ReportFunc func(label string, value []byte)

type Option func(*options)

type options struct {
	random io.Reader
	report ReportFunc
	now    func() time.Time
}

func newOptions(opts []Option) options {
	o := options{random: rand.Reader, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRandom replaces crypto/rand as the source of all key, seed and IV randomness.
func WithRandom(r io.Reader) Option {
	return func(o *options) {
		o.random = r
	}
}

// WithReport installs a hook that sees intermediate handshake values.
func WithReport(f ReportFunc) Option {
	return func(o *options) {
		o.report = f
	}
}

// WithClock sets the clock used for key expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func (o *options) reportValue(label string, value []byte) {
	if o.report != nil {
		o.report(label, value)
	}
}

// GenerateKeypairs creates ephemeral ECDH and Kyber768 key pairs.
func GenerateKeypairs(random io.Reader) (*Keypairs, error) {
	ecdhKeys, err := generateECDHKeypair(random)
	if err != nil {
		return nil, fmt.Errorf("generating ECDH key pair: %w", err)
	}
	kyberKeys, err := generateKyberKeypair(random)
	if err != nil {
		ecdhKeys.PrivateKey.Cleanse()
		return nil, fmt.Errorf("generating Kyber768 key pair: %w", err)
	}
	return &Keypairs{ECDH: ecdhKeys, Kyber768: kyberKeys}, nil
}

// Encapsulate runs the hybrid KEM against the peer's ECDH and Kyber768 public keys.
func Encapsulate(random io.Reader, ecdhPublicKey *ECDHPublicKey, kyberPublicKey []byte) (*Encapsulation, error) {
	ecdhSS, ecdhCT, err := ecdhEncapsulate(random, ecdhPublicKey)
	if err != nil {
		return nil, structuralError(CodeFailedPublicKeyVerification, "ECDH encapsulation", err)
	}
	kyberSS, kyberCT, err := kyberEncapsulate(random, kyberPublicKey)
	if err != nil {
		ecdhSS.Cleanse()
		return nil, structuralError(CodeFailedPublicKeyVerification, "Kyber768 encapsulation", err)
	}
	return &Encapsulation{
		SharedKeys:  SharedKeys{ECDH: ecdhSS, Kyber768: kyberSS},
		CipherTexts: CipherTexts{ECDH: ecdhCT, Kyber768: kyberCT},
	}, nil
}

// Decapsulate recovers both shared secrets with the locally held private keys.
func Decapsulate(ct CipherTexts, keys PrivateKeys) (SharedKeys, error) {
	ecdhSS, err := ecdhDecapsulate(keys.ECDH, &ct.ECDH)
	if err != nil {
		return SharedKeys{}, structuralError(CodeDecodingError, "ECDH decapsulation", err)
	}
	kyberSS, err := kyberDecapsulate(keys.Kyber768, ct.Kyber768)
	if err != nil {
		ecdhSS.Cleanse()
		return SharedKeys{}, structuralError(CodeDecodingError, "Kyber768 decapsulation", err)
	}
	return SharedKeys{ECDH: ecdhSS, Kyber768: kyberSS}, nil
}

func deriveKeys(secret *sensitive.Guard, n int) (*sensitive.Guard, error) {
	out := make([]byte, n*symmetricKeySize)
	kdf := hkdf.New(sha256.New, secret.Bytes(), nil, nil)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return sensitive.Wrap(out), nil
}

func part(derived *sensitive.Guard, i int) *sensitive.Guard {
	return sensitive.New(derived.Bytes()[i*symmetricKeySize : (i+1)*symmetricKeySize])
}

// KDF1 derives the transcript keys from the first encapsulation.
func KDF1(ss SharedKeys) (SymmetricKeys, error) {
	secret := sensitive.Concat(ss.ECDH, ss.Kyber768)
	defer secret.Cleanse()
	derived, err := deriveKeys(secret, 2)
	if err != nil {
		return SymmetricKeys{}, err
	}
	defer derived.Cleanse()
	return SymmetricKeys{ClientToServer: part(derived, 0), ServerToClient: part(derived, 1)}, nil
}

// K2Keys is the output of KDF2.
type K2Keys struct {
	KeyConfirmation SymmetricKeys
	ApplicationData SymmetricKeys
	KeyID           KeyID
}

func (k *K2Keys) Cleanse() {
	k.KeyConfirmation.Cleanse()
	k.ApplicationData.Cleanse()
}

// KDF2 derives the channel keys from both encapsulations.
func KDF2(first, second SharedKeys) (*K2Keys, error) {
	secret := sensitive.Concat(first.ECDH, first.Kyber768, second.ECDH, second.Kyber768)
	defer secret.Cleanse()
	derived, err := deriveKeys(secret, 5)
	if err != nil {
		return nil, err
	}
	defer derived.Cleanse()
	keys := &K2Keys{
		KeyConfirmation: SymmetricKeys{ClientToServer: part(derived, 0), ServerToClient: part(derived, 2)},
		ApplicationData: SymmetricKeys{ClientToServer: part(derived, 1), ServerToClient: part(derived, 3)},
	}
	copy(keys.KeyID[:], derived.Bytes()[4*symmetricKeySize:])
	return keys, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// AEADEncrypt encrypts with AES-256-GCM under a random IV and returns IV || ct || tag.
func AEADEncrypt(random io.Reader, key *sensitive.Guard, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key.Bytes())
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize, ivSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	return gcm.Seal(iv, iv, plaintext, nil), nil
}

// AEADDecrypt reverses AEADEncrypt. description names the decrypted field in errors.
func AEADDecrypt(key *sensitive.Guard, ciphertext []byte, description string) ([]byte, error) {
	if len(ciphertext) < MinAEADSize {
		return nil, cryptoError(CodeGcmDecryptionFailure, description, fmt.Errorf("ciphertext too short: %d", len(ciphertext)))
	}
	gcm, err := newGCM(key.Bytes())
	if err != nil {
		return nil, cryptoError(CodeGcmDecryptionFailure, description, err)
	}
	plaintext, err := gcm.Open(nil, ciphertext[:ivSize], ciphertext[ivSize:], nil)
	if err != nil {
		return nil, cryptoError(CodeGcmDecryptionFailure, description, err)
	}
	return plaintext, nil
}

// VerifyVauKeys checks that the ECDH point is on P-256 and the Kyber768 key is well formed.
func VerifyVauKeys(ecdhPublicKey *ECDHPublicKey, kyberPublicKey []byte) error {
	if _, err := ecdhPublicKey.PublicKey(); err != nil {
		return structuralError(CodeFailedPublicKeyVerification, "ECDH_PK", err)
	}
	if _, err := parseKyberPublicKey(kyberPublicKey); err != nil {
		return structuralError(CodeFailedPublicKeyVerification, "Kyber768_PK", err)
	}
	return nil
}

func transcriptHash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
