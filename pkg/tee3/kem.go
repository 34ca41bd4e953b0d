package tee3

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/gematik/tee3/pkg/sensitive"
)

var kyberScheme kem.Scheme = kyber768.Scheme()

var (
	KyberPublicKeySize  = kyberScheme.PublicKeySize()
	KyberCiphertextSize = kyberScheme.CiphertextSize()
)

func parseKyberPublicKey(data []byte) (kem.PublicKey, error) {
	if len(data) != KyberPublicKeySize {
		return nil, fmt.Errorf("invalid Kyber768 public key length %d", len(data))
	}
	return kyberScheme.UnmarshalBinaryPublicKey(data)
}

func generateKyberKeypair(random io.Reader) (Keypair, error) {
	seed := make([]byte, kyberScheme.SeedSize())
	defer sensitive.Cleanse(seed)
	if _, err := io.ReadFull(random, seed); err != nil {
		return Keypair{}, fmt.Errorf("reading random: %w", err)
	}
	puk, prk := kyberScheme.DeriveKeyPair(seed)
	publicData, err := puk.MarshalBinary()
	if err != nil {
		return Keypair{}, fmt.Errorf("marshaling Kyber768 public key: %w", err)
	}
	privateData, err := prk.MarshalBinary()
	if err != nil {
		return Keypair{}, fmt.Errorf("marshaling Kyber768 private key: %w", err)
	}
	return Keypair{PublicKey: publicData, PrivateKey: sensitive.Wrap(privateData)}, nil
}

// kyberEncapsulate returns the shared secret and the ciphertext, in that order.
func kyberEncapsulate(random io.Reader, peer []byte) (*sensitive.Guard, []byte, error) {
	puk, err := parseKyberPublicKey(peer)
	if err != nil {
		return nil, nil, err
	}
	seed := make([]byte, kyberScheme.EncapsulationSeedSize())
	defer sensitive.Cleanse(seed)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, nil, fmt.Errorf("reading random: %w", err)
	}
	ct, ss, err := kyberScheme.EncapsulateDeterministically(puk, seed)
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulating Kyber768: %w", err)
	}
	return sensitive.Wrap(ss), ct, nil
}

func kyberDecapsulate(privateKey *sensitive.Guard, ct []byte) (*sensitive.Guard, error) {
	if len(ct) != KyberCiphertextSize {
		return nil, fmt.Errorf("invalid Kyber768 ciphertext length %d", len(ct))
	}
	prk, err := kyberScheme.UnmarshalBinaryPrivateKey(privateKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("loading Kyber768 private key: %w", err)
	}
	ss, err := kyberScheme.Decapsulate(prk, ct)
	if err != nil {
		return nil, fmt.Errorf("decapsulating Kyber768: %w", err)
	}
	return sensitive.Wrap(ss), nil
}
