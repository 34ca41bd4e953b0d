package tee3

import (
	"crypto/ecdh"
	"fmt"
	"io"

	"github.com/gematik/tee3/pkg/sensitive"
)

const (
	CurveP256 = "P-256"

	coordinateSize = 32
)

// ECDHPublicKey is the CBOR form of a P-256 point with fixed 32 byte coordinates.
type ECDHPublicKey struct {
	Crv string `cbor:"crv"`
	X   []byte `cbor:"x"`
	Y   []byte `cbor:"y"`
}

// PublicKey validates the point and returns it. It fails for points not on P-256
// and for the point at infinity.
func (k *ECDHPublicKey) PublicKey() (*ecdh.PublicKey, error) {
	if k.Crv != CurveP256 {
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	if len(k.X) != coordinateSize || len(k.Y) != coordinateSize {
		return nil, fmt.Errorf("invalid coordinate length x=%d y=%d", len(k.X), len(k.Y))
	}
	uncompressed := make([]byte, 0, 1+2*coordinateSize)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, k.X...)
	uncompressed = append(uncompressed, k.Y...)
	return ecdh.P256().NewPublicKey(uncompressed)
}

func ecdhPublicKeyFrom(pub *ecdh.PublicKey) ECDHPublicKey {
	raw := pub.Bytes()
	return ECDHPublicKey{
		Crv: CurveP256,
		X:   raw[1 : 1+coordinateSize],
		Y:   raw[1+coordinateSize:],
	}
}

type ECDHKeypair struct {
	PublicKey  ECDHPublicKey
	PrivateKey *sensitive.Guard
}

// generateECDHPrivateKey draws scalars from random until one is valid.
func generateECDHPrivateKey(random io.Reader) (*ecdh.PrivateKey, error) {
	scalar := make([]byte, coordinateSize)
	defer sensitive.Cleanse(scalar)
	for range 64 {
		if _, err := io.ReadFull(random, scalar); err != nil {
			return nil, fmt.Errorf("reading random: %w", err)
		}
		if key, err := ecdh.P256().NewPrivateKey(scalar); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("no valid P-256 scalar from random source")
}

func generateECDHKeypair(random io.Reader) (ECDHKeypair, error) {
	prk, err := generateECDHPrivateKey(random)
	if err != nil {
		return ECDHKeypair{}, err
	}
	return ECDHKeypair{
		PublicKey:  ecdhPublicKeyFrom(prk.PublicKey()),
		PrivateKey: sensitive.Wrap(prk.Bytes()),
	}, nil
}

// ecdhEncapsulate runs an ephemeral key agreement against peer. The ephemeral
// public key is the ciphertext.
func ecdhEncapsulate(random io.Reader, peer *ECDHPublicKey) (*sensitive.Guard, ECDHPublicKey, error) {
	puk, err := peer.PublicKey()
	if err != nil {
		return nil, ECDHPublicKey{}, fmt.Errorf("decoding ECDH public key: %w", err)
	}
	prk, err := generateECDHPrivateKey(random)
	if err != nil {
		return nil, ECDHPublicKey{}, fmt.Errorf("generating ECDH key: %w", err)
	}
	ss, err := prk.ECDH(puk)
	if err != nil {
		return nil, ECDHPublicKey{}, fmt.Errorf("computing shared key: %w", err)
	}
	return sensitive.Wrap(ss), ecdhPublicKeyFrom(prk.PublicKey()), nil
}

func ecdhDecapsulate(privateKey *sensitive.Guard, ct *ECDHPublicKey) (*sensitive.Guard, error) {
	prk, err := ecdh.P256().NewPrivateKey(privateKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("loading ECDH private key: %w", err)
	}
	puk, err := ct.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("decoding ECDH ciphertext: %w", err)
	}
	ss, err := prk.ECDH(puk)
	if err != nil {
		return nil, fmt.Errorf("computing shared key: %w", err)
	}
	return sensitive.Wrap(ss), nil
}
