package tee3

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/gematik/tee3/pkg/sensitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

func TestAEAD(t *testing.T) {
	key := sensitive.New(bytes.Repeat([]byte{7}, symmetricKeySize))
	random := seededReader(1)

	for _, plaintext := range [][]byte{{}, []byte("hello vau"), bytes.Repeat([]byte{0xaa}, 4096)} {
		ct, err := AEADEncrypt(random, key, plaintext)
		require.NoError(t, err)
		assert.Len(t, ct, MinAEADSize+len(plaintext))

		pt, err := AEADDecrypt(key, ct, "test")
		require.NoError(t, err)
		assert.Equal(t, len(plaintext), len(pt))
		assert.True(t, bytes.Equal(plaintext, pt))
	}
}

func TestAEADTamper(t *testing.T) {
	key := sensitive.New(bytes.Repeat([]byte{7}, symmetricKeySize))
	ct, err := AEADEncrypt(seededReader(2), key, []byte("payload"))
	require.NoError(t, err)

	for i := range ct {
		tampered := bytes.Clone(ct)
		tampered[i] ^= 0x01
		_, err := AEADDecrypt(key, tampered, "M2 AEAD_ct")
		require.Error(t, err, "byte %d", i)
		assert.True(t, IsKind(err, KindCryptographic))
		assert.Equal(t, CodeGcmDecryptionFailure, CodeOf(err))
		assert.Contains(t, err.Error(), "M2 AEAD_ct")
	}

	_, err = AEADDecrypt(key, ct[:MinAEADSize-1], "short")
	assert.True(t, IsKind(err, KindCryptographic))

	other := sensitive.New(bytes.Repeat([]byte{8}, symmetricKeySize))
	_, err = AEADDecrypt(other, ct, "wrong key")
	assert.Error(t, err)
}

func TestKDFSplit(t *testing.T) {
	guard := func(b byte) *sensitive.Guard { return sensitive.New(bytes.Repeat([]byte{b}, 32)) }
	first := SharedKeys{ECDH: guard(1), Kyber768: guard(2)}
	second := SharedKeys{ECDH: guard(3), Kyber768: guard(4)}

	ikm := bytes.Join([][]byte{first.ECDH.Bytes(), first.Kyber768.Bytes(), second.ECDH.Bytes(), second.Kyber768.Bytes()}, nil)
	expected := make([]byte, 160)
	_, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, nil), expected)
	require.NoError(t, err)

	k2, err := KDF2(first, second)
	require.NoError(t, err)
	assert.Equal(t, expected[0:32], k2.KeyConfirmation.ClientToServer.Bytes())
	assert.Equal(t, expected[32:64], k2.ApplicationData.ClientToServer.Bytes())
	assert.Equal(t, expected[64:96], k2.KeyConfirmation.ServerToClient.Bytes())
	assert.Equal(t, expected[96:128], k2.ApplicationData.ServerToClient.Bytes())
	assert.Equal(t, expected[128:160], k2.KeyID[:])

	k1, err := KDF1(first)
	require.NoError(t, err)
	expected = make([]byte, 64)
	_, err = io.ReadFull(hkdf.New(sha256.New, ikm[:64], nil, nil), expected)
	require.NoError(t, err)
	assert.Equal(t, expected[:32], k1.ClientToServer.Bytes())
	assert.Equal(t, expected[32:], k1.ServerToClient.Bytes())

	// inputs stay usable
	assert.Equal(t, 32, first.ECDH.Len())
}

func TestEncapsulation(t *testing.T) {
	keys, err := GenerateKeypairs(seededReader(3))
	require.NoError(t, err)
	assert.Len(t, keys.Kyber768.PublicKey, KyberPublicKeySize)
	assert.Len(t, keys.ECDH.PublicKey.X, 32)
	assert.Len(t, keys.ECDH.PublicKey.Y, 32)

	enc, err := Encapsulate(seededReader(4), &keys.ECDH.PublicKey, keys.Kyber768.PublicKey)
	require.NoError(t, err)
	assert.Len(t, enc.CipherTexts.Kyber768, KyberCiphertextSize)

	ss, err := Decapsulate(enc.CipherTexts, keys.PrivateKeys())
	require.NoError(t, err)
	assert.True(t, ss.ECDH.Equal(enc.SharedKeys.ECDH))
	assert.True(t, ss.Kyber768.Equal(enc.SharedKeys.Kyber768))
	assert.Equal(t, 32, ss.Kyber768.Len())
}

func TestGenerateKeypairsDeterministic(t *testing.T) {
	a, err := GenerateKeypairs(seededReader(5))
	require.NoError(t, err)
	b, err := GenerateKeypairs(seededReader(5))
	require.NoError(t, err)
	assert.Equal(t, a.ECDH.PublicKey, b.ECDH.PublicKey)
	assert.Equal(t, a.Kyber768.PublicKey, b.Kyber768.PublicKey)

	c, err := GenerateKeypairs(seededReader(6))
	require.NoError(t, err)
	assert.NotEqual(t, a.Kyber768.PublicKey, c.Kyber768.PublicKey)
}

func TestVerifyVauKeys(t *testing.T) {
	keys, err := GenerateKeypairs(seededReader(7))
	require.NoError(t, err)
	valid := keys.ECDH.PublicKey
	require.NoError(t, VerifyVauKeys(&valid, keys.Kyber768.PublicKey))

	offCurve := ECDHPublicKey{Crv: CurveP256, X: bytes.Clone(valid.X), Y: bytes.Clone(valid.Y)}
	offCurve.Y[31] ^= 0x01

	tests := []struct {
		name  string
		ecdh  ECDHPublicKey
		kyber []byte
	}{
		{"wrong curve", ECDHPublicKey{Crv: "P-384", X: valid.X, Y: valid.Y}, keys.Kyber768.PublicKey},
		{"short x", ECDHPublicKey{Crv: CurveP256, X: valid.X[1:], Y: valid.Y}, keys.Kyber768.PublicKey},
		{"off curve", offCurve, keys.Kyber768.PublicKey},
		{"infinity", ECDHPublicKey{Crv: CurveP256, X: make([]byte, 32), Y: make([]byte, 32)}, keys.Kyber768.PublicKey},
		{"short kyber", valid, keys.Kyber768.PublicKey[:KyberPublicKeySize-1]},
		{"empty kyber", valid, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyVauKeys(&tt.ecdh, tt.kyber)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindStructural))
			assert.Equal(t, CodeFailedPublicKeyVerification, CodeOf(err))
		})
	}
}

func TestTranscriptHash(t *testing.T) {
	expected := sha256.Sum256([]byte("M1M2M3"))
	assert.Equal(t, expected[:], transcriptHash([]byte("M1"), []byte("M2"), []byte("M3")))
}
