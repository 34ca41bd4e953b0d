package tee3

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gematik/tee3/pkg/ca"
	"github.com/gematik/tee3/pkg/gempki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.client()
	server := env.server()

	clientCtx, serverCtx := handshake(t, client, server)
	defer clientCtx.Close()
	defer serverCtx.Close()

	assert.Equal(t, StateFinished, client.State())
	assert.Equal(t, StateFinished, server.State())
	assert.True(t, clientCtx.IsSet())
	assert.True(t, serverCtx.IsSet())
	assert.Equal(t, clientCtx.KeyID(), serverCtx.KeyID())
	assert.Equal(t, server.VauCid(), clientCtx.VauCid())
	assert.Equal(t, server.ChannelID(), serverCtx.ChannelID())
	assert.Equal(t, Version, clientCtx.Version())
	assert.False(t, clientCtx.IsPU())

	require.NotNil(t, client.ServerKeys())
	assert.Equal(t, "test", client.ServerKeys().Comment)

	pair := clientCtx.CreateSessionContexts()
	assert.Equal(t, uint64(1), pair.Request.MessageCounter())
	assert.Equal(t, uint64(1), pair.Request.RequestCounter())
	assert.Equal(t, uint64(1), clientCtx.MessageCounter())

	assert.Equal(t, clientCtx.k2ApplicationData.ClientToServer.Bytes(), serverCtx.k2ApplicationData.ClientToServer.Bytes())
	assert.Equal(t, clientCtx.k2ApplicationData.ServerToClient.Bytes(), serverCtx.k2ApplicationData.ServerToClient.Bytes())
}

func TestHandshakeStateGuards(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.client()

	_, err := client.CreateMessage3([]byte{0xa0})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, client.ProcessMessage4([]byte{0xa0}), ErrInvalidState)
	_, err = client.Context()
	assert.ErrorIs(t, err, ErrInvalidState)

	m1, err := client.CreateMessage1()
	require.NoError(t, err)
	_, err = client.CreateMessage1()
	assert.ErrorIs(t, err, ErrInvalidState)

	server := env.server()
	_, err = server.CreateMessage4([]byte{0xa0})
	assert.ErrorIs(t, err, ErrInvalidState)
	m2, err := server.CreateMessage2(m1)
	require.NoError(t, err)
	_, err = server.CreateMessage2(m1)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = server.Context()
	assert.ErrorIs(t, err, ErrInvalidState)

	m3, err := client.CreateMessage3(m2)
	require.NoError(t, err)
	_, err = client.Context()
	assert.ErrorIs(t, err, ErrInvalidState, "context before M4")

	m4, err := server.CreateMessage4(m3)
	require.NoError(t, err)
	require.NoError(t, client.ProcessMessage4(m4))
	assert.ErrorIs(t, client.ProcessMessage4(m4), ErrInvalidState)
}

func TestHandshakeDeterministic(t *testing.T) {
	env := newTestEnv(t, 0)
	now := time.Now()

	run := func() ([]byte, *ClientHandshake, map[string][]byte) {
		reports := map[string][]byte{}
		client := env.client(
			WithRandom(seededReader(42)),
			WithClock(func() time.Time { return now }),
			WithReport(func(label string, value []byte) { reports[label] = bytes.Clone(value) }),
		)
		m1, err := client.CreateMessage1()
		require.NoError(t, err)
		return m1, client, reports
	}

	m1a, clientA, reportsA := run()
	m1b, clientB, reportsB := run()
	require.Equal(t, m1a, m1b)

	server := env.server()
	m2, err := server.CreateMessage2(m1a)
	require.NoError(t, err)

	m3a, err := clientA.CreateMessage3(m2)
	require.NoError(t, err)
	m3b, err := clientB.CreateMessage3(m2)
	require.NoError(t, err)

	assert.Equal(t, m3a, m3b)
	assert.Equal(t, reportsA["KeyID"], reportsB["KeyID"])
	assert.Equal(t, reportsA["K1_c2s"], reportsB["K1_c2s"])
	assert.Len(t, reportsA["KeyID"], KeyIDSize)

	m4, err := server.CreateMessage4(m3a)
	require.NoError(t, err)
	require.NoError(t, clientA.ProcessMessage4(m4))
	ctx, err := clientA.Context()
	require.NoError(t, err)
	keyID := ctx.KeyID()
	assert.Equal(t, reportsA["KeyID"], keyID[:])
}

func TestHandshakeContextIsShared(t *testing.T) {
	env := newTestEnv(t, 0)
	client, server := env.client(), env.server()
	clientCtx, serverCtx := handshake(t, client, server)

	again, err := client.Context()
	require.NoError(t, err)
	assert.Same(t, clientCtx, again)
	first := clientCtx.CreateSessionContexts()
	second := again.CreateSessionContexts()
	assert.Greater(t, second.Request.MessageCounter(), first.Request.MessageCounter(), "no counter is issued twice")

	serverAgain, err := server.Context()
	require.NoError(t, err)
	assert.Same(t, serverCtx, serverAgain)
}

func TestHandshakeAcrossKeyRotation(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.client()
	server := env.server()

	m1, err := client.CreateMessage1()
	require.NoError(t, err)
	m2, err := server.CreateMessage2(m1)
	require.NoError(t, err)
	m3, err := client.CreateMessage3(m2)
	require.NoError(t, err)

	require.NoError(t, env.keys.Rotate())

	m4, err := server.CreateMessage4(m3)
	require.NoError(t, err, "the handshake keeps the keys it advertised in M2")
	require.NoError(t, client.ProcessMessage4(m4))

	next := env.client()
	_, serverCtx := handshake(t, next, env.server())
	defer serverCtx.Close()
	assert.True(t, serverCtx.IsSet(), "new handshakes use the rotated keys")
}

// signedKeysOverride serves modified signed public keys with the real private keys.
type signedKeysOverride struct {
	*ServerKeyPairs
	modify func(*SignedPublicKeys)
}

func (o signedKeysOverride) CurrentKeys() (*SignedPublicKeys, PrivateKeys, error) {
	signed, private, err := o.ServerKeyPairs.CurrentKeys()
	if err != nil {
		return nil, PrivateKeys{}, err
	}
	copied := *signed
	o.modify(&copied)
	return &copied, private, nil
}

func runToMessage3(t *testing.T, client *ClientHandshake, keys ServerKeys) error {
	t.Helper()
	m1, err := client.CreateMessage1()
	require.NoError(t, err)
	m2, err := NewServerHandshake(keys, false).CreateMessage2(m1)
	require.NoError(t, err)
	_, err = client.CreateMessage3(m2)
	return err
}

func TestHandshakeVerificationFailures(t *testing.T) {
	now := time.Now()

	t.Run("signature", func(t *testing.T) {
		env := newTestEnv(t, 0)
		client := env.client()
		err := runToMessage3(t, client, signedKeysOverride{env.keys, func(s *SignedPublicKeys) {
			sig := bytes.Clone(s.SignatureES256)
			sig[10] ^= 0xff
			s.SignatureES256 = sig
		}})
		assert.True(t, IsKind(err, KindCryptographic))
		assert.Equal(t, StateError, client.State())
	})

	t.Run("signature length", func(t *testing.T) {
		env := newTestEnv(t, 0)
		err := runToMessage3(t, env.client(), signedKeysOverride{env.keys, func(s *SignedPublicKeys) {
			s.SignatureES256 = s.SignatureES256[:63]
		}})
		assert.True(t, IsKind(err, KindStructural))
	})

	t.Run("unknown certificate", func(t *testing.T) {
		env := newTestEnv(t, 0)
		err := runToMessage3(t, env.client(), signedKeysOverride{env.keys, func(s *SignedPublicKeys) {
			s.Cdv = 2
		}})
		assert.True(t, IsKind(err, KindTrust))
	})

	t.Run("missing role", func(t *testing.T) {
		env := newTestEnv(t, 0)
		leaf, err := env.pki.SubCA.IssueCertificate(&env.pki.LeafKey.PublicKey, env.pki.Leaf.Subject)
		require.NoError(t, err)
		env.pki.Leaf = leaf
		err = runToMessage3(t, env.client(), env.keys)
		assert.True(t, IsKind(err, KindTrust))
		assert.ErrorIs(t, err, gempki.ErrRoleMissing)
	})

	t.Run("wrong role", func(t *testing.T) {
		env := newTestEnv(t, 0)
		leaf, err := env.pki.SubCA.IssueCertificate(&env.pki.LeafKey.PublicKey, env.pki.Leaf.Subject,
			ca.WithAdmission("Versicherter", "1.2.276.0.76.4.50"))
		require.NoError(t, err)
		env.pki.Leaf = leaf
		err = runToMessage3(t, env.client(), env.keys)
		assert.True(t, IsKind(err, KindTrust))
		assert.ErrorIs(t, err, gempki.ErrRoleMissing)
	})

	t.Run("missing ocsp", func(t *testing.T) {
		env := newTestEnv(t, 0)
		err := runToMessage3(t, env.client(), signedKeysOverride{env.keys, func(s *SignedPublicKeys) {
			s.OCSPResponse = nil
		}})
		assert.ErrorIs(t, err, gempki.ErrOCSPMissing)
	})

	t.Run("stale ocsp", func(t *testing.T) {
		env := newTestEnv(t, 0, ca.WithValidity(now.Add(-time.Hour), now.Add(72*time.Hour)))
		client := env.client(WithClock(func() time.Time { return now.Add(25 * time.Hour) }))
		err := runToMessage3(t, client, env.keys)
		assert.True(t, IsKind(err, KindTrust))
		assert.ErrorIs(t, err, gempki.ErrOCSPStale)
	})

	t.Run("expired keys", func(t *testing.T) {
		env := newTestEnv(t, time.Minute)
		client := env.client(WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
		err := runToMessage3(t, client, env.keys)
		assert.True(t, IsKind(err, KindTrust))
		assert.Contains(t, err.Error(), "VauKeys expired")
	})

	t.Run("invalid server keys", func(t *testing.T) {
		env := newTestEnv(t, 0)
		client := env.client()
		m1, err := client.CreateMessage1()
		require.NoError(t, err)
		m2, err := env.server().CreateMessage2(m1)
		require.NoError(t, err)

		var msg Message2
		require.NoError(t, cbor.Unmarshal(m2, &msg))
		msg.KyberCiphertext = msg.KyberCiphertext[:100]
		tampered, err := cbor.Marshal(&msg)
		require.NoError(t, err)
		_, err = client.CreateMessage3(tampered)
		assert.True(t, IsKind(err, KindStructural))
	})
}

func TestServerRejectsMessages(t *testing.T) {
	env := newTestEnv(t, 0)

	t.Run("not M1", func(t *testing.T) {
		m4, err := cbor.Marshal(&Message4{MessageType: MessageTypeM4})
		require.NoError(t, err)
		_, err = env.server().CreateMessage2(m4)
		assert.True(t, IsKind(err, KindStructural))
	})

	t.Run("garbage", func(t *testing.T) {
		server := env.server()
		_, err := server.CreateMessage2([]byte{0xff, 0x00})
		assert.Equal(t, CodeDecodingError, CodeOf(err))
		assert.Equal(t, StateError, server.State())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := env.server().CreateMessage2(nil)
		assert.Equal(t, CodeMissingParameters, CodeOf(err))
	})

	t.Run("invalid client keys", func(t *testing.T) {
		keys, err := GenerateKeypairs(seededReader(9))
		require.NoError(t, err)
		m1, err := cbor.Marshal(&Message1{
			MessageType:    MessageTypeM1,
			ECDHPublicKey:  keys.ECDH.PublicKey,
			KyberPublicKey: keys.Kyber768.PublicKey[:KyberPublicKeySize-1],
		})
		require.NoError(t, err)
		_, err = env.server().CreateMessage2(m1)
		assert.Equal(t, CodeFailedPublicKeyVerification, CodeOf(err))
	})
}

// reorderedMessage1 encodes the same fields as Message1 in a different order.
type reorderedMessage1 struct {
	KyberPublicKey []byte        `cbor:"Kyber768_PK"`
	ECDHPublicKey  ECDHPublicKey `cbor:"ECDH_PK"`
	MessageType    string        `cbor:"MessageType"`
}

func TestTranscriptMismatch(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.client()
	server := env.server()

	m1, err := client.CreateMessage1()
	require.NoError(t, err)
	var msg Message1
	require.NoError(t, cbor.Unmarshal(m1, &msg))
	reordered, err := cbor.Marshal(&reorderedMessage1{KyberPublicKey: msg.KyberPublicKey, ECDHPublicKey: msg.ECDHPublicKey, MessageType: msg.MessageType})
	require.NoError(t, err)
	require.NotEqual(t, m1, reordered)

	m2, err := server.CreateMessage2(reordered)
	require.NoError(t, err)
	m3, err := client.CreateMessage3(m2)
	require.NoError(t, err)

	_, err = server.CreateMessage4(m3)
	assert.True(t, IsKind(err, KindCryptographic))
	assert.Equal(t, CodeTranscriptError, CodeOf(err))
	assert.Equal(t, StateError, server.State())
}

func TestMessage4Tampered(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.client()
	server := env.server()

	m1, err := client.CreateMessage1()
	require.NoError(t, err)
	m2, err := server.CreateMessage2(m1)
	require.NoError(t, err)
	m3, err := client.CreateMessage3(m2)
	require.NoError(t, err)
	m4, err := server.CreateMessage4(m3)
	require.NoError(t, err)

	var msg Message4
	require.NoError(t, cbor.Unmarshal(m4, &msg))
	msg.AEADCiphertextKeyConfirmation[len(msg.AEADCiphertextKeyConfirmation)-1] ^= 0x01
	tampered, err := cbor.Marshal(&msg)
	require.NoError(t, err)

	err = client.ProcessMessage4(tampered)
	assert.True(t, IsKind(err, KindCryptographic))
	assert.Equal(t, StateError, client.State())
	assert.True(t, client.k2.ApplicationData.ClientToServer.Empty(), "keys cleansed on failure")
}

func TestRestartAndErrorMessages(t *testing.T) {
	var keyID KeyID
	keyID[0] = 0x42
	data, err := EncodeRestart(keyID)
	require.NoError(t, err)

	messageType, err := PeekMessageType(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeRestart, messageType)

	restart, err := DecodeRestart(data)
	require.NoError(t, err)
	assert.Equal(t, keyID[:], restart.KeyID)

	id, err := restart.ID()
	require.NoError(t, err)
	assert.Equal(t, keyID, id)

	_, err = DecodeRestart([]byte{0xa0})
	assert.Error(t, err)
	short, err := encode(&MessageRestart{MessageType: MessageTypeRestart, KeyID: keyID[:8]})
	require.NoError(t, err)
	_, err = DecodeRestart(short)
	assert.Equal(t, CodeDecodingError, CodeOf(err), "KeyID must be 32 bytes")

	wire := NewMessageError(structuralError(CodePuNonPuFailure, "frame PU flag", errors.New("secret detail")))
	assert.Equal(t, MessageTypeError, wire.MessageType)
	assert.Equal(t, uint64(CodePuNonPuFailure), wire.ErrorCode)
	assert.Equal(t, "frame PU flag", wire.ErrorMessage)
	assert.Contains(t, wire.Error(), "PuNonPuFailure")

	foreign := NewMessageError(errors.New("database down"))
	assert.Equal(t, uint64(CodeInternalServerError), foreign.ErrorCode)
	assert.Equal(t, "internal error", foreign.ErrorMessage)
}

func TestErrorMatching(t *testing.T) {
	restart := &Error{Kind: KindRestart, Description: "Restart for KeyID"}
	assert.ErrorIs(t, restart, ErrRestart)
	assert.NotErrorIs(t, cryptoError(CodeGcmDecryptionFailure, "x", nil), ErrRestart)

	wrapped := errors.Join(errors.New("outer"), trustError("chain", gempki.ErrUnknownIssuer))
	assert.True(t, IsKind(wrapped, KindTrust))
	assert.ErrorIs(t, wrapped, gempki.ErrUnknownIssuer)
	assert.Equal(t, CodeFailedPublicKeyVerification, CodeOf(wrapped))
	assert.Equal(t, "UnknownKeyID", CodeUnknownKeyID.String())
}

func TestEncodeDecodeError(t *testing.T) {
	data, err := EncodeError(fmt.Errorf("handling M3: %w", structuralError(CodeTranscriptError, "transcript", nil)))
	require.NoError(t, err)
	m, err := DecodeError(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(CodeTranscriptError), m.ErrorCode)
	assert.Equal(t, "transcript", m.ErrorMessage)

	restart, err := EncodeRestart(KeyID{})
	require.NoError(t, err)
	_, err = DecodeError(restart)
	assert.Error(t, err)
}
