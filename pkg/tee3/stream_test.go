package tee3

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRoundTrip(t *testing.T) {
	env := newTestEnv(t, 0)
	clientCtx, serverCtx := handshake(t, env.client(), env.server())
	factory := NewStreamFactory()

	for i := uint64(1); i <= 3; i++ {
		pair := clientCtx.CreateSessionContexts()
		frame, err := factory.Encrypt(pair.Request, []byte("GET /epa HTTP/1.1\r\n\r\n"))
		require.NoError(t, err)

		header, err := ParseFrameHeader(frame)
		require.NoError(t, err)
		assert.Equal(t, Version, header.Version)
		assert.Equal(t, ClientToServer, header.Direction)
		assert.Equal(t, i, header.RequestCounter)
		assert.Equal(t, clientCtx.KeyID(), header.KeyID)
		assert.Equal(t, i, binary.BigEndian.Uint64(frame[HeaderSize+4:HeaderSize+ivSize]), "IV ends with message counter")

		var response *SessionContext
		plaintext, err := factory.Decrypt(serverLookup(serverCtx, &response), frame)
		require.NoError(t, err)
		assert.Equal(t, "GET /epa HTTP/1.1\r\n\r\n", string(plaintext))

		respFrame, err := factory.Encrypt(response, []byte("HTTP/1.1 200 OK\r\n\r\n"))
		require.NoError(t, err)
		plaintext, err = factory.Decrypt(fixed(pair.Response), respFrame)
		require.NoError(t, err)
		assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(plaintext))
	}
	assert.Equal(t, uint64(3), serverCtx.RequestCounter())
}

func TestStreamChecks(t *testing.T) {
	env := newTestEnv(t, 0)
	clientCtx, serverCtx := handshake(t, env.client(), env.server())
	factory := NewStreamFactory()

	encrypt := func(sc *SessionContext) []byte {
		frame, err := factory.Encrypt(sc, []byte("ping"))
		require.NoError(t, err)
		return frame
	}

	t.Run("pu mismatch", func(t *testing.T) {
		frame := encrypt(clientCtx.CreateSessionContexts().Request)
		frame[1] = 1
		_, err := factory.Decrypt(serverLookup(serverCtx, nil), frame)
		assert.Equal(t, CodePuNonPuFailure, CodeOf(err))

		frame[1] = 7
		_, err = factory.Decrypt(serverLookup(serverCtx, nil), frame)
		assert.Equal(t, CodePuNonPuFailure, CodeOf(err), "PU byte out of range")
	})

	t.Run("response sent as request", func(t *testing.T) {
		pair := clientCtx.CreateSessionContexts()
		frame := encrypt(pair.Response)
		_, err := factory.Decrypt(serverLookup(serverCtx, nil), frame)
		assert.Equal(t, CodeNotARequest, CodeOf(err))
	})

	t.Run("unknown KeyID", func(t *testing.T) {
		frame := encrypt(clientCtx.CreateSessionContexts().Request)
		frame[HeaderSize-1] ^= 0xff
		_, err := factory.Decrypt(serverLookup(serverCtx, nil), frame)
		assert.Equal(t, CodeUnknownKeyID, CodeOf(err))
	})

	t.Run("response counter mismatch", func(t *testing.T) {
		first := clientCtx.CreateSessionContexts()
		second := clientCtx.CreateSessionContexts()
		_, err := factory.Decrypt(fixed(first.Response), encrypt(second.Response))
		assert.Equal(t, CodeDecodingError, CodeOf(err))
	})

	t.Run("tampered header", func(t *testing.T) {
		pair := clientCtx.CreateSessionContexts()
		frame := encrypt(pair.Request)
		binary.BigEndian.PutUint64(frame[3:11], pair.Request.RequestCounter()+100)
		_, err := factory.Decrypt(serverLookup(serverCtx, nil), frame)
		assert.True(t, IsKind(err, KindCryptographic), "header is authenticated")
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		frame := encrypt(clientCtx.CreateSessionContexts().Request)
		frame[len(frame)-1] ^= 0x01
		_, err := factory.Decrypt(serverLookup(serverCtx, nil), frame)
		assert.Equal(t, CodeGcmDecryptionFailure, CodeOf(err))
	})

	t.Run("short frame", func(t *testing.T) {
		_, err := factory.Decrypt(serverLookup(serverCtx, nil), make([]byte, HeaderSize-1))
		assert.Equal(t, CodeDecodingError, CodeOf(err))

		frame := encrypt(clientCtx.CreateSessionContexts().Request)
		_, err = factory.Decrypt(serverLookup(serverCtx, nil), frame[:HeaderSize+MinAEADSize-1])
		assert.Equal(t, CodeDecodingError, CodeOf(err))
	})
}

func TestFrameHeader(t *testing.T) {
	var keyID KeyID
	keyID[0] = 0xab
	h := FrameHeader{Version: Version, IsPU: true, Direction: ServerToClient, RequestCounter: 0x0102030405060708, KeyID: keyID}
	b := h.Bytes()
	require.Len(t, b, HeaderSize)
	assert.Equal(t, []byte{0x02, 0x01, 0x02, 1, 2, 3, 4, 5, 6, 7, 8, 0xab}, b[:12])

	parsed, err := ParseFrameHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	for _, pu := range []byte{2, 0xff} {
		b[1] = pu
		_, err = ParseFrameHeader(b)
		assert.Equal(t, CodePuNonPuFailure, CodeOf(err), "PU byte %d", pu)
	}
}

func TestEncryptingReaderIsLazy(t *testing.T) {
	ctx := newTestContext(false)
	factory := NewStreamFactory()
	calls := 0
	provider := func() (*SessionContext, error) {
		calls++
		return ctx.CreateSessionContexts().Request, nil
	}

	reader := factory.NewEncryptingReader(provider, bytes.NewReader([]byte("lazy body")))
	assert.Zero(t, calls)
	assert.Zero(t, ctx.MessageCounter())

	frame, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	lookup := func(KeyID, uint64) (*SessionContext, error) {
		return ctx.CurrentSessionContexts().Request, nil
	}
	plaintext, err := io.ReadAll(factory.NewDecryptingReader(lookup, bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.Equal(t, "lazy body", string(plaintext))
}

func TestEncryptingReaderProviderError(t *testing.T) {
	factory := NewStreamFactory()
	failure := errors.New("no channel")
	reader := factory.NewEncryptingReader(func() (*SessionContext, error) { return nil, failure }, bytes.NewReader(nil))
	_, err := io.ReadAll(reader)
	assert.ErrorIs(t, err, failure)
	_, err = reader.Read(make([]byte, 1))
	assert.ErrorIs(t, err, failure)
}

func TestEncryptingWriter(t *testing.T) {
	ctx := newTestContext(false)
	factory := NewStreamFactory()
	var out bytes.Buffer

	w := factory.NewEncryptingWriter(func() (*SessionContext, error) {
		return ctx.CreateSessionContexts().Response, nil
	}, &out)
	_, err := io.WriteString(w, "part one, ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "part two")
	require.NoError(t, err)
	assert.Zero(t, out.Len())
	require.NoError(t, w.Close())
	assert.Error(t, w.Close())
	_, err = w.Write([]byte("late"))
	assert.Error(t, err)

	plaintext, err := factory.Decrypt(fixed(ctx.CurrentSessionContexts().Response), out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", string(plaintext))
}
