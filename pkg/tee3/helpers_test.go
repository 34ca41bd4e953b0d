package tee3

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/gematik/tee3/pkg/ca"
	"github.com/stretchr/testify/require"
)

func seededReader(seed byte) io.Reader {
	var s [32]byte
	s[0] = seed
	return rand.NewChaCha8(s)
}

type testEnv struct {
	pki  *ca.MockVauPKI
	keys *ServerKeyPairs
}

func newTestEnv(t *testing.T, lifetime time.Duration, opts ...ca.IssueOption) *testEnv {
	t.Helper()
	pki, err := ca.NewMockVauPKI(opts...)
	require.NoError(t, err)
	keys, err := NewServerKeyPairs(ServerKeysConfig{
		Certificate: AutTeeCertificate{Cert: pki.Leaf.Raw, CA: pki.SubCA.Certificate.Raw, RCAChain: [][]byte{pki.Root.Certificate.Raw}},
		Signer:      pki.LeafKey,
		OCSP:        pki.OCSP,
		Lifetime:    lifetime,
		Comment:     "test",
	})
	require.NoError(t, err)
	return &testEnv{pki: pki, keys: keys}
}

func (e *testEnv) certs() CertificateProvider {
	return CertificateProviderFunc(func(hash []byte, version uint64) (*x509.Certificate, error) {
		if !bytes.Equal(hash, e.keys.CertHash()) || version != CertificateVersion {
			return nil, fmt.Errorf("unknown certificate %x-%d", hash, version)
		}
		return e.pki.Leaf, nil
	})
}

func (e *testEnv) client(opts ...Option) *ClientHandshake {
	return NewClientHandshake(e.certs(), e.pki.Verifier(), false, opts...)
}

func (e *testEnv) server(opts ...Option) *ServerHandshake {
	return NewServerHandshake(e.keys, false, opts...)
}

// handshake runs all four messages and returns both finished contexts.
func handshake(t *testing.T, client *ClientHandshake, server *ServerHandshake) (*Context, *Context) {
	t.Helper()
	m1, err := client.CreateMessage1()
	require.NoError(t, err)
	m2, err := server.CreateMessage2(m1)
	require.NoError(t, err)

	cid, channelID, err := NewVauCid("cluster1", "pod1")
	require.NoError(t, err)
	server.SetVauCid(cid, channelID)
	client.SetVauCid(cid)

	m3, err := client.CreateMessage3(m2)
	require.NoError(t, err)
	m4, err := server.CreateMessage4(m3)
	require.NoError(t, err)
	require.NoError(t, client.ProcessMessage4(m4))

	clientCtx, err := client.Context()
	require.NoError(t, err)
	serverCtx, err := server.Context()
	require.NoError(t, err)
	return clientCtx, serverCtx
}

// serverLookup resolves request frames against the server side context.
func serverLookup(ctx *Context, response **SessionContext) SessionContextLookup {
	return func(keyID KeyID, requestCounter uint64) (*SessionContext, error) {
		if keyID != ctx.KeyID() {
			return nil, structuralError(CodeUnknownKeyID, "KeyID", nil)
		}
		pair := ctx.CreateSessionContextsForRequest(requestCounter)
		if response != nil {
			*response = pair.Response
		}
		return pair.Request, nil
	}
}

func fixed(sc *SessionContext) SessionContextLookup {
	return func(KeyID, uint64) (*SessionContext, error) {
		return sc, nil
	}
}
