package ca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509/pkix"
	"strings"
	"testing"
	"time"

	"github.com/gematik/tee3/pkg/ca"
	"github.com/gematik/tee3/pkg/gempki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

func TestAdmissionExtension(t *testing.T) {
	testCA, err := ca.NewMockCA(pkix.Name{CommonName: "Test CA"})
	require.NoError(t, err)
	keyPair, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cert, err := testCA.IssueCertificate(
		&keyPair.PublicKey,
		pkix.Name{CommonName: "Test Certificate"},
		ca.WithAdmission("ePA-Aktensystem VAU", gempki.OIDEpaVau),
	)
	require.NoError(t, err)

	certPEM, err := ca.EncodeCertToPEM(cert)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(certPEM, "-----BEGIN CERTIFICATE-----"))

	statement, err := gempki.ParseAdmissionStatement(cert)
	require.NoError(t, err)
	assert.Equal(t, []string{"ePA-Aktensystem VAU"}, statement.ProfessionItems)
	assert.True(t, statement.HasRole(gempki.OIDEpaVau))
}

func TestWithValidity(t *testing.T) {
	testCA, err := ca.NewRandomMockCA()
	require.NoError(t, err)
	keyPair, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	nb := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	na := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	cert, err := testCA.IssueCertificate(&keyPair.PublicKey, pkix.Name{CommonName: "x"}, ca.WithValidity(nb, na))
	require.NoError(t, err)
	assert.True(t, cert.NotBefore.Equal(nb))
	assert.True(t, cert.NotAfter.Equal(na))

	_, err = testCA.IssueCertificate(&keyPair.PublicKey, pkix.Name{CommonName: "x"}, ca.WithValidity(na, nb))
	assert.Error(t, err)
}

func TestOCSPResponse(t *testing.T) {
	pki, err := ca.NewMockVauPKI()
	require.NoError(t, err)

	der, err := pki.OCSP()
	require.NoError(t, err)
	resp, err := ocsp.ParseResponseForCert(der, pki.Leaf, pki.SubCA.Certificate)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, resp.Status)
	assert.Equal(t, pki.Leaf.SerialNumber, resp.SerialNumber)

	der, err = pki.SubCA.CreateOCSPResponse(pki.Leaf, ocsp.Revoked)
	require.NoError(t, err)
	resp, err = ocsp.ParseResponseForCert(der, pki.Leaf, pki.SubCA.Certificate)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, resp.Status)
}

func TestMockVauPKIVerifies(t *testing.T) {
	pki, err := ca.NewMockVauPKI()
	require.NoError(t, err)
	require.NoError(t, pki.Leaf.CheckSignatureFrom(pki.SubCA.Certificate))
	require.NoError(t, pki.SubCA.Certificate.CheckSignatureFrom(pki.Root.Certificate))
	assert.True(t, pki.SubCA.Certificate.IsCA)
}
