package gempki

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"time"

	"github.com/gematik/zero-lab/go/brainpool"
)

const trustAnchorTestBase64 = "MIICyjCCAnKgAwIBAgIBATAKBggqhkjOPQQDAjCBgTELMAkGA1UEBhMCREUxHzAdBgNVBAoMFmdlbWF0aWsgR21iSCBOT1QtVkFMSUQxNDAyBgNVBAsMK1plbnRyYWxlIFJvb3QtQ0EgZGVyIFRlbGVtYXRpa2luZnJhc3RydWt0dXIxGzAZBgNVBAMMEkdFTS5SQ0E4IFRFU1QtT05MWTAeFw0yMzEyMDcxMDE3NTJaFw0zMzEyMDQxMDE3NTJaMIGBMQswCQYDVQQGEwJERTEfMB0GA1UECgwWZ2VtYXRpayBHbWJIIE5PVC1WQUxJRDE0MDIGA1UECwwrWmVudHJhbGUgUm9vdC1DQSBkZXIgVGVsZW1hdGlraW5mcmFzdHJ1a3R1cjEbMBkGA1UEAwwSR0VNLlJDQTggVEVTVC1PTkxZMFowFAYHKoZIzj0CAQYJKyQDAwIIAQEHA0IABDLncr51uoi5aGXoctM3aIm/tjMRXGu+57M1TUjwsy2HhyjEBaMWqlGMBcmcGZhbcKt/lepwcDk3EvGRmDJWGQ2jgdcwgdQwHQYDVR0OBBYEFKG5FDonMHtcZx71MsSx1RqJ/LxTMEoGCCsGAQUFBwEBBD4wPDA6BggrBgEFBQcwAYYuaHR0cDovL29jc3AtdGVzdHJlZi5yb290LWNhLnRpLWRpZW5zdGUuZGUvb2NzcDAOBgNVHQ8BAf8EBAMCAQYwRgYDVR0gBD8wPTA7BggqghQATASBIzAvMC0GCCsGAQUFBwIBFiFodHRwOi8vd3d3LmdlbWF0aWsuZGUvZ28vcG9saWNpZXMwDwYDVR0TAQH/BAUwAwEB/zAKBggqhkjOPQQDAgNGADBDAh9GANMYXG7LtOY83ffXG0MB/Hb1cGPV5umiJgyOlkpVAiAL+e32oEH1N625yww+4lgFd0LBg9gcFLQ87rEdlyCq1Q=="
const trustAnchorDevRefBase64 = "MIICzDCCAnGgAwIBAgIBATAKBggqhkjOPQQDAjCBgTELMAkGA1UEBhMCREUxHzAdBgNVBAoMFmdlbWF0aWsgR21iSCBOT1QtVkFMSUQxNDAyBgNVBAsMK1plbnRyYWxlIFJvb3QtQ0EgZGVyIFRlbGVtYXRpa2luZnJhc3RydWt0dXIxGzAZBgNVBAMMEkdFTS5SQ0E3IFRFU1QtT05MWTAeFw0yMzA1MjUxMjIxMzlaFw0zMzA1MjIxMjIxMzlaMIGBMQswCQYDVQQGEwJERTEfMB0GA1UECgwWZ2VtYXRpayBHbWJIIE5PVC1WQUxJRDE0MDIGA1UECwwrWmVudHJhbGUgUm9vdC1DQSBkZXIgVGVsZW1hdGlraW5mcmFzdHJ1a3R1cjEbMBkGA1UEAwwSR0VNLlJDQTcgVEVTVC1PTkxZMFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAEGv3lzIASzKQHW0YbxoaSIFUlGcgH8c/JEWOifqVVKkJUS81zG1ogcL6skAhGCtkksfdSJKiZnmnKeQ/yAgGZUaOB1zCB1DAdBgNVHQ4EFgQUsvAJPk0L4wgkgJY1bjo2MyvySxowSgYIKwYBBQUHAQEEPjA8MDoGCCsGAQUFBzABhi5odHRwOi8vb2NzcC10ZXN0cmVmLnJvb3QtY2EudGktZGllbnN0ZS5kZS9vY3NwMA4GA1UdDwEB/wQEAwIBBjBGBgNVHSAEPzA9MDsGCCqCFABMBIEjMC8wLQYIKwYBBQUHAgEWIWh0dHA6Ly93d3cuZ2VtYXRpay5kZS9nby9wb2xpY2llczAPBgNVHRMBAf8EBTADAQH/MAoGCCqGSM49BAMCA0kAMEYCIQCntB3Gck9DDlVADBZQCrT3RU3D9QS5k9bd3NKCexf9LQIhAIG2Qyu9HVlKnz8a8qdSJE6+TTejs15x7CLEvaLouXUk"
const trustAnchorProdBase64 = "MIICmTCCAkCgAwIBAgIBATAKBggqhkjOPQQDAjBtMQswCQYDVQQGEwJERTEVMBMGA1UECgwMZ2VtYXRpayBHbWJIMTQwMgYDVQQLDCtaZW50cmFsZSBSb290LUNBIGRlciBUZWxlbWF0aWtpbmZyYXN0cnVrdHVyMREwDwYDVQQDDAhHRU0uUkNBODAeFw0yMzEyMTIwOTU3MTNaFw0zMzEyMDkwOTU3MTNaMG0xCzAJBgNVBAYTAkRFMRUwEwYDVQQKDAxnZW1hdGlrIEdtYkgxNDAyBgNVBAsMK1plbnRyYWxlIFJvb3QtQ0EgZGVyIFRlbGVtYXRpa2luZnJhc3RydWt0dXIxETAPBgNVBAMMCEdFTS5SQ0E4MFowFAYHKoZIzj0CAQYJKyQDAwIIAQEHA0IABIwmqH0yFsDRE7IMfPIRk+Emh2U4ZFVjvFgmr0qSwdyVL32ZfNpLJGvUPhCYiedfMSkDBK+zToDBDU/lmSScDT6jgc8wgcwwHQYDVR0OBBYEFIucDNB6vgBoeq0yjWmPmYByx5ssMEIGCCsGAQUFBwEBBDYwNDAyBggrBgEFBQcwAYYmaHR0cDovL29jc3Aucm9vdC1jYS50aS1kaWVuc3RlLmRlL29jc3AwDgYDVR0PAQH/BAQDAgEGMEYGA1UdIAQ/MD0wOwYIKoIUAEwEgSMwLzAtBggrBgEFBQcCARYhaHR0cDovL3d3dy5nZW1hdGlrLmRlL2dvL3BvbGljaWVzMA8GA1UdEwEB/wQFMAMBAf8wCgYIKoZIzj0EAwIDRwAwRAIgZMA4ldNbm42AaLy/iTkIRbOZ5StBjYbn+asOoN06eWcCIH8na29NzkvzPKwQ1UY4qaPdOCvibXlC07zbTfzLJzkx"

var (
	TrustAnchorDev  *x509.Certificate
	TrustAnchorRef  *x509.Certificate
	TrustAnchorTest *x509.Certificate
	TrustAnchorProd *x509.Certificate
)

func init() {
	var err error
	if TrustAnchorDev, err = parseBase64Cert(trustAnchorDevRefBase64); err != nil {
		panic(fmt.Sprintf("failed to parse dev/ref trust anchor: %v", err))
	}
	TrustAnchorRef = TrustAnchorDev
	if TrustAnchorTest, err = parseBase64Cert(trustAnchorTestBase64); err != nil {
		panic(fmt.Sprintf("failed to parse test trust anchor: %v", err))
	}
	if TrustAnchorProd, err = parseBase64Cert(trustAnchorProdBase64); err != nil {
		panic(fmt.Sprintf("failed to parse prod trust anchor: %v", err))
	}
}

func parseBase64Cert(s string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 certificate: %w", err)
	}
	return brainpool.ParseCertificate(der)
}

// TrustAnchor returns the TI root the environment's trust space starts from.
func TrustAnchor(env Environment) (*x509.Certificate, error) {
	switch env {
	case EnvDev:
		return TrustAnchorDev, nil
	case EnvRef:
		return TrustAnchorRef, nil
	case EnvTest:
		return TrustAnchorTest, nil
	case EnvProd:
		return TrustAnchorProd, nil
	default:
		return nil, fmt.Errorf("unknown environment: %s", env)
	}
}

// Roots are the trusted root certificates, indexed by subject common name.
type Roots struct {
	ByCommonName map[string]*x509.Certificate
}

func NewRoots(certs ...*x509.Certificate) *Roots {
	r := &Roots{ByCommonName: make(map[string]*x509.Certificate, len(certs))}
	for _, cert := range certs {
		r.ByCommonName[cert.Subject.CommonName] = cert
	}
	return r
}

// RootsForEnvironment returns roots holding only the environment's trust anchor.
func RootsForEnvironment(env Environment) (*Roots, error) {
	anchor, err := TrustAnchor(env)
	if err != nil {
		return nil, err
	}
	return NewRoots(anchor), nil
}

// ParseCertificatesPEM parses all CERTIFICATE blocks in data, brainpool keys included.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := brainpool.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}

// FilterValidSubCAs returns the CA/PKC services of the TSL issued by one of the roots
// and valid at now.
func (r Roots) FilterValidSubCAs(tsl *TrustServiceStatusList, now time.Time) []*x509.Certificate {
	var valid []*x509.Certificate
	for _, provider := range tsl.TrustServiceProviderList {
		for _, service := range provider.TSPServices {
			if service.ServiceInformation.ServiceTypeIdentifier != ServiceTypeCaPkc {
				continue
			}
			caCert := service.ServiceInformation.ServiceDigitalIdentity.DigitalId.X509Certificate
			if caCert == nil {
				continue
			}
			root, ok := r.ByCommonName[caCert.Issuer.CommonName]
			if !ok {
				slog.Debug("CA certificate not issued by any known root", "ca", caCert.Subject.CommonName)
				continue
			}
			if err := caCert.CheckSignatureFrom(root); err != nil {
				slog.Error("CA certificate not signed by root", "ca", caCert.Subject.CommonName, "root", root.Subject.CommonName)
				continue
			}
			if !caCert.IsCA {
				slog.Warn("CA certificate is not marked as CA", "ca", caCert.Subject.CommonName)
				continue
			}
			if err := checkValidity(caCert, now); err != nil {
				slog.Warn("CA certificate outside validity, skipping", "ca", caCert.Subject.CommonName, "error", err)
				continue
			}
			valid = append(valid, caCert)
		}
	}
	return valid
}
