package gempki

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gematik/zero-lab/go/brainpool"
)

const (
	URLTrustServiceListTest = "https://download-test.tsl.ti-dienste.de/ECC/ECC-RSA_TSL-test.xml"
	URLTrustServiceListRef  = "https://download-ref.tsl.ti-dienste.de/ECC/ECC-RSA_TSL-ref.xml"
	URLTrustServiceListProd = "https://download.tsl.ti-dienste.de/ECC/ECC-RSA_TSL.xml"
)

const (
	ServiceTypeCaPkc          = "http://uri.etsi.org/TrstSvc/Svctype/CA/PKC"
	ServiceTypeCertstatusOcsp = "http://uri.etsi.org/TrstSvc/Svctype/Certstatus/OCSP"
)

// TSLURL returns the download location of the environment's trust service list.
func TSLURL(env Environment) (string, error) {
	switch env {
	case EnvTest:
		return URLTrustServiceListTest, nil
	case EnvDev, EnvRef:
		return URLTrustServiceListRef, nil
	case EnvProd:
		return URLTrustServiceListProd, nil
	default:
		return "", fmt.Errorf("unknown environment: %s", env)
	}
}

func LoadTSL(ctx context.Context, httpClient *http.Client, url string) (*TrustServiceStatusList, error) {
	slog.Info("Loading TSL", "url", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP response error: %s", resp.Status)
	}
	return ParseTSL(resp.Body, url)
}

func ParseTSL(input io.Reader, url string) (*TrustServiceStatusList, error) {
	body, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(body)

	tsl := new(TrustServiceStatusList)
	if err := xml.Unmarshal(body, tsl); err != nil {
		return nil, fmt.Errorf("failed to parse TSL: %w", err)
	}
	tsl.Hash = hex.EncodeToString(hash[:])
	tsl.Url = url
	return tsl, nil
}

type DigitalId struct {
	X509CertificateRaw []byte            `xml:"-"`
	X509Certificate    *x509.Certificate `xml:"-"`
}

func (d *DigitalId) UnmarshalXML(decoder *xml.Decoder, start xml.StartElement) error {
	surrogate := struct {
		X509CertificateBase64 string `xml:"http://uri.etsi.org/02231/v2# X509Certificate"`
	}{}
	if err := decoder.DecodeElement(&surrogate, &start); err != nil {
		return err
	}
	if surrogate.X509CertificateBase64 == "" {
		return nil
	}
	var err error
	if d.X509CertificateRaw, err = base64.StdEncoding.DecodeString(surrogate.X509CertificateBase64); err != nil {
		return fmt.Errorf("failed to decode base64: %w", err)
	}
	if d.X509Certificate, err = brainpool.ParseCertificate(d.X509CertificateRaw); err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	return nil
}

type ServiceDigitalIdentity struct {
	DigitalId DigitalId `xml:"http://uri.etsi.org/02231/v2# DigitalId"`
}

type ServiceInformation struct {
	ServiceTypeIdentifier  string                 `xml:"http://uri.etsi.org/02231/v2# ServiceTypeIdentifier"`
	ServiceDigitalIdentity ServiceDigitalIdentity `xml:"http://uri.etsi.org/02231/v2# ServiceDigitalIdentity"`
	ServiceStatus          string                 `xml:"http://uri.etsi.org/02231/v2# ServiceStatus"`
	ServiceSupplyPoints    []string               `xml:"http://uri.etsi.org/02231/v2# ServiceSupplyPoints>ServiceSupplyPoint"`
}

type TSPService struct {
	ServiceInformation ServiceInformation `xml:"http://uri.etsi.org/02231/v2# ServiceInformation"`
}

type TrustServiceProvider struct {
	TSPServices []TSPService `xml:"http://uri.etsi.org/02231/v2# TSPServices>TSPService"`
}

type TrustServiceStatusList struct {
	Hash                     string                 `xml:"-"`
	Url                      string                 `xml:"-"`
	XMLName                  xml.Name               `xml:"http://uri.etsi.org/02231/v2# TrustServiceStatusList"`
	Id                       string                 `xml:"Id,attr"`
	TrustServiceProviderList []TrustServiceProvider `xml:"http://uri.etsi.org/02231/v2# TrustServiceProviderList>TrustServiceProvider"`
}
