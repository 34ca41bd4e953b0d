package cmd

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gematik/tee3/pkg/certcache"
	"github.com/gematik/tee3/pkg/config"
	"github.com/gematik/tee3/pkg/gempki"
	"github.com/gematik/tee3/pkg/vauclient"
	bolt "go.etcd.io/bbolt"
)

// clientFactory creates VAU clients sharing one verifier and one certificate cache.
type clientFactory struct {
	cfg      *config.Config
	verifier *gempki.Verifier
	db       *bolt.DB
}

func newClientFactory(ctx context.Context, cfg *config.Config) (*clientFactory, error) {
	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f := &clientFactory{cfg: cfg, verifier: verifier}
	if path := cfg.Path(cfg.Client.CertCachePath); path != "" {
		if f.db, err = certcache.OpenDB(path); err != nil {
			return nil, err
		}
		slog.Debug("Using certificate cache", "path", path)
	}
	return f, nil
}

func (f *clientFactory) Close() {
	if f.db != nil {
		f.db.Close()
	}
}

func (f *clientFactory) baseURL(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if f.cfg.Client.BaseURL == "" {
		return "", fmt.Errorf("no VAU URL given and client.base_url not configured")
	}
	return f.cfg.Client.BaseURL, nil
}

func (f *clientFactory) NewClient(baseURL string) (*vauclient.Client, error) {
	cl := f.cfg.Client
	httpClient := &http.Client{Timeout: cl.Timeout}

	certOpts := []certcache.Option{certcache.WithHTTPClient(httpClient), certcache.WithTTL(cl.CertCacheTTL)}
	if f.db != nil {
		certOpts = append(certOpts, certcache.WithDB(f.db))
	}

	opts := []vauclient.Option{
		vauclient.WithHTTPClient(httpClient),
		vauclient.WithEnvironment(f.cfg.Environment),
		vauclient.WithRetry(cl.RetryTimeout, cl.MaxRetryTimeout),
		vauclient.WithContextLifetime(cl.ContextLifetime),
	}
	if cl.UserAgent != "" {
		opts = append(opts, vauclient.WithUserAgent(cl.UserAgent))
	}
	return vauclient.New(baseURL, certcache.New(baseURL, certOpts...), f.verifier, opts...)
}

// newVerifier trusts the PEM file at client.trust_roots_path, or else the
// environment's trust anchor with the sub-CAs of its TSL.
func newVerifier(ctx context.Context, cfg *config.Config) (*gempki.Verifier, error) {
	if path := cfg.Path(cfg.Client.TrustRootsPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read trust roots: %w", err)
		}
		certs, err := gempki.ParseCertificatesPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse trust roots %s: %w", path, err)
		}
		var roots, subCAs []*x509.Certificate
		for _, cert := range certs {
			if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
				roots = append(roots, cert)
			} else {
				subCAs = append(subCAs, cert)
			}
		}
		slog.Debug("Loaded trust roots", "path", path, "roots", len(roots), "subCAs", len(subCAs))
		return gempki.NewVerifier(gempki.NewRoots(roots...), subCAs...), nil
	}

	roots, err := gempki.RootsForEnvironment(cfg.Environment)
	if err != nil {
		return nil, err
	}
	tslURL := cfg.Client.TSLURL
	if tslURL == "" {
		if tslURL, err = gempki.TSLURL(cfg.Environment); err != nil {
			return nil, err
		}
	}
	tsl, err := gempki.LoadTSL(ctx, &http.Client{Timeout: cfg.Client.Timeout}, tslURL)
	if err != nil {
		return nil, fmt.Errorf("load TSL: %w", err)
	}
	return gempki.NewVerifierFromTSL(roots, tsl, time.Now()), nil
}

func printResponse(w io.Writer, resp *http.Response) error {
	defer resp.Body.Close()
	fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	fmt.Fprintln(w)
	_, err := io.Copy(w, resp.Body)
	fmt.Fprintln(w)
	return err
}
