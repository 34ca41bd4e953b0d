// Package certcache resolves VAU certificates from the CertData endpoint of a
// VAU instance and caches them locally.
package certcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gematik/tee3/pkg/tee3"
	"github.com/gematik/zero-lab/go/brainpool"
	bolt "go.etcd.io/bbolt"
)

const (
	DefaultTTL     = 24 * time.Hour
	DefaultTimeout = 10 * time.Second
	maxCertData    = 64 << 10
)

var certDataBucket = []byte("certdata")

type entry struct {
	CachedAt time.Time `json:"cachedAt"`
	Raw      []byte    `json:"raw"`
}

// Provider implements tee3.CertificateProvider.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	timeout    time.Duration
	now        func() time.Time
	db         *bolt.DB

	mu     sync.Mutex
	memory map[string]entry
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

func WithTimeout(timeout time.Duration) Option {
	return func(p *Provider) { p.timeout = timeout }
}

// WithDB persists entries in a bbolt database opened with OpenDB.
func WithDB(db *bolt.DB) Option {
	return func(p *Provider) { p.db = db }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
		ttl:        DefaultTTL,
		timeout:    DefaultTimeout,
		now:        time.Now,
		memory:     make(map[string]entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenDB opens or creates the cache database at path.
func OpenDB(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(certDataBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Key is the cache key and URL suffix for a certificate: <hex(hash)>-<version>.
func Key(hash []byte, version uint64) string {
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash), version)
}

func (p *Provider) Certificate(hash []byte, version uint64) (*x509.Certificate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.CertificateContext(ctx, hash, version)
}

// CertificateContext returns the certificate from cache or fetches it from the CertData endpoint.
func (p *Provider) CertificateContext(ctx context.Context, hash []byte, version uint64) (*x509.Certificate, error) {
	key := Key(hash, version)
	if e, ok := p.get(key); ok {
		cert, err := parse(e.Raw, hash)
		if err == nil {
			slog.Debug("CertData cache hit", "key", key, "age", p.now().Sub(e.CachedAt).Round(time.Second))
			return cert, nil
		}
		slog.Warn("Discarding invalid CertData cache entry", "key", key, "error", err)
	}

	raw, err := p.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	cert, err := parse(raw, hash)
	if err != nil {
		return nil, err
	}
	if err := p.put(key, entry{CachedAt: p.now(), Raw: raw}); err != nil {
		slog.Warn("Failed to write CertData cache", "key", key, "error", err)
	}
	return cert, nil
}

func (p *Provider) fetch(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/CertData."+key, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/cbor")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching CertData: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching CertData %s: unexpected status %d", key, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCertData))
	if err != nil {
		return nil, fmt.Errorf("reading CertData: %w", err)
	}
	return raw, nil
}

// parse decodes an AutTeeCertificate and checks the leaf against hash.
func parse(raw, hash []byte) (*x509.Certificate, error) {
	var data tee3.AutTeeCertificate
	if err := cbor.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding CertData: %w", err)
	}
	sum := sha256.Sum256(data.Cert)
	if !bytes.Equal(sum[:], hash) {
		return nil, fmt.Errorf("CertData hash mismatch: got %x", sum)
	}
	cert, err := brainpool.ParseCertificate(data.Cert)
	if err != nil {
		return nil, fmt.Errorf("parsing VAU certificate: %w", err)
	}
	return cert, nil
}

func (p *Provider) get(key string) (entry, bool) {
	var e entry
	var found bool
	if p.db == nil {
		p.mu.Lock()
		e, found = p.memory[key]
		p.mu.Unlock()
	} else {
		p.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(certDataBucket).Get([]byte(key))
			if v == nil {
				return nil
			}
			found = json.Unmarshal(v, &e) == nil
			return nil
		})
	}
	if !found || p.now().Sub(e.CachedAt) > p.ttl {
		return entry{}, false
	}
	return e, true
}

func (p *Provider) put(key string, e entry) error {
	if p.db == nil {
		p.mu.Lock()
		p.memory[key] = e
		p.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(certDataBucket).Put([]byte(key), data)
	})
}
