// Package vauclient sends HTTP requests through a TEE3 channel to a VAU instance.
package vauclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gematik/tee3/pkg/gempki"
	"github.com/gematik/tee3/pkg/tee3"
	"github.com/google/uuid"
)

const (
	DefaultContextLifetime = time.Hour
	DefaultRetryTimeout    = 3 * time.Second
	DefaultMaxRetryTimeout = 5 * time.Minute
	DefaultTimeout         = 30 * time.Second

	HeaderUserAgent = "x-useragent"
	HeaderRequestID = "X-Request-Id"

	mimeCBOR        = "application/cbor"
	mimeOctetStream = "application/octet-stream"
	maxJitter       = 10 * time.Second
)

var (
	// ErrBackoff is returned while the host is in backoff after failed handshakes.
	ErrBackoff = errors.New("vauclient: host in backoff")
	ErrClosed  = errors.New("vauclient: client closed")

	errHandshake = errors.New("VAU handshake")
)

// StatusError is returned for outer responses other than 200 OK.
type StatusError struct {
	StatusCode int
	// Message is the decoded Error message, if the body carried one.
	Message *tee3.MessageError
}

func (e *StatusError) Error() string {
	if e.Message != nil {
		return fmt.Sprintf("outer response status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("outer response status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.Message == nil {
		return nil
	}
	return e.Message
}

// Client holds at most one channel to a VAU instance. It is safe for concurrent
// use, but requests on one client are sent one at a time: the server accepts
// request counters only in increasing order. Use a Pool for parallel requests.
type Client struct {
	baseURL         *url.URL
	certs           tee3.CertificateProvider
	verifier        tee3.CertificateVerifier
	httpClient      *http.Client
	isPU            bool
	userAgent       string
	retryTimeout    time.Duration
	maxRetryTimeout time.Duration
	contextLifetime time.Duration
	bodyLimit       int64
	logger          *slog.Logger
	now             func() time.Time
	jitter          func() time.Duration
	teeOptions      []tee3.Option
	factory         *tee3.StreamFactory

	// sendMu orders handshakes and requests. mu guards the fields below and is
	// never held during I/O.
	sendMu     sync.Mutex
	mu         sync.Mutex
	channel    *tee3.Context
	openedAt   time.Time
	retryCount int
	nextRetry  time.Time
	closed     bool

	// host is set by Pool
	host string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

// WithEnvironment selects PU framing for the production environment.
func WithEnvironment(env gempki.Environment) Option {
	return func(client *Client) { client.isPU = env.IsPU() }
}

func WithUserAgent(userAgent string) Option {
	return func(client *Client) { client.userAgent = userAgent }
}

// WithRetry sets the base and the cap of the handshake backoff.
func WithRetry(base, max time.Duration) Option {
	return func(client *Client) {
		client.retryTimeout = base
		client.maxRetryTimeout = max
	}
}

func WithContextLifetime(d time.Duration) Option {
	return func(client *Client) { client.contextLifetime = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) { client.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(client *Client) {
		client.now = now
		client.teeOptions = append(client.teeOptions, tee3.WithClock(now))
	}
}

// WithRandom replaces the randomness of handshakes and frame IVs.
func WithRandom(r io.Reader) Option {
	return func(client *Client) { client.teeOptions = append(client.teeOptions, tee3.WithRandom(r)) }
}

func New(baseURL string, certs tee3.CertificateProvider, verifier tee3.CertificateVerifier, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if certs == nil || verifier == nil {
		return nil, fmt.Errorf("certificate provider and verifier are required")
	}
	c := &Client{
		baseURL:         u,
		certs:           certs,
		verifier:        verifier,
		httpClient:      &http.Client{Timeout: DefaultTimeout},
		userAgent:       "tee3-go-client",
		retryTimeout:    DefaultRetryTimeout,
		maxRetryTimeout: DefaultMaxRetryTimeout,
		contextLifetime: DefaultContextLifetime,
		bodyLimit:       tee3.DefaultBodyLimit,
		logger:          slog.Default(),
		now:             time.Now,
		jitter:          func() time.Duration { return rand.N(maxJitter) },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.factory = tee3.NewStreamFactory(c.teeOptions...)
	return c, nil
}

// Channel returns the current channel context, or nil if none is open.
func (c *Client) Channel() *tee3.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Open returns the open channel or runs a new handshake. Expired contexts are replaced.
func (c *Client) Open(ctx context.Context) (*tee3.Context, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.open(ctx)
}

// open must be called with sendMu held.
func (c *Client) open(ctx context.Context) (*tee3.Context, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	now := c.now()
	if c.channel != nil {
		if now.Sub(c.openedAt) < c.contextLifetime {
			channel := c.channel
			c.mu.Unlock()
			return channel, nil
		}
		c.logger.Debug("VAU context lifetime exceeded", "cid", c.channel.VauCid(), "opened_at", c.openedAt)
		c.dropLocked()
	}
	if now.Before(c.nextRetry) {
		nextRetry := c.nextRetry
		c.mu.Unlock()
		return nil, fmt.Errorf("%w until %s", ErrBackoff, nextRetry.Format(time.RFC3339))
	}
	c.mu.Unlock()

	channel, err := c.handshake(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.backoff()
		return nil, fmt.Errorf("%w with %s: %w", errHandshake, c.baseURL.Host, err)
	}
	if c.closed {
		channel.Close()
		return nil, ErrClosed
	}
	c.retryCount = 0
	c.nextRetry = time.Time{}
	c.channel = channel
	c.openedAt = now
	c.logger.Info("VAU channel opened", "host", c.baseURL.Host, "cid", channel.VauCid(), "pu", channel.IsPU())
	return channel, nil
}

func (c *Client) handshake(ctx context.Context) (*tee3.Context, error) {
	hs := tee3.NewClientHandshake(c.certs, c.verifier, c.isPU, c.teeOptions...)
	defer hs.Close()

	m1, err := hs.CreateMessage1()
	if err != nil {
		return nil, err
	}
	resp, m2, err := c.postCBOR(ctx, c.resolve("/VAU"), m1)
	if err != nil {
		return nil, fmt.Errorf("sending Message1: %w", err)
	}
	cid, err := tee3.ParseVauCid(resp.Header.Get(tee3.HeaderVauCid))
	if err != nil {
		return nil, err
	}
	hs.SetVauCid(cid)

	m3, err := hs.CreateMessage3(m2)
	if err != nil {
		return nil, err
	}
	_, m4, err := c.postCBOR(ctx, c.resolve(cid.String()), m3)
	if err != nil {
		return nil, fmt.Errorf("sending Message3: %w", err)
	}
	if err := hs.ProcessMessage4(m4); err != nil {
		return nil, err
	}
	return hs.Context()
}

// backoff schedules the next handshake attempt at min(2^n * base, max) plus jitter.
func (c *Client) backoff() {
	c.retryCount++
	delay := min(time.Duration(1<<min(c.retryCount, 20))*c.retryTimeout, c.maxRetryTimeout) + c.jitter()
	if delay >= c.maxRetryTimeout {
		c.logger.Warn("VAU down, backing off", "host", c.baseURL.Host, "backoff", delay, "retry_count", c.retryCount)
	}
	c.nextRetry = c.now().Add(delay)
}

// drop closes channel if it is still the current one.
func (c *Client) drop(channel *tee3.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == channel {
		c.dropLocked()
	}
}

func (c *Client) dropLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
}

// Close drops the channel once an in-flight request finished. Later calls to Do
// fail with ErrClosed.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	c.closed = true
}

// Do sends req through the channel and returns the decrypted inner response.
// After a Restart or an outer error the handshake is repeated and the request sent once more.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	inner, err := tee3.WrapRequest(req)
	if err != nil {
		return nil, err
	}
	resp, retry, err := c.roundTrip(req.Context(), inner, req)
	if retry {
		c.logger.Info("Retrying request on new VAU channel", "host", c.baseURL.Host, "reason", err)
		resp, _, err = c.roundTrip(req.Context(), inner, req)
	}
	return resp, err
}

// roundTrip sends inner once. retry is set for Restart and outer status errors.
func (c *Client) roundTrip(ctx context.Context, inner []byte, req *http.Request) (resp *http.Response, retry bool, err error) {
	resp, err = c.send(ctx, inner, req)
	var statusErr *StatusError
	retry = errors.Is(err, tee3.ErrRestart) || (errors.As(err, &statusErr) && !errors.Is(err, errHandshake))
	return resp, retry, err
}

func (c *Client) send(ctx context.Context, inner []byte, req *http.Request) (*http.Response, error) {
	// the counter allocated here must reach the server before the next one
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	channel, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	pair := channel.CreateSessionContexts()

	frame, err := c.factory.Encrypt(pair.Request, inner)
	if err != nil {
		return nil, err
	}
	outer, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(channel.VauCid().String()), bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	outer.Header.Set("Content-Type", mimeOctetStream)
	outer.Header.Set(HeaderUserAgent, c.userAgent)
	requestID := req.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	outer.Header.Set(HeaderRequestID, requestID)

	resp, err := c.httpClient.Do(outer)
	if err != nil {
		c.drop(channel)
		return nil, fmt.Errorf("sending outer request: %w", err)
	}
	defer resp.Body.Close()
	body, err := c.readBody(resp.Body)
	if err != nil {
		c.drop(channel)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		c.drop(channel)
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if m, err := tee3.DecodeError(body); err == nil {
			statusErr.Message = m
		}
		c.logger.Warn("VAU outer response not OK", "host", c.baseURL.Host, "request_id", requestID, "error", statusErr)
		return nil, statusErr
	}

	if hasContentType(resp.Header, mimeCBOR) {
		restart, err := tee3.DecodeRestart(body)
		if err != nil {
			c.drop(channel)
			return nil, err
		}
		if id, _ := restart.ID(); id != pair.Response.KeyID() {
			c.drop(channel)
			return nil, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeUnknownKeyID, Description: "Restart KeyID does not match request"}
		}
		c.drop(channel)
		return nil, &tee3.Error{Kind: tee3.KindRestart, Description: "server requested restart"}
	}

	plaintext, err := c.factory.Decrypt(func(keyID tee3.KeyID, _ uint64) (*tee3.SessionContext, error) {
		if keyID != pair.Response.KeyID() {
			return nil, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeUnknownKeyID, Description: "response KeyID does not match request"}
		}
		return pair.Response, nil
	}, body)
	if err != nil {
		c.drop(channel)
		return nil, err
	}
	return tee3.SplitResponse(plaintext, req, c.bodyLimit)
}

func (c *Client) postCBOR(ctx context.Context, target string, message []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(message))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", mimeCBOR)
	req.Header.Set("Accept", mimeCBOR)
	req.Header.Set(HeaderUserAgent, c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if m, err := tee3.DecodeError(body); err == nil {
			statusErr.Message = m
		}
		return nil, nil, statusErr
	}
	return resp, body, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.bodyLimit+1))
	if err != nil {
		return nil, fmt.Errorf("reading outer response: %w", err)
	}
	if int64(len(body)) > c.bodyLimit {
		return nil, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeDecodingError, Description: "outer response too large"}
	}
	return body, nil
}

// resolve appends an absolute path to the base URL, keeping any base path prefix.
func (c *Client) resolve(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	return u.String()
}

func hasContentType(h http.Header, mime string) bool {
	ct, _, _ := strings.Cut(h.Get("Content-Type"), ";")
	return strings.EqualFold(strings.TrimSpace(ct), mime)
}
