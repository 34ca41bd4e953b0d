// Package vauserver terminates TEE3 channels over HTTP and hands the decrypted
// inner requests to an http.Handler.
package vauserver

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gematik/tee3/pkg/tee3"
	"github.com/labstack/echo/v4"
	"go.uber.org/atomic"
)

const (
	MIMECBOR = "application/cbor"

	DefaultChannelTTL = 30 * time.Minute
)

// Keys is the key material of the VAU instance.
type Keys interface {
	tee3.ServerKeys
	CertificateData(hash []byte, version uint64) (*tee3.AutTeeCertificate, error)
}

type Config struct {
	Cluster    string
	Pod        string
	IsPU       bool
	ChannelTTL time.Duration
	// BodyLimit bounds handshake messages, frames and inner bodies.
	BodyLimit int64
}

type Server struct {
	config  Config
	keys    Keys
	handler http.Handler
	factory *tee3.StreamFactory
	opts    []tee3.Option
	now     func() time.Time

	channels sync.Map // tee3.VauCid -> *channel
	keyIDs   sync.Map // tee3.KeyID -> *channel
}

type Option func(*Server)

// WithHandler sets the handler for decrypted inner requests.
func WithHandler(h http.Handler) Option {
	return func(s *Server) { s.handler = h }
}

// WithTee3Options passes options to every server handshake and the stream factory.
func WithTee3Options(opts ...tee3.Option) Option {
	return func(s *Server) { s.opts = append(s.opts, opts...) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(keys Keys, config Config, opts ...Option) (*Server, error) {
	if keys == nil {
		return nil, fmt.Errorf("vauserver: keys are required")
	}
	if config.ChannelTTL == 0 {
		config.ChannelTTL = DefaultChannelTTL
	}
	if config.BodyLimit == 0 {
		config.BodyLimit = tee3.DefaultBodyLimit
	}
	s := &Server{
		config:  config,
		keys:    keys,
		handler: http.NotFoundHandler(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, _, err := tee3.NewVauCid(config.Cluster, config.Pod); err != nil {
		return nil, fmt.Errorf("vauserver: invalid cluster or pod: %w", err)
	}
	s.factory = tee3.NewStreamFactory(s.opts...)
	return s, nil
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.POST("/VAU", s.Message1Endpoint)
	group.POST("/VAU/v1/:cluster/:pod/:channel", s.ChannelEndpoint)
	group.GET("/CertData.:hashversion", s.CertDataEndpoint)
}

// Message1Endpoint starts a handshake and assigns the VAU-CID of the new channel.
func (s *Server) Message1Endpoint(c echo.Context) error {
	if !hasContentType(c, MIMECBOR) {
		return s.writeError(c, contentTypeError(c))
	}
	body, err := s.readBody(c)
	if err != nil {
		return s.writeError(c, err)
	}

	handshake := tee3.NewServerHandshake(s.keys, s.config.IsPU, s.opts...)
	m2, err := handshake.CreateMessage2(body)
	if err != nil {
		return s.writeError(c, err)
	}

	cid, channelID, err := tee3.NewVauCid(s.config.Cluster, s.config.Pod)
	if err != nil {
		handshake.Close()
		return s.writeError(c, err)
	}
	handshake.SetVauCid(cid, channelID)
	s.channels.Store(cid, &channel{
		cid:       cid,
		handshake: handshake,
		lastUsed:  atomic.NewTime(s.now()),
	})
	slog.Debug("VAU handshake started", "cid", cid)

	c.Response().Header().Set(tee3.HeaderVauCid, cid.String())
	return c.Blob(http.StatusOK, MIMECBOR, m2)
}

// ChannelEndpoint takes Message3 as CBOR and encrypted requests as octet stream.
func (s *Server) ChannelEndpoint(c echo.Context) error {
	cid := tee3.VauCid(strings.Join([]string{"", "VAU", "v1", c.Param("cluster"), c.Param("pod"), c.Param("channel")}, "/"))
	switch {
	case hasContentType(c, MIMECBOR):
		return s.handleMessage3(c, cid)
	case hasContentType(c, echo.MIMEOctetStream):
		return s.handleRequest(c, cid)
	default:
		return s.writeError(c, contentTypeError(c))
	}
}

func (s *Server) handleMessage3(c echo.Context, cid tee3.VauCid) error {
	ch, ok := s.channel(cid)
	if !ok {
		return s.writeError(c, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeDecodingError, Description: "unknown VAU-CID"})
	}
	body, err := s.readBody(c)
	if err != nil {
		return s.writeError(c, err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.handshake == nil {
		return s.writeError(c, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeDecodingError, Description: "channel already established", Err: tee3.ErrInvalidState})
	}

	m4, err := ch.handshake.CreateMessage4(body)
	if err != nil {
		s.channels.Delete(cid)
		ch.handshake = nil
		ch.closed = true
		return s.writeError(c, err)
	}
	ctx, err := ch.handshake.Context()
	ch.handshake.Close()
	ch.handshake = nil
	if err != nil {
		return s.writeError(c, err)
	}
	if _, loaded := s.keyIDs.LoadOrStore(ctx.KeyID(), ch); loaded {
		ctx.Close()
		return s.writeError(c, fmt.Errorf("duplicate KeyID %s", ctx.KeyID()))
	}
	ch.ctx = ctx
	ch.lastUsed.Store(s.now())
	slog.Info("VAU channel established", "cid", cid, "pu", ctx.IsPU())

	return c.Blob(http.StatusOK, MIMECBOR, m4)
}

func (s *Server) handleRequest(c echo.Context, cid tee3.VauCid) error {
	frame, err := s.readBody(c)
	if err != nil {
		return s.writeError(c, err)
	}
	header, err := tee3.ParseFrameHeader(frame)
	if err != nil {
		return s.writeError(c, err)
	}
	value, ok := s.keyIDs.Load(header.KeyID)
	if !ok {
		return s.restart(c, header.KeyID)
	}
	ch := value.(*channel)
	if ch.cid != cid {
		return s.writeError(c, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeDecodingError, Description: "KeyID does not belong to VAU-CID"})
	}

	plaintext, response, err := ch.decrypt(s.factory, frame)
	if err == errChannelClosed {
		return s.restart(c, header.KeyID)
	}
	if err != nil {
		return s.writeError(c, err)
	}
	ch.lastUsed.Store(s.now())

	inner, err := tee3.SplitRequest(plaintext, s.config.BodyLimit)
	if err != nil {
		return s.writeError(c, err)
	}
	inner = inner.WithContext(c.Request().Context())
	slog.Debug("VAU inner request", "cid", cid, "method", inner.Method, "path", inner.URL.Path, "request_counter", header.RequestCounter)

	rec := newResponseRecorder()
	s.handler.ServeHTTP(rec, inner)
	data, err := tee3.WrapResponse(rec.result())
	if err != nil {
		return s.writeError(c, err)
	}
	encrypted, err := s.factory.Encrypt(response, data)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, encrypted)
}

// restart tells the client to run a new handshake for keyID.
func (s *Server) restart(c echo.Context, keyID tee3.KeyID) error {
	slog.Info("Unknown VAU KeyID, requesting restart", "key_id", keyID)
	data, err := tee3.EncodeRestart(keyID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.Blob(http.StatusOK, MIMECBOR, data)
}

// CertDataEndpoint serves the AutTeeCertificate for <hex(hash)>-<version>.
func (s *Server) CertDataEndpoint(c echo.Context) error {
	hashHex, versionStr, ok := strings.Cut(c.Param("hashversion"), "-")
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	version, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	certData, err := s.keys.CertificateData(hash, version)
	if err != nil {
		slog.Debug("CertData not found", "hash", hashHex, "version", version)
		return echo.NewHTTPError(http.StatusNotFound)
	}
	data, err := cbor.Marshal(certData)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err)
	}
	return c.Blob(http.StatusOK, MIMECBOR, data)
}

// Sweep closes channels idle for longer than the channel TTL and returns how many were closed.
func (s *Server) Sweep() int {
	cutoff := s.now().Add(-s.config.ChannelTTL)
	n := 0
	s.channels.Range(func(key, value any) bool {
		ch := value.(*channel)
		if ch.lastUsed.Load().Before(cutoff) {
			s.channels.Delete(key)
			s.closeChannel(ch)
			n++
		}
		return true
	})
	if n > 0 {
		slog.Debug("Swept idle VAU channels", "count", n)
	}
	return n
}

// RunSweeper calls Sweep periodically until ctx is done.
func (s *Server) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(max(s.config.ChannelTTL/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close drops every channel.
func (s *Server) Close() {
	s.channels.Range(func(key, value any) bool {
		s.channels.Delete(key)
		s.closeChannel(value.(*channel))
		return true
	})
}

func (s *Server) closeChannel(ch *channel) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.ctx != nil {
		s.keyIDs.Delete(ch.ctx.KeyID())
		ch.ctx.Close()
	}
	if ch.handshake != nil {
		ch.handshake.Close()
		ch.handshake = nil
	}
	ch.closed = true
}

func (s *Server) channel(cid tee3.VauCid) (*channel, bool) {
	value, ok := s.channels.Load(cid)
	if !ok {
		return nil, false
	}
	return value.(*channel), true
}

func (s *Server) readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.config.BodyLimit+1))
	if err != nil {
		return nil, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeDecodingError, Description: "request body", Err: err}
	}
	if int64(len(body)) > s.config.BodyLimit {
		return nil, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeDecodingError, Description: "request body too large"}
	}
	return body, nil
}

// writeError answers with a CBOR Error message. Details of err are logged, never sent.
func (s *Server) writeError(c echo.Context, err error) error {
	status := http.StatusBadRequest
	switch {
	case tee3.IsKind(err, tee3.KindTrust):
		status = http.StatusForbidden
	case tee3.CodeOf(err) == tee3.CodeInternalServerError:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		slog.Error("VAU request failed", "path", c.Request().URL.Path, "status", status, "error", err)
	} else {
		slog.Warn("VAU request rejected", "path", c.Request().URL.Path, "status", status, "error", err)
	}
	data, encErr := tee3.EncodeError(err)
	if encErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.Blob(status, MIMECBOR, data)
}

func hasContentType(c echo.Context, mime string) bool {
	ct, _, _ := strings.Cut(c.Request().Header.Get(echo.HeaderContentType), ";")
	return strings.EqualFold(strings.TrimSpace(ct), mime)
}

func contentTypeError(c echo.Context) error {
	return &tee3.Error{
		Kind:        tee3.KindStructural,
		Code:        tee3.CodeDecodingError,
		Description: "unsupported Content-Type",
		Err:         fmt.Errorf("got %q", c.Request().Header.Get(echo.HeaderContentType)),
	}
}
