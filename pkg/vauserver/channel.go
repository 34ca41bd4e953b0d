package vauserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gematik/tee3/pkg/tee3"
	"go.uber.org/atomic"
)

var errChannelClosed = errors.New("vauserver: channel closed")

// channel is the server state of one VAU-CID. handshake is set until Message4
// was sent, ctx afterwards.
type channel struct {
	cid      tee3.VauCid
	lastUsed *atomic.Time

	mu          sync.Mutex
	handshake   *tee3.ServerHandshake
	ctx         *tee3.Context
	lastRequest uint64
	closed      bool
}

// decrypt opens a request frame and returns the plaintext with the session context for the response.
// Request counters must strictly increase.
func (ch *channel) decrypt(factory *tee3.StreamFactory, frame []byte) ([]byte, *tee3.SessionContext, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.ctx == nil {
		return nil, nil, errChannelClosed
	}

	var response *tee3.SessionContext
	var requestCounter uint64
	plaintext, err := factory.Decrypt(func(keyID tee3.KeyID, rc uint64) (*tee3.SessionContext, error) {
		if keyID != ch.ctx.KeyID() {
			return nil, &tee3.Error{Kind: tee3.KindStructural, Code: tee3.CodeUnknownKeyID, Description: "frame KeyID"}
		}
		if rc <= ch.lastRequest {
			return nil, &tee3.Error{
				Kind:        tee3.KindStructural,
				Code:        tee3.CodeDecodingError,
				Description: "request counter",
				Err:         fmt.Errorf("got %d, last %d", rc, ch.lastRequest),
			}
		}
		pair := ch.ctx.CreateSessionContextsForRequest(rc)
		response = pair.Response
		requestCounter = rc
		return pair.Request, nil
	}, frame)
	if err != nil {
		return nil, nil, err
	}
	ch.lastRequest = requestCounter
	return plaintext, response, nil
}

// responseRecorder buffers the inner handler response so it can be encrypted as a whole.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *responseRecorder) result() *http.Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	header := r.header.Clone()
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	return &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.body.Bytes())),
		ContentLength: int64(r.body.Len()),
	}
}
