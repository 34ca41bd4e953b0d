package tee3

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the plaintext frame header that is also the AAD.
const HeaderSize = 43

// FrameHeader is the plaintext prefix of every encrypted request and response.
type FrameHeader struct {
	Version        byte
	IsPU           bool
	Direction      Direction
	RequestCounter uint64
	KeyID          KeyID
}

func (h FrameHeader) Bytes() []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Version
	if h.IsPU {
		b[1] = 1
	}
	b[2] = byte(h.Direction)
	binary.BigEndian.PutUint64(b[3:11], h.RequestCounter)
	copy(b[11:], h.KeyID[:])
	return b
}

func ParseFrameHeader(b []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(b) < HeaderSize {
		return h, structuralError(CodeDecodingError, "frame header", fmt.Errorf("short header: %d bytes", len(b)))
	}
	if b[1] > 1 {
		return h, structuralError(CodePuNonPuFailure, "frame PU flag", fmt.Errorf("invalid value %d", b[1]))
	}
	h.Version = b[0]
	h.IsPU = b[1] == 1
	h.Direction = Direction(b[2])
	h.RequestCounter = binary.BigEndian.Uint64(b[3:11])
	copy(h.KeyID[:], b[11:HeaderSize])
	return h, nil
}

func headerFor(sc *SessionContext) FrameHeader {
	return FrameHeader{
		Version:        sc.version,
		IsPU:           sc.isPU,
		Direction:      sc.direction,
		RequestCounter: sc.requestCounter,
		KeyID:          sc.keyID,
	}
}

// SessionContextProvider hands out the session context for one outgoing message.
type SessionContextProvider func() (*SessionContext, error)

// SessionContextLookup resolves the session context for a received frame.
// It returns an error of code CodeUnknownKeyID for unknown channels.
type SessionContextLookup func(keyID KeyID, requestCounter uint64) (*SessionContext, error)

// StreamFactory encrypts and decrypts application frames.
type StreamFactory struct {
	options
}

func NewStreamFactory(opts ...Option) *StreamFactory {
	return &StreamFactory{options: newOptions(opts)}
}

// Encrypt seals plaintext into a frame: header || IV || ct || tag. The IV is four
// random bytes followed by the big endian message counter.
func (f *StreamFactory) Encrypt(sc *SessionContext, plaintext []byte) ([]byte, error) {
	key, err := sc.acquire()
	if err != nil {
		return nil, err
	}
	defer sc.release()

	gcm, err := newGCM(key.Bytes())
	if err != nil {
		return nil, err
	}
	header := headerFor(sc).Bytes()
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(f.random, iv[:4]); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	binary.BigEndian.PutUint64(iv[4:], sc.messageCounter)

	frame := make([]byte, 0, HeaderSize+ivSize+len(plaintext)+tagSize)
	frame = append(frame, header...)
	frame = append(frame, iv...)
	return gcm.Seal(frame, iv, plaintext, header), nil
}

// Decrypt opens a frame using the session context returned by lookup.
func (f *StreamFactory) Decrypt(lookup SessionContextLookup, frame []byte) ([]byte, error) {
	header, err := ParseFrameHeader(frame)
	if err != nil {
		return nil, err
	}
	sc, err := lookup(header.KeyID, header.RequestCounter)
	if err != nil {
		return nil, err
	}
	key, err := sc.acquire()
	if err != nil {
		return nil, err
	}
	defer sc.release()

	if err := checkHeader(header, sc); err != nil {
		return nil, err
	}
	body := frame[HeaderSize:]
	if len(body) < MinAEADSize {
		return nil, structuralError(CodeDecodingError, "frame", fmt.Errorf("ciphertext too short: %d", len(body)))
	}
	gcm, err := newGCM(key.Bytes())
	if err != nil {
		return nil, cryptoError(CodeGcmDecryptionFailure, "frame", err)
	}
	plaintext, err := gcm.Open(nil, body[:ivSize], body[ivSize:], frame[:HeaderSize])
	if err != nil {
		return nil, cryptoError(CodeGcmDecryptionFailure, "frame", err)
	}
	return plaintext, nil
}

func checkHeader(header FrameHeader, sc *SessionContext) error {
	if header.Version != sc.version {
		return structuralError(CodeDecodingError, "frame version", fmt.Errorf("got %#x", header.Version))
	}
	if header.IsPU != sc.isPU {
		return structuralError(CodePuNonPuFailure, "frame PU flag", nil)
	}
	if header.Direction != sc.direction {
		code := CodeDecodingError
		if sc.direction == ClientToServer {
			code = CodeNotARequest
		}
		return structuralError(code, "frame direction", fmt.Errorf("got %s", header.Direction))
	}
	if header.KeyID != sc.keyID {
		return structuralError(CodeUnknownKeyID, "frame KeyID", nil)
	}
	if header.RequestCounter != sc.requestCounter {
		return structuralError(CodeDecodingError, "frame request counter", fmt.Errorf("got %d, expected %d", header.RequestCounter, sc.requestCounter))
	}
	return nil
}

// NewEncryptingReader returns a reader producing the encrypted frame of src.
// provider is called once, on the first Read.
func (f *StreamFactory) NewEncryptingReader(provider SessionContextProvider, src io.Reader) io.Reader {
	return &lazyReader{produce: func() ([]byte, error) {
		sc, err := provider()
		if err != nil {
			return nil, err
		}
		plaintext, err := io.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("reading plaintext: %w", err)
		}
		return f.Encrypt(sc, plaintext)
	}}
}

// NewDecryptingReader returns a reader producing the plaintext of the frame in src.
func (f *StreamFactory) NewDecryptingReader(lookup SessionContextLookup, src io.Reader) io.Reader {
	return &lazyReader{produce: func() ([]byte, error) {
		frame, err := io.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		return f.Decrypt(lookup, frame)
	}}
}

// NewEncryptingWriter buffers everything written and writes the frame to dst on Close.
func (f *StreamFactory) NewEncryptingWriter(provider SessionContextProvider, dst io.Writer) io.WriteCloser {
	return &encryptingWriter{factory: f, provider: provider, dst: dst}
}

type lazyReader struct {
	produce func() ([]byte, error)
	buf     *bytes.Reader
	err     error
}

func (r *lazyReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.buf == nil {
		data, err := r.produce()
		if err != nil {
			r.err = err
			return 0, err
		}
		r.buf = bytes.NewReader(data)
	}
	return r.buf.Read(p)
}

var errWriterClosed = errors.New("tee3: encrypting writer closed")

type encryptingWriter struct {
	factory  *StreamFactory
	provider SessionContextProvider
	dst      io.Writer
	buf      bytes.Buffer
	closed   bool
}

func (w *encryptingWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errWriterClosed
	}
	return w.buf.Write(p)
}

func (w *encryptingWriter) Close() error {
	if w.closed {
		return errWriterClosed
	}
	w.closed = true
	sc, err := w.provider()
	if err != nil {
		return err
	}
	frame, err := w.factory.Encrypt(sc, w.buf.Bytes())
	if err != nil {
		return err
	}
	_, err = w.dst.Write(frame)
	return err
}
