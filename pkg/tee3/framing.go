package tee3

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
)

// DefaultBodyLimit bounds inner message bodies.
const DefaultBodyLimit = 16 << 20

// WrapRequest serializes an inner request in HTTP/1.1 wire format. Requests with
// a body of unknown length are sent chunked.
func WrapRequest(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := r.Write(buf); err != nil {
		return nil, fmt.Errorf("writing inner request: %w", err)
	}
	return buf.Bytes(), nil
}

// WrapResponse serializes an inner response in HTTP/1.1 wire format.
func WrapResponse(resp *http.Response) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := resp.Write(buf); err != nil {
		return nil, fmt.Errorf("writing inner response: %w", err)
	}
	return buf.Bytes(), nil
}

// SplitRequest parses an inner request and reads its body up to limit bytes.
// The end of the body must be given by Content-Length or chunked encoding; POST and
// PUT requests without either are rejected. Trailing bytes after the body are rejected.
func SplitRequest(data []byte, limit int64) (*http.Request, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	req, err := http.ReadRequest(reader)
	if err != nil {
		return nil, structuralError(CodeDecodingError, "inner request", err)
	}
	if req.Method == http.MethodPost || req.Method == http.MethodPut {
		if req.Header.Get("Content-Length") == "" && !isChunked(req.TransferEncoding) {
			return nil, structuralError(CodeMissingParameters, "inner request", fmt.Errorf("%s without Content-Length", req.Method))
		}
	}
	body, err := readBody(req.Body, limit)
	if err != nil {
		return nil, err
	}
	if err := requireEOF(reader); err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.TransferEncoding = nil
	return req, nil
}

// SplitResponse parses an inner response for req and reads its body up to limit bytes.
func SplitResponse(data []byte, req *http.Request, limit int64) (*http.Response, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, structuralError(CodeDecodingError, "inner response", err)
	}
	body, err := readBody(resp.Body, limit)
	if err != nil {
		return nil, err
	}
	if err := requireEOF(reader); err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp, nil
}

func readBody(body io.ReadCloser, limit int64) ([]byte, error) {
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, structuralError(CodeDecodingError, "inner body", err)
	}
	if int64(len(data)) > limit {
		return nil, structuralError(CodeDecodingError, "inner body", fmt.Errorf("body exceeds %d bytes", limit))
	}
	return data, nil
}

func requireEOF(r *bufio.Reader) error {
	if _, err := r.Peek(1); err != io.EOF {
		return structuralError(CodeDecodingError, "inner message", fmt.Errorf("trailing data after body"))
	}
	return nil
}

func isChunked(te []string) bool {
	return slices.Contains(te, "chunked")
}
