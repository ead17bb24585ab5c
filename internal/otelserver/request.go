package otelserver

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// MaxHeaderBytes bounds how much a connection may buffer while waiting for
// the header terminator. Larger requests are treated as malformed.
const MaxHeaderBytes = 64 << 10

// okResponse is sent on every connection, whatever the request contained.
const okResponse = "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

var headerTerminator = []byte("\r\n\r\n")

var errHeaderTooLarge = errors.New("request header too large")

// Request is one framed telemetry request. It only lives for the duration
// of a single dispatch.
type Request struct {
	ConnID string
	Path   string
	Body   []byte
}

// ParseRequest frames a raw buffer. Path is the second token of the request
// line and Body is whatever follows the header terminator; Content-Length is
// not consulted. A buffer without a terminator, without a request target, or
// that is not valid UTF-8 yields an empty Request.
func ParseRequest(buf []byte) Request {
	if !utf8.Valid(buf) {
		return Request{}
	}
	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		return Request{}
	}

	line := buf[:end]
	if i := bytes.Index(line, []byte("\r\n")); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return Request{}
	}

	body := make([]byte, len(buf)-end-len(headerTerminator))
	copy(body, buf[end+len(headerTerminator):])
	return Request{Path: fields[1], Body: body}
}

// readRequest reads from r until the buffered bytes contain the header
// terminator. Bytes that arrived in the same reads as the header are kept.
func readRequest(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			// Only rescan the tail that could complete a terminator.
			from := max(len(buf)-len(headerTerminator)+1, 0)
			buf = append(buf, chunk[:n]...)
			if bytes.Contains(buf[from:], headerTerminator) {
				return buf, nil
			}
			if len(buf) > MaxHeaderBytes {
				return buf, errHeaderTooLarge
			}
		}
		if err != nil {
			return buf, err
		}
	}
}

// writeOK writes the fixed success response.
func writeOK(w io.Writer) error {
	_, err := io.WriteString(w, okResponse)
	return err
}
