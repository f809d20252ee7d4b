package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRequest is returned for request heads that cannot be parsed.
	ErrMalformedRequest = errors.New("http1: malformed request")
	// ErrHeaderTooLarge is returned when a line or the whole head exceeds its limit.
	ErrHeaderTooLarge = errors.New("http1: request header too large")
	// ErrUnsupportedTransferEncoding is returned for requests with a
	// Transfer-Encoding header.
	ErrUnsupportedTransferEncoding = errors.New("http1: transfer-encoding not supported")
)

// Request is a request head parsed from the wire.
type Request struct {
	Method string
	Target string
	Proto  string
	Header http.Header

	// ContentLength is the validated body length; 0 when absent.
	ContentLength int64
	// Close reports whether the connection must be closed after the response.
	Close bool
	// ExpectContinue reports an "Expect: 100-continue" header.
	ExpectContinue bool
}

// Reader reads request heads from a buffered connection.
type Reader struct {
	BR *bufio.Reader
	// MaxLineBytes limits a single request or header line. 0 means unlimited.
	MaxLineBytes int
	// MaxHeaderBytes limits the whole head. 0 means unlimited.
	MaxHeaderBytes int

	total int
}

// ReadRequest reads the next request head. It returns io.EOF when the peer
// closed the connection cleanly between requests.
func (r *Reader) ReadRequest() (*Request, error) {
	r.total = 0

	var line string
	for {
		var err error
		line, err = r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && r.total == 0 {
				return nil, io.EOF
			}
			return nil, unexpected(err)
		}
		// Tolerate empty lines before the request line.
		if line != "" {
			break
		}
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return nil, fmt.Errorf("%w: protocol %q", ErrMalformedRequest, proto)
	}
	if SanitizeHeaderKey(method) == "" {
		return nil, fmt.Errorf("%w: method %q", ErrMalformedRequest, method)
	}

	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method: method,
		Target: target,
		Proto:  proto,
		Header: hdr,
	}

	if _, ok := hdr["Transfer-Encoding"]; ok {
		return req, ErrUnsupportedTransferEncoding
	}

	if req.ContentLength, err = contentLength(hdr); err != nil {
		return req, err
	}

	req.Close = wantsClose(minor, hdr)
	req.ExpectContinue = strings.EqualFold(strings.TrimSpace(hdr.Get("Expect")), "100-continue")
	return req, nil
}

func (r *Reader) readHeaders() (http.Header, error) {
	h := make(http.Header)
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, unexpected(err)
		}
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
		}
		k := line[:i]
		if SanitizeHeaderKey(k) == "" {
			return nil, fmt.Errorf("%w: header name %q", ErrMalformedRequest, k)
		}
		h.Add(k, strings.TrimSpace(line[i+1:]))
	}
	return h, nil
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := r.BR.ReadByte()
		if err != nil {
			return "", err
		}
		r.total++
		if r.MaxHeaderBytes > 0 && r.total > r.MaxHeaderBytes {
			return "", ErrHeaderTooLarge
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if r.MaxLineBytes > 0 && sb.Len() > r.MaxLineBytes {
			return "", ErrHeaderTooLarge
		}
	}
	return sb.String(), nil
}

// contentLength validates every Content-Length value; repeated or listed
// values must agree.
func contentLength(h http.Header) (int64, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, nil
	}

	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			m, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || m < 0 {
				return 0, fmt.Errorf("%w: content-length %q", ErrMalformedRequest, v)
			}
			if n >= 0 && m != n {
				return 0, fmt.Errorf("%w: conflicting content-length values", ErrMalformedRequest)
			}
			n = m
		}
	}
	return n, nil
}

func wantsClose(minor int, h http.Header) bool {
	var keepAlive, closeConn bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(tok)) {
			case "close":
				closeConn = true
			case "keep-alive":
				keepAlive = true
			}
		}
	}
	if closeConn {
		return true
	}
	if minor == 0 {
		return !keepAlive
	}
	return false
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
