package protocol

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/hupe1980/buildcache/blobstore"
)

// ContentTypeBlob is the content type of every blob response.
const ContentTypeBlob = "application/octet-stream"

// RequestHead is the framed head of a request.
type RequestHead struct {
	Method string
	Target string
	Proto  string
	Header http.Header
}

// ContentLength returns the declared body length. A missing, unparseable
// or negative content-length counts as 0.
func (h RequestHead) ContentLength() int64 {
	v := strings.TrimSpace(h.Header.Get("Content-Length"))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ResponseHead is the framed head of a response.
type ResponseHead struct {
	Status int
	Header http.Header
}

// ContentLength returns the declared body length, or -1 when none is set.
func (h ResponseHead) ContentLength() int64 {
	v := h.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// EventHandler consumes the request events of one connection.
//
// Events arrive sequentially: a head, zero or more body chunks, then an end.
// An error means the connection can no longer be used and must be torn down;
// Close is called exactly once when that happens or the peer goes away.
type EventHandler interface {
	HandleHead(ctx context.Context, head RequestHead) error
	HandleBody(ctx context.Context, chunk []byte) error
	HandleEnd(ctx context.Context) error
	Close() error
}

// ResponseWriter receives the response events of one connection.
//
// WriteBody does not take ownership of the blob. WriteEnd returns once the
// response has been handed to the peer, after which any handle backing the
// body may be closed.
type ResponseWriter interface {
	WriteHead(head ResponseHead) error
	WriteBody(blob blobstore.ReadableBlob) error
	WriteEnd() error
}
