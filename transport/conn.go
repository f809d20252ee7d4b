package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hupe1980/buildcache/blobstore"
	"github.com/hupe1980/buildcache/internal/http1"
	"github.com/hupe1980/buildcache/protocol"
)

const (
	ioBufferSize = 32 << 10

	// After a rejection, unread request bytes are drained for a short while
	// so closing does not reset the connection before the peer reads the
	// response.
	lingerTimeout  = 500 * time.Millisecond
	maxLingerBytes = 256 << 10
)

var errResponseFraming = errors.New("transport: response body does not match Content-Length")

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer func() { _ = c.Close() }()

	// Cancellation unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	logger := s.logger.With("remote", c.RemoteAddr().String())

	rr := &http1.Reader{
		BR:             bufio.NewReaderSize(c, ioBufferSize),
		MaxLineBytes:   defaultMaxLineBytes,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}
	w := &connWriter{
		conn:         c,
		bw:           bufio.NewWriterSize(c, ioBufferSize),
		writeTimeout: s.cfg.WriteTimeout,
	}

	h := s.newHandler(w)
	defer func() {
		if err := h.Close(); err != nil {
			logger.Warn("closing connection handler", "error", err)
		}
	}()

	chunk := make([]byte, s.cfg.ChunkSize)
	for first := true; ; first = false {
		timeout := s.cfg.IdleTimeout
		if first {
			timeout = s.cfg.ReadHeaderTimeout
		}
		if timeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(timeout))
		}

		req, err := rr.ReadRequest()
		if err != nil {
			if s.rejectRequest(logger, w, err) {
				lingerClose(c, rr.BR)
			}
			return
		}
		_ = c.SetReadDeadline(time.Time{})

		w.keepAlive = !req.Close && ctx.Err() == nil

		if req.ExpectContinue && req.ContentLength > 0 {
			if err := w.writeContinue(); err != nil {
				logger.Debug("writing 100-continue", "error", err)
				return
			}
		}

		// Repeated or listed values were validated to agree; hand over one.
		if _, ok := req.Header["Content-Length"]; ok {
			req.Header.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
		}

		head := protocol.RequestHead{
			Method: req.Method,
			Target: req.Target,
			Proto:  req.Proto,
			Header: req.Header,
		}
		if err := h.HandleHead(ctx, head); err != nil {
			logger.Warn("request head rejected", "method", req.Method, "target", req.Target, "error", err)
			return
		}

		for remaining := req.ContentLength; remaining > 0; {
			n := int64(len(chunk))
			if remaining < n {
				n = remaining
			}
			if _, err := io.ReadFull(rr.BR, chunk[:n]); err != nil {
				logger.Debug("reading request body", "target", req.Target, "error", err)
				return
			}
			if err := h.HandleBody(ctx, chunk[:n]); err != nil {
				logger.Warn("request body rejected", "target", req.Target, "error", err)
				return
			}
			remaining -= n
		}

		if err := h.HandleEnd(ctx); err != nil {
			logger.Warn("request end rejected", "target", req.Target, "error", err)
			return
		}
		if w.err != nil || !w.keepAlive {
			return
		}
	}
}

// rejectRequest answers heads the transport cannot frame and reports whether
// a response was sent. Read failures without a parseable head just end the
// connection.
func (s *Server) rejectRequest(logger *slog.Logger, w *connWriter, err error) bool {
	var status int
	switch {
	case errors.Is(err, http1.ErrUnsupportedTransferEncoding):
		status = http.StatusNotImplemented
	case errors.Is(err, http1.ErrHeaderTooLarge):
		status = http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, http1.ErrMalformedRequest):
		status = http.StatusBadRequest
	default:
		if !errors.Is(err, io.EOF) {
			logger.Debug("reading request head", "error", err)
		}
		return false
	}

	logger.Debug("rejecting request", "status", status, "error", err)
	w.keepAlive = false
	if werr := w.writeStatus(status); werr != nil {
		logger.Debug("writing rejection", "error", werr)
		return false
	}
	return true
}

func lingerClose(c net.Conn, r io.Reader) {
	cw, ok := c.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		return
	}
	_ = c.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxLingerBytes))
}

// connWriter serializes response events onto a connection.
type connWriter struct {
	conn         net.Conn
	bw           *bufio.Writer
	writeTimeout time.Duration
	keepAlive    bool

	inResponse bool
	remaining  int64
	err        error
}

var _ protocol.ResponseWriter = (*connWriter)(nil)

func (w *connWriter) WriteHead(head protocol.ResponseHead) error {
	if w.err != nil {
		return w.err
	}
	if w.inResponse {
		return w.fail(errors.New("transport: response head already written"))
	}

	hdr := head.Header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	n := head.ContentLength()
	if n < 0 {
		n = 0
		hdr.Set("Content-Length", "0")
	} else {
		hdr.Set("Content-Length", strconv.FormatInt(n, 10))
	}

	w.armWriteDeadline()
	if err := http1.WriteResponseHead(w.bw, head.Status, hdr, w.keepAlive); err != nil {
		return w.fail(err)
	}
	w.inResponse = true
	w.remaining = n
	return nil
}

func (w *connWriter) WriteBody(blob blobstore.ReadableBlob) error {
	if w.err != nil {
		return w.err
	}
	if !w.inResponse {
		return w.fail(errors.New("transport: response body before head"))
	}
	size := blob.Size()
	if size > w.remaining {
		return w.fail(errResponseFraming)
	}

	w.armWriteDeadline()
	n, err := io.CopyN(w.bw, blob.Reader(), size)
	w.remaining -= n
	if err != nil {
		return w.fail(fmt.Errorf("transport: writing body: %w", err))
	}
	return nil
}

func (w *connWriter) WriteEnd() error {
	if w.err != nil {
		return w.err
	}
	if !w.inResponse {
		return w.fail(errors.New("transport: response end before head"))
	}
	if w.remaining != 0 {
		return w.fail(errResponseFraming)
	}

	w.armWriteDeadline()
	if err := w.bw.Flush(); err != nil {
		return w.fail(err)
	}
	w.inResponse = false
	return nil
}

func (w *connWriter) writeStatus(status int) error {
	if err := w.WriteHead(protocol.ResponseHead{Status: status}); err != nil {
		return err
	}
	return w.WriteEnd()
}

func (w *connWriter) writeContinue() error {
	w.armWriteDeadline()
	if err := http1.WriteContinue(w.bw); err != nil {
		return w.fail(err)
	}
	if err := w.bw.Flush(); err != nil {
		return w.fail(err)
	}
	return nil
}

func (w *connWriter) armWriteDeadline() {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
}

// fail makes the writer unusable; the connection is torn down afterwards.
func (w *connWriter) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return w.err
}
