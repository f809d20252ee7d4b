// Package accesslog provides a per-connection observer that logs one line
// per response head.
//
// The observer decorates both directions of a connection: Inbound records the
// most recent request head, Outbound logs when a response head passes and
// forgets the request once the response end has been written. Events are
// forwarded unchanged and in order.
package accesslog

import (
	"context"
	"log/slog"

	"github.com/hupe1980/buildcache/blobstore"
	"github.com/hupe1980/buildcache/protocol"
)

// Message is the log message of every access line.
const Message = "request"

// Observer logs the requests of one connection.
type Observer struct {
	logger *slog.Logger
	level  slog.Level

	request *protocol.RequestHead
}

// New creates an Observer that logs to logger at Info level.
func New(logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{logger: logger, level: slog.LevelInfo}
}

// Inbound wraps next so that request heads are recorded before delivery.
func (o *Observer) Inbound(next protocol.EventHandler) protocol.EventHandler {
	return &inbound{obs: o, next: next}
}

// Outbound wraps next so that response heads are logged before delivery.
func (o *Observer) Outbound(next protocol.ResponseWriter) protocol.ResponseWriter {
	return &outbound{obs: o, next: next}
}

func (o *Observer) log(resp protocol.ResponseHead) {
	req := o.request
	if req == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("target", req.Target),
		slog.Int("status", resp.Status),
	}
	if v := req.Header.Get("Content-Length"); v != "" {
		attrs = append(attrs, slog.String("content_length", v))
	} else if v := resp.Header.Get("Content-Length"); v != "" {
		attrs = append(attrs, slog.String("content_length", v))
	}

	o.logger.LogAttrs(context.Background(), o.level, Message, attrs...)
}

type inbound struct {
	obs  *Observer
	next protocol.EventHandler
}

func (i *inbound) HandleHead(ctx context.Context, head protocol.RequestHead) error {
	i.obs.request = &head
	return i.next.HandleHead(ctx, head)
}

func (i *inbound) HandleBody(ctx context.Context, chunk []byte) error {
	return i.next.HandleBody(ctx, chunk)
}

func (i *inbound) HandleEnd(ctx context.Context) error {
	return i.next.HandleEnd(ctx)
}

func (i *inbound) Close() error {
	return i.next.Close()
}

type outbound struct {
	obs  *Observer
	next protocol.ResponseWriter
}

func (w *outbound) WriteHead(head protocol.ResponseHead) error {
	w.obs.log(head)
	return w.next.WriteHead(head)
}

func (w *outbound) WriteBody(blob blobstore.ReadableBlob) error {
	return w.next.WriteBody(blob)
}

func (w *outbound) WriteEnd() error {
	err := w.next.WriteEnd()
	// Reset for the next request on a reused connection.
	w.obs.request = nil
	return err
}
