package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hupe1980/buildcache/blobstore"
)

// maxPreallocBytes caps the body buffer reserved up front from a declared
// content-length; larger bodies grow the buffer as chunks arrive.
const maxPreallocBytes = 8 << 20

// State is the request-processing state of a Handler.
type State uint8

const (
	// StateAwaitingHead waits for the next request head.
	StateAwaitingHead State = iota
	// StateAwaitingBody accumulates PUT body chunks.
	StateAwaitingBody
	// StateAwaitingEnd waits for the request end marker.
	StateAwaitingEnd
	// StateUnsupportedMethod discards the body of a request answered with 405.
	StateUnsupportedMethod
	// StateRejected discards the body of an upload that exceeded the budget.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateAwaitingHead:
		return "awaiting-head"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateAwaitingEnd:
		return "awaiting-end"
	case StateUnsupportedMethod:
		return "unsupported-method"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Option configures a Handler.
type Option func(*Handler)

// WithExecutor sets the executor storage operations run on.
// Default: GoExecutor.
func WithExecutor(exec Executor) Option {
	return func(h *Handler) {
		if exec != nil {
			h.exec = exec
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithMemoryBudget reserves each upload's declared length against b.
func WithMemoryBudget(b MemoryBudget) Option {
	return func(h *Handler) {
		h.budget = b
	}
}

// WithLogger sets the logger for storage and handle-close failures.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHandleSet sets the handle tracker. Default: a new HandleSet.
func WithHandleSet(hs *HandleSet) Option {
	return func(h *Handler) {
		if hs != nil {
			h.handles = hs
		}
	}
}

// Handler is the per-connection protocol state machine.
// It is not safe for concurrent use; a transport delivers events sequentially.
type Handler struct {
	store   blobstore.Store
	out     ResponseWriter
	exec    Executor
	metrics Metrics
	budget  MemoryBudget
	handles *HandleSet
	logger  *slog.Logger

	state          State
	key            string
	expectedLength int64
	storedLength   int64
	body           []byte
	storePending   bool
	reserved       int64
	pending        []HandleID
}

// NewHandler creates a Handler serving store and writing responses to out.
func NewHandler(store blobstore.Store, out ResponseWriter, opts ...Option) *Handler {
	h := &Handler{
		store:   store,
		out:     out,
		exec:    GoExecutor{},
		metrics: NoopMetrics{},
		handles: NewHandleSet(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current state.
func (h *Handler) State() State { return h.state }

// Handles returns the handle tracker of the connection.
func (h *Handler) Handles() *HandleSet { return h.handles }

// HandleHead starts a request.
func (h *Handler) HandleHead(ctx context.Context, head RequestHead) error {
	if h.state != StateAwaitingHead {
		return &StateError{State: h.state, Event: "head"}
	}

	switch head.Method {
	case http.MethodGet:
		return h.handleGet(ctx, head.Target)
	case http.MethodPut:
		return h.handlePut(head)
	default:
		h.metrics.RecordRejected(head.Method)
		h.state = StateUnsupportedMethod
		return h.respond(http.StatusMethodNotAllowed)
	}
}

type readResult struct {
	blob blobstore.ReadableBlob
	err  error
}

func (h *Handler) handleGet(ctx context.Context, key string) error {
	start := time.Now()
	res, err := dispatch(ctx, h.exec,
		func(ctx context.Context) readResult {
			blob, err := h.store.Read(ctx, key)
			return readResult{blob: blob, err: err}
		},
		func(r readResult) {
			if r.err == nil {
				h.closeBlob(key, r.blob)
			}
		},
	)
	if err != nil {
		return err
	}
	h.metrics.RecordRead(time.Since(start), res.blob.Size(), res.err)

	h.state = StateAwaitingEnd

	switch {
	case res.err == nil:
		return h.respondBlob(res.blob)
	case errors.Is(res.err, blobstore.ErrNotFound), errors.Is(res.err, blobstore.ErrInvalidKey):
		return h.respond(http.StatusNotFound)
	default:
		h.logger.Warn("storage read failed", "key", key, "error", res.err)
		return h.respond(http.StatusInternalServerError)
	}
}

func (h *Handler) handlePut(head RequestHead) error {
	n := head.ContentLength()

	if n > 0 && h.budget != nil {
		if err := h.budget.AcquireMemory(n); err != nil {
			h.logger.Warn("upload rejected", "key", head.Target, "content_length", n, "error", err)
			h.metrics.RecordRejected(head.Method)
			h.state = StateRejected
			return h.respond(http.StatusInternalServerError)
		}
		h.reserved = n
	}

	h.key = head.Target
	h.expectedLength = n
	h.storedLength = 0
	h.storePending = true
	h.body = make([]byte, 0, min(n, maxPreallocBytes))

	if n == 0 {
		h.state = StateAwaitingEnd
	} else {
		h.state = StateAwaitingBody
	}
	return nil
}

// HandleBody consumes one body chunk.
func (h *Handler) HandleBody(_ context.Context, chunk []byte) error {
	switch h.state {
	case StateUnsupportedMethod, StateRejected:
		return nil
	case StateAwaitingBody:
		if h.storedLength+int64(len(chunk)) > h.expectedLength {
			return fmt.Errorf("%w: body exceeds content-length %d", ErrProtocolViolation, h.expectedLength)
		}
		h.body = append(h.body, chunk...)
		h.storedLength += int64(len(chunk))
		if h.storedLength == h.expectedLength {
			h.state = StateAwaitingEnd
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected body in state %s", ErrProtocolViolation, h.state)
	}
}

// HandleEnd completes a request: a pending upload is committed and the
// response is finished.
func (h *Handler) HandleEnd(ctx context.Context) error {
	switch h.state {
	case StateUnsupportedMethod, StateRejected:
		return h.finish()
	case StateAwaitingBody:
		return fmt.Errorf("%w: request ended after %d of %d body bytes",
			ErrProtocolViolation, h.storedLength, h.expectedLength)
	case StateAwaitingEnd:
		if h.storePending {
			if err := h.commit(ctx); err != nil {
				return err
			}
		}
		return h.finish()
	default:
		return &StateError{State: h.state, Event: "end"}
	}
}

func (h *Handler) commit(ctx context.Context) error {
	key, data := h.key, h.body

	start := time.Now()
	werr, err := dispatch(ctx, h.exec,
		func(ctx context.Context) error {
			return h.store.Write(ctx, key, data)
		},
		func(error) {},
	)
	if err != nil {
		return err
	}
	h.metrics.RecordWrite(time.Since(start), int64(len(data)), werr)

	if werr != nil {
		h.logger.Warn("storage write failed", "key", key, "error", werr)
		return h.respond(http.StatusInternalServerError)
	}
	return h.respond(http.StatusOK)
}

// finish writes the response end, releases the handles of the response and
// resets for the next request.
func (h *Handler) finish() error {
	err := h.out.WriteEnd()
	for _, id := range h.pending {
		if cerr := h.handles.Release(id); cerr != nil {
			h.logger.Warn("failed to close handle", "error", cerr)
		}
	}
	h.pending = h.pending[:0]
	h.reset()
	return err
}

func (h *Handler) reset() {
	if h.reserved > 0 {
		h.budget.ReleaseMemory(h.reserved)
		h.reserved = 0
	}
	h.state = StateAwaitingHead
	h.key = ""
	h.expectedLength = 0
	h.storedLength = 0
	h.body = nil
	h.storePending = false
}

// Close tears the connection state down and closes every remaining handle.
func (h *Handler) Close() error {
	err := h.handles.CloseAll()
	if err != nil {
		h.logger.Warn("failed to close handles", "error", err)
	}
	h.pending = nil
	h.reset()
	return err
}

func (h *Handler) respond(status int) error {
	hdr := make(http.Header, 1)
	hdr.Set("Content-Length", "0")
	return h.out.WriteHead(ResponseHead{Status: status, Header: hdr})
}

func (h *Handler) respondBlob(blob blobstore.ReadableBlob) error {
	if c := blob.Closer(); c != nil {
		h.pending = append(h.pending, h.handles.Track(c))
	}

	hdr := make(http.Header, 2)
	hdr.Set("Content-Length", strconv.FormatInt(blob.Size(), 10))
	hdr.Set("Content-Type", ContentTypeBlob)
	if err := h.out.WriteHead(ResponseHead{Status: http.StatusOK, Header: hdr}); err != nil {
		return err
	}
	return h.out.WriteBody(blob)
}

func (h *Handler) closeBlob(key string, blob blobstore.ReadableBlob) {
	if err := blob.Close(); err != nil {
		h.logger.Warn("failed to close abandoned blob", "key", key, "error", err)
	}
}
