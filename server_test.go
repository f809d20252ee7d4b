package buildcache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/buildcache/accesslog"
	"github.com/hupe1980/buildcache/blobstore"
	"github.com/hupe1980/buildcache/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t    *testing.T
	srv  *Server
	base string
	hc   *http.Client
	done chan error
}

func serve(t *testing.T, srv *Server) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{
		t:    t,
		srv:  srv,
		base: "http://" + ln.Addr().String(),
		hc:   &http.Client{Timeout: 10 * time.Second},
		done: make(chan error, 1),
	}
	go func() { ts.done <- srv.Serve(context.Background(), ln) }()
	return ts
}

// stop shuts the server down and waits for Serve to return.
func (ts *testServer) stop() {
	ts.t.Helper()
	ts.hc.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(ts.t, ts.srv.Shutdown(ctx))
	assert.ErrorIs(ts.t, <-ts.done, ErrServerClosed)
}

func (ts *testServer) do(method, key, body string) (int, string) {
	ts.t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.base+key, r)
	require.NoError(ts.t, err)

	resp, err := ts.hc.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, string(data)
}

func TestServer_EndToEnd(t *testing.T) {
	var logs bytes.Buffer
	metrics := &BasicMetricsCollector{}
	srv := NewServer(
		WithVerbose(true),
		WithLogger(NewLogger(slog.NewJSONHandler(&logs, nil))),
		WithMetrics(metrics),
	)
	ts := serve(t, srv)

	status, _ := ts.do(http.MethodGet, "/fake/path", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(http.MethodPut, "/fake/path", "my contents")
	assert.Equal(t, http.StatusOK, status)

	status, body := ts.do(http.MethodGet, "/fake/path", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "my contents", body)

	status, _ = ts.do(http.MethodPost, "/fake/path", "ignored")
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	ts.stop()

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.ReadCount)
	assert.Equal(t, int64(1), stats.ReadHits)
	assert.Equal(t, int64(1), stats.ReadMisses)
	assert.Equal(t, int64(11), stats.ReadBytes)
	assert.Equal(t, int64(1), stats.WriteCount)
	assert.Equal(t, int64(11), stats.WriteBytes)
	assert.Equal(t, int64(1), stats.RejectedCount)

	type accessRecord struct {
		Msg    string `json:"msg"`
		Method string `json:"method"`
		Target string `json:"target"`
		Status int    `json:"status"`
	}
	var records []accessRecord
	sc := bufio.NewScanner(&logs)
	for sc.Scan() {
		var rec accessRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec.Msg == accesslog.Message {
			records = append(records, rec)
		}
	}
	require.Len(t, records, 4)
	assert.Equal(t, []int{404, 200, 200, 405}, []int{records[0].Status, records[1].Status, records[2].Status, records[3].Status})
	assert.Equal(t, http.MethodPut, records[1].Method)
	assert.Equal(t, "/fake/path", records[1].Target)
}

func TestServer_QuietByDefault(t *testing.T) {
	var logs bytes.Buffer
	ts := serve(t, NewServer(WithLogger(NewLogger(slog.NewJSONHandler(&logs, nil)))))

	status, _ := ts.do(http.MethodGet, "/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	ts.stop()

	assert.NotContains(t, logs.String(), `"msg":"`+accesslog.Message+`"`)
	assert.Contains(t, logs.String(), "server listening")
}

func TestServer_UploadBudget(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ts := serve(t, NewServer(
		WithStore(store),
		WithResourceLimits(ResourceLimits{MaxUploadMemoryBytes: 8}),
	))
	defer ts.stop()

	status, _ := ts.do(http.MethodPut, "/ac/big", "0123456789")
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _ = ts.do(http.MethodPut, "/ac/small", "0123")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, store.Len())
}

func TestServer_WithExecutor(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ts := serve(t, NewServer(WithStore(store), WithExecutor(protocol.InlineExecutor{})))
	defer ts.stop()

	status, _ := ts.do(http.MethodPut, "/cas/k", "v")
	assert.Equal(t, http.StatusOK, status)

	_, body := ts.do(http.MethodGet, "/cas/k", "")
	assert.Equal(t, "v", body)
}

func TestServer_ZeroLengthPut(t *testing.T) {
	ts := serve(t, NewServer())
	defer ts.stop()

	req, err := http.NewRequest(http.MethodPut, ts.base+"/ac/empty", http.NoBody)
	require.NoError(t, err)
	resp, err := ts.hc.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, body := ts.do(http.MethodGet, "/ac/empty", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body)
}

func TestServer_ListenAndServe(t *testing.T) {
	srv := NewServer()

	err := srv.ListenAndServe(context.Background(), "127.0.0.1:99999")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
