package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/buildcache/blobstore"
	"github.com/hupe1980/buildcache/internal/fs"
	"github.com/hupe1980/buildcache/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(store blobstore.Store, cfg Config) *Server {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	return NewServer(func(out protocol.ResponseWriter) protocol.EventHandler {
		return protocol.NewHandler(store, out)
	}, cfg)
}

func startServer(t *testing.T, store blobstore.Store, cfg Config) string {
	t.Helper()

	srv := newTestServer(store, cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		assert.ErrorIs(t, <-errCh, ErrServerClosed)
	})
	return ln.Addr().String()
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) send(raw string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, raw)
	require.NoError(c.t, err)
}

func (c *client) read(method string) (*http.Response, string) {
	c.t.Helper()
	resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
	require.NoError(c.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, string(body)
}

func (c *client) do(method, target, body string) (*http.Response, string) {
	c.t.Helper()
	c.send(fmt.Sprintf("%s %s HTTP/1.1\r\nHost: cache\r\nContent-Length: %d\r\n\r\n%s", method, target, len(body), body))
	return c.read(method)
}

func (c *client) expectClosed() {
	c.t.Helper()
	_, err := c.br.ReadByte()
	assert.ErrorIs(c.t, err, io.EOF)
}

func TestServer_GetPutGetOnOneConnection(t *testing.T) {
	store := blobstore.NewMemoryStore()
	c := dial(t, startServer(t, store, Config{}))

	resp, body := c.do(http.MethodGet, "/fake/path", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int64(0), resp.ContentLength)
	assert.Empty(t, body)
	assert.False(t, resp.Close)

	resp, _ = c.do(http.MethodPut, "/fake/path", "my contents")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, store.Len())

	resp, body = c.do(http.MethodGet, "/fake/path", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(11), resp.ContentLength)
	assert.Equal(t, protocol.ContentTypeBlob, resp.Header.Get("Content-Type"))
	assert.Equal(t, "my contents", body)
}

func TestServer_PipelinedRequests(t *testing.T) {
	store := blobstore.NewMemoryStore()
	c := dial(t, startServer(t, store, Config{}))

	c.send("PUT /a HTTP/1.1\r\nContent-Length: 1\r\n\r\nA" +
		"PUT /b HTTP/1.1\r\nContent-Length: 2\r\n\r\nBB" +
		"GET /a HTTP/1.1\r\n\r\n" +
		"GET /b HTTP/1.1\r\n\r\n")

	resp, _ := c.read(http.MethodPut)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = c.read(http.MethodPut)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := c.read(http.MethodGet)
	assert.Equal(t, "A", body)
	_, body = c.read(http.MethodGet)
	assert.Equal(t, "BB", body)
}

func TestServer_UnsupportedMethodKeepsConnection(t *testing.T) {
	store := blobstore.NewMemoryStore()
	c := dial(t, startServer(t, store, Config{}))

	resp, _ := c.do(http.MethodPost, "/k", "ignored payload")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, 0, store.Len())

	resp, _ = c.do(http.MethodGet, "/k", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_LargeBodyIsChunked(t *testing.T) {
	store := blobstore.NewMemoryStore()
	c := dial(t, startServer(t, store, Config{ChunkSize: 1024}))

	payload := strings.Repeat("0123456789abcdef", 1000)
	resp, _ := c.do(http.MethodPut, "/big", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := c.do(http.MethodGet, "/big", "")
	assert.Equal(t, payload, body)
}

func TestServer_ExpectContinue(t *testing.T) {
	store := blobstore.NewMemoryStore()
	c := dial(t, startServer(t, store, Config{}))

	c.send("PUT /k HTTP/1.1\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
	resp, _ := c.read(http.MethodPut)
	assert.Equal(t, http.StatusContinue, resp.StatusCode)

	c.send("hello")
	resp, _ = c.read(http.MethodPut)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := c.do(http.MethodGet, "/k", "")
	assert.Equal(t, "hello", body)
}

func TestServer_RepeatedContentLength(t *testing.T) {
	store := blobstore.NewMemoryStore()
	c := dial(t, startServer(t, store, Config{}))

	c.send("PUT /k HTTP/1.1\r\nContent-Length: 5, 5\r\n\r\nhello")
	resp, _ := c.read(http.MethodPut)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := c.do(http.MethodGet, "/k", "")
	assert.Equal(t, "hello", body)
}

func TestServer_ConnectionClose(t *testing.T) {
	c := dial(t, startServer(t, blobstore.NewMemoryStore(), Config{}))

	c.send("GET /k HTTP/1.1\r\nConnection: close\r\n\r\n")
	resp, _ := c.read(http.MethodGet)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.True(t, resp.Close)
	c.expectClosed()
}

func TestServer_HTTP10ClosesByDefault(t *testing.T) {
	c := dial(t, startServer(t, blobstore.NewMemoryStore(), Config{}))

	c.send("GET /k HTTP/1.0\r\n\r\n")
	resp, _ := c.read(http.MethodGet)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	c.expectClosed()
}

func TestServer_RejectsUnframeableRequests(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		status int
	}{
		{"garbage", "garbage\r\n\r\n", http.StatusBadRequest},
		{"bad version", "GET /k HTTP/2.0\r\n\r\n", http.StatusBadRequest},
		{"bad content length", "PUT /k HTTP/1.1\r\nContent-Length: ten\r\n\r\n", http.StatusBadRequest},
		{"conflicting content length", "PUT /k HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", http.StatusBadRequest},
		{"chunked", "PUT /k HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nx\r\n0\r\n\r\n", http.StatusNotImplemented},
		{"huge header", "GET /k HTTP/1.1\r\nX-Pad: " + strings.Repeat("p", 2048) + "\r\n\r\n", http.StatusRequestHeaderFieldsTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := blobstore.NewMemoryStore()
			c := dial(t, startServer(t, store, Config{MaxHeaderBytes: 1024}))

			c.send(tt.raw)
			resp, _ := c.read(http.MethodPut)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.True(t, resp.Close)
			c.expectClosed()
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestServer_TruncatedBodyTearsDown(t *testing.T) {
	store := blobstore.NewMemoryStore()
	c := dial(t, startServer(t, store, Config{}))

	c.send("PUT /k HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc")
	require.NoError(t, c.conn.(*net.TCPConn).CloseWrite())

	c.expectClosed()
	assert.Equal(t, 0, store.Len())
}

func TestServer_ReleasesFileHandles(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	store, err := blobstore.NewLocalStore(t.TempDir(), blobstore.WithFileSystem(ffs))
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), "/cas/abc", []byte("file backed")))

	c := dial(t, startServer(t, store, Config{}))
	for range 3 {
		resp, body := c.do(http.MethodGet, "/cas/abc", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "file backed", body)
	}

	assert.Eventually(t, func() bool { return ffs.OpenFiles() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, ffs.DoubleCloses())
}

func TestServer_ConcurrentHTTPClients(t *testing.T) {
	store := blobstore.NewMemoryStore()
	addr := startServer(t, store, Config{})

	hc := &http.Client{Timeout: 10 * time.Second}
	t.Cleanup(hc.CloseIdleConnections)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := fmt.Sprintf("http://%s/ac/key-%d", addr, i)
			payload := bytes.Repeat([]byte{byte(i)}, 1000+i)

			req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(payload))
			if err != nil {
				errs <- err
				return
			}
			resp, err := hc.Do(req)
			if err != nil {
				errs <- err
				return
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("put %d: status %d", i, resp.StatusCode)
				return
			}

			resp, err = hc.Get(url)
			if err != nil {
				errs <- err
				return
			}
			got, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- fmt.Errorf("get %d: payload mismatch", i)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 32, store.Len())
}

func TestServer_Shutdown(t *testing.T) {
	srv := newTestServer(blobstore.NewMemoryStore(), Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), ln) }()

	c := dial(t, ln.Addr().String())
	resp, _ := c.do(http.MethodGet, "/k", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-errCh, ErrServerClosed)

	// The idle connection is torn down.
	_, err = c.br.ReadByte()
	assert.Error(t, err)

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(context.Background(), ln2), ErrServerClosed)
}

func TestServer_ServeStopsWithContext(t *testing.T) {
	srv := newTestServer(blobstore.NewMemoryStore(), Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	assert.NoError(t, srv.Shutdown(shutdownCtx))
}

func TestServer_IdleTimeout(t *testing.T) {
	c := dial(t, startServer(t, blobstore.NewMemoryStore(), Config{IdleTimeout: 100 * time.Millisecond}))

	resp, _ := c.do(http.MethodGet, "/k", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	c.expectClosed()
}
