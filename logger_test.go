package buildcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	buf.Reset()
	return rec
}

func TestLogger_Helpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()

	l.WithComponent("transport").WithAddr("127.0.0.1:9000").Info("hello")
	rec := decodeRecord(t, &buf)
	assert.Equal(t, "transport", rec["component"])
	assert.Equal(t, "127.0.0.1:9000", rec["addr"])

	l.LogStartup(ctx, "127.0.0.1:9000", BackendMemory)
	rec = decodeRecord(t, &buf)
	assert.Equal(t, "server listening", rec["msg"])
	assert.Equal(t, BackendMemory, rec["backend"])

	l.LogStoreOpen(ctx, BackendFilesystem, "/tmp/x", errors.New("boom"))
	rec = decodeRecord(t, &buf)
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "boom", rec["error"])

	l.WithBackend(BackendS3).LogShutdown(ctx, nil)
	rec = decodeRecord(t, &buf)
	assert.Equal(t, "server stopped", rec["msg"])
	assert.Equal(t, BackendS3, rec["backend"])
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.LogShutdown(context.Background(), errors.New("ignored"))
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "warn"
	l := cfg.NewLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, l.Enabled(context.Background(), slog.LevelWarn))
}
