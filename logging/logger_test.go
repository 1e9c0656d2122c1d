package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm/logger"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewFromConfigAddsServiceAndTrace(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "fixengine", Module: "session", Level: "info", Writer: &buf})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.InfoContext(ctx, "logon accepted", "session", "FIX.4.2:SERVER->CLIENT")
	l.Debug("filtered")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	rec := lines[0]
	assert.Equal(t, "fixengine", rec["service"])
	assert.Equal(t, "session", rec["module"])
	assert.Equal(t, sc.TraceID().String(), rec["trace_id"])
	assert.Equal(t, sc.SpanID().String(), rec["span_id"])
	assert.Equal(t, "FIX.4.2:SERVER->CLIENT", rec["session"])
}

func TestWithModuleAndSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "fixengine", Level: "warn", Writer: &buf}).WithModule("store")
	assert.Equal(t, "store", l.Module)

	l.Info("dropped")
	SetLevel("debug")
	defer SetLevel("info")
	l.Debug("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "store", lines[0]["component"])
	assert.Equal(t, slog.LevelDebug, Level())
}

func TestFileAndConsole(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "engine.log")
	l := NewFromConfig(Config{Service: "fixengine", Level: "info", File: path, Console: true, Format: "text", Writer: &console})
	l.Info("acceptor listening")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "acceptor listening")
	assert.Contains(t, console.String(), "acceptor listening")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestGormLoggerTrace(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromConfig(Config{Service: "fixengine", Level: "info", Writer: &buf})
	g := NewGormLogger(l, 10*time.Millisecond)
	assert.Same(t, g, g.LogMode(logger.Info))

	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", 1 }
	g.Trace(ctx, time.Now(), sql, nil)
	g.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	g.Trace(ctx, time.Now(), sql, errors.New("database is locked"))
	g.Trace(ctx, time.Now(), sql, logger.ErrRecordNotFound)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "slow_query", lines[0]["type"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "database is locked", lines[1]["error"])
}
