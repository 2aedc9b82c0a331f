package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, level)
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestLevelString(t *testing.T) {
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(lvl))
		require.NoError(t, err)
		assert.Equal(t, lvl, parsed)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.Equal(t, "possum", cfg.Component)
	assert.Positive(t, cfg.MaxSize)
	assert.Positive(t, cfg.MaxBackups)
}

func TestNewWithWriterComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelDebug, Component: "test"})

	logger.WithComponent("location").Info("Unknown provider:passive")

	out := buf.String()
	assert.Contains(t, out, "component=location")
	assert.Contains(t, out, "Unknown provider:passive")
}

func TestWithDetector(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelDebug, Format: FormatJSON})

	logger.WithDetector("Position", "det-1").Info("started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Position", record["detector"])
	assert.Equal(t, "det-1", record["detector_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelWarn})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelInfo, Format: FormatJSON})

	logger.Info("created", "secret_key_hash", "abc123", "provider", "gps")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "[REDACTED]", record["secret_key_hash"])
	assert.Equal(t, "gps", record["provider"])
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key    string
		redact bool
	}{
		{"password", true},
		{"secret_key_hash", true},
		{"AUTH_TOKEN", true},
		{"key_hash", true},
		{"provider", false},
		{"detector_id", false},
		{"mode", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			assert.Equal(t, test.redact, shouldRedact(test.key))
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(nil))

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &Config{Level: LevelInfo})
	logger.WithContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), "request_id=req-1")
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing")
	assert.NoError(t, logger.Close())
}

// =============================================================================
// File output
// =============================================================================

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "possumd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info("to file")
	require.NoError(t, logger.Sync())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestFileRotatorRotatesOnSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rot.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 10})
	require.NoError(t, err)
	defer r.Close()

	// Fix the clock so only size triggers rotation.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.opened = now

	chunk := []byte(strings.Repeat("x", 700*1024))
	_, err = r.Write(chunk)
	require.NoError(t, err)

	_, err = r.Write(chunk)
	require.NoError(t, err)

	backups, err := r.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestFileRotatorRotatesOnDayChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "day.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 100, MaxBackups: 10})
	require.NoError(t, err)
	defer r.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	r.now = func() time.Time { return day }
	r.opened = day

	_, err = r.Write([]byte("before midnight\n"))
	require.NoError(t, err)

	day = day.Add(2 * time.Minute)
	_, err = r.Write([]byte("after midnight\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after midnight\n", string(data))
}

func TestFileRotatorEmptyPath(t *testing.T) {
	_, err := NewFileRotator(&Config{})
	assert.Error(t, err)
}

// =============================================================================
// Crash handler
// =============================================================================

func TestCrashHandlerRecover(t *testing.T) {
	dir := t.TempDir()
	var got []CrashReport
	h, err := NewCrashHandler(CrashHandlerConfig{
		Dir:       dir,
		Component: "possumd",
		Logger:    Discard(),
		OnCrash:   func(r CrashReport) { got = append(got, r) },
	})
	require.NoError(t, err)

	h.Recover(func() { panic("boom") })

	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].PanicValue)
	assert.NotEmpty(t, got[0].StackTrace)

	reports, err := h.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "possumd", reports[0].Component)
}

func TestCrashHandlerGo(t *testing.T) {
	done := make(chan CrashReport, 1)
	h, err := NewCrashHandler(CrashHandlerConfig{
		Dir:     t.TempDir(),
		Logger:  Discard(),
		OnCrash: func(r CrashReport) { done <- r },
	})
	require.NoError(t, err)

	h.Go("reader", func() { panic("reader died") })

	select {
	case r := <-done:
		assert.Equal(t, "reader", r.Context["goroutine"])
	case <-time.After(5 * time.Second):
		t.Fatal("crash not reported")
	}
}

func TestCrashHandlerPrune(t *testing.T) {
	dir := t.TempDir()
	h, err := NewCrashHandler(CrashHandlerConfig{Dir: dir, Logger: Discard()})
	require.NoError(t, err)

	old := filepath.Join(dir, "crash-x-old.json")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	require.NoError(t, h.Prune(24*time.Hour))
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}
