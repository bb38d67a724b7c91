package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	Init(Config{Level: level, Format: "json", Output: buf})
	t.Cleanup(func() { Init(Config{}) })
	return buf
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, parseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestInitFiltersByLevel(t *testing.T) {
	buf := captureJSON(t, "warn")

	Info().Msg("hidden")
	Warn().Str("provider", "ivr").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "ivr", entry["provider"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSlogHandlerForwardsAttrs(t *testing.T) {
	buf := captureJSON(t, "debug")

	logger := NewSlogLogger().WithGroup("svc").With("name", "reconcile")
	logger.Error("service failed", "err", errors.New("boom"), "restarts", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "service failed", entry["message"])
	assert.Equal(t, "reconcile", entry["svc.name"])
	assert.Equal(t, "boom", entry["svc.err"])
	assert.EqualValues(t, 2, entry["svc.restarts"])
}

func TestSlogHandlerEnabled(t *testing.T) {
	captureJSON(t, "error")
	h := NewSlogHandler()
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}
