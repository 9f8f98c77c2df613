package logifaceslog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nemomobile/dsme/internal/logiface"
)

func TestNewLoggerWritesThroughTheGivenHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := NewLogger(handler, logiface.LevelTrace)

	log.Warning().Str("sensor", "battery").Log("low battery")

	out := buf.String()
	assert.Contains(t, out, "low battery")
	assert.Contains(t, out, "sensor=battery")
	assert.Contains(t, out, "level=WARN")
}

func TestNewLoggerBelowLevelWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := NewLogger(handler, logiface.LevelError)

	log.Debug().Log("should not appear")

	assert.Empty(t, buf.String())
}

func TestToSlogLevelMapsSeverityDownward(t *testing.T) {
	assert.Equal(t, slog.LevelError, toSlogLevel(logiface.LevelCritical))
	assert.Equal(t, slog.LevelWarn, toSlogLevel(logiface.LevelWarning))
	assert.Equal(t, slog.LevelInfo, toSlogLevel(logiface.LevelNotice))
	assert.Equal(t, slog.LevelDebug, toSlogLevel(logiface.LevelTrace))
}
