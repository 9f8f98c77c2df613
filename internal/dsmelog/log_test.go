package dsmelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	lines  []string
	levels []Level
	closed bool
}

func (s *recordingSink) WriteLine(level Level, line string) {
	s.levels = append(s.levels, level)
	s.lines = append(s.lines, line)
}
func (s *recordingSink) Close() error { s.closed = true; return nil }

func TestFromVerbosityClampsToDisabledAndTrace(t *testing.T) {
	assert.Equal(t, LevelDisabled, FromVerbosity(-1))
	assert.Equal(t, LevelEmergency, FromVerbosity(0))
	assert.Equal(t, LevelDebug, FromVerbosity(7))
	assert.Equal(t, LevelTrace, FromVerbosity(8))
	assert.Equal(t, LevelTrace, FromVerbosity(99))
}

func TestLoggerSuppressesMessagesAboveConfiguredLevel(t *testing.T) {
	sink := &recordingSink{}
	log := New(LevelWarning, sink)

	log.Debugf("should not appear")
	log.Warnf("at threshold %d", 1)
	log.Errorf("more severe")

	assert.Equal(t, []string{"at threshold 1", "more severe"}, sink.lines)
}

func TestLoggerNilIsSafeNoOp(t *testing.T) {
	var log *Logger
	assert.False(t, log.Enabled(LevelEmergency))
	assert.NotPanics(t, func() { log.Errorf("ignored") })
	assert.NoError(t, log.Close())
}

func TestLoggerCloseDelegatesToSink(t *testing.T) {
	sink := &recordingSink{}
	log := New(LevelDebug, sink)
	assert.NoError(t, log.Close())
	assert.True(t, sink.closed)
}

func TestLevelStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "err", LevelError.String())
	assert.Equal(t, "trace", LevelTrace.String())
	assert.Contains(t, Level(99).String(), "level(99)")
}
