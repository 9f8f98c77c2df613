// Package dsmelog implements the verbosity-controlled logging sink
// described in spec.md §4.11, plus the CLI's `-l`/`-v` surface (§6).
//
// Its Level scale is internal/logiface's syslog-numbered scale
// (LevelEmergency=0 .. LevelDebug=7, plus LevelTrace) under a local name,
// so the CLI's "-v 0..7" maps directly onto it. Logger itself stays a
// plain printf-style facade — the daemon logs short diagnostic lines,
// not field-by-field structured events — but every line it accepts is
// routed through an internal/logiface.Logger underneath: NewSink builds
// a logifacestumpy-backed logger for the high-rate file/stdout/stderr
// sinks and a logifaceslog-backed logger is available via
// NewSlogSink for callers that want log/slog-flavoured output. Only
// syslog (no third-party client in the retrieval pack) stays on the
// standard library; see DESIGN.md.
package dsmelog

import (
	"fmt"

	"github.com/nemomobile/dsme/internal/logiface"
)

// Level mirrors logiface.Level's syslog scale, so the CLI's "-v 0..7"
// maps directly onto it (spec.md §6).
type Level int8

const (
	LevelDisabled     Level = iota - 1
	LevelEmergency          // 0
	LevelAlert              // 1
	LevelCritical           // 2
	LevelError              // 3
	LevelWarning            // 4
	LevelNotice             // 5
	LevelInformational      // 6
	LevelDebug              // 7
	LevelTrace              // 8, non-syslog, selected by FromVerbosity for any -v above 7
)

func (l Level) String() string {
	switch l {
	case LevelDisabled:
		return "disabled"
	case LevelEmergency:
		return "emerg"
	case LevelAlert:
		return "alert"
	case LevelCritical:
		return "crit"
	case LevelError:
		return "err"
	case LevelWarning:
		return "warning"
	case LevelNotice:
		return "notice"
	case LevelInformational:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// FromVerbosity maps the CLI's "-v 0..7" onto a Level, per spec.md §6.
func FromVerbosity(v int) Level {
	switch {
	case v < 0:
		return LevelDisabled
	case v > 7:
		return LevelTrace
	default:
		return Level(v)
	}
}

// Sink is the minimal write surface a log back-end must provide.
type Sink interface {
	// WriteLine is given one fully-formatted line (no trailing newline);
	// implementations are responsible for any required framing.
	WriteLine(level Level, line string)
	Close() error
}

// Logger is the daemon-wide logging facade.
type Logger struct {
	level Level
	sink  Sink
}

// New builds a Logger at level, writing to sink.
func New(level Level, sink Sink) *Logger {
	return &Logger{level: level, sink: sink}
}

// Enabled reports whether a message at level would actually be written,
// letting callers skip expensive formatting (the same guard logiface.Logger
// offers via its own Enabled/Build gate).
func (l *Logger) Enabled(level Level) bool {
	return l != nil && l.sink != nil && level <= l.level && level.Enabled()
}

func (l *Logger) log(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	l.sink.WriteLine(level, fmt.Sprintf(format, args...))
}

func (l *Logger) Emergencyf(format string, args ...any) { l.log(LevelEmergency, format, args...) }
func (l *Logger) Alertf(format string, args ...any)     { l.log(LevelAlert, format, args...) }
func (l *Logger) Criticalf(format string, args ...any)  { l.log(LevelCritical, format, args...) }
func (l *Logger) Errorf(format string, args ...any)     { l.log(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...any)      { l.log(LevelWarning, format, args...) }
func (l *Logger) Noticef(format string, args ...any)    { l.log(LevelNotice, format, args...) }
func (l *Logger) Infof(format string, args ...any)      { l.log(LevelInformational, format, args...) }
func (l *Logger) Debugf(format string, args ...any)     { l.log(LevelDebug, format, args...) }
func (l *Logger) Tracef(format string, args ...any)     { l.log(LevelTrace, format, args...) }

// Close releases the underlying sink, if any.
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Enabled reports whether l is a non-disabled level (logiface.Level.Enabled
// equivalent).
func (l Level) Enabled() bool { return l > LevelDisabled }

// toLogiface converts to internal/logiface's Level. The two scales are
// defined identically (syslog-numbered, plus LevelTrace), so this is a
// direct, lossless cast.
func (l Level) toLogiface() logiface.Level { return logiface.Level(l) }
