package dsmelog

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"

	"github.com/nemomobile/dsme/internal/logiface"
	"github.com/nemomobile/dsme/internal/logifaceslog"
	"github.com/nemomobile/dsme/internal/logifacestumpy"
)

// SinkKind enumerates the `-l` CLI values (spec.md §6).
type SinkKind string

const (
	SinkSyslog SinkKind = "syslog"
	SinkSTI    SinkKind = "sti"
	SinkStdout SinkKind = "stdout"
	SinkStderr SinkKind = "stderr"
	SinkNone   SinkKind = "none"
	SinkFile   SinkKind = "file"
)

// stumpySink adapts an internal/logifacestumpy-backed logiface.Logger to
// the Sink interface: every WriteLine call is one logiface record whose
// sole field is the already-formatted printf line (dsmelog is a
// printf-style facade, not a structured-field API — see the package
// doc), so each line still passes through logiface's level gate,
// EventFactory pooling, and Writer exactly as a structured caller's would.
type stumpySink struct {
	logger *logiface.Logger[*logifacestumpy.Event]
	closer io.Closer
}

func (s *stumpySink) WriteLine(level Level, line string) {
	s.logger.Build(level.toLogiface()).Log(line)
}

func (s *stumpySink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// slogSink is the logifaceslog-backed analogue of stumpySink, used where
// a log/slog.Handler (rather than stumpy's compact JSON lines) is the
// better fit — kept available for callers that want slog-flavoured
// output without depending on dsmelog's default sink wiring.
type slogSink struct {
	logger *logiface.Logger[*logifaceslog.Event]
	closer io.Closer
}

func (s *slogSink) WriteLine(level Level, line string) {
	s.logger.Build(level.toLogiface()).Log(line)
}

func (s *slogSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// noneSink discards every line.
type noneSink struct{}

func (noneSink) WriteLine(Level, string) {}
func (noneSink) Close() error            { return nil }

// syslogSink adapts to the standard library's log/syslog. No third-party
// syslog client appears anywhere in the retrieval pack, so this one leaf
// stays on the standard library (see DESIGN.md).
type syslogSink struct {
	w *syslog.Writer
}

func (s *syslogSink) WriteLine(level Level, line string) {
	switch {
	case level <= LevelEmergency:
		_ = s.w.Emerg(line)
	case level <= LevelAlert:
		_ = s.w.Alert(line)
	case level <= LevelCritical:
		_ = s.w.Crit(line)
	case level <= LevelError:
		_ = s.w.Err(line)
	case level <= LevelWarning:
		_ = s.w.Warning(line)
	case level <= LevelNotice:
		_ = s.w.Notice(line)
	case level <= LevelInformational:
		_ = s.w.Info(line)
	default:
		_ = s.w.Debug(line)
	}
}

func (s *syslogSink) Close() error { return s.w.Close() }

// NewSink builds the Sink named by kind. path is only consulted for
// SinkFile. STI (the historical Nokia trace channel) has no back-end in
// scope (spec.md §1 Non-goals); requesting it degrades to SinkNone.
//
// stdout/stderr/file all route through internal/logifacestumpy, so the
// daemon's default logging path genuinely exercises the vendored
// logiface stack rather than writing lines directly.
func NewSink(kind SinkKind, path string) (Sink, error) {
	switch kind {
	case SinkStdout:
		return newStumpySink(nopWriteCloser{os.Stdout}, nil), nil
	case SinkStderr:
		return newStumpySink(nopWriteCloser{os.Stderr}, nil), nil
	case SinkNone, SinkSTI:
		return noneSink{}, nil
	case SinkFile:
		if path == "" {
			return nil, fmt.Errorf("dsmelog: file sink requires a path")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("dsmelog: open %s: %w", path, err)
		}
		return newStumpySink(f, f), nil
	case SinkSyslog:
		w, err := syslog.New(syslog.LOG_DAEMON, "dsme")
		if err != nil {
			return nil, fmt.Errorf("dsmelog: syslog: %w", err)
		}
		return &syslogSink{w: w}, nil
	default:
		return nil, fmt.Errorf("dsmelog: unknown sink %q", kind)
	}
}

func newStumpySink(w io.Writer, closer io.Closer) *stumpySink {
	return &stumpySink{
		logger: logifacestumpy.NewLogger(w, logiface.LevelTrace),
		closer: closer,
	}
}

// NewSlogSink builds a Sink backed by internal/logifaceslog, writing
// human-readable lines via a slog.TextHandler over w. Offered alongside
// NewSink's default stumpy-backed sinks as the other half of the
// teacher's logiface-slog/logiface-stumpy adapter pair (SPEC_FULL.md's
// domain stack table).
func NewSlogSink(w io.Writer, closer io.Closer) Sink {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &slogSink{
		logger: logifaceslog.NewLogger(handler, logiface.LevelTrace),
		closer: closer,
	}
}
