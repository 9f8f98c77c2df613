// Package logifaceslog is dsme's adaptation of the teacher's
// logiface-slog: a logiface.Event/Writer pair backed by the standard
// library's log/slog, offered by internal/dsmelog through NewSlogSink as
// the human-legible alternative. The `-l file`/`-l stdout`/`-l stderr`
// destinations use internal/logifacestumpy's compact JSON lines instead.
package logifaceslog

import (
	"context"
	"log/slog"
	"time"

	"github.com/nemomobile/dsme/internal/logiface"
)

type (
	// Event accumulates slog.Attr values for one record, the way the
	// teacher's slog.Event accumulates attrs before Send.
	Event struct {
		logiface.UnimplementedEvent

		lvl   logiface.Level
		msg   string
		err   error
		attrs []slog.Attr
	}

	// Writer hands the finished record to a slog.Handler — the teacher's
	// adapter calls this Send; here it's modeled as the generic
	// logiface.Writer so it composes with logiface.Logger the same way
	// logifacestumpy.Writer does.
	Writer struct {
		Handler slog.Handler
	}
)

// toSlogLevel is a lossy mapping (slog has four levels; logiface has
// nine), matching the direction the teacher's adapter documents.
func toSlogLevel(l logiface.Level) slog.Level {
	switch {
	case l <= logiface.LevelError:
		return slog.LevelError
	case l <= logiface.LevelWarning:
		return slog.LevelWarn
	case l <= logiface.LevelInformational:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func (x *Event) Level() logiface.Level { return x.lvl }

func (x *Event) reset(lvl logiface.Level) {
	x.lvl = lvl
	x.msg = ""
	x.err = nil
	x.attrs = x.attrs[:0]
}

func (x *Event) AddField(key string, val any) {
	x.attrs = append(x.attrs, slog.Any(key, val))
}

func (x *Event) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *Event) AddError(err error) bool {
	x.err = err
	return true
}

func (x *Event) AddString(key, val string) bool {
	x.attrs = append(x.attrs, slog.String(key, val))
	return true
}

func (x *Event) AddInt(key string, val int) bool {
	x.attrs = append(x.attrs, slog.Int(key, val))
	return true
}

func (x *Event) AddBool(key string, val bool) bool {
	x.attrs = append(x.attrs, slog.Bool(key, val))
	return true
}

func (x *Event) AddTime(key string, val time.Time) bool {
	x.attrs = append(x.attrs, slog.Time(key, val))
	return true
}

func (x *Event) AddDuration(key string, val time.Duration) bool {
	x.attrs = append(x.attrs, slog.Duration(key, val))
	return true
}

func (w *Writer) Write(event *Event) error {
	if event.err != nil {
		event.attrs = append(event.attrs, slog.String("err", event.err.Error()))
	}
	record := slog.NewRecord(time.Now(), toSlogLevel(event.lvl), event.msg, 0)
	record.AddAttrs(event.attrs...)
	return w.Handler.Handle(context.Background(), record)
}

type factory struct{}

func (factory) NewEvent(level logiface.Level) *Event {
	e := &Event{}
	e.reset(level)
	return e
}

// NewLogger builds a logiface.Logger[*Event] that hands finished
// records to handler — the analogue of the teacher's slog.New.
func NewLogger(handler slog.Handler, level logiface.Level) *logiface.Logger[*Event] {
	return logiface.New[*Event](
		logiface.WithLevel[*Event](level),
		logiface.WithEventFactory[*Event](factory{}),
		logiface.WithWriter[*Event](&Writer{Handler: handler}),
	)
}
