// Package logifacestumpy is dsme's adaptation of the teacher's
// logiface-stumpy: a pooled, allocation-light logiface.Event
// implementation that serializes each record as one compact JSON line.
// It backs dsme's high-rate logging paths — the worker's hot dispatch
// loop and internal/bus's optional debug tracer — where the cost of
// building a log/slog record per line (internal/logifaceslog's back-end)
// is undesirable.
package logifacestumpy

import (
	"bytes"
	"encoding/base64"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/nemomobile/dsme/internal/logiface"
)

type (
	// Event accumulates one record's fields directly into a JSON-object
	// byte buffer, the way the teacher's stumpy.Event does, rather than
	// building up a slice of typed field structs first.
	Event struct {
		logiface.UnimplementedEvent

		lvl  logiface.Level
		buf  bytes.Buffer
		open bool
	}

	// Writer streams finalized lines to an io.Writer, one per event.
	Writer struct {
		mu sync.Mutex
		w  io.Writer
	}

	factory struct{ pool *sync.Pool }
)

func (x *Event) Level() logiface.Level { return x.lvl }

func (x *Event) reset(lvl logiface.Level) {
	x.lvl = lvl
	x.buf.Reset()
	x.buf.WriteByte('{')
	x.open = false
}

func (x *Event) comma() {
	if x.open {
		x.buf.WriteByte(',')
	}
	x.open = true
}

func (x *Event) key(k string) {
	x.comma()
	x.quote(k)
	x.buf.WriteByte(':')
}

func (x *Event) quote(s string) {
	x.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			x.buf.WriteByte('\\')
			x.buf.WriteByte(c)
		case '\n':
			x.buf.WriteString(`\n`)
		default:
			x.buf.WriteByte(c)
		}
	}
	x.buf.WriteByte('"')
}

func (x *Event) AddField(k string, v any) {
	x.key(k)
	switch val := v.(type) {
	case string:
		x.quote(val)
	case error:
		x.quote(val.Error())
	default:
		x.quote("")
	}
}

func (x *Event) AddMessage(msg string) bool {
	x.key("msg")
	x.quote(msg)
	return true
}

func (x *Event) AddError(err error) bool {
	if err == nil {
		return true
	}
	x.key("err")
	x.quote(err.Error())
	return true
}

func (x *Event) AddString(k, v string) bool {
	x.key(k)
	x.quote(v)
	return true
}

func (x *Event) AddInt(k string, v int) bool {
	x.key(k)
	x.buf.WriteString(strconv.Itoa(v))
	return true
}

func (x *Event) AddBool(k string, v bool) bool {
	x.key(k)
	x.buf.WriteString(strconv.FormatBool(v))
	return true
}

func (x *Event) AddTime(k string, v time.Time) bool {
	x.key(k)
	x.quote(v.UTC().Format(time.RFC3339Nano))
	return true
}

func (x *Event) AddDuration(k string, v time.Duration) bool {
	x.key(k)
	x.quote(v.String())
	return true
}

// AddBase64Bytes isn't part of dsme's trimmed field surface; kept absent
// deliberately (see package doc) rather than stubbed.
var _ = base64.StdEncoding

func (x *Event) line(level logiface.Level) []byte {
	x.key("lvl")
	x.quote(level.String())
	x.buf.WriteByte('}')
	x.buf.WriteByte('\n')
	return x.buf.Bytes()
}

func (w *Writer) Write(event *Event) error {
	line := event.line(event.lvl)
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(line)
	return err
}

func (f *factory) NewEvent(level logiface.Level) *Event {
	e := f.pool.Get().(*Event)
	e.reset(level)
	return e
}

func (f *factory) ReleaseEvent(e *Event) {
	f.pool.Put(e)
}

// NewLogger builds a logiface.Logger[*Event] writing compact JSON lines
// to w, at the given minimum level — the analogue of the teacher's
// stumpy.New.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[*Event] {
	f := &factory{pool: &sync.Pool{New: func() any { return new(Event) }}}
	return logiface.New[*Event](
		logiface.WithLevel[*Event](level),
		logiface.WithEventFactory[*Event](f),
		logiface.WithEventReleaser[*Event](f),
		logiface.WithWriter[*Event](&Writer{w: w}),
	)
}
