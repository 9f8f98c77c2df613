// Package logiface is dsme's own trimmed adaptation of the teacher's
// github.com/joeycumines/logiface: a generic, back-end-agnostic
// structured logger core. The Event type parameter lets a single Logger
// implementation be driven by different wire formats (see
// internal/logifacestumpy for the high-rate JSON-line back-end and
// internal/logifaceslog for the log/slog-backed back-end), exactly as
// the teacher's logiface/{stumpy,slog} packages plug into logiface
// itself.
//
// Only the field types dsme actually logs are carried over (string, int,
// bool, time.Time, time.Duration, error); the teacher's array/object
// builder sub-languages have no caller in this daemon and are not
// reproduced.
package logiface

import (
	"strconv"
	"time"
)

// Level models syslog severity, with an additional non-syslog Trace
// level, exactly matching the teacher's logiface.Level scale.
type Level int8

const (
	LevelDisabled Level = iota - 1
	LevelEmergency
	LevelAlert
	LevelCritical
	LevelError
	LevelWarning
	LevelNotice
	LevelInformational
	LevelDebug
	LevelTrace
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
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}

// Enabled reports whether l is anything other than LevelDisabled.
func (l Level) Enabled() bool { return l > LevelDisabled }

type (
	// Event models one in-flight log record. Implementations must embed
	// UnimplementedEvent, matching the teacher's Event contract, so new
	// optional methods can be added without breaking existing back-ends.
	Event interface {
		Level() Level
		AddField(key string, val any)

		AddMessage(msg string) bool
		AddError(err error) bool
		AddString(key string, val string) bool
		AddInt(key string, val int) bool
		AddBool(key string, val bool) bool
		AddTime(key string, val time.Time) bool
		AddDuration(key string, val time.Duration) bool

		mustEmbedUnimplementedEvent()
	}

	// UnimplementedEvent must be embedded by every Event implementation.
	UnimplementedEvent struct{}

	// EventFactory initializes a new Event for a Logger at the given
	// level.
	EventFactory[E Event] interface {
		NewEvent(level Level) E
	}

	EventFactoryFunc[E Event] func(level Level) E

	// EventReleaser returns an Event to its pool, if pooled.
	EventReleaser[E Event] interface {
		ReleaseEvent(event E)
	}

	EventReleaserFunc[E Event] func(event E)

	// Writer emits a finalized Event. The Event must not be retained
	// past the call.
	Writer[E Event] interface {
		Write(event E) error
	}

	WriterFunc[E Event] func(event E) error
)

func (f EventFactoryFunc[E]) NewEvent(level Level) E { return f(level) }
func (UnimplementedEvent) mustEmbedUnimplementedEvent() {}
func (UnimplementedEvent) AddMessage(string) bool                 { return false }
func (UnimplementedEvent) AddError(error) bool                    { return false }
func (UnimplementedEvent) AddString(string, string) bool          { return false }
func (UnimplementedEvent) AddInt(string, int) bool                { return false }
func (UnimplementedEvent) AddBool(string, bool) bool              { return false }
func (UnimplementedEvent) AddTime(string, time.Time) bool         { return false }
func (UnimplementedEvent) AddDuration(string, time.Duration) bool { return false }
func (f EventReleaserFunc[E]) ReleaseEvent(event E)               { f(event) }
func (f WriterFunc[E]) Write(event E) error                       { return f(event) }

// Logger is the core generic logger, mirroring the teacher's
// logiface.Logger[E] shape: a configured level gate, an EventFactory,
// and a Writer.
type Logger[E Event] struct {
	level    Level
	factory  EventFactory[E]
	releaser EventReleaser[E]
	writer   Writer[E]
}

// Option configures a Logger constructed by New.
type Option[E Event] func(*Logger[E])

func WithLevel[E Event](level Level) Option[E] {
	return func(l *Logger[E]) { l.level = level }
}

func WithEventFactory[E Event](factory EventFactory[E]) Option[E] {
	return func(l *Logger[E]) { l.factory = factory }
}

func WithEventReleaser[E Event](releaser EventReleaser[E]) Option[E] {
	return func(l *Logger[E]) { l.releaser = releaser }
}

func WithWriter[E Event](writer Writer[E]) Option[E] {
	return func(l *Logger[E]) { l.writer = writer }
}

// New constructs a Logger, applying options in order, matching the
// teacher's New[E](options ...Option[E]) signature.
func New[E Event](options ...Option[E]) *Logger[E] {
	l := &Logger[E]{level: LevelInformational}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Level reports the configured minimum level.
func (x *Logger[E]) Level() Level { return x.level }

// Enabled reports whether a record at level would actually be written.
func (x *Logger[E]) Enabled(level Level) bool {
	return x != nil && x.writer != nil && x.factory != nil && level.Enabled() && level <= x.level
}

// Build starts a new Builder at level, or a disabled no-op Builder if
// the level isn't enabled — mirroring the teacher's cheap-when-disabled
// guard.
func (x *Logger[E]) Build(level Level) *Builder[E] {
	if !x.Enabled(level) {
		return &Builder[E]{}
	}
	return &Builder[E]{logger: x, event: x.factory.NewEvent(level)}
}

func (x *Logger[E]) Emerg() *Builder[E]   { return x.Build(LevelEmergency) }
func (x *Logger[E]) Alert() *Builder[E]   { return x.Build(LevelAlert) }
func (x *Logger[E]) Crit() *Builder[E]    { return x.Build(LevelCritical) }
func (x *Logger[E]) Err() *Builder[E]     { return x.Build(LevelError) }
func (x *Logger[E]) Warning() *Builder[E] { return x.Build(LevelWarning) }
func (x *Logger[E]) Notice() *Builder[E]  { return x.Build(LevelNotice) }
func (x *Logger[E]) Info() *Builder[E]    { return x.Build(LevelInformational) }
func (x *Logger[E]) Debug() *Builder[E]   { return x.Build(LevelDebug) }
func (x *Logger[E]) Trace() *Builder[E]   { return x.Build(LevelTrace) }

// Builder accumulates fields for one Event, then emits it via Log/Msg.
// A disabled Builder (logger == nil) is a no-op sink for every method,
// so call sites never need their own Enabled guard around field
// construction.
type Builder[E Event] struct {
	logger *Logger[E]
	event  E
}

func (x *Builder[E]) enabled() bool { return x.logger != nil }

func (x *Builder[E]) Str(key, val string) *Builder[E] {
	if x.enabled() && !x.event.AddString(key, val) {
		x.event.AddField(key, val)
	}
	return x
}

func (x *Builder[E]) Int(key string, val int) *Builder[E] {
	if x.enabled() && !x.event.AddInt(key, val) {
		x.event.AddField(key, val)
	}
	return x
}

func (x *Builder[E]) Bool(key string, val bool) *Builder[E] {
	if x.enabled() && !x.event.AddBool(key, val) {
		x.event.AddField(key, val)
	}
	return x
}

func (x *Builder[E]) Time(key string, val time.Time) *Builder[E] {
	if x.enabled() && !x.event.AddTime(key, val) {
		x.event.AddField(key, val)
	}
	return x
}

func (x *Builder[E]) Duration(key string, val time.Duration) *Builder[E] {
	if x.enabled() && !x.event.AddDuration(key, val) {
		x.event.AddField(key, val)
	}
	return x
}

func (x *Builder[E]) Err(err error) *Builder[E] {
	if x.enabled() {
		x.event.AddError(err)
	}
	return x
}

// Log finalizes and writes the event with the given message, releasing
// it back to the logger's releaser (if any) once written.
func (x *Builder[E]) Log(msg string) {
	if !x.enabled() {
		return
	}
	if msg != "" {
		x.event.AddMessage(msg)
	}
	_ = x.logger.writer.Write(x.event)
	if x.logger.releaser != nil {
		x.logger.releaser.ReleaseEvent(x.event)
	}
}
