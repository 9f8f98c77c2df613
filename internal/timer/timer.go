// Package timer provides the one-shot and repeating timer service used by
// modules (notably the state machine's two-phase commit and the thermal
// manager's adaptive poll delay) on top of the event loop's deadline queue.
//
// Grounded on spec.md §4.10 ("Timer service") — a thin named surface over
// evloop.Loop's heap, kept as its own package because the component table
// in §2 lists it as a standalone component.
package timer

import (
	"time"

	"github.com/nemomobile/dsme/internal/evloop"
)

// Scheduler is the subset of *evloop.Loop the timer service depends on.
// Extracted as an interface so modules can be unit tested with a fake
// clock/loop.
type Scheduler interface {
	ScheduleAt(deadline time.Time, cb func()) evloop.TimerHandle
	ScheduleEvery(first time.Time, interval time.Duration, cb func()) evloop.TimerHandle
	CancelTimer(h evloop.TimerHandle)
}

// Service is a named facade over a Scheduler, expressed in terms of
// durations from "now" rather than absolute deadlines.
type Service struct {
	sched Scheduler
	now   func() time.Time
}

// New constructs a Service bound to sched. Uses time.Now for "now" unless
// overridden via WithClock, following the teacher's pattern of an
// injectable clock func for deterministic tests (catrate.timeNow).
func New(sched Scheduler, opts ...Option) *Service {
	s := &Service{sched: sched, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the "now" function, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// After arms a one-shot timer that fires cb once, after d has elapsed.
// If the timer cannot be created (Scheduler is nil), After returns a
// zero handle and false; callers must then perform the deferred action
// synchronously, per spec.md §4.7's "timer creation failure is not fatal"
// and §9's note that this must be preserved.
func (s *Service) After(d time.Duration, cb func()) (evloop.TimerHandle, bool) {
	if s == nil || s.sched == nil {
		return evloop.TimerHandle{}, false
	}
	return s.sched.ScheduleAt(s.now().Add(d), cb), true
}

// Every arms a repeating timer, first firing after d, then every d
// thereafter.
func (s *Service) Every(d time.Duration, cb func()) (evloop.TimerHandle, bool) {
	if s == nil || s.sched == nil {
		return evloop.TimerHandle{}, false
	}
	return s.sched.ScheduleEvery(s.now().Add(d), d, cb), true
}

// Cancel cancels a previously armed timer. Safe to call with a zero
// handle (a no-op), matching the case where After/Every reported failure.
func (s *Service) Cancel(h evloop.TimerHandle) {
	if s == nil || s.sched == nil {
		return
	}
	s.sched.CancelTimer(h)
}
