// Package thermal implements the thermal manager core described in
// spec.md §4.9: polls a set of thermal objects at an adaptive delay and
// re-evaluates a global status whenever an object's status changes.
package thermal

import "time"

// Status is a thermal object's (or the aggregate's) severity.
type Status int

const (
	StatusNormal Status = iota
	StatusWarning
	StatusAlert
	StatusFatal
	StatusLow
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusWarning:
		return "WARNING"
	case StatusAlert:
		return "ALERT"
	case StatusFatal:
		return "FATAL"
	case StatusLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// rank orders statuses for the "else global equals the maximum
// non-critical status" rule in spec.md §4.9: everything except LOW
// compares by severity; LOW is handled as a special case by the caller,
// not by this ranking.
func (s Status) rank() int {
	switch s {
	case StatusNormal:
		return 0
	case StatusWarning:
		return 1
	case StatusAlert:
		return 2
	case StatusFatal:
		return 3
	default:
		return -1
	}
}

// Sample is one reading from a thermal Object.
type Sample struct {
	Status      Status
	Temperature float64
}

// Object is a single sensor/thermal zone the manager polls.
type Object interface {
	Name() string
	Sample() Sample
	// Objects do not choose their own poll delay; the Manager picks it
	// from the transitioning/stable ranges below.
}

// Tunables from spec.md §4.9: poll delay tightens to 3-5s during
// transitions and relaxes to 60-120s when stable.
const (
	TransitioningDelayMin = 3 * time.Second
	TransitioningDelayMax = 5 * time.Second
	StableDelayMin        = 60 * time.Second
	StableDelayMax        = 120 * time.Second
)

// StatusChange is the internal event emitted on a global-status change
// (spec.md §4.9: "aggregate status, originating sensor name, latest
// temperature").
type StatusChange struct {
	Status      Status
	Sensor      string
	Temperature float64
}

// Emitter publishes a StatusChange; normally bus.Bus.BroadcastInternal
// wrapped to build the right message.Message.
type Emitter interface {
	EmitThermalStatusChange(StatusChange)
}

// tracked is one registered Object plus its last sample and current poll
// state.
type tracked struct {
	obj           Object
	last          Sample
	transitioning bool
	jitter        func(min, max time.Duration) time.Duration
}

// Manager owns the registered set of thermal objects and the aggregate
// status.
type Manager struct {
	objects []*tracked
	global  Status
	emit    Emitter
	jitter  func(min, max time.Duration) time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithJitter overrides the poll-delay randomizer, for deterministic
// tests. Default picks the midpoint of the range.
func WithJitter(f func(min, max time.Duration) time.Duration) Option {
	return func(m *Manager) { m.jitter = f }
}

// New builds an empty Manager that emits global-status changes via emit.
func New(emit Emitter, opts ...Option) *Manager {
	m := &Manager{emit: emit, global: StatusNormal, jitter: midpoint}
	for _, o := range opts {
		o(m)
	}
	return m
}

func midpoint(min, max time.Duration) time.Duration {
	return min + (max-min)/2
}

// Register adds obj to the polled set and returns the delay until its
// first poll.
func (m *Manager) Register(obj Object) time.Duration {
	t := &tracked{obj: obj, jitter: m.jitter}
	m.objects = append(m.objects, t)
	return m.jitter(TransitioningDelayMin, TransitioningDelayMax)
}

// Unregister removes obj by name.
func (m *Manager) Unregister(name string) {
	for i, t := range m.objects {
		if t.obj.Name() == name {
			m.objects = append(m.objects[:i], m.objects[i+1:]...)
			return
		}
	}
}

// Poll samples one object by name, updates the aggregate status if
// needed, and returns the delay until that object's next poll.
func (m *Manager) Poll(name string) time.Duration {
	for _, t := range m.objects {
		if t.obj.Name() != name {
			continue
		}
		sample := t.obj.Sample()
		changed := sample.Status != t.last.Status
		t.last = sample
		t.transitioning = changed

		if changed {
			m.reevaluate(name, sample)
		}

		if t.transitioning {
			return t.jitter(TransitioningDelayMin, TransitioningDelayMax)
		}
		return t.jitter(StableDelayMin, StableDelayMax)
	}
	return StableDelayMax
}

// reevaluate recomputes the aggregate status per spec.md §4.9's rule and
// emits a StatusChange if it moved.
func (m *Manager) reevaluate(sensor string, latest Sample) {
	global := StatusNormal
	sawLow := false
	maxRank := -1

	for _, t := range m.objects {
		switch t.last.Status {
		case StatusAlert, StatusFatal:
			if t.last.rank() > maxRank {
				maxRank = t.last.rank()
				global = t.last.Status
			}
		case StatusLow:
			sawLow = true
		default:
			if t.last.rank() > maxRank {
				maxRank = t.last.rank()
				global = t.last.Status
			}
		}
	}

	if global != StatusAlert && global != StatusFatal && sawLow {
		global = StatusLow
	}

	if global == m.global {
		return
	}
	m.global = global

	if m.emit != nil {
		m.emit.EmitThermalStatusChange(StatusChange{Status: global, Sensor: sensor, Temperature: latest.Temperature})
	}
}

// Global reports the current aggregate status.
func (m *Manager) Global() Status { return m.global }
