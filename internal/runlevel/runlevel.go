// Package runlevel implements the CHANGE_RUNLEVEL message body and the
// Driver the state machine module uses to actually ask the init system to
// switch runlevels, per spec.md §4.7.
package runlevel

import "fmt"

// Level is one of the target runlevels named in spec.md §4.7.
type Level int32

const (
	Shutdown    Level = 0
	User        Level = 2
	ActDead     Level = 5
	Reboot      Level = 6
	Malfunction Level = 8
)

func (l Level) String() string {
	switch l {
	case Shutdown:
		return "shutdown"
	case User:
		return "user"
	case ActDead:
		return "actdead"
	case Reboot:
		return "reboot"
	case Malfunction:
		return "malfunction"
	default:
		return fmt.Sprintf("runlevel(%d)", int32(l))
	}
}

// Driver drives the init system to the requested runlevel. The production
// implementation shells out to the platform's init control tool; tests
// substitute a recording fake.
type Driver interface {
	ChangeRunlevel(level Level) error
}

// execDriver invokes an external init-control command, e.g. "telinit" or
// "init", with the numeric runlevel as its sole argument — the idiomatic
// Go shape for what was originally a direct syscall/ioctl into the init
// daemon: shell out, don't link against it.
type execDriver struct {
	run func(argv ...string) error
}

// NewExecDriver builds a Driver that runs cmd with the runlevel appended
// as its only argument.
func NewExecDriver(run func(argv ...string) error, cmd string) Driver {
	return &execDriver{run: func(argv ...string) error { return run(append([]string{cmd}, argv...)...) }}
}

func (d *execDriver) ChangeRunlevel(level Level) error {
	return d.run(fmt.Sprintf("%d", int32(level)))
}

// RecordingDriver is a test double that records every requested level in
// order, for exact-sequence assertions.
type RecordingDriver struct {
	Levels []Level
	Err    error
}

func (d *RecordingDriver) ChangeRunlevel(level Level) error {
	d.Levels = append(d.Levels, level)
	return d.Err
}
