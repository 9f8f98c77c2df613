// Package lifeguard implements the process supervisor described in
// spec.md §4.8: spawn configured children, watch for SIGCHLD, and decide
// between doing nothing, respawning, or escalating to a device reset
// based on a restart-rate budget.
//
// The restart-rate budget is grounded on the teacher's catrate package:
// the same "discard events older than the window, then compare the
// survivor count against the limit" algorithm as catrate's filterEvents,
// simplified from catrate's generic multi-rate ring buffer to a single
// fixed-size slice per child, since lifeguard only ever needs one
// (count, window) pair per action and runs on the worker's single
// goroutine — no concurrent access, so no need for catrate's
// amortized-growth ring buffer or its generic Ordered constraint.
package lifeguard

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// Action is what to do when a child exits (spec.md §4.8).
type Action int

const (
	// Once means do nothing further when the child exits.
	Once Action = iota
	// Respawn restarts the child, subject to the restart-rate budget.
	Respawn
	// Reset asks the state machine to reboot the device.
	Reset
	// RespawnFail restarts like Respawn but escalates to Reset once the
	// restart budget is exhausted.
	RespawnFail
)

// ChildSpec configures one supervised child process.
type ChildSpec struct {
	Name string
	Argv []string
	UID  int
	GID  int
	Nice int
	// OOMScoreAdj, if non-zero, is written to the child's
	// /proc/<pid>/oom_score_adj immediately after fork.
	OOMScoreAdj int
	OnExit      Action
	// RestartLimit and RestartWindow implement "at most N restarts per T
	// seconds" (spec.md §4.8). A RestartLimit <= 0 disables the budget
	// (unlimited respawns).
	RestartLimit  int
	RestartWindow time.Duration
}

// ResetRequester asks the rest of the system (normally the state
// machine module) to reboot the device.
type ResetRequester interface {
	RequestReset(reason string)
}

// child is the runtime state tracked for one ChildSpec.
type child struct {
	spec    ChildSpec
	proc    *os.Process
	pid     int
	// restarts holds the UnixNano timestamp of every restart still inside
	// the window, oldest first; grounded on catrate's sliding-window
	// discard-then-count approach (see package doc).
	restarts []int64
}

// Guard owns every supervised child.
type Guard struct {
	children map[string]*child
	reset    ResetRequester
	now      func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New builds an empty Guard.
func New(reset ResetRequester, opts ...Option) *Guard {
	g := &Guard{children: make(map[string]*child), reset: reset, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Spawn forks+execs spec's child immediately and begins tracking it.
func (g *Guard) Spawn(spec ChildSpec) error {
	c := &child{spec: spec}
	if err := g.exec(c); err != nil {
		return err
	}
	g.children[spec.Name] = c
	return nil
}

// exec performs the fork+execvp+setsid+credential-drop sequence of
// spec.md §4.8.
func (g *Guard) exec(c *child) error {
	cmd := exec.Command(c.spec.Argv[0], c.spec.Argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setsid:     true,
		Credential: &unix.Credential{Uid: uint32(c.spec.UID), Gid: uint32(c.spec.GID)},
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("lifeguard: spawn %s: %w", c.spec.Name, err)
	}
	c.proc = cmd.Process
	c.pid = cmd.Process.Pid

	if c.spec.Nice != 0 {
		_ = unix.Setpriority(unix.PRIO_PROCESS, c.pid, c.spec.Nice)
	}
	if c.spec.OOMScoreAdj != 0 {
		_ = os.WriteFile(fmt.Sprintf("/proc/%d/oom_score_adj", c.pid), []byte(fmt.Sprintf("%d", c.spec.OOMScoreAdj)), 0o644)
	}

	go func() { _, _ = cmd.Process.Wait() }()

	return nil
}

// PID reports the current pid of a tracked child, or 0 if unknown.
func (g *Guard) PID(name string) int {
	if c, ok := g.children[name]; ok {
		return c.pid
	}
	return 0
}

// ChildExited handles a SIGCHLD-driven notification that pid exited.
// Callers locate the owning child via pid before calling this; lifeguard
// itself does no signal handling (the worker's event loop owns that, per
// spec.md §4.5/§5).
func (g *Guard) ChildExited(pid int) {
	var c *child
	for _, cc := range g.children {
		if cc.pid == pid {
			c = cc
			break
		}
	}
	if c == nil {
		return
	}

	switch c.spec.OnExit {
	case Once:
		return
	case Reset:
		g.reset.RequestReset(fmt.Sprintf("lifeguard: %s configured for RESET on exit", c.spec.Name))
	case Respawn:
		g.respawnOrReset(c, false)
	case RespawnFail:
		g.respawnOrReset(c, true)
	}
}

// respawnOrReset re-execs c if the restart budget allows it; otherwise,
// when escalate is set (RESPAWN_FAIL), requests a device reset.
func (g *Guard) respawnOrReset(c *child, escalate bool) {
	if !g.withinBudget(c) {
		if escalate {
			g.reset.RequestReset(fmt.Sprintf("lifeguard: %s exceeded restart budget (%d/%s)", c.spec.Name, c.spec.RestartLimit, c.spec.RestartWindow))
		}
		return
	}
	if err := g.exec(c); err != nil {
		g.reset.RequestReset(fmt.Sprintf("lifeguard: %s failed to respawn: %v", c.spec.Name, err))
	}
}

// withinBudget records one restart attempt for c and reports whether it
// fits within RestartLimit restarts per RestartWindow. It discards
// restart timestamps older than the window first, exactly as catrate's
// filterEvents discards events outside the boundary before checking the
// limit.
func (g *Guard) withinBudget(c *child) bool {
	if c.spec.RestartLimit <= 0 {
		return true
	}

	now := g.now()
	boundary := now.Add(-c.spec.RestartWindow).UnixNano()

	kept := c.restarts[:0]
	for _, ts := range c.restarts {
		if ts > boundary {
			kept = append(kept, ts)
		}
	}
	c.restarts = kept

	if len(c.restarts) >= c.spec.RestartLimit {
		return false
	}

	c.restarts = append(c.restarts, now.UnixNano())
	return true
}
