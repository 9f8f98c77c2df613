// Package supervisorloop implements the watchdog-kicking supervisor
// process described in spec.md §4.2: a small, real-time-scheduled,
// memory-locked process whose only job is to keep the hardware watchdogs
// fed while a forked worker process does the real work, and to let the
// device reboot the instant that stops being true.
package supervisorloop

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nemomobile/dsme/internal/wakelock"
	"github.com/nemomobile/dsme/internal/wdog"
)

// Tunables, per spec.md §4.2.
const (
	DefaultHeartbeatInterval = 22 * time.Second // shortest watchdog period (30s) minus an 8s safety margin
	DefaultMaxMissedPongs    = 5
	restartLockTimeout       = "30" // seconds; long enough for a restart or a watchdog reboot
	restartLockName          = "dsme_restart"
	killGrace                = 8 * time.Second
	killEscalation           = 3 * time.Second
)

// Options configures a Loop.
type Options struct {
	HeartbeatInterval time.Duration
	MaxMissedPongs    int
	WatchdogTable     []struct {
		Path        string
		Timeout     int
		DisableFlag string
	}
	RDFlags string
	// Argv is the worker's argument vector, argv[0] included.
	Argv []string
	// Diagnostic receives status lines already formatted with fmt.Sprintf;
	// may be nil. Never routed through the full logging stack — signal
	// safety is this package's whole reason for existing.
	Diagnostic func(string)
}

// Loop owns the supervisor's entire lifecycle: signal handling, watchdog
// devices, the forked worker, and the ping/pong heartbeat.
type Loop struct {
	opts Options
	wd   *wdog.Set
	lock *wakelock.Locker

	worker    *os.Process
	toChild   *os.File // parent's write end, child's stdin
	fromChild *os.File // parent's read end, child's stdout

	missedPongs int
	terminating bool
	abnormal    bool
}

// New builds a Loop with defaults applied for any zero-valued option.
func New(opts Options) *Loop {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxMissedPongs <= 0 {
		opts.MaxMissedPongs = DefaultMaxMissedPongs
	}
	if opts.WatchdogTable == nil {
		opts.WatchdogTable = wdog.DefaultTable
	}
	return &Loop{
		opts: opts,
		wd:   wdog.New(opts.WatchdogTable, opts.RDFlags),
		lock: wakelock.New(restartLockName),
	}
}

func (l *Loop) diag(format string, args ...any) {
	if l.opts.Diagnostic != nil {
		l.opts.Diagnostic(fmt.Sprintf(format, args...))
	}
}

// installSignalTrap arms the "die anyway reboots the device" guarantee
// from spec.md §4.2: on SIGTERM, SIGINT, SIGHUP or SIGQUIT (other
// terminating signals are not trapped), exactly once, restore the
// default disposition, grab a restart wake-lock, kick the watchdogs from
// the handler, then re-raise so the default handler (now restored) kills
// the process for real and the kernel watchdog is left armed to reboot.
func (l *Loop) installSignalTrap() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGQUIT)
	go func() {
		sig := <-sigCh
		signal.Reset(sig)
		_ = l.lock.Lock()
		l.wd.KickFromSignalHandler()
		_ = unix.Kill(os.Getpid(), sig.(unix.Signal))
	}()
}

// Prepare runs every pre-main step of §4.2 up to, and not including, the
// heartbeat loop: signal trap, watchdog init+first kick, RT scheduling,
// memory lock, OOM protection, and forking the worker.
func (l *Loop) Prepare() error {
	l.installSignalTrap()

	if !l.wd.Init(func(path string, err error) { l.diag("watchdog %s: %v", path, err) }) {
		l.diag("no watchdog devices opened; continuing without hardware supervision")
	}
	l.wd.Kick()

	raiseSchedulingPriority(l.diag)
	lockMemory(l.diag)
	protectFromOOMKiller(l.diag)

	if err := l.forkWorker(); err != nil {
		return fmt.Errorf("supervisorloop: fork worker: %w", err)
	}

	_ = l.lock.Unlock()

	return nil
}

// raiseSchedulingPriority moves the calling process to SCHED_FIFO at the
// highest available priority and the minimum niceness, per spec.md §4.2.
// Failure is diagnostic-only: a supervisor that cannot get real-time
// scheduling still wants to try kicking watchdogs on a best-effort basis
// rather than refuse to start.
func raiseSchedulingPriority(diag func(string, ...any)) {
	maxPrio, err := unix.SchedGetPriorityMax(unix.SCHED_FIFO)
	if err != nil {
		diag("sched_get_priority_max: %v", err)
		return
	}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, &unix.SchedParam{Priority: int32(maxPrio)}); err != nil {
		diag("sched_setscheduler: %v", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -20); err != nil {
		diag("setpriority: %v", err)
	}
}

// lockMemory locks all current and future pages into RAM (mlockall),
// preventing the supervisor itself from being swapped out while the
// system is under the memory pressure it may be trying to recover from.
func lockMemory(diag func(string, ...any)) {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		diag("mlockall: %v", err)
	}
}

// protectFromOOMKiller writes the most negative oom_score_adj, asking the
// kernel never to select this process for out-of-memory killing.
func protectFromOOMKiller(diag func(string, ...any)) {
	if err := os.WriteFile("/proc/self/oom_score_adj", []byte("-1000"), 0o644); err != nil {
		diag("oom_score_adj: %v", err)
	}
}

// forkWorker opens the two pipes, forks, and in the child execs the
// worker binary with stdin/stdout redirected to the pipe ends, per
// spec.md §4.2. In the parent it keeps the surviving pipe ends,
// non-blocking.
func (l *Loop) forkWorker() error {
	parentToChildR, parentToChildW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe: %w", err)
	}
	childToParentR, childToParentW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe: %w", err)
	}

	argv := l.opts.Argv
	if len(argv) == 0 {
		argv = os.Args
	}

	proc, err := os.StartProcess(argv[0], argv, &os.ProcAttr{
		Files: []*os.File{parentToChildR, childToParentW, os.Stderr},
	})
	if err != nil {
		_ = parentToChildR.Close()
		_ = parentToChildW.Close()
		_ = childToParentR.Close()
		_ = childToParentW.Close()
		return fmt.Errorf("start worker: %w", err)
	}

	_ = parentToChildR.Close()
	_ = childToParentW.Close()

	if err := setNonblocking(parentToChildW); err != nil {
		l.diag("set nonblocking (write pipe): %v", err)
	}
	if err := setNonblocking(childToParentR); err != nil {
		l.diag("set nonblocking (read pipe): %v", err)
	}

	l.worker = proc
	l.toChild = parentToChildW
	l.fromChild = childToParentR
	return nil
}

func setNonblocking(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), true)
}

// Run enters the heartbeat loop of spec.md §4.2 and blocks until a
// termination condition is reached (signal, or a nonresponsive worker).
// It returns the abnormal-exit flag: true iff the loop terminated because
// the worker stopped pong-ing, or the worker could not be stopped even by
// SIGKILL; false after a clean requested exit.
func (l *Loop) Run() (abnormalExit bool) {
	for !l.terminating {
		l.wd.Kick()

		l.sleepHeartbeat()
		if l.terminating {
			break
		}

		l.wd.Kick()

		if l.readPongs() {
			l.missedPongs = 0
		} else {
			l.missedPongs++
			if l.missedPongs >= l.opts.MaxMissedPongs {
				l.diag("worker nonresponsive after %d missed pongs", l.missedPongs)
				l.abnormal = true
				break
			}
		}

		l.writePing()
	}

	return l.shutdownWorker()
}

// sleepHeartbeat sleeps for HeartbeatInterval on a Go timer. Signal
// delivery does not wake this sleep early, so a Terminate call is noticed
// only after the full interval has elapsed.
func (l *Loop) sleepHeartbeat() {
	remaining := l.opts.HeartbeatInterval
	for remaining > 0 {
		start := time.Now()
		timer := time.NewTimer(remaining)
		<-timer.C
		elapsed := time.Since(start)
		if elapsed >= remaining {
			return
		}
		l.wd.Kick()
		remaining -= elapsed
	}
}

// readPongs drains every byte currently available on the worker pipe,
// reporting whether any were read.
func (l *Loop) readPongs() bool {
	var buf [256]byte
	any := false
	for {
		n, err := l.fromChild.Read(buf[:])
		if n > 0 {
			any = true
		}
		if err != nil {
			return any
		}
		if n < len(buf) {
			return any
		}
	}
}

func (l *Loop) writePing() {
	_, _ = l.toChild.Write([]byte{'P'})
}

// Terminate requests a clean exit from the heartbeat loop; safe to call
// from any goroutine (e.g. a signal handler wired by the caller).
func (l *Loop) Terminate() {
	l.terminating = true
}

// shutdownWorker implements spec.md §4.2's loop-exit sequence: grab the
// restart wake-lock, kick once more, SIGTERM with an 8s grace period,
// SIGKILL escalation with 3s, then quit (disarm) the watchdogs only if
// the worker actually exited — otherwise leave them armed so the device
// reboots.
func (l *Loop) shutdownWorker() bool {
	_ = l.lock.Lock()
	l.wd.Kick()

	if l.worker != nil {
		_ = l.worker.Signal(unix.SIGTERM)
		if !l.waitWorker(killGrace) {
			_ = l.worker.Signal(unix.SIGKILL)
			if !l.waitWorker(killEscalation) {
				l.diag("worker did not exit after SIGKILL; leaving watchdogs armed")
				l.wd.Kick()
				return true
			}
		}
	}

	l.wd.Quit()
	return l.abnormal
}

// waitWorker polls for the worker's exit for up to d, returning true iff
// it exited within that window.
func (l *Loop) waitWorker(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_, _ = l.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
