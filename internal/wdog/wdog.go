// Package wdog implements the watchdog device layer described in
// spec.md §4.1: open/configure/feed/release the kernel watchdog character
// devices, with a strictly async-signal-safe kick path.
package wdog

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// RDFlagsEnv is the environment variable carrying space-separated
// research/development tokens that can disable individual watchdogs
// (spec.md §6 "R&D mode").
const RDFlagsEnv = "DSME_RD_FLAGS"

// entry is a single statically-ordered watchdog device (spec.md §3
// "Watchdog descriptor"). Ordering matters: "if kicking watchdog N fails,
// do not attempt N+1" is deliberate (spec.md §4.1).
type entry struct {
	path        string
	timeout     int // seconds; 0 means "keep kernel default"
	disableFlag string
	fd          int // -1 when not open
}

// sentinelFD marks an entry with no open descriptor.
const sentinelFD = -1

// DefaultTable is the static, ordered watchdog table. Real devices on the
// reference hardware family; a rewrite targeting different hardware would
// only ever change this table, never the logic around it.
var DefaultTable = []struct {
	Path        string
	Timeout     int
	DisableFlag string
}{
	{Path: "/dev/watchdog0", Timeout: 30, DisableFlag: "no-omap-wd"},
	{Path: "/dev/watchdog1", Timeout: 60, DisableFlag: "no-ext-wd"},
}

// Set owns every opened watchdog descriptor.
type Set struct {
	entries []*entry
}

// New builds a Set from table, reading rdFlags (the raw DSME_RD_FLAGS
// value — pass os.Getenv(RDFlagsEnv)) to decide which entries to skip.
func New(table []struct {
	Path        string
	Timeout     int
	DisableFlag string
}, rdFlags string) *Set {
	s := &Set{}
	tokens := strings.Fields(rdFlags)
	for _, t := range table {
		disabled := rdFlags != "" && containsToken(tokens, t.DisableFlag)
		if disabled {
			continue
		}
		s.entries = append(s.entries, &entry{path: t.Path, timeout: t.Timeout, disableFlag: t.DisableFlag, fd: sentinelFD})
	}
	return s
}

func containsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

// Init opens every non-skipped entry, applying its configured timeout.
// ENOENT is skipped silently; any other open error is returned to the
// caller to log (spec.md §4.1). Init reports true iff at least one
// watchdog was opened.
func (s *Set) Init(onOpenError func(path string, err error)) bool {
	opened := false
	for _, e := range s.entries {
		fd, err := unix.Open(e.path, unix.O_RDWR, 0)
		if err != nil {
			if err != unix.ENOENT && onOpenError != nil {
				onOpenError(e.path, err)
			}
			continue
		}
		e.fd = fd
		if e.timeout > 0 {
			timeout := e.timeout
			if err := unix.IoctlSetPointerInt(fd, watchdogIoctlSetTimeout, timeout); err != nil && onOpenError != nil {
				onOpenError(e.path, fmt.Errorf("WDIOC_SETTIMEOUT: %w", err))
			}
		}
		opened = true
	}
	return opened
}

// watchdogIoctlSetTimeout is WDIOC_SETTIMEOUT from linux/watchdog.h. The
// standard library's x/sys/unix doesn't name it (it's not a generic
// socket/file ioctl), so the numeric constant, derived the same way the
// kernel header defines it (_IOWR('W', 6, int)), is kept local to this
// file.
const watchdogIoctlSetTimeout = 0xc0045706

// Kick writes one byte ('*') to every opened descriptor, in table order.
// A transient EAGAIN retries the same descriptor; any other error is
// written as a short raw diagnostic to stderr (not via the logging
// subsystem, per spec.md §4.1) and kicking stops — later descriptors are
// deliberately left unfed, treating a failing earlier kick as evidence
// the system is unwell.
func (s *Set) Kick() {
	for _, e := range s.entries {
		if e.fd == sentinelFD {
			continue
		}
		if !kickOne(e.fd) {
			rawDiagnostic("dsme: watchdog kick failed, stopping further kicks\n")
			return
		}
	}
}

func kickOne(fd int) bool {
	for {
		_, err := unix.Write(fd, kickByte[:])
		if err == nil {
			return true
		}
		if err == unix.EAGAIN {
			continue
		}
		return false
	}
}

var kickByte = [1]byte{'*'}

// KickFromSignalHandler is Kick, restricted to operations safe inside a
// signal handler: no allocation, no logging, no errno-dependent control
// flow beyond the raw retry loop already required by write(2) semantics.
func (s *Set) KickFromSignalHandler() {
	for _, e := range s.entries {
		fd := e.fd
		if fd == sentinelFD {
			continue
		}
		for {
			_, err := unix.Write(fd, kickByte[:])
			if err == nil {
				break
			}
			if err == unix.EAGAIN {
				continue
			}
			return
		}
	}
}

// quitByte is the kernel "nowayout" clearance magic byte.
var quitByte = [1]byte{'V'}

// Quit writes the magic clearance byte to each descriptor and closes it.
// The fd is cleared to the sentinel value in the table *before* close, so
// a concurrent signal-handler Kick can never observe a stale, about-to-be-
// closed descriptor (spec.md §4.1, §5, §9).
func (s *Set) Quit() {
	for _, e := range s.entries {
		fd := e.fd
		if fd == sentinelFD {
			continue
		}
		_, _ = unix.Write(fd, quitByte[:])
		e.fd = sentinelFD
		_ = unix.Close(fd)
	}
}

// rawDiagnostic writes directly to fd 2, bypassing the logging subsystem
// entirely, per spec.md §4.1.
func rawDiagnostic(msg string) {
	_, _ = unix.Write(int(os.Stderr.Fd()), []byte(msg))
}

// Opened reports how many watchdog descriptors are presently open, for
// diagnostics and tests.
func (s *Set) Opened() int {
	n := 0
	for _, e := range s.entries {
		if e.fd != sentinelFD {
			n++
		}
	}
	return n
}
