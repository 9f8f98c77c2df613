// Package wakelock wraps the Linux opportunistic-suspend wake lock files
// (/sys/power/wake_lock, /sys/power/wake_unlock), used by the supervisor
// (internal/supervisorloop) to take a restart wake lock on its worker
// shutdown and signal-trap paths, and to clear it after forking the worker.
package wakelock

import (
	"fmt"
	"os"
)

const (
	defaultLockPath   = "/sys/power/wake_lock"
	defaultUnlockPath = "/sys/power/wake_unlock"
)

// Locker acquires and releases a single named wake lock. Safe to call
// repeatedly: the kernel interface itself is idempotent (re-acquiring an
// already-held lock, or releasing an already-released one, is a no-op).
type Locker struct {
	name       string
	lockPath   string
	unlockPath string
}

// Option configures a Locker.
type Option func(*Locker)

// WithPaths overrides the default sysfs paths, for tests.
func WithPaths(lockPath, unlockPath string) Option {
	return func(l *Locker) { l.lockPath = lockPath; l.unlockPath = unlockPath }
}

// New builds a Locker for the given wake lock name (e.g. "dsme_lock").
func New(name string, opts ...Option) *Locker {
	l := &Locker{name: name, lockPath: defaultLockPath, unlockPath: defaultUnlockPath}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Lock acquires the wake lock. Missing sysfs files (kernel built without
// opportunistic suspend) are reported, not panicked on — callers treat
// this the same as "no-op" (spec.md §4.7 says wake lock support is
// best-effort).
func (l *Locker) Lock() error {
	return writeName(l.lockPath, l.name)
}

// Unlock releases the wake lock.
func (l *Locker) Unlock() error {
	return writeName(l.unlockPath, l.name)
}

func writeName(path, name string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("wakelock: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(name); err != nil {
		return fmt.Errorf("wakelock: write %s: %w", path, err)
	}
	return nil
}
