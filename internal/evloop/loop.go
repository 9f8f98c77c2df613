// Package evloop implements the worker's single-threaded cooperative event
// multiplexer: timers, fd readiness (the IPC listener and its client
// sockets), and a self-pipe wake-up used to unwind a blocking epoll_wait
// for shutdown.
//
// Grounded on the epoll-poller idiom in the teacher repo's
// eventloop/internal/alternatetwo (poller_linux.go, ingress.go): direct
// epoll_wait with a pre-allocated event buffer, a dedicated wake-up fd
// registered like any other readable fd. Unlike the teacher's
// "alternatetwo" variant (which optimises for a multi-producer concurrent
// ingress queue, cache-line padding, and lock-free CAS loops), this loop
// has exactly one goroutine running it, per spec.md §5: no padding and no
// lock-free queues are used. The one exception is Quit, which may be
// called from another goroutine (e.g. a signal handler), so the exit code
// and quitting flag are atomics.
package evloop

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// IOEvent is a bitmask of readiness conditions a registered fd may report.
type IOEvent uint32

const (
	Readable IOEvent = 1 << iota
	Writable
	HangupOrError
)

// IOCallback is invoked with the readiness bits observed for a registered
// fd. It runs on the loop's single goroutine, to completion, per iteration.
type IOCallback func(ev IOEvent)

// Loop is the single-threaded event loop described in spec.md §4.5.
type Loop struct {
	epfd   int
	wakeFD int

	fdCallbacks map[int32]IOCallback
	fdEvents    map[int32]uint32

	timers   timerHeap
	timerSeq uint64

	exitCode atomic.Int64
	quitting atomic.Bool
	running  bool

	eventBuf [64]unix.EpollEvent
}

// New creates a Loop with its epoll instance and self-pipe wake-up fd
// ready to register callbacks, but not yet running.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evloop: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("evloop: eventfd: %w", err)
	}

	l := &Loop{
		epfd:        epfd,
		wakeFD:      wakeFD,
		fdCallbacks: make(map[int32]IOCallback),
		fdEvents:    make(map[int32]uint32),
	}
	l.exitCode.Store(int64(ExitSuccess))

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, fmt.Errorf("evloop: register wake fd: %w", err)
	}

	return l, nil
}

// Close releases the loop's epoll and wake-up file descriptors. Call only
// after Run has returned.
func (l *Loop) Close() error {
	err1 := unix.Close(l.wakeFD)
	err2 := unix.Close(l.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

// RegisterFD registers fd for the given readiness conditions; cb is
// invoked from the loop goroutine whenever any requested condition is
// observed. HangupOrError is always implicitly monitored by epoll and
// delivered to cb regardless of the requested mask.
func (l *Loop) RegisterFD(fd int, events IOEvent, cb IOCallback) error {
	epollEvents := toEpoll(events)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("evloop: register fd %d: %w", fd, err)
	}
	l.fdCallbacks[int32(fd)] = cb
	l.fdEvents[int32(fd)] = epollEvents
	return nil
}

// ModifyFD changes the readiness conditions monitored for an already
// registered fd.
func (l *Loop) ModifyFD(fd int, events IOEvent) error {
	epollEvents := toEpoll(events)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("evloop: modify fd %d: %w", fd, err)
	}
	l.fdEvents[int32(fd)] = epollEvents
	return nil
}

// UnregisterFD stops monitoring fd. It is not an error to unregister an fd
// that is about to be, or already, closed by the caller; EpollCtl errors
// from a stale fd are swallowed since the kernel already dropped it.
func (l *Loop) UnregisterFD(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.fdCallbacks, int32(fd))
	delete(l.fdEvents, int32(fd))
}

func toEpoll(events IOEvent) uint32 {
	var e uint32
	if events&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if events&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) IOEvent {
	var ev IOEvent
	if e&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= HangupOrError
	}
	return ev
}

// ExitCode is the loop's monotonically-increasing shutdown code
// (spec.md §4.5, §5, §8 property 6).
type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1
)

// Quit requests the loop to stop. Safe to call from a signal handler: it
// only sets an atomic flag and writes one byte to the wake-up eventfd.
// The exit code is monotonically increasing — a later, lower code never
// overwrites a higher one already recorded (spec.md §4.5).
func (l *Loop) Quit(code ExitCode) {
	for {
		cur := l.exitCode.Load()
		if int64(code) <= cur {
			break
		}
		if l.exitCode.CompareAndSwap(cur, int64(code)) {
			break
		}
	}
	l.quitting.Store(true)
	l.wake()
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(l.wakeFD, buf[:])
}

// ExitCode returns the current (monotonic) exit code.
func (l *Loop) ExitCode() ExitCode {
	return ExitCode(l.exitCode.Load())
}

// Iteration is invoked once per loop pass, before blocking for I/O. The
// worker uses it to drain the message bus (spec.md §4.5: "run the
// iteration callback ... then block on the next readiness event").
type Iteration func()

// Run blocks until Quit is called (or an unrecoverable epoll error
// occurs), alternating Iteration calls with epoll_wait.
func (l *Loop) Run(iter Iteration) error {
	l.running = true
	defer func() { l.running = false }()

	for !l.quitting.Load() {
		iter()
		if l.quitting.Load() {
			break
		}

		timeout := l.nextTimeout()
		n, err := unix.EpollWait(l.epfd, l.eventBuf[:], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("evloop: epoll_wait: %w", err)
		}

		now := time.Now()
		l.fireDueTimers(now)

		for i := 0; i < n; i++ {
			ev := l.eventBuf[i]
			if int(ev.Fd) == l.wakeFD {
				var buf [8]byte
				_, _ = unix.Read(l.wakeFD, buf[:])
				continue
			}
			if cb, ok := l.fdCallbacks[ev.Fd]; ok {
				cb(fromEpoll(ev.Events))
			}
		}
	}
	return nil
}

func (l *Loop) nextTimeout() int {
	if l.timers.Len() == 0 {
		return -1
	}
	delay := time.Until(l.timers[0].deadline)
	if delay <= 0 {
		return 0
	}
	ms := delay.Milliseconds()
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}

// timerEntry is a single scheduled callback in the min-heap ordered by
// deadline.
type timerEntry struct {
	seq      uint64
	deadline time.Time
	interval time.Duration // 0 for one-shot
	cb       func()
	canceled bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerHandle references a timer scheduled on the loop, usable with
// CancelTimer.
type TimerHandle struct {
	entry *timerEntry
}

// ScheduleAt schedules cb to run once, at deadline. Returns a handle that
// can be passed to CancelTimer.
func (l *Loop) ScheduleAt(deadline time.Time, cb func()) TimerHandle {
	l.timerSeq++
	e := &timerEntry{seq: l.timerSeq, deadline: deadline, cb: cb}
	heap.Push(&l.timers, e)
	return TimerHandle{entry: e}
}

// ScheduleEvery schedules cb to run repeatedly, first at first, then every
// interval thereafter, until canceled.
func (l *Loop) ScheduleEvery(first time.Time, interval time.Duration, cb func()) TimerHandle {
	l.timerSeq++
	e := &timerEntry{seq: l.timerSeq, deadline: first, interval: interval, cb: cb}
	heap.Push(&l.timers, e)
	return TimerHandle{entry: e}
}

// CancelTimer removes a previously scheduled timer. A no-op if it already
// fired (for one-shot timers) or was already canceled.
func (l *Loop) CancelTimer(h TimerHandle) {
	if h.entry == nil {
		return
	}
	h.entry.canceled = true
	if h.entry.index >= 0 && h.entry.index < l.timers.Len() {
		heap.Remove(&l.timers, h.entry.index)
	}
}

func (l *Loop) fireDueTimers(now time.Time) {
	for l.timers.Len() > 0 && !l.timers[0].deadline.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		if e.canceled {
			continue
		}
		if e.interval > 0 {
			e.deadline = e.deadline.Add(e.interval)
			if !e.deadline.After(now) {
				e.deadline = now.Add(e.interval)
			}
			heap.Push(&l.timers, e)
		}
		e.cb()
	}
}
