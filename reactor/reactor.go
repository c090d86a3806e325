//go:build linux

// Package reactor implements an epoll-backed readiness-notification
// loop that composes a scheduler.Scheduler with a timer.Manager: it owns
// the scheduler's wait phase (blocking on epoll_wait instead of a bare
// channel) and its remind phase (a write to an eventfd self-pipe),
// while tracking up to one read waker and one write waker per watched
// file descriptor.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/3173936816/go-webserver/corelog"
	"github.com/3173936816/go-webserver/rterrors"
	"github.com/3173936816/go-webserver/rtconfig"
	"github.com/3173936816/go-webserver/scheduler"
	"github.com/3173936816/go-webserver/timer"

	"golang.org/x/sys/unix"
)

// Direction is a bitmask of the readiness directions a Reactor tracks.
type Direction uint32

const (
	Read  Direction = 1 << 0
	Write Direction = 1 << 1
)

// Waker is scheduled as an ANY-affinity task when the direction it was
// registered for becomes ready (or is force-triggered). Code that wants
// a coroutine resumed rather than a plain function run should close over
// scheduler.ScheduleCoroutine (or hand the waker a reference to the
// parked task) -- the reactor itself only knows about plain funcs.
type Waker func()

// fdEvent is the per-fd readiness record: at most one waker armed per
// direction, guarded by its own lock so unrelated fds never contend.
type fdEvent struct {
	mu                    sync.Mutex
	fd                    int
	events                Direction
	readWaker, writeWaker Waker
}

// maxWaitMs caps how long a single epoll_wait call blocks, so a Reactor
// periodically re-checks its stop flag even with no timers pending.
const maxWaitMs = 3000

// Reactor is a Scheduler whose park/wake strategy is epoll readiness
// instead of a bare channel, with its own hierarchical timer manager
// wired in (timers fire as scheduled ANY-affinity tasks, and a new
// earliest timer reminds a blocked wait).
type Reactor struct {
	*scheduler.Scheduler
	Timers *timer.Manager

	epfd   int
	wakeFd int

	fdMu sync.Mutex
	fds  map[int]*fdEvent

	eventCount atomic.Int64
	started    atomic.Bool
}

// New constructs a Reactor with threadCount worker threads. cfg, if
// non-nil, is forwarded to the underlying scheduler for coroutine stack
// size and task timeout defaults.
func New(name string, threadCount uint32, cfg *rtconfig.Source) *Reactor {
	r := &Reactor{
		epfd:   -1,
		wakeFd: -1,
		fds:    make(map[int]*fdEvent),
	}
	r.Timers = timer.New(func() { r.Remind() })
	r.Scheduler = scheduler.New(name, threadCount, r, cfg)
	r.Scheduler.SetExtraWork(r.hasExtraWork)
	// Lets code running under this Scheduler recover *Reactor via
	// scheduler.CurrentOwner (the async shim's stand-in for the
	// original's dynamic_cast<IOBase*>(currentScheduler)).
	r.Scheduler.SetOwner(r)
	return r
}

func (r *Reactor) hasExtraWork() bool {
	return r.Timers.Count() > 0 || r.eventCount.Load() > 0
}

// EventCount returns the number of armed (fd, direction) registrations.
func (r *Reactor) EventCount() int64 { return r.eventCount.Load() }

// Start creates the epoll instance and the self-pipe wake fd, registers
// the wake fd for readiness, then starts the underlying worker pool.
// Calling Start twice is a no-op.
func (r *Reactor) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	epfd, err := createEpoll()
	if err != nil {
		r.started.Store(false)
		return rterrors.Wrap(rterrors.KindFatalSyscall, "reactor: epoll_create1 failed", err)
	}
	r.epfd = epfd

	wakeFd, err := createWakeFd()
	if err != nil {
		closeEpoll(epfd)
		r.started.Store(false)
		return rterrors.Wrap(rterrors.KindFatalSyscall, "reactor: eventfd failed", err)
	}
	r.wakeFd = wakeFd

	if err := epollAdd(epfd, wakeFd, Read); err != nil {
		closeEpoll(epfd)
		closeWakeFd(wakeFd)
		r.started.Store(false)
		return rterrors.Wrap(rterrors.KindFatalSyscall, "reactor: epoll_ctl(wake fd) failed", err)
	}

	r.Scheduler.Start()
	return nil
}

// Stop idempotently triggers every registered event (so every pending
// waker still gets scheduled), clears all timers, stops the underlying
// worker pool, and closes the epoll instance and wake fd. Order matters:
// by the time Scheduler.Stop's join runs, hasExtraWork must already be
// reporting false, or the last worker standing never sees queue-empty.
func (r *Reactor) Stop() {
	if !r.started.CompareAndSwap(true, false) {
		return
	}
	r.TriggerAllFDs()
	r.Timers.Clear()
	r.Scheduler.Stop()
	closeEpoll(r.epfd)
	closeWakeFd(r.wakeFd)
}

func (r *Reactor) getOrCreateFdEvent(fd int) *fdEvent {
	r.fdMu.Lock()
	defer r.fdMu.Unlock()
	fe, ok := r.fds[fd]
	if !ok {
		fe = &fdEvent{fd: fd}
		r.fds[fd] = fe
	}
	return fe
}

func (r *Reactor) getFdEvent(fd int) *fdEvent {
	r.fdMu.Lock()
	defer r.fdMu.Unlock()
	return r.fds[fd]
}

// AddEvent arms waker to run when fd becomes ready for dir. Returns
// false if dir is already armed on fd (caller contract violation) or if
// epoll_ctl fails.
func (r *Reactor) AddEvent(fd int, dir Direction, waker Waker) bool {
	if fd < 0 || waker == nil {
		return false
	}
	fe := r.getOrCreateFdEvent(fd)

	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.events&dir != 0 {
		corelog.System().Debug().Log("reactor: add_event on an already-armed direction")
		return false
	}

	newMask := fe.events | dir
	var err error
	if fe.events != 0 {
		err = epollMod(r.epfd, fd, newMask)
	} else {
		err = epollAdd(r.epfd, fd, newMask)
	}
	if err != nil {
		corelog.System().Debug().Log("reactor: add_event epoll_ctl failed")
		return false
	}

	fe.events = newMask
	if dir&Read != 0 {
		fe.readWaker = waker
	}
	if dir&Write != 0 {
		fe.writeWaker = waker
	}
	r.eventCount.Add(1)
	return true
}

// DelEvent disarms dir on fd without running its waker. Returns false if
// dir was not armed.
func (r *Reactor) DelEvent(fd int, dir Direction) bool {
	if fd < 0 {
		return false
	}
	fe := r.getFdEvent(fd)
	if fe == nil {
		return false
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.events&dir == 0 {
		corelog.System().Debug().Log("reactor: del_event on a direction that isn't armed")
		return false
	}

	newMask := fe.events &^ dir
	if !r.reapplyMask(fd, newMask) {
		return false
	}

	fe.events = newMask
	if dir&Read != 0 {
		fe.readWaker = nil
	}
	if dir&Write != 0 {
		fe.writeWaker = nil
	}
	r.eventCount.Add(-1)
	return true
}

// TriggerEvent disarms dir on fd like DelEvent, but schedules its waker
// (as an ANY-affinity task) instead of just dropping it.
func (r *Reactor) TriggerEvent(fd int, dir Direction) bool {
	if fd < 0 {
		return false
	}
	fe := r.getFdEvent(fd)
	if fe == nil {
		return false
	}

	fe.mu.Lock()
	if fe.events&dir == 0 {
		fe.mu.Unlock()
		corelog.System().Debug().Log("reactor: trigger_event on a direction that isn't armed")
		return false
	}

	newMask := fe.events &^ dir
	if !r.reapplyMask(fd, newMask) {
		fe.mu.Unlock()
		return false
	}
	fe.events = newMask

	var readWaker, writeWaker Waker
	if dir&Read != 0 {
		readWaker, fe.readWaker = fe.readWaker, nil
	}
	if dir&Write != 0 {
		writeWaker, fe.writeWaker = fe.writeWaker, nil
	}
	fe.mu.Unlock()

	r.eventCount.Add(-1)
	r.scheduleWakers(readWaker, writeWaker)
	return true
}

// TriggerAll disarms every direction on fd, scheduling whichever wakers
// were armed.
func (r *Reactor) TriggerAll(fd int) {
	if fd < 0 {
		return
	}
	fe := r.getFdEvent(fd)
	if fe == nil {
		return
	}

	fe.mu.Lock()
	if fe.events == 0 {
		fe.mu.Unlock()
		return
	}
	if err := epollDel(r.epfd, fd); err != nil {
		fe.mu.Unlock()
		corelog.System().Debug().Log("reactor: trigger_all epoll_ctl failed")
		return
	}

	events := fe.events
	var readWaker, writeWaker Waker
	if events&Read != 0 {
		readWaker, fe.readWaker = fe.readWaker, nil
		r.eventCount.Add(-1)
	}
	if events&Write != 0 {
		writeWaker, fe.writeWaker = fe.writeWaker, nil
		r.eventCount.Add(-1)
	}
	fe.events = 0
	fe.mu.Unlock()

	r.scheduleWakers(readWaker, writeWaker)
}

// TriggerAllFDs calls TriggerAll on every fd with at least one armed
// direction. Used by Stop to make sure no parked waker is abandoned.
func (r *Reactor) TriggerAllFDs() {
	for _, fd := range r.snapshotFDs() {
		r.TriggerAll(fd)
	}
}

// DelAll disarms every direction on fd without scheduling anything.
func (r *Reactor) DelAll(fd int) {
	if fd < 0 {
		return
	}
	fe := r.getFdEvent(fd)
	if fe == nil {
		return
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.events == 0 {
		return
	}
	if err := epollDel(r.epfd, fd); err != nil {
		corelog.System().Debug().Log("reactor: del_all epoll_ctl failed")
		return
	}

	if fe.events&Read != 0 {
		fe.readWaker = nil
		r.eventCount.Add(-1)
	}
	if fe.events&Write != 0 {
		fe.writeWaker = nil
		r.eventCount.Add(-1)
	}
	fe.events = 0
}

// DelAllFDs calls DelAll on every tracked fd.
func (r *Reactor) DelAllFDs() {
	for _, fd := range r.snapshotFDs() {
		r.DelAll(fd)
	}
}

func (r *Reactor) snapshotFDs() []int {
	r.fdMu.Lock()
	defer r.fdMu.Unlock()
	fds := make([]int, 0, len(r.fds))
	for fd := range r.fds {
		fds = append(fds, fd)
	}
	return fds
}

func (r *Reactor) scheduleWakers(readWaker, writeWaker Waker) {
	if readWaker != nil {
		r.Scheduler.Schedule(func() { readWaker() })
	}
	if writeWaker != nil {
		r.Scheduler.Schedule(func() { writeWaker() })
	}
}

// reapplyMask re-registers fd with newMask (MOD), or removes it from
// epoll entirely (DEL) if newMask is empty. Caller holds fe.mu.
func (r *Reactor) reapplyMask(fd int, newMask Direction) bool {
	var err error
	if newMask == 0 {
		err = epollDel(r.epfd, fd)
	} else {
		err = epollMod(r.epfd, fd, newMask)
	}
	if err != nil {
		corelog.System().Debug().Log("reactor: epoll_ctl failed")
		return false
	}
	return true
}

func directionToEpoll(dir Direction) uint32 {
	var events uint32
	if dir&Read != 0 {
		events |= unix.EPOLLIN
	}
	if dir&Write != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func epollToDirection(events uint32) Direction {
	var dir Direction
	// Error/hangup conditions are reported as readiness on whichever
	// direction a caller armed; the shimmed syscall itself discovers the
	// real error on its retry.
	if events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		dir |= Read
	}
	if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		dir |= Write
	}
	return dir
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// Wait implements scheduler.Waiter: block on epoll_wait for at most the
// time remaining until the next timer deadline (capped at maxWaitMs),
// then drain expired timers and readiness events.
func (r *Reactor) Wait() {
	timeoutMs := maxWaitMs
	if next := r.Timers.NextDeadline(); next != timer.MaxDeadline {
		now := nowMillis()
		if next <= now {
			timeoutMs = 0
		} else if d := next - now; d < maxWaitMs {
			timeoutMs = int(d)
		}
	}

	var events [1024]unix.EpollEvent
	n, err := epollPoll(r.epfd, events[:], timeoutMs)
	if err != nil {
		corelog.Abort("reactor: epoll_wait failed", err)
		return
	}

	for _, t := range r.Timers.DrainExpired(nowMillis()) {
		t := t
		r.Scheduler.Schedule(func() { timer.Fire([]*timer.Timer{t}) })
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == r.wakeFd {
			r.drainWake()
			continue
		}
		dir := epollToDirection(events[i].Events)
		if dir&Read != 0 {
			r.TriggerEvent(fd, Read)
		}
		if dir&Write != 0 {
			r.TriggerEvent(fd, Write)
		}
	}
}

// Remind implements scheduler.Waiter: if any worker is parked in Wait,
// write to the self-pipe so the blocked epoll_wait returns immediately.
func (r *Reactor) Remind() {
	if r.Scheduler.WaitingThreadCount() == 0 {
		return
	}
	if err := writeWake(r.wakeFd); err != nil {
		corelog.System().Debug().Log("reactor: remind write failed")
	}
}

func (r *Reactor) drainWake() {
	drainWake(r.wakeFd)
}
