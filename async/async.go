//go:build linux

// Package async shims the blocking socket syscalls so that, when called
// from a coroutine running under a reactor, an EAGAIN parks the
// coroutine against the reactor's readiness notification instead of
// spinning or blocking the OS thread. Outside async mode, or for a
// caller that opted into raw non-blocking semantics, every call is a
// direct passthrough to the real syscall.
package async

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/3173936816/go-webserver/fdtable"
	"github.com/3173936816/go-webserver/reactor"
	"github.com/3173936816/go-webserver/rterrors"
	"github.com/3173936816/go-webserver/scheduler"
	"github.com/3173936816/go-webserver/timer"

	"golang.org/x/sys/unix"
)

// errnoFail builds an *rterrors.Error of the given kind whose Cause is the
// errno that kind is documented to surface as (see rterrors.Kind), so that
// errors.Is(err, unix.EBADF) etc. sees through to it exactly like the
// passthrough and EINTR/EAGAIN-retry paths, which return the real
// unix.Errno directly. Matches the original's errno=EBADF/EINVAL/ETIMEDOUT/
// EIO assignments on these synthesized failure paths.
func errnoFail(kind rterrors.Kind, message string) error {
	var errno unix.Errno
	switch kind {
	case rterrors.KindBadFd:
		errno = unix.EBADF
	case rterrors.KindBadAsyncState:
		errno = unix.EINVAL
	case rterrors.KindEventTimeout:
		errno = unix.ETIMEDOUT
	case rterrors.KindPostYieldFail:
		errno = unix.EIO
	default:
		return rterrors.New(kind, message)
	}
	return rterrors.Wrap(kind, message, errno)
}

// fds is the process-wide fd -> async state table, mirroring the
// original's single SockFdInfoManager instance.
var fds = fdtable.New()

// asyncState is the thread-local is_async flag, keyed by goroutine id
// the same way coroutine.currentTable and scheduler.primaryTable are --
// Go has no native thread-local storage, so each package that needs one
// keeps its own small goroutine-id-keyed table rather than sharing a
// single mechanism across package boundaries.
var asyncState sync.Map // goroutineID uint64 -> bool

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	var id uint64
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			break
		}
		id = id*10 + uint64(ch-'0')
	}
	return id
}

// SetAsync toggles whether the calling goroutine's shimmed calls park
// against a reactor on EAGAIN (true) or passthrough to the real syscall
// unconditionally (false, the default).
func SetAsync(v bool) {
	if v {
		asyncState.Store(goroutineID(), true)
	} else {
		asyncState.Delete(goroutineID())
	}
}

// IsAsync reports the calling goroutine's is_async flag.
func IsAsync() bool {
	v, ok := asyncState.Load(goroutineID())
	return ok && v.(bool)
}

// AddFD tracks fd in the process-wide table if it is a socket. Returns
// (nil, nil) for a non-socket fd -- the caller should not track it.
func AddFD(fd int) (*fdtable.Info, error) {
	return fds.Add(fd)
}

// GetFD returns fd's tracked state, if present and not closed.
func GetFD(fd int) (*fdtable.Info, bool) {
	return fds.Get(fd)
}

// Close marks fd's entry closed, then calls the real close. The entry
// is reused, not deleted, so a later AddFD for the same integer fd picks
// up a freshly-reset state rather than allocating again.
func Close(fd int) error {
	fds.Remove(fd)
	return unix.Close(fd)
}

type direction int

const (
	dirRead direction = iota
	dirWrite
)

// currentReactor recovers the reactor composing the scheduler currently
// running the calling task, the Go stand-in for the original's
// dynamic_cast<IOBase*>(currentScheduler()).
func currentReactor() *reactor.Reactor {
	owner := scheduler.CurrentOwner()
	if owner == nil {
		return nil
	}
	r, _ := owner.(*reactor.Reactor)
	return r
}

// park detaches the calling task from its scheduler, arms waker for fd's
// direction dir on react, and optionally a timeout timer, then yields.
// It returns once the task is resumed, along with whether the timeout
// timer (rather than real readiness) is what woke it.
func park(react *reactor.Reactor, fd int, dir direction, timeoutMs uint64) (timedOut bool, err error) {
	co, ok := scheduler.DetachCurrent()
	if !ok {
		return false, errnoFail(rterrors.KindBadAsyncState, "async: no current task")
	}
	tid, _ := scheduler.CurrentTID()

	rdir := reactor.Read
	if dir == dirWrite {
		rdir = reactor.Write
	}

	waker := func() { react.ScheduleCoroutineTID(tid, co) }
	if !react.AddEvent(fd, rdir, waker) {
		return false, errnoFail(rterrors.KindBadAsyncState, "async: add_event failed")
	}

	var tm *timer.Timer
	if timeoutMs != fdtable.NoTimeout {
		tm = react.Timers.AddTimer(timeoutMs, func() {
			// Only the side that actually disarms the direction is the
			// one whose outcome the parked coroutine should trust --
			// whichever of {timeout, real readiness} gets there first.
			if react.TriggerEvent(fd, rdir) {
				timedOut = true
			}
		}, false)
	}

	co.Yield()

	if !timedOut && tm != nil {
		tm.Cancel()
	}
	return timedOut, nil
}

// doRetryableIO implements the generic per-call protocol shared by
// read/readv/recv/recvfrom/recvmsg/write/writev/send/sendto/sendmsg:
// passthrough when not async or when the fd opted into raw non-blocking
// semantics, an EINTR retry loop, and on EAGAIN a park-then-retry-once
// against the owning reactor.
func doRetryableIO(fd int, dir direction, attempt func() (int, error)) (int, error) {
	if !IsAsync() {
		return attempt()
	}

	info, ok := fds.Get(fd)
	if !ok {
		return -1, errnoFail(rterrors.KindBadFd, "async: fd not tracked")
	}
	if info.UserNonBlock() {
		return attempt()
	}

	var n int
	var err error
	for {
		n, err = attempt()
		if err == nil || err != unix.EINTR {
			break
		}
	}
	if err == nil || err != unix.EAGAIN {
		return n, err
	}

	react := currentReactor()
	if react == nil {
		return -1, errnoFail(rterrors.KindBadAsyncState, "async: no current reactor")
	}

	timeoutMs := info.RecvTimeout()
	if dir == dirWrite {
		timeoutMs = info.SendTimeout()
	}

	timedOut, perr := park(react, fd, dir, timeoutMs)
	if perr != nil {
		return -1, perr
	}
	if timedOut {
		return -1, errnoFail(rterrors.KindEventTimeout, "async: i/o timed out")
	}

	n, err = attempt()
	if err != nil {
		return -1, errnoFail(rterrors.KindPostYieldFail, fmt.Sprintf("async: retry after readiness failed: %v", err))
	}
	return n, nil
}

// Read shims read(2).
func Read(fd int, p []byte) (int, error) {
	return doRetryableIO(fd, dirRead, func() (int, error) { return unix.Read(fd, p) })
}

// Readv shims readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return doRetryableIO(fd, dirRead, func() (int, error) { return unix.Readv(fd, iovs) })
}

// Recv shims recv(2) (recvfrom with no address).
func Recv(fd int, p []byte, flags int) (int, error) {
	return doRetryableIO(fd, dirRead, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom shims recvfrom(2).
func Recvfrom(fd int, p []byte, flags int) (n int, from unix.Sockaddr, err error) {
	n, err = doRetryableIO(fd, dirRead, func() (int, error) {
		nn, addr, e := unix.Recvfrom(fd, p, flags)
		from = addr
		return nn, e
	})
	return
}

// Recvmsg shims recvmsg(2).
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doRetryableIO(fd, dirRead, func() (int, error) {
		nn, oobnn, rf, addr, e := unix.Recvmsg(fd, p, oob, flags)
		oobn, recvflags, from = oobnn, rf, addr
		return nn, e
	})
	return
}

// Write shims write(2).
func Write(fd int, p []byte) (int, error) {
	return doRetryableIO(fd, dirWrite, func() (int, error) { return unix.Write(fd, p) })
}

// Writev shims writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return doRetryableIO(fd, dirWrite, func() (int, error) { return unix.Writev(fd, iovs) })
}

// Send shims send(2) (sendto with no address).
func Send(fd int, p []byte, flags int) (int, error) {
	return doRetryableIO(fd, dirWrite, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, nil); err != nil {
			return 0, err
		}
		return len(p), nil
	})
}

// Sendto shims sendto(2).
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doRetryableIO(fd, dirWrite, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return 0, err
		}
		return len(p), nil
	})
}

// Sendmsg shims sendmsg(2).
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doRetryableIO(fd, dirWrite, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Accept shims accept(2): same framework as a read, plus tracking the
// accepted socket in the fd table on success.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doRetryableIO(fd, dirRead, func() (int, error) {
		n, addr, e := unix.Accept(fd)
		sa = addr
		return n, e
	})
	if err != nil {
		return -1, nil, err
	}
	if info, aerr := fds.Add(nfd); aerr != nil || info == nil {
		unix.Close(nfd)
		return -1, nil, errnoFail(rterrors.KindBadFd, "async: add_fd failed for accepted socket")
	}
	return nfd, sa, nil
}

// Connect shims connect(2) with no timeout.
func Connect(fd int, sa unix.Sockaddr) error {
	return connect(fd, sa, fdtable.NoTimeout)
}

// ConnectTimeout is Connect with a deadline in milliseconds.
func ConnectTimeout(fd int, sa unix.Sockaddr, timeoutMs uint64) error {
	return connect(fd, sa, timeoutMs)
}

func connect(fd int, sa unix.Sockaddr, timeoutMs uint64) error {
	if !IsAsync() {
		return checkConnectResult(fd, unix.Connect(fd, sa))
	}

	info, ok := fds.Get(fd)
	if !ok {
		return errnoFail(rterrors.KindBadFd, "async: fd not tracked")
	}
	if info.UserNonBlock() {
		return checkConnectResult(fd, unix.Connect(fd, sa))
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS && err != unix.EAGAIN {
		return err
	}

	react := currentReactor()
	if react == nil {
		return errnoFail(rterrors.KindBadAsyncState, "async: no current reactor")
	}

	timedOut, perr := park(react, fd, dirWrite, timeoutMs)
	if perr != nil {
		return perr
	}
	if timedOut {
		return errnoFail(rterrors.KindEventTimeout, "async: connect timed out")
	}

	return checkConnectResult(fd, nil)
}

func checkConnectResult(fd int, connectErr error) error {
	if connectErr != nil && connectErr != unix.EINPROGRESS {
		return connectErr
	}
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

// Sleep shims sleep(2): in async mode it parks the current task behind a
// one-shot timer instead of blocking the OS thread.
func Sleep(seconds uint64) error {
	return sleepMs(seconds * 1000)
}

// Usleep shims usleep(2).
func Usleep(usec uint64) error {
	return sleepMs((usec + 999) / 1000)
}

func sleepMs(ms uint64) error {
	if !IsAsync() {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return nil
	}

	react := currentReactor()
	if react == nil {
		return errnoFail(rterrors.KindBadAsyncState, "async: no current reactor")
	}
	co, ok := scheduler.DetachCurrent()
	if !ok {
		return errnoFail(rterrors.KindBadAsyncState, "async: no current task")
	}
	tid, _ := scheduler.CurrentTID()

	react.Timers.AddTimer(ms, func() {
		react.ScheduleCoroutineTID(tid, co)
	}, false)

	co.Yield()
	return nil
}

// Fcntl shims fcntl(2). F_GETFL and F_SETFL are special-cased to keep
// the user's view of O_NONBLOCK independent of the shim's own forced
// non-blocking mode; every other command passes through.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return -1, err
		}
		if info, ok := fds.Get(fd); ok && !info.UserNonBlock() {
			flags &^= unix.O_NONBLOCK
		}
		return flags, nil
	case unix.F_SETFL:
		if info, ok := fds.Get(fd); ok {
			info.SetUserNonBlock(arg&unix.O_NONBLOCK != 0)
		}
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg|unix.O_NONBLOCK)
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Getsockopt shims getsockopt(2). SO_RCVTIMEO/SO_SNDTIMEO at SOL_SOCKET
// read the shim's own per-fd timeout (milliseconds) instead of the
// kernel's, since the kernel never sees these sockets block.
func Getsockopt(fd, level, optname int) (int, error) {
	if level == unix.SOL_SOCKET && (optname == unix.SO_RCVTIMEO || optname == unix.SO_SNDTIMEO) {
		info, ok := fds.Get(fd)
		if !ok {
			return -1, errnoFail(rterrors.KindBadFd, "async: fd not tracked")
		}
		if optname == unix.SO_RCVTIMEO {
			return timeoutToInt(info.RecvTimeout()), nil
		}
		return timeoutToInt(info.SendTimeout()), nil
	}
	return unix.GetsockoptInt(fd, level, optname)
}

// Setsockopt shims setsockopt(2), with the same SO_RCVTIMEO/SO_SNDTIMEO
// special case as Getsockopt.
func Setsockopt(fd, level, optname, value int) error {
	if level == unix.SOL_SOCKET && (optname == unix.SO_RCVTIMEO || optname == unix.SO_SNDTIMEO) {
		info, ok := fds.Get(fd)
		if !ok {
			return errnoFail(rterrors.KindBadFd, "async: fd not tracked")
		}
		ms := intToTimeout(value)
		if optname == unix.SO_RCVTIMEO {
			info.SetRecvTimeout(ms)
		} else {
			info.SetSendTimeout(ms)
		}
		return nil
	}
	return unix.SetsockoptInt(fd, level, optname, value)
}

func timeoutToInt(ms uint64) int {
	if ms == fdtable.NoTimeout {
		return 0
	}
	return int(ms)
}

func intToTimeout(ms int) uint64 {
	if ms <= 0 {
		return fdtable.NoTimeout
	}
	return uint64(ms)
}

// Ioctl shims ioctl(2). FIONBIO is special-cased to update user_nonblock
// without ever reaching the kernel; everything else passes through.
func Ioctl(fd int, request uint, value int) error {
	if request == unix.FIONBIO {
		info, ok := fds.Get(fd)
		if !ok {
			return errnoFail(rterrors.KindBadFd, "async: fd not tracked")
		}
		info.SetUserNonBlock(value != 0)
		return nil
	}
	return unix.IoctlSetInt(fd, request, value)
}
