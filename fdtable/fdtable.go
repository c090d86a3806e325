// Package fdtable tracks per-fd async state for sockets handed to the
// async syscall shim: whether the fd has been soft-closed, its
// configured recv/send timeouts, and whether the caller asked for
// classic non-blocking semantics (user_nonblock) rather than the
// shim's own park-and-retry behavior.
package fdtable

import (
	"sync"

	"github.com/3173936816/go-webserver/rterrors"

	"golang.org/x/sys/unix"
)

// NoTimeout is the sentinel recv/send timeout meaning "block
// indefinitely", matching the original's ~0x0ull default.
const NoTimeout = ^uint64(0)

// Info is one fd's async state. The zero value is not usable; entries
// are created by Table.Add.
type Info struct {
	mu            sync.RWMutex
	fd            int
	closed        bool
	recvTimeoutMs uint64
	sendTimeoutMs uint64
	userNonBlock  bool
}

func newInfo(fd int) *Info {
	return &Info{fd: fd, recvTimeoutMs: NoTimeout, sendTimeoutMs: NoTimeout}
}

// Fd returns the tracked file descriptor.
func (i *Info) Fd() int { return i.fd }

// Closed reports whether Close (via Table.Remove) has been called on
// this entry since its last Add/reuse.
func (i *Info) Closed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.closed
}

// RecvTimeout returns the configured read-direction timeout in
// milliseconds, or NoTimeout.
func (i *Info) RecvTimeout() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.recvTimeoutMs
}

// SendTimeout returns the configured write-direction timeout in
// milliseconds, or NoTimeout.
func (i *Info) SendTimeout() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.sendTimeoutMs
}

// SetRecvTimeout sets the read-direction timeout in milliseconds;
// NoTimeout disables it.
func (i *Info) SetRecvTimeout(ms uint64) {
	i.mu.Lock()
	i.recvTimeoutMs = ms
	i.mu.Unlock()
}

// SetSendTimeout sets the write-direction timeout in milliseconds;
// NoTimeout disables it.
func (i *Info) SetSendTimeout(ms uint64) {
	i.mu.Lock()
	i.sendTimeoutMs = ms
	i.mu.Unlock()
}

// UserNonBlock reports whether the caller opted into raw non-blocking
// semantics via Fcntl(F_SETFL, O_NONBLOCK) or Ioctl(FIONBIO) -- in which
// case the shim passes calls straight through instead of parking them.
func (i *Info) UserNonBlock() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userNonBlock
}

// SetUserNonBlock sets or clears the user_nonblock bit.
func (i *Info) SetUserNonBlock(v bool) {
	i.mu.Lock()
	i.userNonBlock = v
	i.mu.Unlock()
}

// setClosed marks the entry closed and resets its timeouts/nonblock bit
// to defaults -- a soft reset, since the integer fd may be reassigned by
// the kernel to an unrelated socket before a later Add sees it again.
func (i *Info) setClosed() {
	i.mu.Lock()
	i.closed = true
	i.recvTimeoutMs = NoTimeout
	i.sendTimeoutMs = NoTimeout
	i.userNonBlock = false
	i.mu.Unlock()
}

// reopen clears closed and resets state for reuse under the same
// integer fd.
func (i *Info) reopen() {
	i.mu.Lock()
	i.closed = false
	i.recvTimeoutMs = NoTimeout
	i.sendTimeoutMs = NoTimeout
	i.userNonBlock = false
	i.mu.Unlock()
}

// Table is the process-wide fd -> Info map. The zero value is not
// usable; construct with New.
type Table struct {
	mu      sync.Mutex
	entries map[int]*Info
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[int]*Info)}
}

// Add fstats fd. If it is not a socket, returns (nil, nil) -- the
// caller should not track it, and this is not a failure. Otherwise it
// forces the real fd non-blocking and returns a fresh (or soft-reset,
// if this integer fd was tracked before) Info.
func (t *Table) Add(fd int) (*Info, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, rterrors.Wrap(rterrors.KindBadFd, "fdtable: fstat failed", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return nil, nil
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.KindBadFd, "fdtable: fcntl(F_GETFL) failed", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			return nil, rterrors.Wrap(rterrors.KindBadFd, "fdtable: fcntl(F_SETFL) failed", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.entries[fd]; ok {
		info.reopen()
		return info, nil
	}
	info := newInfo(fd)
	t.entries[fd] = info
	return info, nil
}

// Get returns fd's entry if present and not closed.
func (t *Table) Get(fd int) (*Info, bool) {
	t.mu.Lock()
	info, ok := t.entries[fd]
	t.mu.Unlock()
	if !ok || info.Closed() {
		return nil, false
	}
	return info, true
}

// Remove soft-closes fd's entry (if tracked) rather than deleting it
// from the map, so a later Add for the same integer fd reuses the slot
// instead of allocating a fresh one.
func (t *Table) Remove(fd int) {
	t.mu.Lock()
	info, ok := t.entries[fd]
	t.mu.Unlock()
	if ok {
		info.setClosed()
	}
}

// Clear drops every tracked entry.
func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = make(map[int]*Info)
	t.mu.Unlock()
}
