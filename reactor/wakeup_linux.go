//go:build linux

package reactor

import "golang.org/x/sys/unix"

// createWakeFd creates the self-pipe's single eventfd: one fd serves as
// both read and write end, counting rather than queuing, which is fine
// here since remind() only needs "something is pending", not how much.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

func closeWakeFd(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// writeWake posts one wake-up to fd. The eventfd counter semantics
// collapse any number of pending writes into "readable"; exactly how
// many were coalesced doesn't matter to a caller that only wants
// epoll_wait to return.
func writeWake(fd int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// Counter would overflow -- already as "woken" as it can get.
		return nil
	}
	return err
}

// drainWake empties fd's counter so the next write makes it readable
// again.
func drainWake(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}
