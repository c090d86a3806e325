//go:build linux

package reactor

import "golang.org/x/sys/unix"

// createEpoll opens a new epoll instance.
func createEpoll() (int, error) {
	return unix.EpollCreate1(unix.EPOLL_CLOEXEC)
}

// closeEpoll closes an epoll instance opened with createEpoll.
func closeEpoll(epfd int) error {
	if epfd < 0 {
		return nil
	}
	return unix.Close(epfd)
}

// epollAdd registers fd with epfd for the given direction mask,
// edge-triggered.
func epollAdd(epfd, fd int, dir Direction) error {
	ev := unix.EpollEvent{Events: directionToEpoll(dir) | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// epollMod re-registers fd's watched directions.
func epollMod(epfd, fd int, dir Direction) error {
	ev := unix.EpollEvent{Events: directionToEpoll(dir) | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// epollDel removes fd from epfd entirely.
func epollDel(epfd, fd int) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// epollPoll blocks up to timeoutMs (or indefinitely if negative) waiting
// for readiness, restarting transparently on EINTR. It returns n, the
// number of events written into buf[:n].
func epollPoll(epfd int, buf []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(epfd, buf, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		return n, nil
	}
}
