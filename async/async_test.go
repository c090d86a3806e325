//go:build linux

package async

import (
	"errors"
	"testing"
	"time"

	"github.com/3173936816/go-webserver/reactor"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadPassthroughWhenNotAsync(t *testing.T) {
	a, b := socketpair(t)
	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 8)
	n, err := Read(a, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Errorf("got %q, want hi", buf[:n])
	}
}

func TestReadFailsEBADFWhenFdNotTrackedInAsyncMode(t *testing.T) {
	a, _ := socketpair(t)
	SetAsync(true)
	defer SetAsync(false)

	_, err := Read(a, make([]byte, 8))
	if err == nil {
		t.Fatal("expected an error for an untracked fd in async mode")
	}
	if !errors.Is(err, unix.EBADF) {
		t.Errorf("err = %v, want errors.Is(err, unix.EBADF)", err)
	}
}

func TestReadParksOnEAGAINAndRetriesOnReadiness(t *testing.T) {
	a, b := socketpair(t)
	if _, err := AddFD(a); err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	react := reactor.New("io", 2, nil)
	if err := react.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer react.Stop()

	type result struct {
		n   int
		err error
	}
	results := make(chan result, 1)

	react.Schedule(func() {
		SetAsync(true)
		defer SetAsync(false)
		buf := make([]byte, 16)
		n, err := Read(a, buf)
		results <- result{n, err}
	})

	time.Sleep(50 * time.Millisecond)
	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Read: %v", res.err)
		}
		if res.n != 5 {
			t.Errorf("n = %d, want 5", res.n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked read never woke up")
	}
}

func TestReadTimesOutWhenNoDataArrives(t *testing.T) {
	a, _ := socketpair(t)
	info, err := AddFD(a)
	if err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	info.SetRecvTimeout(30)

	react := reactor.New("io", 1, nil)
	if err := react.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer react.Stop()

	done := make(chan error, 1)
	react.Schedule(func() {
		SetAsync(true)
		defer SetAsync(false)
		_, err := Read(a, make([]byte, 16))
		done <- err
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a timeout error")
		}
		if !errors.Is(err, unix.ETIMEDOUT) {
			t.Errorf("err = %v, want errors.Is(err, unix.ETIMEDOUT)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read never returned")
	}
}

func TestAcceptAndConnectRoundTrip(t *testing.T) {
	listenFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(listenFd)
	if err := unix.Bind(listenFd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(listenFd, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}
	sa, err := unix.Getsockname(listenFd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port

	if _, err := AddFD(listenFd); err != nil {
		t.Fatalf("AddFD(listen): %v", err)
	}

	react := reactor.New("conn", 2, nil)
	if err := react.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer react.Stop()

	accepted := make(chan int, 1)
	react.Schedule(func() {
		SetAsync(true)
		defer SetAsync(false)
		nfd, _, err := Accept(listenFd)
		if err != nil {
			t.Errorf("Accept: %v", err)
			accepted <- -1
			return
		}
		accepted <- nfd
	})

	connFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(connFd)
	if _, err := AddFD(connFd); err != nil {
		t.Fatalf("AddFD(conn): %v", err)
	}

	connDone := make(chan error, 1)
	react.Schedule(func() {
		SetAsync(true)
		defer SetAsync(false)
		connDone <- ConnectTimeout(connFd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}, 2000)
	})

	select {
	case err := <-connDone:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}

	select {
	case nfd := <-accepted:
		if nfd < 0 {
			t.Fatal("accept failed")
		}
		unix.Close(nfd)
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
}

func TestFcntlMasksONonblockByUserIntent(t *testing.T) {
	a, _ := socketpair(t)
	if _, err := AddFD(a); err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	flags, err := Fcntl(a, unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("Fcntl(F_GETFL): %v", err)
	}
	if flags&unix.O_NONBLOCK != 0 {
		t.Error("F_GETFL should mask O_NONBLOCK when the user never asked for it")
	}

	if _, err := Fcntl(a, unix.F_SETFL, unix.O_NONBLOCK); err != nil {
		t.Fatalf("Fcntl(F_SETFL): %v", err)
	}
	flags, err = Fcntl(a, unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("Fcntl(F_GETFL) after SETFL: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Error("F_GETFL should report O_NONBLOCK once the user explicitly set it")
	}
}

func TestSetsockoptGetsockoptTimeoutRoundTrip(t *testing.T) {
	a, _ := socketpair(t)
	if _, err := AddFD(a); err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	if err := Setsockopt(a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, 1500); err != nil {
		t.Fatalf("Setsockopt: %v", err)
	}
	ms, err := Getsockopt(a, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
	if err != nil {
		t.Fatalf("Getsockopt: %v", err)
	}
	if ms != 1500 {
		t.Errorf("SO_RCVTIMEO = %d, want 1500", ms)
	}
}

func TestIoctlFIONBIOSetsUserNonBlockOnly(t *testing.T) {
	a, _ := socketpair(t)
	info, err := AddFD(a)
	if err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	if err := Ioctl(a, unix.FIONBIO, 1); err != nil {
		t.Fatalf("Ioctl: %v", err)
	}
	if !info.UserNonBlock() {
		t.Error("FIONBIO should set user_nonblock")
	}
}

func TestSleepBlocksRoughlyTheRequestedDuration(t *testing.T) {
	start := time.Now()
	if err := Sleep(0); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := Usleep(20_000); err != nil {
		t.Fatalf("Usleep: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Usleep(20000) returned too soon: %v", elapsed)
	}
}
