//go:build linux

package netutil

import (
	"io"
	"testing"

	"github.com/3173936816/go-webserver/async"

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

func TestReadWriteRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	if _, err := async.AddFD(a); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	if _, err := async.AddFD(b); err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	conn := New(a, nil)
	peer := New(b, nil)

	msg := []byte("hello, buffered world")
	n, err := peer.Write(msg)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("Write returned %d, want %d", n, len(msg))
	}

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestReadRejectsOversizedBody(t *testing.T) {
	a, b := socketpair(t)
	if _, err := async.AddFD(a); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	if _, err := async.AddFD(b); err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	conn := New(a, nil)
	conn.readMax = 4

	if _, err := unix.Write(b, []byte("12345")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected an error once the body cap is exceeded")
	}
}

func TestWriteRejectsOversizedBody(t *testing.T) {
	a, _ := socketpair(t)
	if _, err := async.AddFD(a); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	conn := New(a, nil)
	conn.writeMax = 4

	if _, err := conn.Write([]byte("12345")); err == nil {
		t.Fatal("expected an error for a write exceeding the body cap")
	}
}
