//go:build linux

// Package netutil provides a buffered-I/O convenience over the async
// shim, sized from the runtime's http.* configuration keys. It is a
// generic read/write helper, not an HTTP layer -- parsing requests and
// responses is out of scope here.
package netutil

import (
	"io"

	"github.com/3173936816/go-webserver/async"
	"github.com/3173936816/go-webserver/rterrors"
	"github.com/3173936816/go-webserver/rtconfig"
)

const (
	defaultReadBufSize  = 4 * 1024
	defaultWriteBufSize = 4 * 1024
	defaultReadMaxSize  = 10 * 1024 * 1024
	defaultWriteMaxSize = 10 * 1024 * 1024
)

// BufferedConn wraps a tracked fd with a read buffer sized from (and kept
// live against changes to) http.http_request_buff_size and a write chunk
// size from http.http_response_buff_size. http.http_request_max_body_size
// caps the bytes read over the connection's whole lifetime;
// http.http_response_max_body_size caps the size of each single Write.
type BufferedConn struct {
	fd int

	readBuf  []byte
	readPos  int
	readLen  int
	readMax  int64
	readSeen int64

	writeBufSize int64
	writeMax     int64
}

// New constructs a BufferedConn over fd, which must already be tracked
// by async.AddFD. cfg, if non-nil, sources buffer/cap sizes from its
// http.* keys (falling back to 4KiB buffers / 10MiB caps) and keeps the
// read buffer size live via OnChange; on a change, bytes not yet read are
// moved to the front of the new buffer, and the new size governs the next
// refill.
func New(fd int, cfg *rtconfig.Source) *BufferedConn {
	c := &BufferedConn{
		fd:           fd,
		readBuf:      make([]byte, intFromConfig(cfg, "http.http_request_buff_size", defaultReadBufSize)),
		readMax:      intFromConfig(cfg, "http.http_request_max_body_size", defaultReadMaxSize),
		writeBufSize: intFromConfig(cfg, "http.http_response_buff_size", defaultWriteBufSize),
		writeMax:     intFromConfig(cfg, "http.http_response_max_body_size", defaultWriteMaxSize),
	}
	if cfg != nil {
		cfg.OnChange("http.http_request_buff_size", func(_, newVal int64) {
			buf := make([]byte, max(newVal, int64(c.readLen-c.readPos)))
			n := copy(buf, c.readBuf[c.readPos:c.readLen])
			c.readBuf, c.readPos, c.readLen = buf, 0, n
		})
	}
	return c
}

func intFromConfig(cfg *rtconfig.Source, key string, fallback int64) int64 {
	if cfg != nil {
		if v, ok := cfg.Int64(key); ok && v > 0 {
			return v
		}
	}
	return fallback
}

// Read fills p from the internal read buffer, refilling from the fd via
// async.Read when exhausted. Returns io.EOF when the peer has closed the
// connection. A single Read never returns bytes past the configured
// request body cap, and once the cumulative bytes read across this
// BufferedConn's lifetime reach that cap, Read returns an error.
func (c *BufferedConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.readSeen >= c.readMax {
		return 0, rterrors.New(rterrors.KindBadFd, "netutil: request body exceeds configured max size")
	}
	if rem := c.readMax - c.readSeen; int64(len(p)) > rem {
		p = p[:rem]
	}
	if c.readPos == c.readLen {
		n, err := async.Read(c.fd, c.readBuf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		c.readPos, c.readLen = 0, n
	}
	n := copy(p, c.readBuf[c.readPos:c.readLen])
	c.readPos += n
	c.readSeen += int64(n)
	return n, nil
}

// Write writes p to the fd via async.Write in chunks no larger than the
// configured response buffer size. It fails without writing anything
// when p alone is longer than the configured response body cap; bytes
// written by earlier calls are not counted.
func (c *BufferedConn) Write(p []byte) (int, error) {
	if int64(len(p)) > c.writeMax {
		return 0, rterrors.New(rterrors.KindBadFd, "netutil: response body exceeds configured max size")
	}
	written := 0
	for written < len(p) {
		end := written + int(c.writeBufSize)
		if end > len(p) {
			end = len(p)
		}
		n, err := async.Write(c.fd, p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close shims close(2) on the underlying fd via async.Close.
func (c *BufferedConn) Close() error {
	return async.Close(c.fd)
}

// Fd returns the wrapped file descriptor.
func (c *BufferedConn) Fd() int { return c.fd }
