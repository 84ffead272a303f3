//go:build linux || darwin

package http

import (
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FDSocket is a Socket over a nonblocking file descriptor. Disconnect may
// be called from any goroutine; everything else belongs to the owner.
type FDSocket struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// NewFDSocket wraps a nonblocking socket descriptor
func NewFDSocket(fd int) *FDSocket {
	return &FDSocket{fd: fd}
}

// Fd returns the descriptor, which stays recorded after Close
func (s *FDSocket) Fd() int { return s.fd }

func (s *FDSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (s *FDSocket) WriteVector(bufs [][]byte) (int64, error) {
	n, err := writev(s.fd, bufs)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN || err == unix.EINTR {
		return int64(n), ErrWouldBlock
	}
	return int64(n), err
}

func (s *FDSocket) SendFile(f *os.File, offset int64, count int) (int, error) {
	n, err := unix.Sendfile(s.fd, int(f.Fd()), &offset, count)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN || err == unix.EINTR {
		return n, ErrWouldBlock
	}
	return n, err
}

func (s *FDSocket) Wait(ev IOEvents, timeout time.Duration) (IOEvents, error) {
	var events int16
	if ev&IORead != 0 {
		events |= unix.POLLIN
	}
	if ev&IOWrite != 0 {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrTimeout
		}
		break
	}
	var ready IOEvents
	re := fds[0].Revents
	if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		ready |= IORead
	}
	if re&(unix.POLLOUT|unix.POLLERR) != 0 {
		ready |= IOWrite
	}
	return ready, nil
}

// Disconnect shuts the socket down. After Close it does nothing, as the
// descriptor number may already belong to another connection.
func (s *FDSocket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

func (s *FDSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnClosed
	}
	s.closed = true
	return unix.Close(s.fd)
}
