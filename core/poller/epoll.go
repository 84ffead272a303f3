//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	ready  []Event
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 1024),
	}
	if err := p.Add(wakefd, Readable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func epollEvents(in Interest) uint32 {
	// Level-triggered; EPOLLRDHUP detects peer shutdown
	var ev uint32
	if in&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest set of fd
func (p *EpollPoller) Modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits up to timeoutMs (-1 blocks) for I/O events. The returned
// slice is reused by the next call.
func (p *EpollPoller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		if err == unix.EBADF {
			return nil, ErrClosed
		}
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		e := p.events[i]
		fd := int(e.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		var in Interest
		if e.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			in |= Readable
		}
		if e.Events&unix.EPOLLOUT != 0 {
			in |= Writable
		}
		if e.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
			in |= Hangup | Readable
		}
		p.ready = append(p.ready, Event{Fd: fd, Events: in})
	}
	return p.ready, nil
}

// Wake interrupts a blocked Wait
func (p *EpollPoller) Wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(p.wakefd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *EpollPoller) drainWake() {
	var buf [8]byte
	unix.Read(p.wakefd, buf[:])
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
