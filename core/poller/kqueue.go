//go:build darwin

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd     int
	wakeR    int
	wakeW    int
	events   []unix.Kevent_t
	ready    []Event
	mu       sync.Mutex
	interest map[int]Interest
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)

	p := &KqueuePoller{
		kqfd:     kqfd,
		wakeR:    fds[0],
		wakeW:    fds[1],
		events:   make([]unix.Kevent_t, 1024),
		interest: make(map[int]Interest),
	}
	if err := p.Add(p.wakeR, Readable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *KqueuePoller) apply(fd int, old, in Interest) error {
	var changes []unix.Kevent_t
	set := func(filter int16, want, had bool) {
		if want == had {
			return
		}
		ev := unix.Kevent_t{Filter: filter}
		unix.SetKevent(&ev, fd, int(filter), unix.EV_DELETE)
		if want {
			// Level-triggered (no EV_CLEAR)
			ev.Flags = unix.EV_ADD | unix.EV_ENABLE
		}
		changes = append(changes, ev)
	}
	set(unix.EVFILT_READ, in&Readable != 0, old&Readable != 0)
	set(unix.EVFILT_WRITE, in&Writable != 0, old&Writable != 0)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, in Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.apply(fd, 0, in); err != nil {
		return err
	}
	p.interest[fd] = in
	return nil
}

// Modify replaces the interest set of fd
func (p *KqueuePoller) Modify(fd int, in Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.apply(fd, p.interest[fd], in); err != nil {
		return err
	}
	p.interest[fd] = in
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.interest[fd]
	delete(p.interest, fd)
	return p.apply(fd, old, 0)
}

// Wait waits up to timeoutMs (-1 blocks) for I/O events. The returned
// slice is reused by the next call.
func (p *KqueuePoller) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
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
		fd := int(e.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		var in Interest
		switch e.Filter {
		case unix.EVFILT_READ:
			in = Readable
		case unix.EVFILT_WRITE:
			in = Writable
		}
		if e.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			in |= Hangup | Readable
		}
		p.ready = append(p.ready, Event{Fd: fd, Events: in})
	}
	return p.ready, nil
}

// Wake interrupts a blocked Wait
func (p *KqueuePoller) Wake() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *KqueuePoller) drainWake() {
	var buf [64]byte
	for {
		if n, _ := unix.Read(p.wakeR, buf[:]); n <= 0 {
			return
		}
	}
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
