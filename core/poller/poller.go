package poller

import "errors"

// Interest is a set of readiness conditions
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	// Hangup is reported when the peer closed or the fd failed
	Hangup
)

// Event is the readiness reported for one fd
type Event struct {
	Fd     int
	Events Interest
}

// ErrClosed is returned by Wait after Close
var ErrClosed = errors.New("poller: closed")

// Poller is the I/O multiplexing interface. Add, Modify and Remove may be
// called from the goroutine running Wait. Wake may be called from any
// goroutine and makes a pending Wait return early.
type Poller interface {
	Add(fd int, in Interest) error
	Modify(fd int, in Interest) error
	Remove(fd int) error
	Wait(timeoutMs int) ([]Event, error)
	Wake() error
	Close() error
}
