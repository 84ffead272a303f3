package http

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Socket is the transport under a connection. Read and WriteVector never
// block: they return ErrWouldBlock when the socket is not ready. Wait blocks
// until the socket is ready for one of the requested events or the timeout
// expires.
type Socket interface {
	Read(p []byte) (int, error)
	WriteVector(bufs [][]byte) (int64, error)
	Wait(ev IOEvents, timeout time.Duration) (IOEvents, error)
	Disconnect() error
	Close() error
}

// FileSender is implemented by sockets that can send file regions directly
type FileSender interface {
	SendFile(f *os.File, offset int64, count int) (int, error)
}

// netSocket adapts a net.Conn. It is used by the client, where waiting is
// done with deadlines on the connection.
type netSocket struct {
	conn    net.Conn
	pending []byte
	buf     []byte
	err     error
}

func newNetSocket(conn net.Conn) *netSocket {
	return &netSocket{conn: conn, buf: make([]byte, 32*1024)}
}

func (s *netSocket) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		return 0, err
	}
	return 0, ErrWouldBlock
}

func (s *netSocket) WriteVector(bufs [][]byte) (int64, error) {
	nb := net.Buffers(bufs)
	return nb.WriteTo(s.conn)
}

// Wait for IORead performs the read itself, bounded by timeout, and keeps
// the bytes for the next Read.
func (s *netSocket) Wait(ev IOEvents, timeout time.Duration) (IOEvents, error) {
	if ev&IOWrite != 0 {
		return IOWrite, nil
	}
	if len(s.pending) > 0 || s.err != nil {
		return IORead, nil
	}
	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	n, err := s.conn.Read(s.buf)
	s.pending = s.buf[:n]
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if n > 0 {
				return IORead, nil
			}
			return 0, ErrTimeout
		}
		s.err = err
	}
	return IORead, nil
}

func (s *netSocket) Disconnect() error {
	return s.conn.SetDeadline(time.Now())
}

func (s *netSocket) Close() error {
	return s.conn.Close()
}

// MemSocket is an in-memory Socket. Input is fed by the caller and output
// accumulates for inspection. It drives connections without a network, for
// embedding over custom transports and for tests.
type MemSocket struct {
	mu     sync.Mutex
	in     bytes.Buffer
	out    bytes.Buffer
	inEOF  bool
	closed bool
	// WriteLimit caps the bytes accepted per WriteVector call, 0 for no cap
	WriteLimit int
	// Stalled makes writes return ErrWouldBlock
	Stalled bool
	writes  int
}

// NewMemSocket creates a MemSocket
func NewMemSocket() *MemSocket {
	return &MemSocket{}
}

// Feed appends data to the socket's input
func (s *MemSocket) Feed(data string) {
	s.mu.Lock()
	s.in.WriteString(data)
	s.mu.Unlock()
}

// CloseInput makes reads return io.EOF once the input is drained
func (s *MemSocket) CloseInput() {
	s.mu.Lock()
	s.inEOF = true
	s.mu.Unlock()
}

// Pending returns the number of unread input bytes
func (s *MemSocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.Len()
}

// Output returns and clears everything written so far
func (s *MemSocket) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.out.String()
	s.out.Reset()
	return out
}

// IsClosed reports whether Close was called
func (s *MemSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Writes returns the number of WriteVector calls that wrote data
func (s *MemSocket) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemSocket) SetStalled(stalled bool) {
	s.mu.Lock()
	s.Stalled = stalled
	s.mu.Unlock()
}

func (s *MemSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrConnClosed
	}
	if s.in.Len() == 0 {
		if s.inEOF {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	return s.in.Read(p)
}

func (s *MemSocket) WriteVector(bufs [][]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrConnClosed
	}
	if s.Stalled {
		return 0, ErrWouldBlock
	}
	var total int64
	for _, b := range bufs {
		if s.WriteLimit > 0 && total+int64(len(b)) > int64(s.WriteLimit) {
			b = b[:int64(s.WriteLimit)-total]
		}
		s.out.Write(b)
		total += int64(len(b))
		if s.WriteLimit > 0 && total >= int64(s.WriteLimit) {
			break
		}
	}
	if total > 0 {
		s.writes++
	}
	return total, nil
}

func (s *MemSocket) Wait(ev IOEvents, timeout time.Duration) (IOEvents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready IOEvents
	if ev&IORead != 0 && (s.in.Len() > 0 || s.inEOF) {
		ready |= IORead
	}
	if ev&IOWrite != 0 && !s.Stalled {
		ready |= IOWrite
	}
	if ready == 0 {
		return 0, ErrTimeout
	}
	return ready, nil
}

func (s *MemSocket) Disconnect() error {
	s.mu.Lock()
	s.inEOF = true
	s.in.Reset()
	s.mu.Unlock()
	return nil
}

func (s *MemSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
