package http

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the position of a connection in the request lifecycle.
// Within one request the state only moves forward.
type State int

const (
	StateBegin State = iota
	StateStarted
	StateWait
	StateFirst
	StateParsed
	StateContent
	StateProcess
	StateRunning
	StateComplete
)

var stateNames = [...]string{
	StateBegin:    "begin",
	StateStarted:  "started",
	StateWait:     "wait",
	StateFirst:    "first",
	StateParsed:   "parsed",
	StateContent:  "content",
	StateProcess:  "process",
	StateRunning:  "running",
	StateComplete: "complete",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Event is a notification delivered to a connection's notifier
type Event int

const (
	EventState Event = iota
	EventReadable
	EventWritable
	EventClose
)

// IOEvents is a socket readiness mask
type IOEvents uint8

const (
	IORead IOEvents = 1 << iota
	IOWrite
)

// request is everything that lives and dies with one request
type request struct {
	rx      Rx
	tx      Tx
	loc     *Location
	free    *Packet
	started time.Time
}

// Conn is one HTTP connection. A Conn is not safe for concurrent use: it
// is driven by one goroutine at a time, the event loop or a worker that the
// event loop handed it to.
type Conn struct {
	ID uint64
	// Data is free for the embedder
	Data any

	svc    *Service
	sock   Socket
	log    *zap.Logger
	limits *Limits
	remote string
	client bool

	state          State
	req            *request
	input          *Packet
	keepAliveCount int
	requestCount   int

	writeq     *Queue
	readq      *Queue
	connectorq *Queue

	schedHead *Queue
	schedTail *Queue
	schedLen  int

	error       bool
	connError   bool
	errorMsg    string
	errorStatus int
	errorCause  error
	closed      bool

	wantWrite  bool
	dispatched bool
	expire     atomic.Int64

	notifier func(c *Conn, ev Event)
	interest func(c *Conn, ev IOEvents)
	dispatch func(c *Conn, run func()) bool

	iov [][]byte
}

func (c *Conn) Service() *Service   { return c.svc }
func (c *Conn) Socket() Socket      { return c.sock }
func (c *Conn) Log() *zap.Logger    { return c.log }
func (c *Conn) Limits() *Limits     { return c.limits }
func (c *Conn) RemoteAddr() string  { return c.remote }
func (c *Conn) State() State        { return c.state }
func (c *Conn) IsClient() bool      { return c.client }
func (c *Conn) Failed() bool        { return c.error }
func (c *Conn) ConnFailed() bool    { return c.connError }
func (c *Conn) Closed() bool        { return c.closed }
func (c *Conn) Dispatched() bool    { return c.dispatched }
func (c *Conn) KeepAliveCount() int { return c.keepAliveCount }
func (c *Conn) RequestCount() int   { return c.requestCount }

// Rx returns the receive side of the current request
func (c *Conn) Rx() *Rx { return &c.req.rx }

// Tx returns the transmit side of the current request
func (c *Conn) Tx() *Tx { return &c.req.tx }

// Location returns the location the current request was routed to
func (c *Conn) Location() *Location { return c.req.loc }

// WriteQueue returns the handler's transmit queue
func (c *Conn) WriteQueue() *Queue { return c.writeq }

// ReadQueue returns the handler's receive queue, nil without a body
func (c *Conn) ReadQueue() *Queue { return c.readq }

// SetNotifier installs a callback for state changes and I/O readiness
func (c *Conn) SetNotifier(fn func(c *Conn, ev Event)) { c.notifier = fn }

// SetInterestHook installs the callback used to change the poll interest
// when the connector must wait for the socket to become writable.
func (c *Conn) SetInterestHook(fn func(c *Conn, ev IOEvents)) { c.interest = fn }

// SetDispatcher installs the callback that runs handlers flagged
// StageThread off the event loop. The dispatcher returns false if it
// could not take the work, in which case the handler runs inline. Once the
// work is done the dispatcher must call Resume from the owning goroutine.
func (c *Conn) SetDispatcher(fn func(c *Conn, run func()) bool) { c.dispatch = fn }

func (c *Conn) notify(ev Event) {
	if c.notifier != nil {
		c.notifier(c, ev)
	}
}

// setState moves the connection forward. Transitions backwards are ignored
// and a jump past PARSED passes through PARSED first.
func (c *Conn) setState(state State) {
	if state <= c.state {
		return
	}
	if c.state < StateParsed && state > StateParsed {
		c.setState(StateParsed)
	}
	c.state = state
	if ce := c.log.Check(zap.DebugLevel, "state"); ce != nil {
		ce.Write(zap.Stringer("state", state))
	}
	c.notify(EventState)
}

// beginRequest creates the per-request state
func (c *Conn) beginRequest() {
	now := time.Now()
	c.req = &request{started: now}
	c.req.rx.init()
	c.req.tx.init()
	c.requestCount++
	c.touch(now)
}

// endRequest releases the per-request state
func (c *Conn) endRequest() {
	if c.req == nil {
		return
	}
	if s := c.req.rx.surplus; s != nil {
		c.req.rx.surplus = nil
		if c.input == nil {
			c.input = s
		} else {
			s.release()
		}
	}
	for p := c.req.free; p != nil; {
		next := p.next
		p.release()
		p = next
	}
	c.req = nil
	c.limits = &c.svc.limits
}

// NewPacket returns a packet from the request free list, or a new one
func (c *Conn) NewPacket(size int, flags PacketFlags) *Packet {
	if c.req != nil && c.req.free != nil {
		p := c.req.free
		c.req.free = p.next
		p.next = nil
		p.Flags = flags
		if size > 0 {
			p.reserve(size)
		}
		return p
	}
	return NewPacket(size, flags)
}

// FreePacket returns p to the request free list
func (c *Conn) FreePacket(p *Packet) { c.freePacket(p) }

func (c *Conn) freePacket(p *Packet) {
	if c.req == nil {
		p.release()
		return
	}
	p.flush()
	p.prefix = nil
	p.suffix = nil
	p.Flags = 0
	p.next = c.req.free
	c.req.free = p
}

// touch extends the expiry deadline after activity
func (c *Conn) touch(now time.Time) {
	deadline := now.Add(c.limits.InactivityTimeout)
	if c.req != nil {
		if limit := c.req.started.Add(c.limits.RequestTimeout); limit.Before(deadline) {
			deadline = limit
		}
	}
	c.expire.Store(deadline.UnixNano())
}

// Expired reports whether the connection has passed its deadline
func (c *Conn) Expired(now time.Time) bool {
	return now.UnixNano() > c.expire.Load()
}

// Disconnect shuts the socket down so the owning goroutine observes the
// failure and closes the connection. Safe to call from any goroutine.
func (c *Conn) Disconnect() error {
	return c.sock.Disconnect()
}

// IOEvent is the entry point for socket readiness
func (c *Conn) IOEvent(ev IOEvents) {
	if c.closed || c.dispatched {
		return
	}
	if ev&IOWrite != 0 {
		c.setWantWrite(false)
		if c.connectorq != nil {
			c.connectorq.Schedule()
			c.ServiceQueues()
		}
		c.notify(EventWritable)
	}
	if ev&IORead != 0 {
		c.readSocket()
	}
	if c.closed {
		return
	}
	c.touch(time.Now())
	c.advance()
}

// Resume continues a connection after a dispatched handler has returned
func (c *Conn) Resume() {
	if !c.dispatched {
		return
	}
	c.dispatched = false
	if c.closed {
		return
	}
	c.afterProcess()
	c.advance()
}

func (c *Conn) setWantWrite(on bool) {
	if c.wantWrite == on {
		return
	}
	c.wantWrite = on
	if c.interest != nil {
		ev := IORead
		if on {
			ev |= IOWrite
		}
		c.interest(c, ev)
	}
}

// readSocket reads what is available into the input packet
func (c *Conn) readSocket() {
	size := c.limits.BufferSize
	p := c.input
	if p == nil {
		p = NewPacket(size, PacketData)
	}
	n, err := c.sock.Read(p.reserve(size))
	if n > 0 {
		p.commit(n)
		c.input = p
	} else if c.input == nil {
		p.release()
	}
	switch {
	case err == nil || errors.Is(err, ErrWouldBlock):
	case errors.Is(err, io.EOF):
		c.peerClosed()
	default:
		c.readFailed(err)
	}
}

func (c *Conn) peerClosed() {
	switch {
	case c.req == nil || (c.state == StateBegin && !c.client):
		c.Close()
	case c.client && c.state == StateContent && c.Rx().eofDelimited:
		c.Rx().SetEOF()
		c.putToRx(c.NewPacket(0, PacketEnd))
	case c.state == StateComplete:
	default:
		c.ConnError(StatusCommsError, "Connection lost")
	}
}

func (c *Conn) readFailed(err error) {
	if c.req == nil {
		c.log.Debug("read failed", zap.Error(err))
		c.Close()
		return
	}
	c.ConnError(StatusCommsError, "Read error: %v", err)
}

// advance runs the state machine until it needs more input or output
func (c *Conn) advance() {
	for !c.closed && !c.dispatched {
		if c.connError && c.req != nil && c.state < StateComplete {
			c.setState(StateComplete)
		}
		var more bool
		switch c.state {
		case StateBegin, StateStarted, StateWait, StateFirst:
			more = c.parseIncoming()
		case StateParsed:
			more = c.processParsed()
		case StateContent:
			more = c.processContent()
		case StateProcess:
			more = c.processHandler()
		case StateRunning:
			more = c.processRunning()
		case StateComplete:
			more = !c.client && c.processCompletion()
		}
		if !more {
			return
		}
	}
}

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// processParsed routes the request and builds its pipeline
func (c *Conn) processParsed() bool {
	rx := c.Rx()
	if !c.client {
		c.req.loc = c.svc.Route(rx.Path)
		if l := c.req.loc.Limits; l != nil {
			c.limits = l
		}
		if err := c.createPipeline(); err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				c.fail(se.Err, se.Status, false, "%s", se.Msg)
			} else {
				c.log.Error("cannot create pipeline", zap.String("uri", rx.URI), zap.Error(err))
				c.fail(err, StatusInternalServerError, false, "Cannot create pipeline")
			}
			c.createErrorPipeline()
		}
		c.writeq.PutForService(c.NewPacket(0, PacketHeader), false)
		c.startPipeline()

		if c.error && !rx.eof {
			c.keepAliveCount = 0
			c.setState(StateProcess)
			return true
		}
		if rx.expect100 && !rx.eof && !c.connError {
			// Interim response, written by the connector ahead of the head
			p := c.NewPacket(0, 0)
			p.prefix = continueResponse
			c.connectorq.PutForService(p, true)
			c.ServiceQueues()
		}
	}
	if rx.eof {
		if c.client {
			c.setState(StateComplete)
		} else {
			c.setState(StateProcess)
		}
	} else {
		c.setState(StateContent)
	}
	return true
}

// processHandler runs the handler once the request body is complete
func (c *Conn) processHandler() bool {
	if c.client {
		c.setState(StateComplete)
		return true
	}
	c.setState(StateRunning)
	if !c.error {
		handler, q := c.Tx().handler, c.writeq
		if handler.Flags()&StageThread != 0 && c.dispatch != nil {
			c.dispatched = true
			if c.dispatch(c, func() { handler.Process(q) }) {
				return false
			}
			c.dispatched = false
		}
		handler.Process(q)
	}
	c.afterProcess()
	return true
}

func (c *Conn) afterProcess() {
	if c.error {
		c.Finalize()
	}
	if c.writeq != nil {
		c.writeq.Schedule()
	}
}

// processRunning services the queues until the connector has sent END
func (c *Conn) processRunning() bool {
	c.ServiceQueues()
	if c.Tx().finalizedConnector {
		c.setState(StateComplete)
		return true
	}
	return false
}

// processCompletion finishes the request and either prepares the
// connection for the next request or closes it.
func (c *Conn) processCompletion() bool {
	if c.req == nil {
		c.Close()
		return false
	}
	c.logRequest()
	keep := c.keepAliveCount > 0 && !c.connError && c.Rx().eof && c.Tx().finalizedConnector
	c.destroyPipeline()
	c.endRequest()
	if !keep {
		c.Close()
		return false
	}
	c.state = StateBegin
	c.clearError()
	c.touch(time.Now())
	return c.input != nil && c.input.Len() > 0
}

func (c *Conn) logRequest() {
	rx, tx := c.Rx(), c.Tx()
	elapsed := time.Since(c.req.started)
	name := ""
	if tx.handler != nil {
		name = tx.handler.Name()
	}
	c.svc.recordRequest(name, elapsed, tx.Status, tx.BytesWritten)
	if ce := c.log.Check(zap.InfoLevel, "request"); ce != nil {
		ce.Write(
			zap.String("method", rx.Method),
			zap.String("uri", rx.URI),
			zap.Int("status", tx.Status),
			zap.Int64("bytes", tx.BytesWritten),
			zap.Duration("elapsed", elapsed),
		)
	}
}

// Close releases the request, closes the socket and unregisters the
// connection. It may be called more than once.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.destroyPipeline()
	c.endRequest()
	c.dropInput()
	if err := c.sock.Close(); err != nil {
		c.log.Debug("close failed", zap.Error(err))
	}
	c.svc.unregister(c)
	c.notify(EventClose)
}

// Finalize marks the end of the response body by queueing END
func (c *Conn) Finalize() {
	tx := c.Tx()
	if tx.finalized || c.writeq == nil {
		return
	}
	tx.finalized = true
	c.writeq.PutForService(c.NewPacket(0, PacketEnd), c.autoService())
}

// autoService reports whether handler output is serviced as it is written
func (c *Conn) autoService() bool {
	return c.client || c.state >= StateRunning
}

type writeMode int

const (
	writeNonBlock writeMode = iota
	writeBlock
	writeBuffer
)

// Write buffers b on the handler's transmit queue without waiting
func (c *Conn) Write(b []byte) (int, error) {
	return c.write(b, writeBuffer)
}

// WriteString is Write for a string
func (c *Conn) WriteString(s string) (int, error) {
	return c.write([]byte(s), writeBuffer)
}

// WriteBlock writes b to the handler's transmit queue. Without block it
// returns how much fitted before the queue reached its max; with block it
// waits for the socket to drain until everything is queued.
func (c *Conn) WriteBlock(b []byte, block bool) (int, error) {
	if block {
		return c.write(b, writeBlock)
	}
	return c.write(b, writeNonBlock)
}

func (c *Conn) write(b []byte, mode writeMode) (int, error) {
	q := c.writeq
	if q == nil || c.req == nil || c.Tx().finalized {
		return 0, ErrNoPipeline
	}
	total := 0
	for len(b) > 0 {
		if c.connError || c.closed {
			return total, ErrConnClosed
		}
		if mode != writeBuffer && q.count >= q.Max {
			if mode == writeBlock || c.autoService() {
				c.flushQueue(q)
			}
			if q.count >= q.Max {
				if mode == writeNonBlock {
					break
				}
				if err := c.waitFor(IOWrite); err != nil {
					return total, err
				}
				continue
			}
		}
		p := q.last
		if p == nil || !p.IsData() || p.entity != nil || p.Len() >= q.PacketSize {
			p = c.NewPacket(q.PacketSize, PacketData)
			q.PutForService(p, false)
		}
		n := min(len(b), q.PacketSize-p.Len())
		if mode != writeBuffer {
			n = min(n, q.Max-q.count)
		}
		p.Write(b[:n])
		q.count += n
		b = b[n:]
		total += n
	}
	if c.autoService() {
		q.Schedule()
	}
	return total, nil
}

// WritePacket queues p on the handler's transmit queue
func (c *Conn) WritePacket(p *Packet) {
	if c.writeq == nil {
		p.release()
		return
	}
	c.writeq.PutForService(p, c.autoService())
}

func (c *Conn) flushQueue(q *Queue) {
	q.Schedule()
	c.ServiceQueues()
}

// Flush services the transmit pipeline. With block it waits until the
// connector has written everything queued so far.
func (c *Conn) Flush(block bool) error {
	for {
		if c.writeq != nil {
			c.writeq.Schedule()
		}
		c.ServiceQueues()
		if !block || !c.wantWrite || c.Tx().finalizedConnector {
			return nil
		}
		if err := c.waitFor(IOWrite); err != nil {
			return err
		}
	}
}

// waitFor blocks until the socket is ready for ev and then pumps the
// connection: queued output is serviced, new input is read and parsed.
func (c *Conn) waitFor(ev IOEvents) error {
	if c.connError || c.closed {
		return ErrConnClosed
	}
	ready, err := c.sock.Wait(ev, c.limits.InactivityTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.ConnError(StatusRequestTimeout, "Timeout waiting for I/O")
		} else {
			c.ConnError(StatusCommsError, "Wait failed: %v", err)
		}
		return err
	}
	if ready&IOWrite != 0 {
		c.wantWrite = false
		if c.connectorq != nil {
			c.connectorq.Schedule()
		}
		c.ServiceQueues()
	}
	if ready&IORead != 0 {
		c.readSocket()
		if c.client {
			c.advance()
		} else if c.state == StateContent {
			c.processContent()
		}
	}
	if c.connError {
		return ErrConnClosed
	}
	return nil
}

// Read copies received body bytes into buf. It returns io.EOF once the body
// has been consumed. Without block it returns 0, nil when nothing is ready.
func (c *Conn) Read(buf []byte, block bool) (int, error) {
	q := c.readq
	if q == nil {
		return 0, io.EOF
	}
	for {
		n := 0
		for n < len(buf) {
			p := q.first
			if p == nil || p.IsEnd() {
				break
			}
			k := copy(buf[n:], p.Bytes())
			p.Consume(k)
			q.count -= k
			n += k
			if p.Len() == 0 {
				c.freePacket(q.GetPacket())
			}
		}
		if n > 0 {
			return n, nil
		}
		if q.flags&queueEOF != 0 {
			return 0, io.EOF
		}
		if c.connError || c.closed {
			return 0, ErrConnClosed
		}
		if !block {
			return 0, nil
		}
		if err := c.waitFor(IORead); err != nil {
			return 0, err
		}
	}
}

// ReadAll drains the body received so far without blocking
func (c *Conn) ReadAll() []byte {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf, false)
		out = append(out, buf[:n]...)
		if n == 0 || err != nil {
			return out
		}
	}
}
