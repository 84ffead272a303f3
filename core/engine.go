package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/stagehttp/core/http"
	"github.com/searchktools/stagehttp/core/poller"
	"github.com/searchktools/stagehttp/core/pools"
)

// HandlerFunc generates the response for a request
type HandlerFunc func(c *http.Conn)

// Engine is an epoll/kqueue event loop driving http.Conn state machines
type Engine struct {
	svc     *http.Service
	log     *zap.Logger
	poller  poller.Poller
	workers *pools.WorkerPool

	// Owned by the loop goroutine
	conns map[int]*http.Conn

	resumeMu sync.Mutex
	resumed  []*http.Conn

	ln   *net.TCPListener
	lnf  *os.File
	lfd  int
	addr net.Addr

	maxConnections int
	numWorkers     int
	sweepInterval  time.Duration
	shutdownGrace  time.Duration
	svcOpts        []http.Option

	routesMu sync.Mutex
	routes   map[string]bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine and service logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.log = l
		e.svcOpts = append(e.svcOpts, http.WithLogger(l))
	}
}

// WithLimits sets the default request limits
func WithLimits(l http.Limits) Option {
	return func(e *Engine) { e.svcOpts = append(e.svcOpts, http.WithLimits(l)) }
}

// WithServerName sets the Server response header
func WithServerName(name string) Option {
	return func(e *Engine) { e.svcOpts = append(e.svcOpts, http.WithServerName(name)) }
}

// WithWorkers sets the number of workers running threaded handlers
func WithWorkers(n int) Option {
	return func(e *Engine) { e.numWorkers = n }
}

// WithMaxConnections bounds the number of live connections
func WithMaxConnections(n int) Option {
	return func(e *Engine) { e.maxConnections = n }
}

// WithSweepInterval sets how often expired connections are swept
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithShutdownGrace bounds how long Serve waits for connections to drain
func WithShutdownGrace(d time.Duration) Option {
	return func(e *Engine) { e.shutdownGrace = d }
}

// NewEngine creates a new engine instance
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:            zap.NewNop(),
		conns:          make(map[int]*http.Conn, 1024),
		lfd:            -1,
		maxConnections: DefaultMaxConnections,
		sweepInterval:  DefaultSweepInterval,
		shutdownGrace:  DefaultShutdownGrace,
		routes:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.svc = http.NewService(e.svcOpts...)
	e.workers = pools.NewWorkerPool(e.numWorkers, 0, e.log)
	return e
}

// Service returns the shared HTTP service
func (e *Engine) Service() *http.Service { return e.svc }

// Addr returns the listening address once Listen has succeeded
func (e *Engine) Addr() net.Addr { return e.addr }

// Use registers a stage so locations can refer to it by name
func (e *Engine) Use(st http.Stage) error {
	return e.svc.RegisterStage(st)
}

// Handle serves requests under prefix with fn. flags select the methods
// and may add http.StageThread to run fn on the worker pool.
func (e *Engine) Handle(prefix string, flags http.StageFlags, fn HandlerFunc) error {
	name := fmt.Sprintf("%s#%x", prefix, uint32(flags))
	if err := e.svc.RegisterStage(http.NewHandler(name, flags, fn)); err != nil {
		return err
	}

	e.routesMu.Lock()
	defer e.routesMu.Unlock()
	loc := e.svc.Location(prefix)
	if loc == nil {
		loc = http.NewLocation(prefix, e.svc.DefaultLocation())
		loc.Handlers = nil
		e.svc.AddLocation(loc)
	}
	if !e.routes[prefix] {
		// First route replaces the inherited handlers
		loc.SetHandler(name)
		e.routes[prefix] = true
	} else {
		loc.AddHandler(name)
	}
	return nil
}

// GET registers a GET (and HEAD) route
func (e *Engine) GET(path string, handler HandlerFunc) error {
	return e.Handle(path, http.MethodGet|http.MethodHead, handler)
}

// POST registers a POST route
func (e *Engine) POST(path string, handler HandlerFunc) error {
	return e.Handle(path, http.MethodPost, handler)
}

// PUT registers a PUT route
func (e *Engine) PUT(path string, handler HandlerFunc) error {
	return e.Handle(path, http.MethodPut, handler)
}

// DELETE registers a DELETE route
func (e *Engine) DELETE(path string, handler HandlerFunc) error {
	return e.Handle(path, http.MethodDelete, handler)
}

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(path string, handler HandlerFunc) error {
	return e.Handle(path, http.MethodOptions, handler)
}

// Listen binds addr
func (e *Engine) Listen(addr string) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}
	lnf, err := ln.File()
	if err != nil {
		ln.Close()
		return err
	}
	lfd := int(lnf.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		lnf.Close()
		ln.Close()
		return err
	}
	e.ln, e.lnf, e.lfd, e.addr = ln, lnf, lfd, ln.Addr()
	return nil
}

// Run listens on addr and serves until ctx is done
func (e *Engine) Run(ctx context.Context, addr string) error {
	if err := e.Listen(addr); err != nil {
		return err
	}
	return e.Serve(ctx)
}

// Serve runs the event loop until ctx is done, then drains connections
func (e *Engine) Serve(ctx context.Context) error {
	if e.ln == nil {
		return ErrNotListening
	}
	p, err := poller.NewPoller()
	if err != nil {
		return err
	}
	e.poller = p
	defer e.poller.Close()
	defer e.workers.Close()

	if err := e.poller.Add(e.lfd, poller.Readable); err != nil {
		return err
	}

	e.log.Info("listening", zap.Stringer("addr", e.addr))

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go e.svc.RunSweeper(sweepCtx, e.sweepInterval)
	stop := context.AfterFunc(ctx, func() { e.poller.Wake() })
	defer stop()

	var drainDeadline time.Time
	for {
		if ctx.Err() != nil && drainDeadline.IsZero() {
			e.stopListening()
			e.svc.Shutdown()
			drainDeadline = time.Now().Add(e.shutdownGrace)
		}
		if !drainDeadline.IsZero() && (len(e.conns) == 0 || time.Now().After(drainDeadline)) {
			// Handlers still running on workers own their connections
			e.workers.Close()
			e.closeAll()
			e.log.Info("stopped")
			return nil
		}

		events, err := e.poller.Wait(100)
		if err != nil {
			return fmt.Errorf("poller wait: %w", err)
		}
		for _, ev := range events {
			if ev.Fd == e.lfd {
				e.acceptConnections()
				continue
			}
			if c, ok := e.conns[ev.Fd]; ok {
				c.IOEvent(ioEvents(ev.Events))
			}
		}
		e.runResumed()
	}
}

func ioEvents(in poller.Interest) http.IOEvents {
	var ev http.IOEvents
	if in&(poller.Readable|poller.Hangup) != 0 {
		ev |= http.IORead
	}
	if in&poller.Writable != 0 {
		ev |= http.IOWrite
	}
	return ev
}

func (e *Engine) stopListening() {
	if e.ln == nil {
		return
	}
	e.poller.Remove(e.lfd)
	e.lnf.Close()
	e.ln.Close()
	e.ln = nil
}

// acceptConnections accepts multiple pending connections
func (e *Engine) acceptConnections() {
	for {
		nfd, sa, err := unix.Accept(e.lfd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
				return
			}
			e.log.Warn("accept failed", zap.Error(err))
			return
		}
		if len(e.conns) >= e.maxConnections {
			e.log.Warn("too many connections", zap.Int("max", e.maxConnections))
			unix.Close(nfd)
			continue
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.CloseOnExec(nfd)
		// TCP_NODELAY: Disable Nagle's algorithm
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

		if err := e.poller.Add(nfd, poller.Readable); err != nil {
			e.log.Warn("poller add failed", zap.Error(err))
			unix.Close(nfd)
			continue
		}
		c := e.svc.NewConn(http.NewFDSocket(nfd), sockaddrString(sa))
		c.SetInterestHook(e.setInterest)
		c.SetDispatcher(e.dispatch)
		c.SetNotifier(e.connEvent)
		e.conns[nfd] = c
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	}
	return ""
}

func connFd(c *http.Conn) int {
	return c.Socket().(*http.FDSocket).Fd()
}

func (e *Engine) setInterest(c *http.Conn, ev http.IOEvents) {
	if c.Dispatched() {
		// Re-armed by runResumed
		return
	}
	in := poller.Interest(0)
	if ev&http.IORead != 0 {
		in |= poller.Readable
	}
	if ev&http.IOWrite != 0 {
		in |= poller.Writable
	}
	if err := e.poller.Modify(connFd(c), in); err != nil {
		c.Log().Debug("poller modify failed", zap.Error(err))
	}
}

func (e *Engine) connEvent(c *http.Conn, ev http.Event) {
	if ev != http.EventClose {
		return
	}
	// Close runs on the loop goroutine, so the fd has not been reused yet
	if fd := connFd(c); e.conns[fd] == c {
		delete(e.conns, fd)
	}
}

// dispatch detaches c from the poller and runs a threaded handler on the
// worker pool. The loop resumes c once the handler returns.
func (e *Engine) dispatch(c *http.Conn, run func()) bool {
	fd := connFd(c)
	e.poller.Modify(fd, 0)
	ok := e.workers.Submit(func() {
		run()
		e.resumeMu.Lock()
		e.resumed = append(e.resumed, c)
		e.resumeMu.Unlock()
		e.poller.Wake()
	})
	if !ok {
		e.poller.Modify(fd, poller.Readable)
	}
	return ok
}

func (e *Engine) runResumed() {
	e.resumeMu.Lock()
	resumed := e.resumed
	e.resumed = nil
	e.resumeMu.Unlock()

	for _, c := range resumed {
		if c.Closed() {
			continue
		}
		// Spurious write readiness clears itself on the next event
		e.poller.Modify(connFd(c), poller.Readable|poller.Writable)
		c.Resume()
	}
}

func (e *Engine) closeAll() {
	for _, c := range e.conns {
		c.Close()
	}
	e.conns = make(map[int]*http.Conn)
}

// Close releases the listener of an engine that is not serving
func (e *Engine) Close() error {
	if e.ln == nil {
		return nil
	}
	err := errors.Join(e.lnf.Close(), e.ln.Close())
	e.ln = nil
	return err
}
