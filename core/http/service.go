package http

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/searchktools/stagehttp/core/observability"
	"github.com/searchktools/stagehttp/core/router"
)

// Names of the built-in stages
const (
	NetConnectorName = "netConnector"
	PassHandlerName  = "passHandler"
	ChunkFilterName  = "chunkFilter"
	RangeFilterName  = "rangeFilter"
)

// Service is the shared state of an engine: the stage registry, locations,
// default limits and the live connection registry.
type Service struct {
	ServerName string

	log     *zap.Logger
	limits  Limits
	secret  []byte
	monitor *observability.Monitor

	stagesMu sync.RWMutex
	stages   map[string]Stage

	locMu     sync.RWMutex
	locations *router.Prefix[*Location]
	defLoc    *Location
	clientLoc *Location

	conns    *xsync.MapOf[uint64, *Conn]
	nextID   atomic.Uint64
	requests atomic.Int64
	accepted atomic.Int64
	timeouts atomic.Int64

	netConnector Stage
	passHandler  Stage
	chunkFilter  Stage
	rangeFilter  Stage
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithLimits sets the default limits
func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithServerName sets the Server response header
func WithServerName(name string) Option {
	return func(s *Service) { s.ServerName = name }
}

// WithMonitor sets the request monitor
func WithMonitor(m *observability.Monitor) Option {
	return func(s *Service) { s.monitor = m }
}

// NewService creates a service with the built-in stages registered and a
// default location serving "/" with the pass handler.
func NewService(opts ...Option) *Service {
	s := &Service{
		ServerName: "stagehttp",
		log:        zap.NewNop(),
		limits:     DefaultLimits(),
		stages:     make(map[string]Stage),
		locations:  router.NewPrefix[*Location](),
		conns:      xsync.NewMapOf[uint64, *Conn](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limits.normalize()
	if s.monitor == nil {
		s.monitor = observability.NewMonitor()
	}
	s.secret = make([]byte, 32)
	if _, err := rand.Read(s.secret); err != nil {
		panic(fmt.Sprintf("http: cannot seed service secret: %v", err))
	}

	s.netConnector = &netConnector{BaseStage: NewBaseStage(NetConnectorName, StageConnector|StageOutgoing|StageIncoming)}
	s.passHandler = &passHandler{BaseStage: NewBaseStage(PassHandlerName, StageHandler|StageOutgoing|StageIncoming)}
	s.chunkFilter = &chunkFilter{BaseStage: NewBaseStage(ChunkFilterName, StageFilter|StageOutgoing|StageIncoming)}
	s.rangeFilter = &rangeFilter{BaseStage: NewBaseStage(RangeFilterName, StageFilter|StageOutgoing)}
	for _, st := range []Stage{s.netConnector, s.passHandler, s.chunkFilter, s.rangeFilter} {
		s.stages[st.Name()] = st
	}

	s.defLoc = NewLocation("/", nil).AddHandler(PassHandlerName)
	s.locations.Add("/", s.defLoc)
	s.clientLoc = NewLocation("", nil)
	s.clientLoc.OutputFilters = []*StageBinding{newBinding(ChunkFilterName, nil)}
	return s
}

func (s *Service) Log() *zap.Logger                { return s.log }
func (s *Service) Limits() Limits                  { return s.limits }
func (s *Service) Monitor() *observability.Monitor { return s.monitor }
func (s *Service) Secret() []byte                  { return s.secret }
func (s *Service) DefaultLocation() *Location      { return s.defLoc }

// RegisterStage adds st to the registry
func (s *Service) RegisterStage(st Stage) error {
	s.stagesMu.Lock()
	defer s.stagesMu.Unlock()
	if _, ok := s.stages[st.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrStageExists, st.Name())
	}
	s.stages[st.Name()] = st
	return nil
}

// LookupStage resolves a stage by name
func (s *Service) LookupStage(name string) (Stage, error) {
	s.stagesMu.RLock()
	st, ok := s.stages[name]
	s.stagesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}
	return st, nil
}

// AddLocation installs loc, replacing any location with the same prefix
func (s *Service) AddLocation(loc *Location) {
	s.locMu.Lock()
	defer s.locMu.Unlock()
	if loc.Prefix == "/" {
		s.defLoc = loc
	}
	s.locations.Add(loc.Prefix, loc)
}

// Location returns the location registered for exactly prefix
func (s *Service) Location(prefix string) *Location {
	s.locMu.RLock()
	defer s.locMu.RUnlock()
	loc, _ := s.locations.Get(prefix)
	return loc
}

// Route returns the location with the longest prefix matching path
func (s *Service) Route(path string) *Location {
	s.locMu.RLock()
	defer s.locMu.RUnlock()
	if loc, ok := s.locations.Match(path); ok {
		return loc
	}
	return s.defLoc
}

// NewConn creates a server connection over sock and registers it
func (s *Service) NewConn(sock Socket, remote string) *Conn {
	c := s.newConn(sock, remote)
	s.accepted.Add(1)
	s.conns.Store(c.ID, c)
	return c
}

func (s *Service) newConn(sock Socket, remote string) *Conn {
	c := &Conn{
		ID:     s.nextID.Add(1),
		svc:    s,
		sock:   sock,
		limits: &s.limits,
		remote: remote,
		state:  StateBegin,
	}
	c.keepAliveCount = c.limits.RequestsPerConn
	c.log = s.log.With(zap.Uint64("conn", c.ID), zap.String("remote", remote))
	c.touch(time.Now())
	return c
}

func (s *Service) unregister(c *Conn) {
	if !c.client {
		s.conns.Delete(c.ID)
	}
}

// Conns returns the number of live server connections
func (s *Service) Conns() int {
	return s.conns.Size()
}

// EachConn calls fn for every live connection until fn returns false
func (s *Service) EachConn(fn func(c *Conn) bool) {
	s.conns.Range(func(_ uint64, c *Conn) bool { return fn(c) })
}

// Sweep disconnects connections that have passed their deadline and
// returns how many were disconnected. The owning goroutine observes the
// disconnect and closes the connection.
func (s *Service) Sweep(now time.Time) int {
	n := 0
	s.conns.Range(func(_ uint64, c *Conn) bool {
		if c.Expired(now) {
			if err := c.Disconnect(); err != nil {
				s.log.Debug("disconnect failed", zap.Uint64("conn", c.ID), zap.Error(err))
			}
			s.timeouts.Add(1)
			n++
		}
		return true
	})
	if n > 0 {
		s.log.Info("expired connections", zap.Int("count", n))
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Shutdown disconnects every live connection
func (s *Service) Shutdown() {
	s.conns.Range(func(_ uint64, c *Conn) bool {
		c.Disconnect()
		return true
	})
}

func (s *Service) recordRequest(handler string, elapsed time.Duration, status int, bytes int64) {
	s.requests.Add(1)
	s.monitor.RecordRequest(handler, elapsed, status >= 500, bytes)
}

// Stats is a point-in-time summary of the service
type Stats struct {
	ActiveConns   int                          `json:"active_conns"`
	AcceptedConns int64                        `json:"accepted_conns"`
	Requests      int64                        `json:"requests"`
	Timeouts      int64                        `json:"timeouts"`
	Handlers      []observability.HandlerStats `json:"handlers"`
}

// Stats returns current counters
func (s *Service) Stats() Stats {
	return Stats{
		ActiveConns:   s.conns.Size(),
		AcceptedConns: s.accepted.Load(),
		Requests:      s.requests.Load(),
		Timeouts:      s.timeouts.Load(),
		Handlers:      s.monitor.Snapshot(),
	}
}
