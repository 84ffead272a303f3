package http

import "strings"

// StageFlags describe a stage's role and the methods it serves
type StageFlags uint32

const (
	StageIncoming StageFlags = 1 << iota
	StageOutgoing
	StageHandler
	StageFilter
	StageConnector
	StageThread
)

// Method mask bits. A stage with no method bits accepts every method.
const (
	MethodGet StageFlags = 1 << (iota + 16)
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodOptions
	MethodTrace

	methodMask = MethodGet | MethodHead | MethodPost | MethodPut | MethodDelete | MethodOptions | MethodTrace
)

var methodFlags = map[string]StageFlags{
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"OPTIONS": MethodOptions,
	"TRACE":   MethodTrace,
}

// Allows reports whether the method mask admits method
func (f StageFlags) Allows(method string) bool {
	if f&methodMask == 0 {
		return true
	}
	return f&methodFlags[strings.ToUpper(method)] != 0
}

// Stage is a pluggable processing unit: a handler, filter or connector.
// Embed BaseStage to inherit the default behavior for any hook not needed.
type Stage interface {
	Name() string
	Flags() StageFlags
	Match(c *Conn, dir Direction) bool
	Open(q *Queue) error
	Close(q *Queue)
	Start(q *Queue)
	Process(q *Queue)
	IncomingData(q *Queue, p *Packet)
	OutgoingData(q *Queue, p *Packet)
	IncomingService(q *Queue)
	OutgoingService(q *Queue)
}

// BaseStage implements every Stage hook with the default pipeline behavior
type BaseStage struct {
	StageName  string
	StageFlags StageFlags
}

// NewBaseStage creates a BaseStage
func NewBaseStage(name string, flags StageFlags) BaseStage {
	return BaseStage{StageName: name, StageFlags: flags}
}

func (s BaseStage) Name() string                { return s.StageName }
func (s BaseStage) Flags() StageFlags           { return s.StageFlags }
func (s BaseStage) Match(*Conn, Direction) bool { return true }
func (s BaseStage) Open(*Queue) error           { return nil }
func (s BaseStage) Close(*Queue)                {}
func (s BaseStage) Start(*Queue)                {}
func (s BaseStage) Process(*Queue)              {}

func (s BaseStage) IncomingData(q *Queue, p *Packet) { DefaultIncomingData(q, p) }
func (s BaseStage) OutgoingData(q *Queue, p *Packet) { DefaultOutgoingData(q, p) }
func (s BaseStage) IncomingService(q *Queue)         { DefaultService(q) }
func (s BaseStage) OutgoingService(q *Queue)         { DefaultService(q) }

// DefaultOutgoingData queues p and schedules q, except on a handler queue
// whose request has not reached RUNNING.
func DefaultOutgoingData(q *Queue, p *Packet) {
	serviceQ := true
	if q.Stage.Flags()&StageHandler != 0 && !q.Conn.autoService() {
		serviceQ = false
	}
	q.PutForService(p, serviceQ)
}

// DefaultIncomingData forwards p along the receive chain. At the end of the
// chain data is aggregated for Conn.Read and the connection notified.
func DefaultIncomingData(q *Queue, p *Packet) {
	if q.Next() != nil {
		q.PutToNext(p)
		return
	}
	c := q.Conn
	if p.IsEnd() {
		q.flags |= queueEOF
		q.PutForService(p, false)
	} else if p.Len() > 0 {
		if last := q.last; last != nil && last.IsData() && last.entity == nil && p.entity == nil &&
			last.Len()+p.Len() <= q.PacketSize {
			q.count += p.Len()
			JoinPacket(last, p)
		} else {
			q.PutForService(p, false)
		}
	} else {
		c.freePacket(p)
	}
	c.notify(EventReadable)
}

// DefaultService forwards queued packets to the next queue, stopping when
// the next queue refuses more data.
func DefaultService(q *Queue) {
	for p := q.GetPacket(); p != nil; p = q.GetPacket() {
		if !q.WillNextQueueAcceptPacket(p) {
			q.PutBack(p)
			return
		}
		q.PutToNext(p)
	}
}
