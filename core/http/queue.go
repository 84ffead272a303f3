package http

// Direction selects the transmit or receive side of a pipeline
type Direction int

const (
	QueueTx Direction = iota
	QueueRx
)

func (d Direction) String() string {
	if d == QueueRx {
		return "rx"
	}
	return "tx"
}

type queueFlags uint16

const (
	queueOpen queueFlags = 1 << iota
	queueDisabled
	queueFull
	queueServiced
	queueStarted
	queueEOF
)

// Queue holds packets for one stage in one direction. Queues of a pipeline
// direction form a ring through a head sentinel whose Stage is nil.
type Queue struct {
	Name       string
	Stage      Stage
	Conn       *Conn
	Direction  Direction
	Max        int
	Low        int
	PacketSize int

	// Data is per-request state owned by the stage
	Data any

	first *Packet
	last  *Packet
	count int
	flags queueFlags

	prevQ *Queue
	nextQ *Queue
	pair  *Queue

	scheduleNext *Queue
	scheduled    bool
	opener       bool
}

// newHeadQueue creates the sentinel of a pipeline ring
func newHeadQueue(c *Conn, name string, dir Direction) *Queue {
	q := &Queue{Name: name, Conn: c, Direction: dir}
	q.prevQ = q
	q.nextQ = q
	return q
}

// createQueue creates a queue for stage and links it after prev
func createQueue(c *Conn, stage Stage, dir Direction, prev *Queue) *Queue {
	q := &Queue{
		Name:      stage.Name(),
		Stage:     stage,
		Conn:      c,
		Direction: dir,
		Max:       c.limits.BufferSize,
	}
	q.Low = q.Max / 8
	q.PacketSize = min(c.limits.ChunkSize, q.Max)
	insertQueue(prev, q)
	return q
}

// insertQueue links q immediately after prev
func insertQueue(prev, q *Queue) {
	q.nextQ = prev.nextQ
	q.prevQ = prev
	prev.nextQ.prevQ = q
	prev.nextQ = q
}

// appendQueue links q at the tail of the ring headed by head
func appendQueue(head, q *Queue) {
	insertQueue(head.prevQ, q)
}

// IsHead reports whether q is a ring sentinel
func (q *Queue) IsHead() bool { return q.Stage == nil }

// Next returns the following stage queue, or nil at the end of the chain
func (q *Queue) Next() *Queue {
	if q.nextQ == nil || q.nextQ.IsHead() {
		return nil
	}
	return q.nextQ
}

// Prev returns the preceding stage queue, or nil at the start of the chain
func (q *Queue) Prev() *Queue {
	if q.prevQ == nil || q.prevQ.IsHead() {
		return nil
	}
	return q.prevQ
}

// Pair returns the queue of the same stage in the opposite direction
func (q *Queue) Pair() *Queue { return q.pair }

func (q *Queue) Count() int        { return q.count }
func (q *Queue) IsEmpty() bool     { return q.first == nil }
func (q *Queue) IsDisabled() bool  { return q.flags&queueDisabled != 0 }
func (q *Queue) IsFull() bool      { return q.flags&queueFull != 0 }
func (q *Queue) IsServiced() bool  { return q.flags&queueServiced != 0 }
func (q *Queue) IsScheduled() bool { return q.scheduled }
func (q *Queue) First() *Packet    { return q.first }

// Room returns how many more bytes the queue accepts before its max
func (q *Queue) Room() int {
	if q.count >= q.Max {
		return 0
	}
	return q.Max - q.count
}

// Disable stops the queue from being serviced until Enable
func (q *Queue) Disable() {
	q.flags |= queueDisabled
}

// Enable clears DISABLED and schedules the queue
func (q *Queue) Enable() {
	q.flags &^= queueDisabled
	q.Schedule()
}

// Schedule appends q to its connection's service schedule. A queue is on
// the schedule at most once.
func (q *Queue) Schedule() {
	if q.scheduled || q.IsHead() {
		return
	}
	c := q.Conn
	q.scheduled = true
	q.scheduleNext = nil
	if c.schedTail == nil {
		c.schedHead = q
	} else {
		c.schedTail.scheduleNext = q
	}
	c.schedTail = q
	c.schedLen++
}

// nextQueueForService pops the head of the schedule
func (c *Conn) nextQueueForService() *Queue {
	q := c.schedHead
	if q == nil {
		return nil
	}
	c.schedHead = q.scheduleNext
	if c.schedHead == nil {
		c.schedTail = nil
	}
	c.schedLen--
	q.scheduleNext = nil
	q.scheduled = false
	return q
}

func (c *Conn) clearSchedule() {
	for c.nextQueueForService() != nil {
	}
}

// ServiceQueue runs the queue's service routine unless it is disabled
func (c *Conn) ServiceQueue(q *Queue) {
	if q.IsDisabled() || q.IsHead() {
		return
	}
	q.flags |= queueServiced
	if q.Direction == QueueTx {
		q.Stage.OutgoingService(q)
	} else {
		q.Stage.IncomingService(q)
	}
}

const maxServicePasses = 64

// ServiceQueues drains the schedule. Queues scheduled while a pass runs are
// serviced in the next pass, so each queue is serviced at most once per pass.
// Returns true if any queue was serviced.
func (c *Conn) ServiceQueues() bool {
	worked := false
	for pass := 0; pass < maxServicePasses && c.schedHead != nil; pass++ {
		for n := c.schedLen; n > 0; n-- {
			q := c.nextQueueForService()
			if q == nil {
				break
			}
			c.ServiceQueue(q)
			worked = true
		}
	}
	return worked
}

// PutForService appends p and optionally schedules q
func (q *Queue) PutForService(p *Packet, serviceQ bool) {
	p.next = nil
	if q.last == nil {
		q.first = p
	} else {
		q.last.next = p
	}
	q.last = p
	q.count += p.Len()
	if serviceQ && !q.IsDisabled() {
		q.Schedule()
	}
}

// PutBack returns p to the front of q
func (q *Queue) PutBack(p *Packet) {
	p.next = q.first
	q.first = p
	if q.last == nil {
		q.last = p
	}
	q.count += p.Len()
}

// GetPacket removes and returns the first packet. When a FULL queue drains
// below its low water mark, the nearest upstream queue is re-enabled.
func (q *Queue) GetPacket() *Packet {
	p := q.first
	if p == nil {
		return nil
	}
	q.first = p.next
	if q.first == nil {
		q.last = nil
	}
	p.next = nil
	q.count -= p.Len()

	if q.flags&queueFull != 0 && q.count <= q.Low {
		q.flags &^= queueFull
		if prev := q.Prev(); prev != nil {
			prev.Enable()
		}
	}
	return p
}

// PutToNext hands p to the next queue's put routine
func (q *Queue) PutToNext(p *Packet) {
	next := q.nextQ
	if next.Direction == QueueTx {
		next.Stage.OutgoingData(next, p)
	} else {
		next.Stage.IncomingData(next, p)
	}
}

// SendPacketToNext appends p to the next queue and schedules it
func (q *Queue) SendPacketToNext(p *Packet) {
	q.nextQ.PutForService(p, true)
}

// WillNextQueueAcceptSize reports whether size bytes fit in the next queue.
// On refusal q is disabled and the next queue is marked FULL and scheduled
// so it drains and re-enables q.
func (q *Queue) WillNextQueueAcceptSize(size int) bool {
	next := q.nextQ
	if next.count < next.Max && size <= next.PacketSize && size+next.count <= next.Max {
		return true
	}
	q.refuse(next)
	return false
}

// WillNextQueueAcceptPacket is WillNextQueueAcceptSize for a packet, first
// shrinking p to the next queue's packet size or room and putting the
// remainder back on q.
func (q *Queue) WillNextQueueAcceptPacket(p *Packet) bool {
	next := q.nextQ
	size := p.Len()
	if next.count < next.Max && size <= next.PacketSize && size+next.count <= next.Max {
		return true
	}
	room := min(next.Max-next.count, next.PacketSize)
	if room > 0 && size > room {
		q.ResizePacket(p, room)
		return true
	}
	q.refuse(next)
	return false
}

func (q *Queue) refuse(next *Queue) {
	q.Disable()
	next.flags |= queueFull
	next.Schedule()
}

// ResizePacket splits p so it is at most size bytes, putting the remainder
// back at the front of q.
func (q *Queue) ResizePacket(p *Packet, size int) {
	if size <= 0 || p.Len() <= size {
		return
	}
	if tail := SplitPacket(p, size); tail != nil {
		q.PutBack(tail)
	}
}

// DiscardData drops DATA and RANGE packets, keeping HEADER and END.
// Without removePackets the packets stay queued with empty content.
func (q *Queue) DiscardData(removePackets bool) {
	var prev *Packet
	for p := q.first; p != nil; {
		next := p.next
		if !p.IsData() {
			prev = p
			p = next
			continue
		}
		q.count -= p.Len()
		if removePackets {
			if prev == nil {
				q.first = next
			} else {
				prev.next = next
			}
			if q.last == p {
				q.last = prev
			}
			q.Conn.freePacket(p)
		} else {
			p.flush()
			prev = p
		}
		p = next
	}
}

// hasEnd reports whether an END packet is queued
func (q *Queue) hasEnd() bool {
	for p := q.first; p != nil; p = p.next {
		if p.IsEnd() {
			return true
		}
	}
	return false
}
