package http

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// rangeFilter serves byte ranges of a 200 response as a 206 response,
// single range or multipart/byteranges.
type rangeFilter struct {
	BaseStage
}

type rangeTx struct {
	decided bool
	pass    bool
	closing bool
	pos     int64
	index   int
	ctype   string
}

func (f *rangeFilter) Match(c *Conn, dir Direction) bool {
	return dir == QueueTx && !c.client && c.Rx().Ranges != nil && c.Rx().Method == "GET"
}

func (f *rangeFilter) Open(q *Queue) error {
	q.Data = &rangeTx{}
	return nil
}

func (f *rangeFilter) OutgoingService(q *Queue) {
	c := q.Conn
	tx := c.Tx()
	st := q.Data.(*rangeTx)
	if !st.decided && !f.decide(q, st) {
		return
	}
	if st.pass {
		DefaultService(q)
		return
	}
	multi := len(tx.outputRanges) > 1
	for p := q.GetPacket(); p != nil; p = q.GetPacket() {
		if p.IsData() && p.Flags&PacketData != 0 {
			if !f.clip(q, st, p) {
				continue
			}
		} else if p.IsEnd() && multi && !st.closing {
			st.closing = true
			q.PutBack(p)
			q.PutBack(f.closingPacket(c))
			continue
		}
		if !q.WillNextQueueAcceptPacket(p) {
			q.PutBack(p)
			return
		}
		if p.Flags&PacketData != 0 {
			st.pos += int64(p.Len())
			if st.pos >= tx.outputRanges[st.index].End {
				st.index++
			}
		}
		q.PutToNext(p)
	}
}

// decide resolves the requested ranges against the entity length. With an
// unknown length the whole body is buffered until END. Returns false while
// waiting.
func (f *rangeFilter) decide(q *Queue, st *rangeTx) bool {
	c := q.Conn
	rx, tx := c.Rx(), c.Tx()
	if (tx.Status != 0 && tx.Status != StatusOK) || c.error || !c.rangesApply() {
		st.decided, st.pass = true, true
		return true
	}
	length := tx.EntityLength
	if length < 0 {
		length = tx.Length
	}
	if length < 0 {
		if !q.hasEnd() {
			limit := int(min(c.limits.TransmitBodySize, math.MaxInt32))
			if q.Max >= limit && q.count >= q.Max {
				// Too large to buffer, send the full body
				st.decided, st.pass = true, true
				return true
			}
			q.Max = limit
			if q.IsFull() {
				q.flags &^= queueFull
				if prev := q.Prev(); prev != nil {
					prev.Enable()
				}
			}
			return false
		}
		length = int64(q.dataCount())
	}
	st.decided = true

	ranges, res := resolveRanges(rx.Ranges, length)
	switch res {
	case rangeIgnore:
		st.pass = true
	case rangeUnsatisfiable:
		st.pass = true
		c.SetHeader(HeaderContentRange, "bytes */"+strconv.FormatInt(length, 10))
		c.fail(ErrBadRange, StatusRangeNotSatisfiable, false, "Requested range not satisfiable")
	default:
		tx.Status = StatusPartialContent
		tx.EntityLength = length
		st.ctype = tx.Headers.Get(HeaderContentType)
		if st.ctype == "" {
			st.ctype = "application/octet-stream"
		}
		if len(ranges) == 1 {
			tx.SetRanges(ranges, "")
			tx.Length = ranges[0].Len()
			return true
		}
		tx.SetRanges(ranges, fmt.Sprintf("%x%04x", time.Now().UnixNano(), c.ID&0xffff))
		total := int64(len(f.closing(tx)))
		for i, r := range ranges {
			total += int64(len(f.boundary(tx, st, i))) + r.Len()
		}
		tx.Length = total
	}
	return true
}

// clip trims p to the current range. Returns false if p was consumed
// entirely outside the ranges.
func (f *rangeFilter) clip(q *Queue, st *rangeTx, p *Packet) bool {
	c := q.Conn
	tx := c.Tx()
	plen := int64(p.Len())
	if st.index >= len(tx.outputRanges) {
		st.pos += plen
		c.freePacket(p)
		return false
	}
	r := tx.outputRanges[st.index]
	if st.pos+plen <= r.Start {
		st.pos += plen
		c.freePacket(p)
		return false
	}
	if st.pos < r.Start {
		skip := r.Start - st.pos
		p.Consume(int(skip))
		st.pos = r.Start
		plen -= skip
	}
	if st.pos+plen > r.End {
		if tail := SplitPacket(p, int(r.End-st.pos)); tail != nil {
			q.PutBack(tail)
		}
	}
	if st.pos == r.Start && len(tx.outputRanges) > 1 {
		p.prefix = f.boundary(tx, st, st.index)
	}
	p.Flags |= PacketRange
	return true
}

func (f *rangeFilter) boundary(tx *Tx, st *rangeTx, i int) []byte {
	r := tx.outputRanges[i]
	return fmt.Appendf(nil, "\r\n--%s\r\nContent-Type: %s\r\nContent-Range: bytes %d-%d/%d\r\n\r\n",
		tx.boundary, st.ctype, r.Start, r.End-1, tx.EntityLength)
}

func (f *rangeFilter) closing(tx *Tx) []byte {
	return []byte("\r\n--" + tx.boundary + "--\r\n")
}

func (f *rangeFilter) closingPacket(c *Conn) *Packet {
	b := f.closing(c.Tx())
	p := c.NewPacket(len(b), PacketRange)
	p.Write(b)
	return p
}
