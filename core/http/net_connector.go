package http

import (
	"errors"
	"io"
	"os"

	"github.com/valyala/bytebufferpool"
)

const (
	maxIOV        = 16
	maxWriteBytes = 256 * 1024
	maxSendBytes  = 1 << 20
)

// netConnector writes the transmit pipeline to the socket
type netConnector struct {
	BaseStage
}

func (s *netConnector) OutgoingService(q *Queue) {
	c := q.Conn
	for q.first != nil && !c.connError && !c.wantWrite {
		if p := q.first; p.entity != nil && !c.discarding(p) {
			if !s.sendEntity(q, p) {
				return
			}
			continue
		}
		bufs, total := s.gather(q)
		var n int64
		var err error
		if total > 0 {
			n, err = c.sock.WriteVector(bufs)
		}
		clear(bufs)
		c.Tx().BytesWritten += n
		s.consume(q, n)
		switch {
		case errors.Is(err, ErrWouldBlock):
			c.setWantWrite(true)
			return
		case err != nil:
			c.ConnError(StatusCommsError, "Write error: %v", err)
			q.DiscardData(true)
			return
		case n < total:
			c.setWantWrite(true)
			return
		}
	}
}

// bodySuppressed reports whether the response body must not be sent:
// HEAD, 204 and 304 responses, and responses replaced by an error page.
func (c *Conn) bodySuppressed() bool {
	tx := c.Tx()
	return tx.headersCreated && (tx.noBody || tx.altBody != nil)
}

func (c *Conn) discarding(p *Packet) bool {
	return p.IsData() && c.bodySuppressed()
}

// gather collects the prefix, content and suffix of leading in-memory
// packets into the connection's iovec.
func (s *netConnector) gather(q *Queue) ([][]byte, int64) {
	c := q.Conn
	bufs := c.iov[:0]
	var total int64
	for p := q.first; p != nil && len(bufs) < maxIOV-2 && total < maxWriteBytes; p = p.next {
		if p.IsHeader() {
			c.writeHeaders(p)
		}
		if c.discarding(p) {
			q.count -= p.Len()
			p.flush()
			p.prefix, p.suffix = nil, nil
			continue
		}
		if p.IsEnd() && c.bodySuppressed() {
			p.prefix = nil
		}
		if p.entity != nil {
			break
		}
		for _, b := range [][]byte{p.prefix, p.Bytes(), p.suffix} {
			if len(b) > 0 {
				bufs = append(bufs, b)
				total += int64(len(b))
			}
		}
		if p.IsEnd() {
			break
		}
	}
	c.iov = bufs
	return bufs, total
}

// consume removes n written bytes from the front of q, freeing packets
// that have been fully written.
func (s *netConnector) consume(q *Queue, n int64) {
	c := q.Conn
	for p := q.first; p != nil; p = q.first {
		if p.IsHeader() && !c.Tx().headersCreated {
			return
		}
		n = trimBytes(&p.prefix, n)
		if len(p.prefix) > 0 {
			return
		}
		if p.entity != nil {
			return
		}
		if l := p.Len(); l > 0 {
			k := int(min(int64(l), n))
			p.Consume(k)
			q.count -= k
			n -= int64(k)
			if p.Len() > 0 {
				return
			}
		}
		n = trimBytes(&p.suffix, n)
		if len(p.suffix) > 0 {
			return
		}
		q.GetPacket()
		end := p.IsEnd()
		c.freePacket(p)
		if end {
			c.connectorDone()
			return
		}
	}
}

func trimBytes(b *[]byte, n int64) int64 {
	k := min(int64(len(*b)), n)
	*b = (*b)[k:]
	return n - k
}

// sendEntity writes a deferred packet: prefix, file region, suffix.
// Returns false if the socket is full or failed.
func (s *netConnector) sendEntity(q *Queue, p *Packet) bool {
	c := q.Conn
	tx := c.Tx()
	if !s.writeBytes(c, &p.prefix) {
		return false
	}
	for p.entityLength > 0 {
		n, err := s.sendRegion(c, p)
		p.Consume(n)
		q.count -= n
		tx.BytesWritten += int64(n)
		if errors.Is(err, ErrWouldBlock) {
			c.setWantWrite(true)
			return false
		}
		if err != nil {
			c.ConnError(StatusCommsError, "Send file error: %v", err)
			q.DiscardData(true)
			return false
		}
	}
	if !s.writeBytes(c, &p.suffix) {
		return false
	}
	q.GetPacket()
	c.freePacket(p)
	return true
}

func (s *netConnector) sendRegion(c *Conn, p *Packet) (int, error) {
	count := min(p.entityLength, maxSendBytes)
	if f, ok := p.entity.(*os.File); ok {
		if fs, ok := c.sock.(FileSender); ok {
			return fs.SendFile(f, p.entityPos, count)
		}
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	size := min(count, 64*1024)
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	}
	b := buf.B[:size]
	r, err := p.entity.ReadAt(b, p.entityPos)
	if r == 0 {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	n, err := c.sock.WriteVector([][]byte{b[:r]})
	return int(n), err
}

func (s *netConnector) writeBytes(c *Conn, b *[]byte) bool {
	if len(*b) == 0 {
		return true
	}
	n, err := c.sock.WriteVector([][]byte{*b})
	c.Tx().BytesWritten += n
	*b = (*b)[n:]
	switch {
	case errors.Is(err, ErrWouldBlock) || (err == nil && len(*b) > 0):
		c.setWantWrite(true)
		return false
	case err != nil:
		c.ConnError(StatusCommsError, "Write error: %v", err)
		return false
	}
	return true
}

// connectorDone records that the whole response has been written
func (c *Conn) connectorDone() {
	c.Tx().finalizedConnector = true
	if c.client {
		c.setState(StateWait)
	}
}
