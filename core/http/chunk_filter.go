package http

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// chunkScanWindow bounds the bytes searched for a chunk size line or trailers
const chunkScanWindow = 4096

type chunkState int

const (
	chunkStart chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailers
	chunkEOF
)

// chunkFilter applies chunked transfer coding: decoding on the receive side
// and encoding on the transmit side when the response length is unknown.
type chunkFilter struct {
	BaseStage
}

type chunkRx struct {
	state     chunkState
	remaining int64
	pending   *Packet
}

type chunkTx struct {
	decided bool
}

func (f *chunkFilter) Match(c *Conn, dir Direction) bool {
	if dir == QueueRx {
		return c.client || c.Rx().Chunked
	}
	if c.client {
		return true
	}
	return c.Rx().Method != "HEAD"
}

func (f *chunkFilter) Open(q *Queue) error {
	if q.Direction == QueueRx {
		q.Data = &chunkRx{}
		if q.pair != nil {
			q.pair.Data = &chunkTx{}
		}
	} else {
		q.Data = &chunkTx{}
		if q.pair != nil {
			q.pair.Data = &chunkRx{}
		}
	}
	return nil
}

// IncomingData decodes chunked content. Each size line and each trailing
// CRLF is parsed as a whole token; partial tokens wait for more input.
func (f *chunkFilter) IncomingData(q *Queue, p *Packet) {
	c := q.Conn
	rx := c.Rx()
	if !rx.Chunked {
		DefaultIncomingData(q, p)
		return
	}
	st := q.Data.(*chunkRx)
	if p.IsEnd() {
		if st.state != chunkEOF {
			c.ProtocolError(StatusBadRequest, "Premature end of chunked content")
		}
		c.freePacket(p)
		return
	}
	if st.pending != nil {
		JoinPacket(st.pending, p)
		p = st.pending
		st.pending = nil
	}
	for p != nil && p.Len() > 0 {
		switch st.state {
		case chunkStart:
			data := p.Bytes()
			i := bytes.Index(data[:min(len(data), chunkScanWindow)], []byte("\r\n"))
			if i < 0 {
				if len(data) >= chunkScanWindow {
					f.bad(q, p, "Chunk size line too long")
					return
				}
				st.pending = p
				return
			}
			size, ok := parseChunkSize(data[:i])
			if !ok {
				f.bad(q, p, "Bad chunk specification")
				return
			}
			if !c.client && size > c.limits.ReceiveBodySize {
				c.freePacket(p)
				c.ProtocolError(StatusRequestEntityTooLarge, "Chunk of %d bytes is too big", size)
				return
			}
			p.Consume(i + 2)
			if size == 0 {
				st.state = chunkTrailers
			} else {
				st.remaining = size
				st.state = chunkData
			}

		case chunkData:
			n := p.Len()
			var rest *Packet
			if int64(n) > st.remaining {
				n = int(st.remaining)
				rest = SplitPacket(p, n)
			}
			st.remaining -= int64(n)
			q.PutToNext(p)
			p = rest
			if st.remaining == 0 {
				st.state = chunkDataEnd
			}

		case chunkDataEnd:
			data := p.Bytes()
			if len(data) < 2 {
				st.pending = p
				return
			}
			if data[0] != '\r' || data[1] != '\n' {
				f.bad(q, p, "Missing chunk terminator")
				return
			}
			p.Consume(2)
			st.state = chunkStart

		case chunkTrailers:
			data := p.Bytes()
			if bytes.HasPrefix(data, []byte("\r\n")) {
				p.Consume(2)
			} else if !trailerStart(data) {
				// No final CRLF; what follows belongs to the next message
			} else if i := bytes.Index(data[:min(len(data), chunkScanWindow)], crlfcrlf); i >= 0 {
				if !f.parseTrailers(c, string(data[:i])) {
					f.bad(q, p, "Bad chunk trailers")
					return
				}
				p.Consume(i + 4)
			} else if len(data) >= chunkScanWindow {
				f.bad(q, p, "Bad chunk trailers")
				return
			} else {
				st.pending = p
				return
			}
			f.finish(q)

		case chunkEOF:
			rx.surplus = p
			return
		}
	}
	if p != nil {
		c.freePacket(p)
	}
	// The final CRLF may not have arrived with the zero chunk. Finish now;
	// a late CRLF is skipped as an empty line before the next request.
	if st.state == chunkTrailers && st.pending == nil {
		f.finish(q)
	}
}

func (f *chunkFilter) finish(q *Queue) {
	c := q.Conn
	st := q.Data.(*chunkRx)
	st.state = chunkEOF
	c.Rx().SetEOF()
	q.PutToNext(c.NewPacket(0, PacketEnd))
}

func (f *chunkFilter) bad(q *Queue, p *Packet, msg string) {
	c := q.Conn
	c.freePacket(p)
	if c.client {
		c.connError = true
		c.fail(ErrBadChunk, StatusClientError, true, "%s", msg)
	} else {
		c.fail(ErrBadChunk, StatusBadRequest, true, "%s", msg)
	}
}

func (f *chunkFilter) parseTrailers(c *Conn, block string) bool {
	rx := c.Rx()
	if rx.Trailers == nil {
		rx.Trailers = NewHeader()
	}
	for _, line := range strings.Split(block, "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		if !ok || !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
			return false
		}
		rx.Trailers.Add(key, value)
	}
	return true
}

// trailerStart reports whether data opens with a header field name and a
// colon, or with a prefix that may still become one.
func trailerStart(data []byte) bool {
	for i, b := range data {
		if b == ':' {
			return i > 0
		}
		if !httpguts.IsTokenRune(rune(b)) {
			return false
		}
	}
	return true
}

// parseChunkSize parses "HEX[;ext]"
func parseChunkSize(line []byte) (int64, bool) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || len(line) > 16 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// OutgoingService decides between Content-Length and chunking on its first
// run, then frames each data packet as one chunk.
func (f *chunkFilter) OutgoingService(q *Queue) {
	c := q.Conn
	tx := c.Tx()
	st := q.Data.(*chunkTx)
	if !st.decided {
		st.decided = true
		if tx.Length < 0 && tx.altBody == nil && len(tx.outputRanges) == 0 && (c.client || bodyAllowed(max(tx.Status, StatusOK))) {
			if q.hasEnd() {
				tx.Length = int64(q.dataCount())
			} else if c.client || c.Rx().Version == "HTTP/1.1" {
				tx.ChunkSize = min(c.limits.ChunkSize, q.PacketSize)
			}
		}
	}
	if tx.ChunkSize <= 0 {
		DefaultService(q)
		return
	}
	for p := q.GetPacket(); p != nil; p = q.GetPacket() {
		if p.IsData() {
			if p.Len() == 0 && len(p.prefix) == 0 && len(p.suffix) == 0 {
				c.freePacket(p)
				continue
			}
			q.ResizePacket(p, tx.ChunkSize)
		}
		if !q.WillNextQueueAcceptPacket(p) {
			q.PutBack(p)
			return
		}
		switch {
		case p.IsData():
			size := len(p.prefix) + p.Len() + len(p.suffix)
			prefix := strconv.AppendInt(make([]byte, 0, len(p.prefix)+10), int64(size), 16)
			prefix = append(prefix, '\r', '\n')
			p.prefix = append(prefix, p.prefix...)
			p.suffix = append(p.suffix, '\r', '\n')
		case p.IsEnd():
			p.prefix = []byte("0\r\n\r\n")
		}
		q.PutToNext(p)
	}
}

// dataCount returns the bytes a queued body will occupy on the wire
func (q *Queue) dataCount() int {
	n := 0
	for p := q.first; p != nil; p = p.next {
		if p.IsData() {
			n += len(p.prefix) + p.Len() + len(p.suffix)
		}
	}
	return n
}
