package http

import (
	"bytes"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// unbounded marks a body whose length is not known from the headers
const unbounded = math.MaxInt64

var crlfcrlf = []byte("\r\n\r\n")

// UploadFile describes a file received through a multipart upload
type UploadFile struct {
	Field       string
	Filename    string
	ContentType string
	Path        string
	Size        int64
}

// Rx is the receive side of a request: the parsed request (or, in client
// mode, response) head and the state of body reception.
type Rx struct {
	Method  string
	URI     string
	Path    string
	Query   string
	Ext     string
	Version string

	// Response status line, client mode only
	Status        int
	StatusMessage string

	Headers  *Header
	Trailers *Header

	// Length is the declared Content-Length, -1 if none
	Length      int64
	Chunked     bool
	Host        string
	ContentType string
	Cookie      string
	UserAgent   string
	Referer     string

	AuthType    string
	AuthDetails string
	User        string

	Ranges            []Range
	IfRange           string
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time

	// Form fields and files collected by the upload filter
	Params map[string]string
	Files  []*UploadFile

	expect100     bool
	keepAlive     bool
	connClose     bool
	connKeepAlive bool
	remaining     int64
	bytesRead     int64
	eof           bool
	eofDelimited  bool
	surplus       *Packet
}

func (rx *Rx) init() {
	rx.Headers = NewHeader()
	rx.Length = -1
	rx.Version = "HTTP/1.1"
}

// EOF reports whether the whole body has been received
func (rx *Rx) EOF() bool { return rx.eof }

// BytesRead returns the body bytes received so far
func (rx *Rx) BytesRead() int64 { return rx.bytesRead }

// SetSurplus hands bytes received past the end of the body back to the
// connection. Used by framing filters.
func (rx *Rx) SetSurplus(p *Packet) { rx.surplus = p }

// SetEOF marks the body complete. Used by framing filters.
func (rx *Rx) SetEOF() {
	rx.eof = true
	rx.remaining = 0
}

// needsInput reports whether a receive pipeline is needed for the body
func (rx *Rx) needsInput() bool {
	return rx.remaining > 0
}

// Param returns a form field collected by the upload filter
func (rx *Rx) Param(name string) string {
	return rx.Params[name]
}

// SetParam records a form field
func (rx *Rx) SetParam(name, value string) {
	if rx.Params == nil {
		rx.Params = make(map[string]string)
	}
	rx.Params[name] = value
}

// parseIncoming accumulates the header block from the input packet. It never
// blocks: without a complete block it returns false to wait for more input.
// It returns true once the block has been parsed, successfully or not.
func (c *Conn) parseIncoming() bool {
	if c.input == nil || (c.client && c.req == nil) {
		return false
	}
	if !c.client && c.state == StateBegin {
		data := c.input.Bytes()
		n := 0
		for n+1 < len(data) && data[n] == '\r' && data[n+1] == '\n' {
			n += 2
		}
		if n > 0 {
			c.input.Consume(n)
		}
		if c.input.Len() == 0 {
			c.input.release()
			c.input = nil
			return false
		}
		if b := c.input.Bytes(); len(b) == 1 && b[0] == '\r' {
			return false
		}
	}
	if c.req == nil {
		c.beginRequest()
	}
	c.setState(StateFirst)

	data := c.input.Bytes()
	end := bytes.Index(data, crlfcrlf)
	if end < 0 {
		if len(data) >= c.limits.HeaderSize {
			c.dropInput()
			c.ProtocolError(StatusRequestHeaderFieldsTooLarge, "Header too big")
			c.setState(StateParsed)
			return true
		}
		return false
	}
	size := end + len(crlfcrlf)
	if size > c.limits.HeaderSize {
		c.dropInput()
		c.ProtocolError(StatusRequestHeaderFieldsTooLarge, "Header too big")
		c.setState(StateParsed)
		return true
	}
	block := string(data[:end])
	packet := c.input
	c.input = SplitPacket(packet, size)
	packet.release()

	if c.client {
		if !c.parseResponse(block) {
			return c.input != nil
		}
	} else {
		c.parseRequest(block)
	}
	c.setState(StateParsed)
	return true
}

func (c *Conn) dropInput() {
	if c.input != nil {
		c.input.release()
		c.input = nil
	}
}

func (c *Conn) parseRequest(block string) {
	line, rest, _ := strings.Cut(block, "\r\n")
	if !c.parseRequestLine(line) {
		return
	}
	if !c.parseHeaderLines(rest) {
		return
	}
	c.finishHeaders()
}

func (c *Conn) parseRequestLine(line string) bool {
	rx := c.Rx()
	method, rest, ok1 := strings.Cut(line, " ")
	uri, version, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || uri == "" {
		c.ProtocolError(StatusBadRequest, "Bad request line")
		return false
	}
	rx.Method = method
	rx.URI = uri
	for i := 0; i < len(method); i++ {
		if method[i] < 'A' || method[i] > 'Z' {
			c.ProtocolError(StatusBadRequest, "Bad method")
			return false
		}
	}
	if !knownMethods[method] {
		c.ProtocolError(StatusMethodNotAllowed, "Unknown method %s", method)
		return false
	}
	switch version {
	case "HTTP/1.1", "HTTP/1.0":
		rx.Version = version
	default:
		if strings.HasPrefix(version, "HTTP/") {
			c.ProtocolError(StatusHTTPVersionNotSupported, "Unsupported version %s", version)
		} else {
			c.ProtocolError(StatusBadRequest, "Bad request line")
		}
		return false
	}
	if len(uri) > c.limits.URISize {
		c.ProtocolError(StatusRequestURITooLong, "URI too long")
		return false
	}
	if uri == "*" {
		rx.Path = "*"
		return true
	}
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		c.ProtocolError(StatusBadRequest, "Bad URI")
		return false
	}
	rx.Path = u.Path
	if rx.Path == "" {
		rx.Path = "/"
	}
	rx.Query = u.RawQuery
	if u.Host != "" {
		rx.Host = u.Host
	}
	rx.Ext = strings.TrimPrefix(path.Ext(rx.Path), ".")
	return true
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"OPTIONS": true, "TRACE": true, "PATCH": true, "CONNECT": true,
}

// parseResponse parses a response head. Interim 1xx responses are dropped
// and it returns false so the next head is parsed.
func (c *Conn) parseResponse(block string) bool {
	rx := c.Rx()
	line, rest, _ := strings.Cut(block, "\r\n")
	version, status, ok := strings.Cut(line, " ")
	code, msg, _ := strings.Cut(status, " ")
	n, err := strconv.Atoi(code)
	if !ok || !strings.HasPrefix(version, "HTTP/1.") || err != nil || n < 100 || n > 999 {
		c.ConnError(StatusClientError, "Bad response status line")
		return true
	}
	if n >= 100 && n < 200 && n != StatusSwitchingProtocols {
		return false
	}
	rx.Version = version
	rx.Status = n
	rx.StatusMessage = msg
	if !c.parseHeaderLines(rest) {
		return true
	}
	c.finishHeaders()
	return true
}

// parseHeaderLines parses the header fields of a head
func (c *Conn) parseHeaderLines(block string) bool {
	if block == "" {
		return true
	}
	lines := strings.Split(block, "\r\n")
	if len(lines) > c.limits.HeaderCount {
		c.ProtocolError(StatusRequestHeaderFieldsTooLarge, "Too many headers")
		return false
	}
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(key) {
			c.ProtocolError(StatusBadRequest, "Bad header")
			return false
		}
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			c.ProtocolError(StatusBadRequest, "Bad header value")
			return false
		}
		if !c.parseHeader(strings.ToLower(key), key, value) {
			return false
		}
	}
	return true
}

// parseHeader records one header, interpreting those the engine acts on
func (c *Conn) parseHeader(lk, key, value string) bool {
	rx := c.Rx()
	switch lk {
	case "content-length":
		n, ok := parseDigits(value)
		if !ok {
			c.ProtocolError(StatusBadRequest, "Bad content length")
			return false
		}
		if rx.Length >= 0 && rx.Length != n {
			c.ProtocolError(StatusBadRequest, "Multiple content length headers")
			return false
		}
		if !c.client && n > c.limits.ReceiveBodySize {
			c.ProtocolError(StatusRequestEntityTooLarge, "Request content length %d is too big", n)
			return false
		}
		rx.Length = n
		rx.Headers.Set(key, value)
		return true

	case "transfer-encoding":
		te := strings.ToLower(value)
		if strings.HasSuffix(te, "chunked") {
			rx.Chunked = true
		} else if te != "identity" {
			c.ProtocolError(StatusNotImplemented, "Unsupported transfer encoding %s", value)
			return false
		}

	case "connection":
		if httpguts.HeaderValuesContainsToken([]string{value}, "close") {
			rx.connClose = true
		} else if httpguts.HeaderValuesContainsToken([]string{value}, "keep-alive") {
			rx.connKeepAlive = true
		}

	case "host":
		if rx.Host == "" {
			rx.Host = value
		}
	case "content-type":
		rx.ContentType = value
	case "cookie":
		rx.Headers.addJoined(key, value, "; ")
		rx.Cookie = rx.Headers.Get(key)
		return true
	case "user-agent":
		rx.UserAgent = value
	case "referer":
		rx.Referer = value
	case "authorization":
		t, details, _ := strings.Cut(value, " ")
		rx.AuthType = strings.ToLower(t)
		rx.AuthDetails = strings.TrimSpace(details)
	case "range":
		rx.Ranges = parseRanges(value)
	case "if-range":
		rx.IfRange = value
	case "if-match":
		rx.IfMatch = value
	case "if-none-match":
		rx.IfNoneMatch = value
	case "if-modified-since":
		if t, err := time.Parse(TimeFormat, value); err == nil {
			rx.IfModifiedSince = t
		}
	case "if-unmodified-since":
		if t, err := time.Parse(TimeFormat, value); err == nil {
			rx.IfUnmodifiedSince = t
		}
	case "expect":
		if strings.EqualFold(value, "100-continue") {
			rx.expect100 = true
		} else if !c.client {
			c.ProtocolError(StatusExpectationFailed, "Expectation %s not supported", value)
			return false
		}
	}
	rx.Headers.Add(key, value)
	return true
}

// finishHeaders validates the head as a whole and sets up body accounting
func (c *Conn) finishHeaders() {
	rx := c.Rx()
	if rx.Chunked && rx.Length >= 0 {
		c.ProtocolError(StatusBadRequest, "Content-Length with chunked transfer encoding")
		return
	}
	if rx.Version == "HTTP/1.1" {
		rx.keepAlive = !rx.connClose
	} else {
		rx.keepAlive = rx.connKeepAlive && !rx.connClose
	}
	if !c.client && rx.Version == "HTTP/1.1" && rx.Host == "" {
		c.ProtocolError(StatusBadRequest, "Missing Host header")
		return
	}

	switch {
	case c.client && (c.Tx().Method == "HEAD" || !bodyAllowed(rx.Status)):
		rx.remaining = 0
	case rx.Chunked:
		rx.remaining = unbounded
	case rx.Length >= 0:
		rx.remaining = rx.Length
	case c.client:
		rx.remaining = unbounded
		rx.eofDelimited = true
	default:
		rx.remaining = 0
	}
	if rx.remaining == 0 {
		rx.eof = true
	}
}

// processContent moves body bytes from the input packet into the receive
// pipeline. Bytes past the end of the body stay in the input for the next
// request.
func (c *Conn) processContent() bool {
	rx := c.Rx()
	if c.input != nil && !rx.eof {
		p := c.input
		c.input = nil
		n := p.Len()
		if rx.remaining < int64(n) {
			n = int(rx.remaining)
			c.input = SplitPacket(p, n)
		}
		rx.bytesRead += int64(n)
		if !c.client && rx.bytesRead > c.limits.ReceiveBodySize {
			p.release()
			c.ProtocolError(StatusRequestEntityTooLarge, "Request body of %d bytes is too big", rx.bytesRead)
			c.setState(StateProcess)
			return true
		}
		if !rx.Chunked && !rx.eofDelimited {
			rx.remaining -= int64(n)
		}
		c.putToRx(p)
		if rx.surplus != nil {
			c.input = rx.surplus
			rx.surplus = nil
		}
		if c.error && !c.client {
			if rx.remaining != 0 {
				// Unread body bytes cannot be told apart from the next request
				c.keepAliveCount = 0
			}
			c.setState(StateProcess)
			return true
		}
		if !rx.Chunked && !rx.eofDelimited && rx.remaining == 0 {
			rx.eof = true
			c.putToRx(c.NewPacket(0, PacketEnd))
		}
	}
	if rx.eof {
		if c.client {
			c.setState(StateComplete)
		} else {
			c.setState(StateProcess)
		}
		return true
	}
	return false
}

// putToRx hands p to the first queue of the receive pipeline
func (c *Conn) putToRx(p *Packet) {
	head := c.Tx().queue[QueueRx]
	if head == nil {
		p.release()
		return
	}
	head.PutToNext(p)
}
