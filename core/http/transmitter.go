package http

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Tx is the transmit side of a request: response status, headers and the
// state of response generation. In client mode it describes the request.
type Tx struct {
	Status  int
	Headers *Header
	// Length is the Content-Length to emit, -1 if unknown
	Length int64
	// EntityLength is the full size of the entity when ranges are served
	EntityLength int64
	ChunkSize    int
	ETag         string
	LastModified time.Time

	// Request line, client mode only
	Method string
	URI    string
	Host   string

	BytesWritten int64

	handler            Stage
	queue              [2]*Queue
	altBody            []byte
	outputRanges       []Range
	boundary           string
	headersCreated     bool
	finalized          bool
	finalizedConnector bool
	noBody             bool
}

func (tx *Tx) init() {
	tx.Headers = NewHeader()
	tx.Length = -1
	tx.EntityLength = -1
}

// Handler returns the stage selected to generate the response
func (tx *Tx) Handler() Stage { return tx.handler }

// HeadersCreated reports whether the header block has been serialized
func (tx *Tx) HeadersCreated() bool { return tx.headersCreated }

// Finalized reports whether the END packet has been written
func (tx *Tx) Finalized() bool { return tx.finalized }

// Complete reports whether the connector has written the END packet
func (tx *Tx) Complete() bool { return tx.finalizedConnector }

// Ranges returns the resolved output ranges, if ranges are being served
func (tx *Tx) Ranges() []Range { return tx.outputRanges }

// SetRanges records the resolved output ranges and the multipart boundary
func (tx *Tx) SetRanges(ranges []Range, boundary string) {
	tx.outputRanges = ranges
	tx.boundary = boundary
}

// SetStatus sets the response status
func (c *Conn) SetStatus(status int) {
	c.Tx().Status = status
}

// SetHeader sets a response header, replacing prior values
func (c *Conn) SetHeader(key, value string) {
	c.Tx().Headers.Set(key, value)
}

// AddHeader adds a response header, comma-joining repeats
func (c *Conn) AddHeader(key, value string) {
	c.Tx().Headers.Add(key, value)
}

// SetContentLength declares the response body length
func (c *Conn) SetContentLength(n int64) {
	c.Tx().Length = n
}

// SetContentType sets the response Content-Type
func (c *Conn) SetContentType(t string) {
	c.Tx().Headers.Set(HeaderContentType, t)
}

// Redirect responds with status and a Location header pointing at target
func (c *Conn) Redirect(status int, target string) {
	tx := c.Tx()
	if tx.headersCreated {
		c.log.Warn("redirect after headers were sent", zap.String("target", target))
		return
	}
	if status < 300 || status > 399 {
		status = StatusFound
	}
	tx.Status = status
	tx.Headers.Set(HeaderLocation, target)
	esc := html.EscapeString(target)
	tx.altBody = fmt.Appendf(nil, "<!DOCTYPE html>\r\n"+
		"<html><head><title>%s</title></head>\r\n"+
		"<body><h1>%s</h1>\r\n<p>The document has moved <a href=\"%s\">here</a>.</p>\r\n"+
		"</body></html>\r\n", StatusText(status), StatusText(status), esc)
	c.discardTxData()
	c.Finalize()
}

// Error fails the request with status. The error page replaces any body
// queued so far. The connection stays usable for further requests.
func (c *Conn) Error(status int, format string, args ...any) {
	c.setError(status, false, format, args)
}

// ProtocolError fails the request with status and closes the connection
// after the response, since the request framing can no longer be trusted.
func (c *Conn) ProtocolError(status int, format string, args ...any) {
	c.setError(status, true, format, args)
}

// ConnError records a transport failure. The request is abandoned and the
// connection closed.
func (c *Conn) ConnError(status int, format string, args ...any) {
	c.connError = true
	c.setError(status, true, format, args)
}

// fail is setError recording cause as the reason of the first error
func (c *Conn) fail(cause error, status int, closeConn bool, format string, args ...any) {
	if !c.error {
		c.errorCause = cause
	}
	c.setError(status, closeConn, format, args)
}

func (c *Conn) setError(status int, closeConn bool, format string, args []any) {
	msg := fmt.Sprintf(format, args...)
	if closeConn {
		c.keepAliveCount = 0
	}
	if c.error {
		c.log.Debug("additional error", zap.Int("status", status), zap.String("msg", msg))
		return
	}
	c.error = true
	c.errorMsg = msg
	c.errorStatus = status
	fields := []zap.Field{zap.Int("status", status), zap.String("msg", msg)}
	if c.errorCause != nil {
		fields = append(fields, zap.Error(c.errorCause))
	}
	if status < 500 {
		c.log.Warn("request error", fields...)
	} else {
		c.log.Error("request error", fields...)
	}
	if c.req == nil || c.client {
		return
	}
	tx := c.Tx()
	if tx.headersCreated {
		c.keepAliveCount = 0
		return
	}
	tx.Status = status
	tx.Length = -1
	tx.ChunkSize = 0
	tx.outputRanges = nil
	if bodyAllowed(status) && !c.connError {
		tx.altBody = formatErrorBody(status, msg)
	}
	c.discardTxData()
}

// ErrorMessage returns the message of the first error of the request
func (c *Conn) ErrorMessage() string { return c.errorMsg }

// Err returns the first error of the request as a *StatusError, or nil
func (c *Conn) Err() error {
	if !c.error {
		return nil
	}
	return &StatusError{Status: c.errorStatus, Msg: c.errorMsg, Err: c.errorCause}
}

func (c *Conn) clearError() {
	c.error, c.connError = false, false
	c.errorMsg, c.errorStatus, c.errorCause = "", 0, nil
}

func formatErrorBody(status int, msg string) []byte {
	text := StatusText(status)
	return fmt.Appendf(nil, "<!DOCTYPE html>\r\n"+
		"<html><head><title>%d %s</title></head>\r\n"+
		"<body><h2>Error: %d %s</h2>\r\n<p>%s</p>\r\n</body></html>\r\n",
		status, text, status, text, html.EscapeString(msg))
}

// discardTxData drops body data queued anywhere on the transmit side
func (c *Conn) discardTxData() {
	head := c.Tx().queue[QueueTx]
	if head == nil {
		return
	}
	for q := head.nextQ; q != head; q = q.nextQ {
		q.DiscardData(true)
	}
}

// Conditional evaluates the request preconditions against the response
// ETag and Last-Modified. Returns 304, 412 or 0 when the request proceeds.
func (c *Conn) Conditional() int {
	rx, tx := c.Rx(), c.Tx()
	get := rx.Method == "GET" || rx.Method == "HEAD"
	lastMod := tx.LastModified.Truncate(time.Second)

	if rx.IfMatch != "" && !etagMatch(rx.IfMatch, tx.ETag) {
		return StatusPreconditionFailed
	}
	if rx.IfMatch == "" && !rx.IfUnmodifiedSince.IsZero() && !lastMod.IsZero() && lastMod.After(rx.IfUnmodifiedSince) {
		return StatusPreconditionFailed
	}
	if rx.IfNoneMatch != "" {
		if etagMatch(rx.IfNoneMatch, tx.ETag) {
			if get {
				return StatusNotModified
			}
			return StatusPreconditionFailed
		}
		return 0
	}
	if get && !rx.IfModifiedSince.IsZero() && !lastMod.IsZero() && !lastMod.After(rx.IfModifiedSince) {
		return StatusNotModified
	}
	return 0
}

// CheckConditional applies Conditional. It returns true if the response has
// been decided (304 finalized or 412 error) and the handler should stop.
func (c *Conn) CheckConditional() bool {
	switch c.Conditional() {
	case StatusNotModified:
		c.SetStatus(StatusNotModified)
		c.Finalize()
		return true
	case StatusPreconditionFailed:
		c.Error(StatusPreconditionFailed, "Precondition failed")
		return true
	}
	return false
}

func etagMatch(list, etag string) bool {
	if etag == "" {
		return false
	}
	if strings.TrimSpace(list) == "*" {
		return true
	}
	etag = strings.TrimPrefix(etag, "W/")
	for _, t := range strings.Split(list, ",") {
		if strings.TrimPrefix(strings.TrimSpace(t), "W/") == etag {
			return true
		}
	}
	return false
}

// rangesApply reports whether the If-Range precondition admits ranges
func (c *Conn) rangesApply() bool {
	rx, tx := c.Rx(), c.Tx()
	if rx.Ranges == nil || rx.Method != "GET" {
		return false
	}
	if rx.IfRange == "" {
		return true
	}
	if strings.HasPrefix(rx.IfRange, "\"") || strings.HasPrefix(rx.IfRange, "W/") {
		return tx.ETag != "" && rx.IfRange == tx.ETag
	}
	return !tx.LastModified.IsZero() && rx.IfRange == tx.LastModified.UTC().Format(TimeFormat)
}

// writeHeaders serializes the header block into p. It runs once per request,
// when the connector first meets the HEADER packet.
func (c *Conn) writeHeaders(p *Packet) {
	tx := c.Tx()
	if tx.headersCreated {
		return
	}
	tx.headersCreated = true
	if c.client {
		c.writeRequestHeaders(p)
		return
	}
	rx := c.Rx()
	if tx.Status == 0 {
		tx.Status = StatusOK
	}
	status := tx.Status
	if rx.Method == "HEAD" || !bodyAllowed(status) {
		tx.noBody = true
	}
	h := tx.Headers
	h.Set(HeaderDate, time.Now().UTC().Format(TimeFormat))
	if !h.Has(HeaderServer) {
		h.Set(HeaderServer, c.svc.ServerName)
	}
	if tx.ETag != "" {
		h.Set(HeaderETag, tx.ETag)
	}
	if !tx.LastModified.IsZero() {
		h.Set(HeaderLastModified, tx.LastModified.UTC().Format(TimeFormat))
	}

	switch {
	case tx.altBody != nil:
		h.Set(HeaderContentType, "text/html")
		h.Set(HeaderContentLength, strconv.Itoa(len(tx.altBody)))
	case status < 200 || status == StatusNoContent || status == StatusNotModified:
		h.Del(HeaderContentLength)
	case len(tx.outputRanges) == 1:
		r := tx.outputRanges[0]
		h.Set(HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End-1, tx.EntityLength))
		h.Set(HeaderContentLength, strconv.FormatInt(tx.Length, 10))
	case len(tx.outputRanges) > 1:
		h.Set(HeaderContentType, "multipart/byteranges; boundary="+tx.boundary)
		h.Set(HeaderContentLength, strconv.FormatInt(tx.Length, 10))
	case tx.ChunkSize > 0 && !tx.noBody:
		h.Set(HeaderTransferEncoding, "chunked")
	case tx.Length >= 0:
		h.Set(HeaderContentLength, strconv.FormatInt(tx.Length, 10))
	case !tx.noBody:
		c.keepAliveCount = 0
	}

	if c.keepAliveCount > 0 {
		c.keepAliveCount--
	}
	if c.keepAliveCount > 0 && rx.keepAlive {
		if rx.Version == "HTTP/1.0" {
			h.Set(HeaderConnection, "keep-alive")
		}
		h.Set(HeaderKeepAlive, fmt.Sprintf("timeout=%d, max=%d", int(c.limits.InactivityTimeout/time.Second), c.keepAliveCount))
	} else {
		c.keepAliveCount = 0
		h.Set(HeaderConnection, "close")
	}

	protocol := "HTTP/1.1"
	if rx.Version == "HTTP/1.0" {
		protocol = "HTTP/1.0"
	}
	p.WriteString(protocol)
	p.WriteString(" ")
	p.WriteString(strconv.Itoa(status))
	p.WriteString(" ")
	p.WriteString(StatusText(status))
	p.WriteString("\r\n")
	writeHeaderFields(p, h)
	if tx.altBody != nil && !tx.noBody {
		p.Write(tx.altBody)
	}
}

func (c *Conn) writeRequestHeaders(p *Packet) {
	tx := c.Tx()
	h := tx.Headers
	if !h.Has(HeaderHost) {
		h.Set(HeaderHost, tx.Host)
	}
	switch {
	case tx.Length >= 0:
		if tx.Length > 0 || tx.Method == "POST" || tx.Method == "PUT" {
			h.Set(HeaderContentLength, strconv.FormatInt(tx.Length, 10))
		}
	case tx.ChunkSize > 0:
		h.Set(HeaderTransferEncoding, "chunked")
	}
	if !h.Has(HeaderConnection) {
		h.Set(HeaderConnection, "close")
	}
	p.WriteString(tx.Method)
	p.WriteString(" ")
	p.WriteString(tx.URI)
	p.WriteString(" HTTP/1.1\r\n")
	writeHeaderFields(p, h)
}

func writeHeaderFields(p *Packet, h *Header) {
	h.Each(func(key, value string) {
		p.WriteString(key)
		p.WriteString(": ")
		p.WriteString(value)
		p.WriteString("\r\n")
	})
	p.WriteString("\r\n")
}
