package http

import "time"

// Limits are the hard ceilings enforced per connection and request.
// Exceeding any of them is a request error.
type Limits struct {
	HeaderSize        int           `config:"header_size"`
	HeaderCount       int           `config:"header_count"`
	URISize           int           `config:"uri_size"`
	ChunkSize         int           `config:"chunk_size"`
	BufferSize        int           `config:"buffer_size"`
	ReceiveBodySize   int64         `config:"receive_body_size"`
	TransmitBodySize  int64         `config:"transmit_body_size"`
	UploadSize        int64         `config:"upload_size"`
	RequestsPerConn   int           `config:"requests_per_conn"`
	InactivityTimeout time.Duration `config:"inactivity_timeout"`
	RequestTimeout    time.Duration `config:"request_timeout"`
}

// DefaultLimits returns the limits used when none are configured
func DefaultLimits() Limits {
	return Limits{
		HeaderSize:        32 * 1024,
		HeaderCount:       64,
		URISize:           8 * 1024,
		ChunkSize:         8 * 1024,
		BufferSize:        64 * 1024,
		ReceiveBodySize:   64 << 20,
		TransmitBodySize:  1 << 40,
		UploadSize:        256 << 20,
		RequestsPerConn:   100,
		InactivityTimeout: 60 * time.Second,
		RequestTimeout:    5 * time.Minute,
	}
}

// normalize fills zero fields from the defaults
func (l *Limits) normalize() {
	d := DefaultLimits()
	if l.HeaderSize <= 0 {
		l.HeaderSize = d.HeaderSize
	}
	if l.HeaderCount <= 0 {
		l.HeaderCount = d.HeaderCount
	}
	if l.URISize <= 0 {
		l.URISize = d.URISize
	}
	if l.ChunkSize <= 0 {
		l.ChunkSize = d.ChunkSize
	}
	if l.BufferSize <= 0 {
		l.BufferSize = d.BufferSize
	}
	if l.ReceiveBodySize <= 0 {
		l.ReceiveBodySize = d.ReceiveBodySize
	}
	if l.TransmitBodySize <= 0 {
		l.TransmitBodySize = d.TransmitBodySize
	}
	if l.UploadSize <= 0 {
		l.UploadSize = d.UploadSize
	}
	if l.RequestsPerConn <= 0 {
		l.RequestsPerConn = d.RequestsPerConn
	}
	if l.InactivityTimeout <= 0 {
		l.InactivityTimeout = d.InactivityTimeout
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = d.RequestTimeout
	}
}
