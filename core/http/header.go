package http

import (
	"net/textproto"
	"strings"
)

// HTTP header constants
const (
	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderContentRange     = "Content-Range"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderConnection       = "Connection"
	HeaderKeepAlive        = "Keep-Alive"
	HeaderHost             = "Host"
	HeaderDate             = "Date"
	HeaderServer           = "Server"
	HeaderLocation         = "Location"
	HeaderETag             = "ETag"
	HeaderLastModified     = "Last-Modified"
	HeaderAcceptRanges     = "Accept-Ranges"
	HeaderAuthenticate     = "WWW-Authenticate"
)

// TimeFormat is the date format used in HTTP headers
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Header is a case-insensitive header table that remembers insertion order.
// Repeated keys added with Add are comma-joined.
type Header struct {
	keys   []string
	names  map[string]string
	values map[string]string
}

// NewHeader creates an empty header table
func NewHeader() *Header {
	return &Header{
		names:  make(map[string]string, 16),
		values: make(map[string]string, 16),
	}
}

// Get returns the value for key, or "" if absent
func (h *Header) Get(key string) string {
	return h.values[strings.ToLower(key)]
}

// Lookup returns the value for key and whether it was present
func (h *Header) Lookup(key string) (string, bool) {
	v, ok := h.values[strings.ToLower(key)]
	return v, ok
}

// Has reports whether key is present
func (h *Header) Has(key string) bool {
	_, ok := h.values[strings.ToLower(key)]
	return ok
}

// Set replaces any existing value for key
func (h *Header) Set(key, value string) {
	lk := strings.ToLower(key)
	if _, ok := h.values[lk]; !ok {
		h.keys = append(h.keys, lk)
	}
	h.names[lk] = key
	h.values[lk] = value
}

// Add appends value to key, joining repeats with ", "
func (h *Header) Add(key, value string) {
	h.addJoined(key, value, ", ")
}

func (h *Header) addJoined(key, value, sep string) {
	lk := strings.ToLower(key)
	if prior, ok := h.values[lk]; ok {
		h.values[lk] = prior + sep + value
		return
	}
	h.Set(key, value)
}

// Del removes key
func (h *Header) Del(key string) {
	lk := strings.ToLower(key)
	if _, ok := h.values[lk]; !ok {
		return
	}
	delete(h.values, lk)
	delete(h.names, lk)
	for i, k := range h.keys {
		if k == lk {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of distinct keys
func (h *Header) Len() int {
	return len(h.keys)
}

// Each calls fn for every header in insertion order with the canonical key
func (h *Header) Each(fn func(key, value string)) {
	for _, lk := range h.keys {
		fn(textproto.CanonicalMIMEHeaderKey(h.names[lk]), h.values[lk])
	}
}
