package http

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// chunked encodes body with chunks of at most size bytes
func chunked(body []byte, size int) string {
	var b strings.Builder
	for len(body) > 0 {
		n := min(size, len(body))
		fmt.Fprintf(&b, "%x\r\n%s\r\n", n, body[:n])
		body = body[n:]
	}
	b.WriteString("0\r\n\r\n")
	return b.String()
}

// newEchoService echoes request bodies, flushing the head first so the
// response length is unknown and the response is chunked
func newEchoService(t *testing.T) *Service {
	t.Helper()
	svc := newTestService(t)
	handle(t, svc, "/", 0, func(c *Conn) {
		body := c.ReadAll()
		c.Flush(false)
		c.Write(body)
	})
	return svc
}

func echoChunked(t *testing.T, svc *Service, body []byte, size, step int) response {
	t.Helper()
	sock := NewMemSocket()
	c := svc.NewConn(sock, "test")
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" + chunked(body, size)
	for len(raw) > 0 {
		n := min(step, len(raw))
		feed(c, sock, raw[:n])
		raw = raw[n:]
	}
	return readResponses(t, sock.Output(), "POST")[0]
}

func TestChunkRoundTrip(t *testing.T) {
	const C = 8 * 1024
	svc := newEchoService(t)
	for _, n := range []int{0, 1, C - 1, C, C + 1, 10 * C} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			body := bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
			r := echoChunked(t, svc, body, C, len(body)+1024)
			if r.StatusCode != 200 {
				t.Fatalf("Expected 200, got %d", r.StatusCode)
			}
			if len(r.TransferEncoding) != 1 || r.TransferEncoding[0] != "chunked" {
				t.Errorf("Expected a chunked response, got %v", r.TransferEncoding)
			}
			if r.body != string(body) {
				t.Errorf("Body mismatch: sent %d bytes, got %d", n, len(r.body))
			}
		})
	}
}

func TestChunkPartialTokens(t *testing.T) {
	svc := newEchoService(t)
	body := []byte("The quick brown fox jumps over the lazy dog")
	for _, step := range []int{1, 2, 3, 7} {
		r := echoChunked(t, svc, body, 5, step)
		if r.body != string(body) {
			t.Errorf("step %d: expected %q, got %q", step, body, r.body)
		}
	}
}

func TestChunkTrailersAndExtensions(t *testing.T) {
	svc := newTestService(t)
	var trailer string
	handle(t, svc, "/", 0, func(c *Conn) {
		c.Write(c.ReadAll())
		if tr := c.Rx().Trailers; tr != nil {
			trailer = tr.Get("X-Checksum")
		}
	})

	sock := NewMemSocket()
	c := svc.NewConn(sock, "test")
	feed(c, sock, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3;name=value\r\nabc\r\n0\r\nX-Checksum: 42\r\n\r\n"+
		"GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	rs := readResponses(t, sock.Output(), "POST", "GET")
	if rs[0].body != "abc" || trailer != "42" {
		t.Errorf("Unexpected body %q trailer %q", rs[0].body, trailer)
	}
	if rs[0].ContentLength != 3 {
		t.Errorf("A complete short body is sent with a length, got %d", rs[0].ContentLength)
	}
	if rs[1].StatusCode != 200 {
		t.Errorf("Request after chunked body failed: %d", rs[1].StatusCode)
	}
}

func TestChunkWithoutFinalCRLF(t *testing.T) {
	tests := []struct {
		name  string
		input []string
	}{
		{"request in same read", []string{"3\r\nabc\r\n0\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n"}},
		{"request split", []string{"3\r\nabc\r\n0\r\nGE", "T /b HTTP/1.1\r\nHost: x\r\n\r\n"}},
		{"late CRLF", []string{"3\r\nabc\r\n0\r\n", "\r", "\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t)
			handle(t, svc, "/", 0, func(c *Conn) {
				c.WriteString(c.Rx().Path + ":")
				c.Write(c.ReadAll())
			})
			sock := NewMemSocket()
			c := svc.NewConn(sock, "test")
			feed(c, sock, "POST /a HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n")
			for _, in := range tt.input {
				feed(c, sock, in)
			}

			rs := readResponses(t, sock.Output(), "POST", "GET")
			if rs[0].body != "/a:abc" || rs[1].body != "/b:" {
				t.Errorf("Unexpected bodies %q and %q", rs[0].body, rs[1].body)
			}
			if c.Closed() {
				t.Error("Connection should stay open")
			}
		})
	}
}

func TestChunkErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad size", "zz\r\nabc\r\n0\r\n\r\n"},
		{"missing terminator", "3\r\nabcXY0\r\n\r\n"},
		{"size line too long", strings.Repeat("0", chunkScanWindow+10)},
		{"bad trailer", "3\r\nabc\r\n0\r\nX-Sum: 1\r\nno colon\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newEchoService(t)
			sock := NewMemSocket()
			c := svc.NewConn(sock, "test")
			feed(c, sock, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+tt.body)

			r := readResponses(t, sock.Output(), "POST")[0]
			if r.StatusCode != 400 {
				t.Errorf("Expected 400, got %d", r.StatusCode)
			}
			if !c.Closed() {
				t.Error("Bad chunking must close the connection")
			}
			var se *StatusError
			if !errors.As(c.Err(), &se) || se.Status != 400 || !errors.Is(se, ErrBadChunk) {
				t.Errorf("Unexpected error %v", c.Err())
			}
		})
	}
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		line string
		want int64
		ok   bool
	}{
		{"0", 0, true},
		{"1a", 26, true},
		{"FF;ext=1", 255, true},
		{" 10 ", 16, true},
		{"", 0, false},
		{";ext", 0, false},
		{"-1", 0, false},
		{"g", 0, false},
		{"12345678901234567", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseChunkSize([]byte(tt.line))
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseChunkSize(%q) = %d, %v, want %d, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func FuzzChunkRoundTrip(f *testing.F) {
	f.Add([]byte(""), uint8(1), uint8(1))
	f.Add([]byte("hello"), uint8(2), uint8(3))
	f.Add(bytes.Repeat([]byte("x"), 300), uint8(64), uint8(17))
	f.Fuzz(func(t *testing.T, body []byte, size, step uint8) {
		svc := newEchoService(t)
		r := echoChunked(t, svc, body, int(size)+1, int(step)+1)
		if r.body != string(body) {
			t.Fatalf("Expected %q, got %q", body, r.body)
		}
	})
}

func FuzzRequest(f *testing.F) {
	f.Add("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	f.Add("POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	f.Add("GET / HTTP/1.1\r\nHost: x\r\nRange: bytes=0-1,-5\r\n\r\n")
	f.Fuzz(func(t *testing.T, raw string) {
		svc := newEchoService(t)
		sock := NewMemSocket()
		c := svc.NewConn(sock, "test")
		feed(c, sock, raw)
		sock.CloseInput()
		c.IOEvent(IORead)
		if !c.Closed() {
			t.Fatalf("Connection left open in state %v after EOF", c.State())
		}
	})
}
