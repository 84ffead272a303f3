package http

import (
	"strings"
	"testing"
)

func TestHeader(t *testing.T) {
	h := NewHeader()
	h.Set("content-type", "text/plain")
	h.Add("X-Tag", "a")
	h.Add("x-tag", "b")
	h.Set("Server", "one")
	h.Set("SERVER", "two")

	if got := h.Get("X-TAG"); got != "a, b" {
		t.Errorf("Expected joined values, got %q", got)
	}
	if got := h.Get("server"); got != "two" {
		t.Errorf("Set should replace, got %q", got)
	}
	if h.Len() != 3 {
		t.Errorf("Expected 3 keys, got %d", h.Len())
	}

	var lines []string
	h.Each(func(k, v string) { lines = append(lines, k+": "+v) })
	want := "Content-Type: text/plain|X-Tag: a, b|Server: two"
	if got := strings.Join(lines, "|"); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	h.Del("x-tag")
	if h.Has("X-Tag") || h.Len() != 2 {
		t.Error("Del should remove the key")
	}
	if _, ok := h.Lookup("content-type"); !ok {
		t.Error("Lookup should find remaining keys")
	}
}

func TestCookieJoin(t *testing.T) {
	svc := newTestService(t)
	var cookie string
	handle(t, svc, "/", 0, func(c *Conn) { cookie = c.Rx().Cookie })

	sock := NewMemSocket()
	c := svc.NewConn(sock, "test")
	feed(c, sock, "GET / HTTP/1.1\r\nHost: x\r\nCookie: a=1\r\nCookie: b=2\r\n\r\n")
	if cookie != "a=1; b=2" {
		t.Errorf("Expected joined cookies, got %q", cookie)
	}
}
