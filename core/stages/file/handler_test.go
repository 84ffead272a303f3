package file

import (
	"bufio"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/searchktools/stagehttp/core/http"
)

type fixture struct {
	svc     *http.Service
	handler *Handler
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "index.html"), []byte("<p>index</p>"), 0o644)

	svc := http.NewService(http.WithLogger(zaptest.NewLogger(t)))
	h := New(dir, nil)
	if err := svc.RegisterStage(h); err != nil {
		t.Fatal(err)
	}
	svc.AddLocation(http.NewLocation("/", nil).AddHandler(HandlerName))
	return &fixture{svc: svc, handler: h, dir: dir}
}

// do feeds raw requests to a fresh connection and parses the responses
func (f *fixture) do(t *testing.T, method, raw string) *nethttp.Response {
	t.Helper()
	sock := http.NewMemSocket()
	c := f.svc.NewConn(sock, "test")
	sock.Feed(raw)
	c.IOEvent(http.IORead)
	resp, err := nethttp.ReadResponse(bufio.NewReader(strings.NewReader(sock.Output())), &nethttp.Request{Method: method})
	if err != nil {
		t.Fatalf("bad response for %q: %v", raw, err)
	}
	return resp
}

func body(t *testing.T, resp *nethttp.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestServeFile(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n")

	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if got := body(t, resp); got != "hello world" {
		t.Errorf("Unexpected body %q", got)
	}
	if resp.ContentLength != 11 {
		t.Errorf("Expected Content-Length 11, got %d", resp.ContentLength)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Unexpected Content-Type %q", ct)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" || resp.Header.Get("ETag") == "" {
		t.Errorf("Missing validators: %v", resp.Header)
	}
}

func TestServeRange(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "GET /hello.txt HTTP/1.1\r\nHost: x\r\nRange: bytes=6-\r\n\r\n")

	if resp.StatusCode != 206 {
		t.Fatalf("Expected 206, got %d", resp.StatusCode)
	}
	if got := body(t, resp); got != "world" {
		t.Errorf("Unexpected body %q", got)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 6-10/11" {
		t.Errorf("Unexpected Content-Range %q", cr)
	}
}

func TestNotModified(t *testing.T) {
	f := newFixture(t)
	etag := f.do(t, "GET", "GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n").Header.Get("ETag")

	resp := f.do(t, "GET", "GET /hello.txt HTTP/1.1\r\nHost: x\r\nIf-None-Match: "+etag+"\r\n\r\n")
	if resp.StatusCode != 304 {
		t.Fatalf("Expected 304, got %d", resp.StatusCode)
	}
	if got := body(t, resp); got != "" {
		t.Errorf("304 must not carry a body, got %q", got)
	}

	if hits, _ := f.handler.Cache().Stats(); hits != 1 {
		t.Errorf("Expected one cache hit, got %d", hits)
	}
}

func TestHead(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "HEAD", "HEAD /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n")

	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") != "11" {
		t.Errorf("HEAD must report the entity length, got %q", resp.Header.Get("Content-Length"))
	}
}

func TestErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		raw    string
		status int
	}{
		{"GET /missing.txt HTTP/1.1\r\nHost: x\r\n\r\n", 404},
		{"GET /../hello.txt HTTP/1.1\r\nHost: x\r\n\r\n", 200},
		{"GET /../../etc/passwd HTTP/1.1\r\nHost: x\r\n\r\n", 404},
		{"POST /hello.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n", 405},
	}
	for _, tt := range tests {
		resp := f.do(t, "GET", tt.raw)
		if resp.StatusCode != tt.status {
			t.Errorf("%q: expected %d, got %d", tt.raw, tt.status, resp.StatusCode)
		}
	}
}

func TestDirectory(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "GET", "GET /sub HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != 301 {
		t.Fatalf("Expected 301, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/sub/" {
		t.Errorf("Unexpected Location %q", loc)
	}

	resp = f.do(t, "GET", "GET /sub/ HTTP/1.1\r\nHost: x\r\n\r\n")
	if got := body(t, resp); resp.StatusCode != 200 || got != "<p>index</p>" {
		t.Errorf("Expected index page, got %d %q", resp.StatusCode, got)
	}
}

func TestLocationDocuments(t *testing.T) {
	f := newFixture(t)
	other := t.TempDir()
	os.WriteFile(filepath.Join(other, "a.json"), []byte(`{}`), 0o644)

	loc := http.NewLocation("/assets", f.svc.DefaultLocation())
	loc.Data[DocumentsKey] = other
	f.svc.AddLocation(loc)

	resp := f.do(t, "GET", "GET /assets/a.json HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != 200 || body(t, resp) != "{}" {
		t.Fatalf("Expected a.json from the location root, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Unexpected Content-Type %q", ct)
	}
}
