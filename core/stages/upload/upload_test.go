package upload

import (
	"bufio"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/searchktools/stagehttp/core/http"
)

const fileContent = "hello\r\n--not the boundary\r\nworld"

var form = "preamble\r\n" +
	"--XyZ\r\n" +
	"Content-Disposition: form-data; name=\"title\"\r\n\r\n" +
	"My file\r\n" +
	"--XyZ\r\n" +
	"Content-Disposition: form-data; name=\"doc\"; filename=\"a.txt\"\r\n" +
	"Content-Type: text/plain\r\n\r\n" +
	fileContent + "\r\n" +
	"--XyZ--\r\n"

func newService(t *testing.T, f *Filter, opts ...http.Option) *http.Service {
	t.Helper()
	svc := http.NewService(append(opts, http.WithLogger(zaptest.NewLogger(t)))...)
	svc.RegisterStage(f)
	svc.RegisterStage(http.NewHandler("form", 0, func(c *http.Conn) {
		rx := c.Rx()
		fmt.Fprintf(c, "title=%s\n", rx.Param("title"))
		for _, uf := range rx.Files {
			data, err := os.ReadFile(uf.Path)
			if err != nil {
				c.Error(http.StatusInternalServerError, "%v", err)
				return
			}
			fmt.Fprintf(c, "%s:%s:%s:%d:%s\n", uf.Field, uf.Filename, uf.ContentType, uf.Size, data)
		}
	}))
	svc.AddLocation(http.NewLocation("/upload", svc.DefaultLocation()).
		SetHandler("form").
		AddInputFilter(FilterName))
	return svc
}

// post sends body in pieces of step bytes, driving the connection after each
func post(t *testing.T, svc *http.Service, body string, step int) *nethttp.Response {
	t.Helper()
	raw := "POST /upload HTTP/1.1\r\nHost: x\r\n" +
		"Content-Type: multipart/form-data; boundary=XyZ\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body

	sock := http.NewMemSocket()
	c := svc.NewConn(sock, "test")
	for len(raw) > 0 {
		n := min(step, len(raw))
		sock.Feed(raw[:n])
		raw = raw[n:]
		c.IOEvent(http.IORead)
	}
	resp, err := nethttp.ReadResponse(bufio.NewReader(strings.NewReader(sock.Output())), nil)
	if err != nil {
		t.Fatalf("bad response: %v", err)
	}
	return resp
}

func TestUpload(t *testing.T) {
	for _, step := range []int{1, 7, 64, 1 << 20} {
		t.Run(strconv.Itoa(step), func(t *testing.T) {
			dir := t.TempDir()
			svc := newService(t, New(DirStore{Dir: dir}))

			resp := post(t, svc, form, step)
			b, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != 200 {
				t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, b)
			}
			want := fmt.Sprintf("title=My file\ndoc:a.txt:text/plain:%d:%s\n", len(fileContent), fileContent)
			if string(b) != want {
				t.Errorf("Expected %q, got %q", want, b)
			}

			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Errorf("Upload files not removed: %v", entries)
			}
		})
	}
}

func TestUploadKeepFiles(t *testing.T) {
	dir := t.TempDir()
	f := New(DirStore{Dir: dir})
	f.KeepFiles = true
	svc := newService(t, f)

	if resp := post(t, svc, form, 1<<20); resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 kept file, got %d", len(entries))
	}
}

func TestUploadTooLarge(t *testing.T) {
	limits := http.DefaultLimits()
	limits.UploadSize = 8
	svc := newService(t, New(DirStore{Dir: t.TempDir()}), http.WithLimits(limits))

	if resp := post(t, svc, form, 16); resp.StatusCode != 413 {
		t.Errorf("Expected 413, got %d", resp.StatusCode)
	}
}

func TestUploadMalformed(t *testing.T) {
	svc := newService(t, New(DirStore{Dir: t.TempDir()}))

	tests := map[string]string{
		"unterminated": "--XyZ\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\nvalue",
		"no name":      "--XyZ\r\nContent-Disposition: form-data\r\n\r\nvalue\r\n--XyZ--\r\n",
		"bad boundary": "--XyZ!!\r\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if resp := post(t, svc, body, 5); resp.StatusCode != 400 {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestLocationDir(t *testing.T) {
	dir := t.TempDir()
	f := New(nil)
	f.KeepFiles = true
	svc := newService(t, f)
	svc.Location("/upload").Data[DirKey] = dir

	if resp := post(t, svc, form, 1<<20); resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Errorf("Expected the upload in the location directory, got %d files", len(entries))
	}
}
