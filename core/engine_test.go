package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/searchktools/stagehttp/core/http"
)

func startEngine(t *testing.T, e *Engine) (string, func()) {
	t.Helper()
	if err := e.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("engine did not stop")
		}
	}
	return "http://" + e.Addr().String(), stop
}

func get(t *testing.T, client *nethttp.Client, url string) (int, string) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s body: %v", url, err)
	}
	return resp.StatusCode, string(b)
}

func TestEngineServe(t *testing.T) {
	e := NewEngine(WithLogger(zaptest.NewLogger(t)), WithWorkers(2), WithShutdownGrace(time.Second))
	e.GET("/hello", func(c *http.Conn) { c.WriteString("Hello, World!") })
	e.Handle("/threaded", http.MethodGet|http.StageThread, func(c *http.Conn) {
		time.Sleep(10 * time.Millisecond)
		c.WriteString("from a worker")
	})
	e.POST("/echo", func(c *http.Conn) { c.Write(c.ReadAll()) })

	base, stop := startEngine(t, e)
	client := &nethttp.Client{Timeout: 5 * time.Second}

	if code, body := get(t, client, base+"/hello"); code != 200 || body != "Hello, World!" {
		t.Errorf("Unexpected /hello response %d %q", code, body)
	}
	for i := 0; i < 3; i++ {
		if code, body := get(t, client, base+"/threaded"); code != 200 || body != "from a worker" {
			t.Errorf("Unexpected /threaded response %d %q", code, body)
		}
	}
	if code, _ := get(t, client, base+"/missing"); code != 404 {
		t.Errorf("Expected 404, got %d", code)
	}

	payload := bytes.Repeat([]byte("stagehttp "), 20000)
	resp, err := client.Post(base+"/echo", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	echoed, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil || !bytes.Equal(echoed, payload) {
		t.Errorf("Echo mismatch: sent %d bytes, got %d (%v)", len(payload), len(echoed), err)
	}

	st := e.Stats()
	if st.Service.Requests < 5 || st.Workers.TasksCompleted < 2 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if !strings.Contains(e.StatsText(), "Engine Statistics") || !strings.Contains(e.StatsJSON(), `"service"`) {
		t.Error("Stats renderings are incomplete")
	}

	client.CloseIdleConnections()
	stop()
}

func TestEngineMethodRoutes(t *testing.T) {
	e := NewEngine(WithLogger(zaptest.NewLogger(t)))
	e.GET("/item", func(c *http.Conn) { c.WriteString("read") })
	e.DELETE("/item", func(c *http.Conn) { c.WriteString("deleted") })

	base, stop := startEngine(t, e)
	client := &nethttp.Client{Timeout: 5 * time.Second}

	if code, body := get(t, client, base+"/item"); code != 200 || body != "read" {
		t.Errorf("Unexpected GET response %d %q", code, body)
	}
	req, _ := nethttp.NewRequest("DELETE", base+"/item", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "deleted" {
		t.Errorf("Unexpected DELETE response %d %q", resp.StatusCode, body)
	}
	req, _ = nethttp.NewRequest("PUT", base+"/item", strings.NewReader("x"))
	if resp, err = client.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 405 {
		t.Errorf("Expected 405 for PUT, got %d", resp.StatusCode)
	}

	client.CloseIdleConnections()
	stop()
}

func TestEngineMaxConnections(t *testing.T) {
	e := NewEngine(WithLogger(zaptest.NewLogger(t)), WithMaxConnections(0))
	e.GET("/", func(c *http.Conn) { c.WriteString("unreachable") })

	base, stop := startEngine(t, e)
	client := &nethttp.Client{Timeout: 5 * time.Second}
	if _, err := client.Get(base + "/"); err == nil {
		t.Error("Expected the connection to be refused")
	}
	stop()
}

func TestServeWithoutListen(t *testing.T) {
	e := NewEngine()
	if err := e.Serve(context.Background()); !errors.Is(err, ErrNotListening) {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close of an idle engine: %v", err)
	}
}
