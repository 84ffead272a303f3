//go:build linux || darwin

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReadable(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	r, w := newPipe(t)
	if err := p.Add(r, Readable); err != nil {
		t.Fatalf("Add: %v", err)
	}

	events, err := p.Wait(0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("Expected no events, got %v", events)
	}

	unix.Write(w, []byte("x"))
	events, err = p.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != r || events[0].Events&Readable == 0 {
		t.Fatalf("Expected readable event on %d, got %v", r, events)
	}
}

func TestPollerWritableInterest(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	_, w := newPipe(t)
	if err := p.Add(w, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if events, _ := p.Wait(0); len(events) != 0 {
		t.Fatalf("Expected no events without interest, got %v", events)
	}

	if err := p.Modify(w, Writable); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	events, err := p.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || events[0].Events&Writable == 0 {
		t.Fatalf("Expected writable event, got %v", events)
	}

	if err := p.Remove(w); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if events, _ := p.Wait(0); len(events) != 0 {
		t.Fatalf("Expected no events after Remove, got %v", events)
	}
}

func TestPollerWake(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Wake()
	}()

	start := time.Now()
	events, err := p.Wait(5000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Wake must not surface as an event, got %v", events)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Wake did not interrupt Wait")
	}
}
