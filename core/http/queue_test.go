package http

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

// newTestChain builds a transmit ring head -> a -> b on a bare connection
func newTestChain(t *testing.T) (*Conn, *Queue, *Queue) {
	t.Helper()
	svc := NewService(WithLogger(zaptest.NewLogger(t)))
	c := svc.newConn(NewMemSocket(), "test")
	head := newHeadQueue(c, "TxHead", QueueTx)
	a := createQueue(c, NewBaseStage("a", StageFilter), QueueTx, head)
	b := createQueue(c, NewBaseStage("b", StageFilter), QueueTx, a)
	return c, a, b
}

func TestQueueRing(t *testing.T) {
	_, a, b := newTestChain(t)
	if a.Next() != b || b.Prev() != a {
		t.Fatal("Queues are not linked")
	}
	if a.Prev() != nil || b.Next() != nil {
		t.Error("Chain ends should stop at the head")
	}
	if !a.nextQ.nextQ.IsHead() {
		t.Error("Ring should close through the head")
	}
}

func TestQueueSchedule(t *testing.T) {
	c, a, b := newTestChain(t)

	a.Schedule()
	b.Schedule()
	a.Schedule()
	if c.schedLen != 2 {
		t.Fatalf("A queue is scheduled at most once, got %d entries", c.schedLen)
	}
	if q := c.nextQueueForService(); q != a {
		t.Errorf("Expected FIFO order, got %s", q.Name)
	}

	b.Disable()
	c.ServiceQueues()
	if b.IsServiced() {
		t.Error("Disabled queue must not be serviced")
	}
	b.Enable()
	if !b.IsScheduled() {
		t.Error("Enable should schedule the queue")
	}
	c.ServiceQueues()
	if !b.IsServiced() || c.schedHead != nil {
		t.Error("Expected the schedule to drain")
	}
}

func TestQueueCount(t *testing.T) {
	_, a, _ := newTestChain(t)
	a.PutForService(dataPacket("12345"), false)
	a.PutForService(NewEndPacket(), false)
	a.PutBack(dataPacket("abc"))
	if a.Count() != 8 {
		t.Fatalf("Expected count 8, got %d", a.Count())
	}
	if got := string(a.GetPacket().Bytes()); got != "abc" {
		t.Errorf("PutBack should insert at the front, got %q", got)
	}
	if !a.hasEnd() {
		t.Error("Expected END to be queued")
	}

	a.DiscardData(true)
	if a.Count() != 0 {
		t.Errorf("Expected count 0 after discard, got %d", a.Count())
	}
	if p := a.GetPacket(); p == nil || !p.IsEnd() {
		t.Error("Discard must keep END")
	}
	if !a.IsEmpty() {
		t.Error("Expected an empty queue")
	}
}

func TestQueueBackpressure(t *testing.T) {
	c, a, b := newTestChain(t)
	b.Max, b.PacketSize, b.Low = 100, 100, 10

	b.PutForService(dataPacket(string(make([]byte, 90))), false)
	if a.WillNextQueueAcceptSize(20) {
		t.Fatal("20 bytes should not fit in 10 bytes of room")
	}
	if !a.IsDisabled() || !b.IsFull() || !b.IsScheduled() {
		t.Fatal("Refusal should disable the sender and mark the receiver full")
	}
	if !a.WillNextQueueAcceptSize(10) {
		t.Error("10 bytes should fit")
	}

	c.clearSchedule()
	b.GetPacket()
	if b.IsFull() {
		t.Error("Draining below the low mark should clear FULL")
	}
	if a.IsDisabled() || !a.IsScheduled() {
		t.Error("Draining below the low mark should re-enable the sender")
	}
}

func TestQueueRepeatedRefusal(t *testing.T) {
	c, a, b := newTestChain(t)
	b.Max, b.PacketSize, b.Low = 100, 100, 10
	b.PutForService(dataPacket(string(make([]byte, 100))), false)
	c.clearSchedule()

	p := dataPacket("0123456789")
	for i := 0; i < 3; i++ {
		if a.WillNextQueueAcceptPacket(p) {
			t.Fatalf("Attempt %d: a full queue accepted a packet", i+1)
		}
		if a.WillNextQueueAcceptSize(1) {
			t.Fatalf("Attempt %d: a full queue accepted a byte", i+1)
		}
	}
	if p.Len() != 10 || a.Count() != 0 {
		t.Errorf("Refusal must leave the packet alone, len %d count %d", p.Len(), a.Count())
	}
	if !a.IsDisabled() || !b.IsFull() {
		t.Fatal("Refusal should disable the sender and mark the receiver full")
	}
	if c.schedLen != 1 || c.nextQueueForService() != b {
		t.Fatalf("Receiver should be scheduled once, got %d entries", c.schedLen)
	}

	b.GetPacket()
	if a.IsDisabled() || b.IsFull() {
		t.Error("Draining should re-enable the sender")
	}
	if c.schedLen != 1 || c.nextQueueForService() != a {
		t.Errorf("Sender should be scheduled once, got %d entries", c.schedLen)
	}
}

func TestQueueResize(t *testing.T) {
	_, a, b := newTestChain(t)
	b.Max, b.PacketSize = 100, 40

	p := dataPacket(string(make([]byte, 100)))
	if !a.WillNextQueueAcceptPacket(p) {
		t.Fatal("Packet should be resized to fit")
	}
	if p.Len() != 40 {
		t.Errorf("Expected packet resized to 40, got %d", p.Len())
	}
	if a.Count() != 60 || a.First().Len() != 60 {
		t.Errorf("Expected remainder of 60 queued, got %d", a.Count())
	}

	b.PutForService(dataPacket(string(make([]byte, 100))), false)
	if a.WillNextQueueAcceptPacket(a.GetPacket()) {
		t.Error("Full queue should refuse")
	}
}
