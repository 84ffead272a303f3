package http

import (
	"errors"
	"strings"
	"testing"
)

func dataPacket(s string) *Packet {
	p := NewDataPacket(len(s))
	p.WriteString(s)
	return p
}

func TestSplitPacket(t *testing.T) {
	p := dataPacket("hello world")
	p.SetPrefix([]byte("<"))
	p.SetSuffix([]byte(">"))

	tail := SplitPacket(p, 5)
	if tail == nil {
		t.Fatal("Expected a tail packet")
	}
	if got := string(p.Bytes()); got != "hello" {
		t.Errorf("Expected head %q, got %q", "hello", got)
	}
	if got := string(tail.Bytes()); got != " world" {
		t.Errorf("Expected tail %q, got %q", " world", got)
	}
	if string(p.Prefix()) != "<" || p.Suffix() != nil {
		t.Errorf("Head should keep the prefix only, got %q %q", p.Prefix(), p.Suffix())
	}
	if tail.Prefix() != nil || string(tail.Suffix()) != ">" {
		t.Errorf("Tail should take the suffix only, got %q %q", tail.Prefix(), tail.Suffix())
	}
	if tail.Flags != PacketData {
		t.Errorf("Tail flags %v, want %v", tail.Flags, PacketData)
	}

	for _, offset := range []int{-1, 5, 6} {
		if SplitPacket(dataPacket("hello"), offset) != nil {
			t.Errorf("SplitPacket at %d should fail", offset)
		}
	}
}

func TestSplitEntityPacket(t *testing.T) {
	r := strings.NewReader("0123456789")
	p := NewEntityPacket(r, 2, 8)

	tail := SplitPacket(p, 3)
	if p.Len() != 3 || tail.Len() != 5 {
		t.Fatalf("Expected lengths 3 and 5, got %d and %d", p.Len(), tail.Len())
	}
	if _, pos := tail.Entity(); pos != 5 {
		t.Errorf("Expected tail position 5, got %d", pos)
	}
	if p.Bytes() != nil {
		t.Error("Deferred packets have no in-memory content")
	}

	p.Consume(2)
	if _, pos := p.Entity(); pos != 4 || p.Len() != 1 {
		t.Errorf("Expected position 4 length 1 after consume, got %d %d", pos, p.Len())
	}
}

func TestJoinPacket(t *testing.T) {
	p := dataPacket("abc")
	if err := JoinPacket(p, dataPacket("def")); err != nil {
		t.Fatal(err)
	}
	if got := string(p.Bytes()); got != "abcdef" {
		t.Errorf("Expected %q, got %q", "abcdef", got)
	}

	e := NewEntityPacket(strings.NewReader("x"), 0, 1)
	if err := JoinPacket(p, e); !errors.Is(err, ErrCannotJoin) {
		t.Errorf("Expected ErrCannotJoin, got %v", err)
	}
	if _, err := e.Write([]byte("y")); !errors.Is(err, ErrCannotJoin) {
		t.Errorf("Writing a deferred packet should fail, got %v", err)
	}
}

func TestPacketConsume(t *testing.T) {
	p := dataPacket("abcdef")
	p.Consume(2)
	if got := string(p.Bytes()); got != "cdef" {
		t.Errorf("Expected %q, got %q", "cdef", got)
	}
	p.Consume(100)
	if p.Len() != 0 {
		t.Errorf("Expected empty packet, got %d bytes", p.Len())
	}
	p.WriteString("xy")
	if got := string(p.Bytes()); got != "xy" {
		t.Errorf("Expected reuse after drain, got %q", got)
	}

	end := NewEndPacket()
	if end.Len() != 0 || !end.IsEnd() || end.IsData() {
		t.Error("END packet should be empty and not data")
	}
	if !NewHeaderPacket().IsHeader() {
		t.Error("Expected a header packet")
	}
}
