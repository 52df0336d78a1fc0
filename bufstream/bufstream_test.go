package bufstream

import (
	"bytes"
	"testing"

	"github.com/cppla/waterway/sbuf"
)

func chunk(b []byte) *sbuf.Buffer { return sbuf.FromBytes(append([]byte(nil), b...)) }

func TestViewAndReadExact(t *testing.T) {
	s := New(0)
	s.Push(chunk([]byte{0xAA, 0xBB}))
	s.Push(chunk([]byte{0xCC, 0xDD, 0xEE}))

	dst := make([]byte, 3)
	n := s.ViewBytesAt(1, dst, 3)
	if n != 3 {
		t.Fatalf("ViewBytesAt copied %d, want 3", n)
	}
	want := []byte{0xBB, 0xCC, 0xDD}
	if !bytes.Equal(dst, want) {
		t.Fatalf("ViewBytesAt = %x, want %x", dst, want)
	}

	got := s.ReadExact(4)
	if got == nil {
		t.Fatal("ReadExact(4) = nil")
	}
	if !bytes.Equal(got.View(), []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("ReadExact(4) = %x, want AABBCCDD", got.View())
	}
	if s.Len() != 1 {
		t.Fatalf("remaining length = %d, want 1", s.Len())
	}
}

func TestReadExactNoPartialReads(t *testing.T) {
	s := New(0)
	s.Push(chunk([]byte{1, 2, 3}))
	if got := s.ReadExact(10); got != nil {
		t.Fatal("ReadExact should return nil when insufficient bytes are buffered")
	}
	if s.Len() != 3 {
		t.Fatalf("ReadExact(too much) must not consume; Len() = %d, want 3", s.Len())
	}
}

func TestRoundTripPushReadExact(t *testing.T) {
	inputs := [][]byte{
		[]byte("hello, "),
		[]byte("world"),
		[]byte("!"),
	}
	s := New(0)
	var want []byte
	for _, in := range inputs {
		s.Push(chunk(in))
		want = append(want, in...)
	}
	got := s.ReadExact(len(want))
	if !bytes.Equal(got.View(), want) {
		t.Fatalf("round trip mismatch: got %q want %q", got.View(), want)
	}
}

func TestResetEmpties(t *testing.T) {
	s := New(0)
	s.Push(chunk([]byte{1, 2, 3}))
	s.Reset()
	if !s.Empty() {
		t.Fatal("stream not empty after Reset")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", s.Len())
	}
}

func TestReadExactPreservesLeftPad(t *testing.T) {
	s := New(8)
	s.Push(chunk([]byte{1, 2, 3, 4}))
	got := s.ReadExact(4)
	if got.ReservedLeft() < 8 {
		t.Fatalf("ReservedLeft() = %d, want >= 8", got.ReservedLeft())
	}
}
