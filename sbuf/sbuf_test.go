package sbuf

import (
	"bytes"
	"testing"
)

func TestAllocateZeroLength(t *testing.T) {
	b := Allocate(64, 8)
	if b.Length() != 0 {
		t.Fatalf("Length() = %d, want 0", b.Length())
	}
	if b.ReservedLeft() < 8 {
		t.Fatalf("ReservedLeft() = %d, want >= 8", b.ReservedLeft())
	}
}

func TestShiftLeftThenShiftRightIsIdentity(t *testing.T) {
	b := Allocate(16, 8)
	if err := b.Append([]byte("payload!"), 8); err != nil {
		t.Fatal(err)
	}
	before := append([]byte(nil), b.View()...)

	header := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	copy(b.ReservedLeftSlice(4), header)
	if err := b.ShiftLeft(4); err != nil {
		t.Fatal(err)
	}
	if got := b.View()[:4]; !bytes.Equal(got, header) {
		t.Fatalf("header after ShiftLeft = %x, want %x", got, header)
	}
	if err := b.ShiftRight(4); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.View(), before) {
		t.Fatalf("ShiftLeft+ShiftRight not identity: got %x want %x", b.View(), before)
	}
}

func TestShiftLeftFailsBeyondReservation(t *testing.T) {
	b := Allocate(16, 4)
	if err := b.ShiftLeft(5); err == nil {
		t.Fatal("expected error shifting left beyond reservation")
	}
}

func TestShiftRightFailsBeyondLength(t *testing.T) {
	b := Allocate(16, 0)
	if err := b.Append([]byte("ab"), 2); err != nil {
		t.Fatal(err)
	}
	if err := b.ShiftRight(3); err == nil {
		t.Fatal("expected error shifting right beyond length")
	}
}

func TestAppendFailsBeyondReservedRight(t *testing.T) {
	b := Allocate(4, 0)
	if err := b.Append([]byte("abcd"), 4); err != nil {
		t.Fatal(err)
	}
	if err := b.Append([]byte("e"), 1); err == nil {
		t.Fatal("expected error appending beyond reserved-right")
	}
}

func TestRetainRelease(t *testing.T) {
	b := Allocate(4, 0)
	if b.Refs() != 1 {
		t.Fatalf("initial refs = %d, want 1", b.Refs())
	}
	b.Retain()
	if got := b.Refs(); got != 2 {
		t.Fatalf("refs after Retain = %d, want 2", got)
	}
	if r := b.Release(); r != 1 {
		t.Fatalf("Release() = %d, want 1", r)
	}
	if r := b.Release(); r != 0 {
		t.Fatalf("Release() = %d, want 0", r)
	}
}

func TestClonePreservesContentAndReservations(t *testing.T) {
	b := Allocate(16, 8)
	_ = b.Append([]byte("hello"), 5)
	_ = b.ShiftLeft(2)

	c := b.Clone()
	if !bytes.Equal(b.View(), c.View()) {
		t.Fatalf("clone content mismatch: %x vs %x", b.View(), c.View())
	}
	if c.ReservedLeft() != b.ReservedLeft() || c.ReservedRight() != b.ReservedRight() {
		t.Fatalf("clone reservations = %d/%d, want %d/%d",
			c.ReservedLeft(), c.ReservedRight(), b.ReservedLeft(), b.ReservedRight())
	}
	// mutate original, clone must be unaffected
	b.View()[0] = 0xFF
	if c.View()[0] == 0xFF {
		t.Fatal("clone shares backing store with original")
	}
}
