package protocol

import (
	"bytes"
	"testing"
)

func TestSegment(t *testing.T) {
	seg := NewSegment(5)

	if !seg.Output([]byte{1, 2, 3}) {
		t.Fatal("Expected 3 bytes to fit in a 5 byte segment")
	}
	if seg.Output([]byte{4, 5, 6}) {
		t.Error("Expected 3 more bytes to be rejected")
	}
	if seg.Len() != 3 {
		t.Errorf("Expected length 3 after rejected write, got %d", seg.Len())
	}
	if !seg.Output([]byte{4, 5}) {
		t.Error("Expected exact fill to succeed")
	}

	result := seg.Result()
	if len(result) != 5 || result[4] != 5 {
		t.Errorf("Expected [1 2 3 4 5], got %v", result)
	}

	seg.Reset()
	if seg.Len() != 0 || seg.Cap() != 5 {
		t.Errorf("After reset, expected len 0 cap 5, got %d/%d", seg.Len(), seg.Cap())
	}
}

func TestRing(t *testing.T) {
	r := NewRing(10)

	if !r.IsEmpty() {
		t.Error("New ring should be empty")
	}
	if r.Free() != 10 {
		t.Errorf("Empty ring should have 10 free, got %d", r.Free())
	}

	if n := r.Write([]byte{1, 2, 3, 4, 5}); n != 5 {
		t.Errorf("Expected to write 5 bytes, wrote %d", n)
	}

	buf := make([]byte, 3)
	if n := r.Read(buf); n != 3 {
		t.Errorf("Expected to read 3 bytes, read %d", n)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Errorf("Read data mismatch: got %v", buf)
	}

	b, ok := r.PopByte()
	if !ok || b != 4 {
		t.Errorf("Expected PopByte to return 4, got %d (%v)", b, ok)
	}
	r.PopByte()
	if _, ok := r.PopByte(); ok {
		t.Error("PopByte on empty ring should fail")
	}

	r.Reset()
	if n := r.Write(make([]byte, 12)); n != 10 {
		t.Errorf("Expected to write 10 bytes to capacity-10 ring, wrote %d", n)
	}
	if r.Free() != 0 {
		t.Errorf("Expected full ring, got %d free", r.Free())
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte{1, 2, 3, 4})
	r.Read(make([]byte, 2))

	if n := r.Write([]byte{5, 6, 7}); n != 2 {
		t.Errorf("Expected to write 2 bytes, wrote %d", n)
	}

	buf := make([]byte, 8)
	n := r.Read(buf)
	if !bytes.Equal(buf[:n], []byte{3, 4, 5, 6}) {
		t.Errorf("Wrapped read mismatch: got %v", buf[:n])
	}
	if !r.IsEmpty() {
		t.Errorf("Expected empty ring, got %d available", r.Available())
	}
}
