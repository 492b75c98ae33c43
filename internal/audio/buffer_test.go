package audio

import (
	"bytes"
	"testing"
)

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	written := rb.Write([]byte{1, 2, 3, 4, 5})
	if written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	written = rb.Write([]byte{6, 7, 8})
	if written != 3 {
		t.Errorf("Expected to write 3 bytes, got %d", written)
	}
	if rb.Space() != 2 {
		t.Errorf("Expected space 2, got %d", rb.Space())
	}
}

func TestRingBuffer_WriteOverflowDrops(t *testing.T) {
	rb := NewRingBuffer(4)

	written := rb.Write([]byte{1, 2, 3, 4, 5, 6})
	if written != 4 {
		t.Errorf("Expected to write 4 bytes, got %d", written)
	}
	if !rb.IsFull() {
		t.Error("Expected buffer to be full")
	}
	if rb.Write([]byte{9}) != 0 {
		t.Error("Expected write into a full buffer to store nothing")
	}

	out := make([]byte, 4)
	rb.Read(out)
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected oldest bytes to survive, got %v", out)
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Write([]byte{1, 2, 3, 4})

	out := make([]byte, 3)
	if n := rb.Read(out); n != 3 {
		t.Fatalf("Expected to read 3 bytes, got %d", n)
	}

	// Tail wraps past the end of the backing array
	rb.Write([]byte{5, 6, 7, 8})

	all := make([]byte, 5)
	n := rb.Read(all)
	if n != 5 {
		t.Fatalf("Expected to read 5 bytes, got %d", n)
	}
	if !bytes.Equal(all, []byte{4, 5, 6, 7, 8}) {
		t.Errorf("Expected [4 5 6 7 8], got %v", all)
	}
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after draining")
	}
}

func TestRingBuffer_ReadFull(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte{1, 2, 3})

	frame := make([]byte, 4)
	if rb.ReadFull(frame) {
		t.Error("Expected ReadFull to refuse a partial frame")
	}
	if rb.Available() != 3 {
		t.Errorf("Expected partial data to stay buffered, got %d", rb.Available())
	}

	rb.Write([]byte{4})
	if !rb.ReadFull(frame) {
		t.Fatal("Expected ReadFull to succeed once a whole frame is buffered")
	}
	if !bytes.Equal(frame, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected [1 2 3 4], got %v", frame)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3})
	rb.Clear()

	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after clear")
	}
	if rb.Space() != 10 {
		t.Errorf("Expected full capacity after clear, got %d", rb.Space())
	}
}
