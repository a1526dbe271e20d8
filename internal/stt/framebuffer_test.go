package stt

import "testing"

func TestFrameBuffer_DropsOldestOnOverflow(t *testing.T) {
	b := newFrameBuffer(2)
	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))

	got := b.DrainInOrder()
	if len(got) != 2 {
		t.Fatalf("expected 2 frames after overflow, got %d", len(got))
	}
	if string(got[0]) != "b" || string(got[1]) != "c" {
		t.Errorf("expected [b c], got [%s %s]", got[0], got[1])
	}
}

func TestFrameBuffer_DrainInOrderClears(t *testing.T) {
	b := newFrameBuffer(5)
	b.Push([]byte("x"))
	b.Push([]byte("y"))

	first := b.DrainInOrder()
	if len(first) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(first))
	}

	second := b.DrainInOrder()
	if len(second) != 0 {
		t.Errorf("expected buffer to be empty after drain, got %d frames", len(second))
	}
}

func TestFrameBuffer_Clear(t *testing.T) {
	b := newFrameBuffer(5)
	b.Push([]byte("x"))
	b.Push([]byte("y"))
	b.Clear()

	if b.Len() != 0 {
		t.Errorf("expected empty buffer after Clear, got %d", b.Len())
	}
}

func TestFrameBuffer_Len(t *testing.T) {
	b := newFrameBuffer(10)
	if b.Len() != 0 {
		t.Errorf("expected empty new buffer, got %d", b.Len())
	}
	b.Push([]byte("frame"))
	if b.Len() != 1 {
		t.Errorf("expected 1 frame, got %d", b.Len())
	}
}
