package summary

import (
	"bytes"
	"testing"

	"github.com/glipari/concurrent-heap/dline"
)

func TestArrayHeapFindEmpty(t *testing.T) {
	h := NewArrayHeap(4, dline.After)
	if got := h.Find(); got != -1 {
		t.Fatalf("empty heap Find = %d, want -1", got)
	}
}

func TestArrayHeapPushOrdering(t *testing.T) {
	h := NewArrayHeap(4, dline.After)
	h.Preempt(0, 10, true)
	h.Preempt(1, 50, true)
	h.Preempt(2, 30, true)

	if got := h.Find(); got != 1 {
		t.Fatalf("Find() = %d, want 1 (latest deadline)", got)
	}
	if !h.Check() {
		t.Fatal("Check() failed after inserts")
	}
}

func TestArrayHeapPullOrdering(t *testing.T) {
	h := NewArrayHeap(4, dline.Before)
	h.Preempt(0, 10, true)
	h.Preempt(1, 50, true)
	h.Preempt(2, 30, true)

	if got := h.Find(); got != 0 {
		t.Fatalf("Find() = %d, want 0 (earliest deadline)", got)
	}
	if !h.Check() {
		t.Fatal("Check() failed after inserts")
	}
}

func TestArrayHeapChangeKeyReordersUp(t *testing.T) {
	h := NewArrayHeap(4, dline.After)
	h.Preempt(0, 10, true)
	h.Preempt(1, 20, true)
	h.Preempt(2, 30, true)

	h.Preempt(0, 100, true)
	if got := h.Find(); got != 0 {
		t.Fatalf("Find() = %d, want 0 after raising its key", got)
	}
	if !h.Check() {
		t.Fatal("Check() failed after change-key")
	}
}

func TestArrayHeapWithdrawAbsentIsNoop(t *testing.T) {
	h := NewArrayHeap(4, dline.After)
	h.Preempt(0, 10, true)
	h.Preempt(1, 0, false)
	if got := h.Find(); got != 0 {
		t.Fatalf("Find() = %d, want 0 after no-op withdrawal", got)
	}
	if !h.Check() {
		t.Fatal("Check() failed after no-op withdrawal")
	}
}

func TestArrayHeapWithdrawPresent(t *testing.T) {
	h := NewArrayHeap(4, dline.After)
	h.Preempt(0, 10, true)
	h.Preempt(1, 50, true)
	h.Preempt(2, 30, true)

	h.Preempt(1, 0, false)
	if got := h.Find(); got != 2 {
		t.Fatalf("Find() = %d, want 2 after withdrawing the max", got)
	}
	if !h.CheckCPU(1) {
		t.Fatal("CheckCPU(1) should be true for an absent CPU")
	}
	if !h.Check() {
		t.Fatal("Check() failed after withdrawal")
	}
}

func TestArrayHeapSaveProducesOutput(t *testing.T) {
	h := NewArrayHeap(3, dline.After)
	h.Preempt(0, 10, true)
	h.Preempt(1, 20, true)

	var buf bytes.Buffer
	if err := h.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("Save produced no output")
	}
}
