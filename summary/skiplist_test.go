package summary

import (
	"testing"

	"github.com/glipari/concurrent-heap/dline"
)

func TestSkiplistFindEmpty(t *testing.T) {
	s := NewSkiplist(4, dline.After)
	if got := s.Find(); got != -1 {
		t.Fatalf("Find() = %d, want -1", got)
	}
}

func TestSkiplistPushOrdering(t *testing.T) {
	s := NewSkiplist(4, dline.After)
	s.Preempt(0, 10, true)
	s.Preempt(1, 50, true)
	s.Preempt(2, 30, true)

	if got := s.Find(); got != 1 {
		t.Fatalf("Find() = %d, want 1 (latest deadline)", got)
	}
	if !s.Check() {
		t.Fatal("Check() failed after inserts")
	}
}

func TestSkiplistPullOrdering(t *testing.T) {
	s := NewSkiplist(4, dline.Before)
	s.Preempt(0, 10, true)
	s.Preempt(1, 50, true)
	s.Preempt(2, 30, true)

	if got := s.Find(); got != 0 {
		t.Fatalf("Find() = %d, want 0 (earliest deadline)", got)
	}
	if !s.Check() {
		t.Fatal("Check() failed after inserts")
	}
}

func TestSkiplistReinsertAfterWithdraw(t *testing.T) {
	s := NewSkiplist(4, dline.Before)
	s.Preempt(0, 10, true)
	s.Preempt(1, 20, true)

	s.Preempt(0, 0, false)
	if !s.CheckCPU(0) {
		t.Fatal("CheckCPU(0) should be true once detached")
	}
	if got := s.Find(); got != 1 {
		t.Fatalf("Find() = %d, want 1 after withdrawing the earlier deadline", got)
	}

	s.Preempt(0, 5, true)
	if got := s.Find(); got != 0 {
		t.Fatalf("Find() = %d, want 0 after reinserting with an earlier deadline", got)
	}
	if !s.Check() {
		t.Fatal("Check() failed after reinsert")
	}
}

func TestSkiplistManyLevels(t *testing.T) {
	s := NewSkiplist(32, dline.Before)
	for cpu := 0; cpu < 32; cpu++ {
		s.Preempt(cpu, uint64((cpu*7)%32), true)
	}
	if !s.Check() {
		t.Fatal("Check() failed after bulk insert")
	}
	for cpu := 0; cpu < 32; cpu++ {
		if !s.CheckCPU(cpu) {
			t.Fatalf("CheckCPU(%d) failed", cpu)
		}
	}
}
