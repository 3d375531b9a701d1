package summary

import (
	"sync"
	"testing"

	"github.com/glipari/concurrent-heap/dline"
)

func TestFCSkiplistFindEmpty(t *testing.T) {
	for _, flavor := range []PubListFlavor{PubListLinked, PubListBitmap} {
		f := NewFCSkiplist(4, dline.After, flavor, 4)
		if got := f.Find(); got != -1 {
			t.Fatalf("flavor %v: Find() = %d, want -1", flavor, got)
		}
	}
}

func TestFCSkiplistPushOrdering(t *testing.T) {
	for _, flavor := range []PubListFlavor{PubListLinked, PubListBitmap} {
		f := NewFCSkiplist(4, dline.After, flavor, 4)
		f.Preempt(0, 10, true)
		f.Preempt(1, 50, true)
		f.Preempt(2, 30, true)

		if got := f.Find(); got != 1 {
			t.Fatalf("flavor %v: Find() = %d, want 1", flavor, got)
		}
		if !f.Check() {
			t.Fatalf("flavor %v: Check() failed", flavor)
		}
	}
}

func TestFCSkiplistWithdraw(t *testing.T) {
	for _, flavor := range []PubListFlavor{PubListLinked, PubListBitmap} {
		f := NewFCSkiplist(4, dline.Before, flavor, 4)
		f.Preempt(0, 10, true)
		f.Preempt(1, 20, true)

		f.Preempt(0, 0, false)
		if !f.Check() {
			t.Fatalf("flavor %v: Check() failed after withdraw", flavor)
		}
		if got := f.Find(); got != 1 {
			t.Fatalf("flavor %v: Find() = %d, want 1 after withdrawing cpu 0", flavor, got)
		}
	}
}

func TestFCSkiplistCheckCPUAlwaysTrue(t *testing.T) {
	f := NewFCSkiplist(4, dline.Before, PubListLinked, 4)
	if !f.CheckCPU(0) {
		t.Fatal("CheckCPU should always succeed for the FC skiplist")
	}
	f.Preempt(0, 10, true)
	if !f.CheckCPU(0) {
		t.Fatal("CheckCPU should always succeed for the FC skiplist")
	}
}

func TestFCSkiplistConcurrentPreempts(t *testing.T) {
	for _, flavor := range []PubListFlavor{PubListLinked, PubListBitmap} {
		const n = 16
		f := NewFCSkiplist(n, dline.Before, flavor, 8)

		var wg sync.WaitGroup
		for cpu := 0; cpu < n; cpu++ {
			wg.Add(1)
			go func(cpu int) {
				defer wg.Done()
				for dl := uint64(1); dl <= 20; dl++ {
					f.Preempt(cpu, dl, true)
				}
			}(cpu)
		}
		wg.Wait()

		if !f.Check() {
			t.Fatalf("flavor %v: Check() failed after concurrent preempts", flavor)
		}
		best := f.Find()
		if best < 0 || best >= n {
			t.Fatalf("flavor %v: Find() = %d out of range", flavor, best)
		}
	}
}

func TestBitmapBackendRejectsTooManyCPUs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for >64 CPU bitmap backend")
		}
	}()
	newBitmapBackend(65, 4)
}
