package rqheap

import "testing"

func lessInt(a, b int) bool { return a < b }

func TestInsertTakeOrder(t *testing.T) {
	h := New(lessInt)
	values := []int{30, 10, 20, 5, 40, 15}
	for _, v := range values {
		h.Insert(NewNode(v))
	}

	var out []int
	for !h.Empty() {
		out = append(out, h.Take().Value())
	}

	want := []int{5, 10, 15, 20, 30, 40}
	if len(out) != len(want) {
		t.Fatalf("got %v want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v want %v", out, want)
		}
	}
}

func TestPeekAndPeekNext(t *testing.T) {
	h := New(lessInt)
	if h.Peek() != nil || h.PeekNext() != nil {
		t.Fatal("empty heap should have nil peek/peek-next")
	}

	h.Insert(NewNode(50))
	if h.Peek().Value() != 50 {
		t.Fatal("single element should be min")
	}
	if h.PeekNext() != nil {
		t.Fatal("single element heap has no next")
	}

	h.Insert(NewNode(40))
	if h.Peek().Value() != 40 || h.PeekNext().Value() != 50 {
		t.Fatalf("expected min=40 next=50, got min=%v next=%v", h.Peek().Value(), h.PeekNext().Value())
	}

	h.Insert(NewNode(45))
	if h.Peek().Value() != 40 || h.PeekNext().Value() != 45 {
		t.Fatalf("expected min=40 next=45, got min=%v next=%v", h.Peek().Value(), h.PeekNext().Value())
	}
}

func TestTakeNextLeavesMin(t *testing.T) {
	h := New(lessInt)
	for _, v := range []int{1, 2, 3, 4, 5} {
		h.Insert(NewNode(v))
	}

	n := h.TakeNext()
	if n.Value() != 2 {
		t.Fatalf("expected take-next to return 2, got %v", n.Value())
	}
	if h.Peek().Value() != 1 {
		t.Fatal("take-next must not disturb min")
	}
	if h.PeekNext().Value() != 3 {
		t.Fatalf("expected new next to be 3, got %v", h.PeekNext().Value())
	}
}

func TestWalkVisitsEveryNode(t *testing.T) {
	h := New(lessInt)
	values := []int{9, 1, 5, 3, 7, 2, 8, 4, 6}
	for _, v := range values {
		h.Insert(NewNode(v))
	}

	seen := map[int]int{}
	h.Walk(func(n *Node[int]) {
		seen[n.Value()]++
	})
	if len(seen) != len(values) {
		t.Fatalf("expected to visit %d distinct nodes, saw %d", len(values), len(seen))
	}
	for _, v := range values {
		if seen[v] != 1 {
			t.Fatalf("value %d visited %d times, want 1", v, seen[v])
		}
	}
}

func TestLargeRandomOrdering(t *testing.T) {
	h := New(lessInt)
	n := 500
	// deterministic pseudo-shuffle, no math/rand needed for reproducibility
	perm := make([]int, n)
	for i := range perm {
		perm[i] = (i * 37) % n
	}
	for _, v := range perm {
		h.Insert(NewNode(v))
	}
	prev := -1
	count := 0
	for !h.Empty() {
		v := h.Take().Value()
		if v < prev {
			t.Fatalf("heap order violated: %d came after %d", v, prev)
		}
		prev = v
		count++
	}
	if count != n {
		t.Fatalf("expected %d elements extracted, got %d", n, count)
	}
}
