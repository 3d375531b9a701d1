package summary

import (
	"fmt"
	"io"
	"sync"

	"github.com/glipari/concurrent-heap/dline"
)

const invalidIdx = -1

// ArrayHeap is a summary structure backed by a flat array heap plus a
// CPU-to-index inverse map, guarded by a single spinlock-style mutex.
// Updating any CPU's key is O(log n); Find is O(1).
type ArrayHeap struct {
	mu sync.Mutex

	elements []entry
	cpuToIdx []int
	size     int

	// better(a, b) reports whether deadline a should sit closer to the
	// root than deadline b. The push instance uses dline.After (max
	// heap); the pull instance uses dline.Before (min heap).
	better func(a, b uint64) bool
}

// NewArrayHeap creates an array heap for n CPUs, ordered by better.
func NewArrayHeap(n int, better func(a, b uint64) bool) *ArrayHeap {
	h := &ArrayHeap{
		elements: make([]entry, n),
		cpuToIdx: make([]int, n),
		better:   better,
	}
	for i := range h.cpuToIdx {
		h.cpuToIdx[i] = invalidIdx
	}
	return h
}

func (h *ArrayHeap) swap(i, j int) {
	// capture both cpu values before mutating cpuToIdx, so neither
	// write reads back a value the other write just clobbered.
	ci, cj := h.elements[i].cpu, h.elements[j].cpu
	h.elements[i], h.elements[j] = h.elements[j], h.elements[i]
	h.cpuToIdx[ci] = j
	h.cpuToIdx[cj] = i
}

func parentOf(i int) int { return (i - 1) >> 1 }
func leftOf(i int) int   { return 2*i + 1 }
func rightOf(i int) int  { return 2*i + 2 }

func (h *ArrayHeap) siftUp(i int) {
	for i > 0 {
		p := parentOf(i)
		if !h.better(h.elements[i].dl, h.elements[p].dl) {
			break
		}
		h.swap(i, p)
		i = p
	}
}

func (h *ArrayHeap) siftDown(i int) {
	for {
		best := i
		if l := leftOf(i); l < h.size && h.better(h.elements[l].dl, h.elements[best].dl) {
			best = l
		}
		if r := rightOf(i); r < h.size && h.better(h.elements[r].dl, h.elements[best].dl) {
			best = r
		}
		if best == i {
			return
		}
		h.swap(i, best)
		i = best
	}
}

// changeKey applies a single-direction fix after a key change in place:
// if the new key improved the element's standing, sift up; if it
// worsened, sift down. A key that is unchanged needs no movement.
func (h *ArrayHeap) changeKey(i int, oldDl, newDl uint64) {
	switch {
	case h.better(newDl, oldDl):
		h.siftUp(i)
	case h.better(oldDl, newDl):
		h.siftDown(i)
	}
}

func (h *ArrayHeap) set(cpu int, dl uint64, valid bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.cpuToIdx[cpu]

	if !valid {
		if idx == invalidIdx {
			// withdrawing an absent CPU is a no-op: this is the
			// resolution of the array-heap withdrawal-on-absent
			// ambiguity.
			return
		}
		last := h.size - 1
		h.elements[idx] = h.elements[last]
		h.cpuToIdx[h.elements[idx].cpu] = idx
		h.cpuToIdx[cpu] = invalidIdx
		h.size--
		if idx < h.size {
			h.siftUp(idx)
			h.siftDown(idx)
		}
		return
	}

	if idx == invalidIdx {
		idx = h.size
		h.elements[idx] = entry{cpu: cpu, dl: dl}
		h.cpuToIdx[cpu] = idx
		h.size++
		h.siftUp(idx)
		return
	}

	oldDl := h.elements[idx].dl
	h.elements[idx].dl = dl
	h.changeKey(idx, oldDl, dl)
}

func (h *ArrayHeap) Preempt(cpu int, dl uint64, valid bool) { h.set(cpu, dl, valid) }
func (h *ArrayHeap) Finish(cpu int, dl uint64, valid bool)  { h.set(cpu, dl, valid) }

func (h *ArrayHeap) Find() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return -1
	}
	return h.elements[0].cpu
}

func (h *ArrayHeap) Max() int { return h.Find() }

func (h *ArrayHeap) Check() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for cpu, idx := range h.cpuToIdx {
		if idx == invalidIdx {
			continue
		}
		if idx < 0 || idx >= h.size || h.elements[idx].cpu != cpu {
			return false
		}
	}
	for i := 0; i < h.size; i++ {
		if h.cpuToIdx[h.elements[i].cpu] != i {
			return false
		}
		if l := leftOf(i); l < h.size && h.better(h.elements[l].dl, h.elements[i].dl) {
			return false
		}
		if r := rightOf(i); r < h.size && h.better(h.elements[r].dl, h.elements[i].dl) {
			return false
		}
	}
	return true
}

func (h *ArrayHeap) CheckCPU(cpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.cpuToIdx[cpu]
	if idx == invalidIdx {
		return true
	}
	if h.elements[idx].cpu != cpu {
		return false
	}
	if idx == 0 {
		return true
	}
	p := parentOf(idx)
	return !h.better(h.elements[idx].dl, h.elements[p].dl)
}

func (h *ArrayHeap) Get(cpu int) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.cpuToIdx[cpu]
	if idx == invalidIdx {
		return dline.Invalid, false
	}
	return h.elements[idx].dl, true
}

func (h *ArrayHeap) Print(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(w, "----ArrayHeap----\n")
	for i := 0; i < h.size; i++ {
		fmt.Fprintf(w, "[%d] cpu=%d dl=%d\n", i, h.elements[i].cpu, h.elements[i].dl)
	}
	fmt.Fprintf(w, "----End ArrayHeap----\n")
}

func (h *ArrayHeap) Save(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < h.size; i++ {
		if _, err := fmt.Fprintf(w, "%d %d\n", h.elements[i].cpu, h.elements[i].dl); err != nil {
			return err
		}
	}
	return nil
}
