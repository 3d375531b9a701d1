package summary

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// lockedNode is one CPU's permanent slot identity: cpu never changes,
// but position moves as the node is swapped around the array during
// sifting. Position is atomic so a reader can snapshot it without first
// acquiring the node's own mutex, the starting point of the root-to-leaf
// locking protocol below.
type lockedNode struct {
	mu       sync.Mutex
	cpu      int
	dl       uint64
	valid    bool
	position atomic.Int32
}

type lockedSlot struct {
	node *lockedNode
}

// LockedHeap is a summary structure backed by a dense binary heap of N
// permanently-present per-CPU nodes (one per CPU, always valid-or-not,
// never added or removed), each slot guarded by its own mutex. Every
// operation locks strictly in root-to-leaf order, which is what makes it
// deadlock-free without any other lock-ordering rule: a thread updating
// one CPU's deadline locks the path from the root down to that CPU's
// current position, performs the corresponding sift, then continues
// locking further downward (hand-over-hand) if a sift-down past that
// position is required.
type LockedHeap struct {
	slots  []lockedSlot
	nodes  []*lockedNode
	better func(a, b uint64) bool
}

// NewLockedHeap creates a locked binary heap for n CPUs, ordered by
// better. All n CPUs are present from the start, initially invalid.
func NewLockedHeap(n int, better func(a, b uint64) bool) *LockedHeap {
	h := &LockedHeap{
		slots:  make([]lockedSlot, n),
		nodes:  make([]*lockedNode, n),
		better: better,
	}
	for cpu := 0; cpu < n; cpu++ {
		node := &lockedNode{cpu: cpu}
		node.position.Store(int32(cpu))
		h.nodes[cpu] = node
		h.slots[cpu].node = node
	}
	return h
}

func (h *LockedHeap) betterNode(a, b *lockedNode) bool {
	if a.valid != b.valid {
		return a.valid
	}
	if !a.valid {
		return false
	}
	return h.better(a.dl, b.dl)
}

func (h *LockedHeap) swapSlots(i, j int) {
	ni, nj := h.slots[i].node, h.slots[j].node
	h.slots[i].node, h.slots[j].node = nj, ni
	ni.position.Store(int32(j))
	nj.position.Store(int32(i))
}

func indexPathToRoot(pos int) []int {
	path := []int{pos}
	for path[len(path)-1] != 0 {
		path = append(path, parentOf(path[len(path)-1]))
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// siftDownLocked assumes slots[i] is already locked by the caller, and
// releases every lock it acquires along the way, including slots[i]
// itself, by the time it returns.
func (h *LockedHeap) siftDownLocked(i int) {
	n := len(h.slots)
	for {
		l, r := leftOf(i), rightOf(i)
		best := i
		lLocked, rLocked := false, false

		if l < n {
			h.slots[l].node.mu.Lock()
			lLocked = true
			if h.betterNode(h.slots[l].node, h.slots[best].node) {
				best = l
			}
		}
		if r < n {
			h.slots[r].node.mu.Lock()
			rLocked = true
			if h.betterNode(h.slots[r].node, h.slots[best].node) {
				best = r
			}
		}

		if best == i {
			if lLocked {
				h.slots[l].node.mu.Unlock()
			}
			if rLocked {
				h.slots[r].node.mu.Unlock()
			}
			h.slots[i].node.mu.Unlock()
			return
		}

		h.swapSlots(i, best)
		if best == l {
			if rLocked {
				h.slots[r].node.mu.Unlock()
			}
		} else {
			if lLocked {
				h.slots[l].node.mu.Unlock()
			}
		}
		h.slots[i].node.mu.Unlock()
		i = best
	}
}

func (h *LockedHeap) set(cpu int, dl uint64, valid bool) {
	node := h.nodes[cpu]

	for {
		pos := int(node.position.Load())
		path := indexPathToRoot(pos)

		for _, idx := range path {
			h.slots[idx].node.mu.Lock()
		}

		if h.slots[pos].node != node {
			// the node moved out from under us between the
			// optimistic read and acquiring the locks; retry.
			for _, idx := range path {
				h.slots[idx].node.mu.Unlock()
			}
			continue
		}

		node.dl = dl
		node.valid = valid

		i := len(path) - 1
		for i > 0 {
			parentIdx := path[i-1]
			curIdx := path[i]
			if !h.betterNode(h.slots[curIdx].node, h.slots[parentIdx].node) {
				break
			}
			h.swapSlots(curIdx, parentIdx)
			i--
		}
		finalPos := path[i]

		if i < len(path)-1 {
			// an upward swap occurred: finalPos is already correctly
			// placed relative to its subtree, so no downward fix is
			// needed. Release the whole locked path, including the
			// descendants of finalPos still held from the optimistic
			// lock above.
			for k := 0; k < len(path); k++ {
				h.slots[path[k]].node.mu.Unlock()
			}
			return
		}

		for k := 0; k < i; k++ {
			h.slots[path[k]].node.mu.Unlock()
		}

		h.siftDownLocked(finalPos)
		return
	}
}

func (h *LockedHeap) Preempt(cpu int, dl uint64, valid bool) { h.set(cpu, dl, valid) }
func (h *LockedHeap) Finish(cpu int, dl uint64, valid bool)  { h.set(cpu, dl, valid) }

func (h *LockedHeap) Find() int {
	root := h.slots[0].node
	root.mu.Lock()
	defer root.mu.Unlock()
	if !root.valid {
		return -1
	}
	return root.cpu
}

func (h *LockedHeap) Max() int { return h.Find() }

func (h *LockedHeap) Check() bool {
	n := len(h.slots)
	sum := 0
	for i := 0; i < n; i++ {
		node := h.slots[i].node
		node.mu.Lock()
		sum += node.cpu + 1
		if int(node.position.Load()) != i {
			node.mu.Unlock()
			return false
		}
		if l := leftOf(i); l < n && h.betterNode(h.slots[l].node, node) {
			node.mu.Unlock()
			return false
		}
		if r := rightOf(i); r < n && h.betterNode(h.slots[r].node, node) {
			node.mu.Unlock()
			return false
		}
		node.mu.Unlock()
	}
	return sum == n*(n+1)/2
}

func (h *LockedHeap) CheckCPU(cpu int) bool {
	node := h.nodes[cpu]
	node.mu.Lock()
	defer node.mu.Unlock()
	pos := int(node.position.Load())
	if h.slots[pos].node != node {
		return false
	}
	if pos == 0 {
		return true
	}
	parent := h.slots[parentOf(pos)].node
	return !h.betterNode(node, parent)
}

func (h *LockedHeap) Get(cpu int) (uint64, bool) {
	node := h.nodes[cpu]
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.dl, node.valid
}

func (h *LockedHeap) Print(w io.Writer) {
	fmt.Fprintf(w, "----LockedHeap----\n")
	for i, s := range h.slots {
		s.node.mu.Lock()
		fmt.Fprintf(w, "[%d] cpu=%d dl=%d valid=%v\n", i, s.node.cpu, s.node.dl, s.node.valid)
		s.node.mu.Unlock()
	}
	fmt.Fprintf(w, "----End LockedHeap----\n")
}

func (h *LockedHeap) Save(w io.Writer) error {
	for _, s := range h.slots {
		s.node.mu.Lock()
		_, err := fmt.Fprintf(w, "%d %d %v\n", s.node.cpu, s.node.dl, s.node.valid)
		s.node.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
