package summary

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

const (
	maxLevel  = 8
	levelProb = 0.20
)

// skNode is a preallocated per-CPU skiplist node. A node with level -1 is
// currently detached from the list. Nodes are never freed: each CPU keeps
// the same node identity for the life of the structure, only its
// attachment to the list changes.
//
// The level-0 forward pointer is the one Find reads without a lock, so it
// is an atomic.Pointer; every other level is only ever touched under the
// skiplist's write lock and stays a plain pointer.
type skNode struct {
	dl    uint64
	level int
	next0 atomic.Pointer[skNode]
	next  [maxLevel]*skNode
	prev  [maxLevel]*skNode
	cpu   int
}

func (n *skNode) getNext(i int) *skNode {
	if i == 0 {
		return n.next0.Load()
	}
	return n.next[i]
}

func (n *skNode) setNext(i int, v *skNode) {
	if i == 0 {
		n.next0.Store(v)
		return
	}
	n.next[i] = v
}

// Skiplist is a summary structure backed by a doubly-linked skiplist kept
// in best-first order, guarded by a single read-write lock. Find is
// lock-free: it reads the head's level-0 successor, which is never freed
// even while detached, so the read is always safe.
type Skiplist struct {
	mu     sync.RWMutex
	head   *skNode
	nodes  []*skNode
	level  int
	rng    *rand.Rand
	better func(a, b uint64) bool
}

// NewSkiplist creates a skiplist for n CPUs, kept in order by better: a
// node is "better" than another if it should sit closer to the head.
func NewSkiplist(n int, better func(a, b uint64) bool) *Skiplist {
	nodes := make([]*skNode, n)
	for i := range nodes {
		nodes[i] = &skNode{cpu: i, level: -1}
	}
	return &Skiplist{
		head:   &skNode{cpu: -1, level: maxLevel - 1},
		nodes:  nodes,
		level:  0,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		better: better,
	}
}

func (s *Skiplist) detach(node *skNode) {
	if node.level < 0 {
		return
	}
	for i := 0; i <= node.level; i++ {
		nxt := node.getNext(i)
		node.prev[i].setNext(i, nxt)
		if nxt != nil {
			nxt.prev[i] = node.prev[i]
		}
		node.setNext(i, nil)
		node.prev[i] = nil
	}
	for s.level > 0 && s.head.getNext(s.level) == nil {
		s.level--
	}
	node.level = -1
}

func (s *Skiplist) randomLevel(max int) int {
	if max > maxLevel-1 {
		max = maxLevel - 1
	}
	level := 0
	for level < max && s.rng.Float64() < levelProb {
		level++
	}
	return level
}

func (s *Skiplist) insert(node *skNode, dl uint64) {
	node.dl = dl

	var update [maxLevel]*skNode
	p := s.head
	for level := s.level; level >= 0; {
		update[level] = p
		nxt := p.getNext(level)
		if nxt == nil {
			level--
			continue
		}
		if s.better(nxt.dl, dl) {
			p = nxt
		} else {
			level--
		}
	}

	randLevel := s.randomLevel(s.level + 1)
	node.level = randLevel
	if randLevel > s.level {
		s.level = randLevel
		update[s.level] = s.head
	}

	for i := 0; i <= randLevel; i++ {
		nxt := update[i].getNext(i)
		node.setNext(i, nxt)
		update[i].setNext(i, node)
		node.prev[i] = update[i]
		if nxt != nil {
			nxt.prev[i] = node
		}
	}
}

func (s *Skiplist) set(cpu int, dl uint64, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detach(s.nodes[cpu])
	if valid {
		s.insert(s.nodes[cpu], dl)
	}
}

func (s *Skiplist) Preempt(cpu int, dl uint64, valid bool) { s.set(cpu, dl, valid) }
func (s *Skiplist) Finish(cpu int, dl uint64, valid bool)  { s.set(cpu, dl, valid) }

// Find returns the CPU at the head of the list without taking a lock: the
// head node and every preallocated per-CPU node live for the lifetime of
// the structure, and the level-0 link is an atomic.Pointer, so the read
// is always safe even if a concurrent writer is mid-update.
func (s *Skiplist) Find() int {
	n := s.head.next0.Load()
	if n == nil {
		return -1
	}
	return n.cpu
}

func (s *Skiplist) Max() int { return s.Find() }

func (s *Skiplist) Check() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxSeen := 0
	for i := 0; i < maxLevel; i++ {
		if s.head.getNext(i) != nil {
			maxSeen = i
		}
	}
	if maxSeen != s.level {
		return false
	}

	for i := 0; i <= s.level; i++ {
		node := s.head.getNext(i)
		for node != nil {
			next := node.getNext(i)
			if next != nil && s.better(next.dl, node.dl) {
				return false
			}
			node = next
		}
	}
	return true
}

func (s *Skiplist) CheckCPU(cpu int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node := s.nodes[cpu]
	if node.level < 0 {
		return true
	}
	if node.prev[0] != s.head && s.better(node.dl, node.prev[0].dl) {
		return false
	}
	if nxt := node.getNext(0); nxt != nil && s.better(nxt.dl, node.dl) {
		return false
	}
	return true
}

func (s *Skiplist) Get(cpu int) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node := s.nodes[cpu]
	if node.level < 0 {
		return 0, false
	}
	return node.dl, true
}

func (s *Skiplist) Print(w io.Writer) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fmt.Fprintf(w, "----Skiplist----\n")
	for i := s.level; i >= 0; i-- {
		fmt.Fprintf(w, "%d:\t", i)
		for node := s.head.getNext(i); node != nil; node = node.getNext(i) {
			fmt.Fprintf(w, "%d ", node.dl)
		}
		fmt.Fprintf(w, "\n")
	}
	for i, node := range s.nodes {
		if node.level == -1 {
			fmt.Fprintf(w, "[%d]:\tout of list\n", i)
		} else {
			fmt.Fprintf(w, "[%d]:\t%d\n", i, node.dl)
		}
	}
	fmt.Fprintf(w, "----End Skiplist----\n")
}

func (s *Skiplist) Save(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := fmt.Fprintf(w, "----Skiplist----\n"); err != nil {
		return err
	}
	for i := s.level; i >= 0; i-- {
		if _, err := fmt.Fprintf(w, "%d:", i); err != nil {
			return err
		}
		for node := s.head.getNext(i); node != nil; node = node.getNext(i) {
			if _, err := fmt.Fprintf(w, " %d", node.dl); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	for i, node := range s.nodes {
		var err error
		if node.level == -1 {
			_, err = fmt.Fprintf(w, "[%d]:\tout of list\n", i)
		} else {
			_, err = fmt.Fprintf(w, "[%d]:\t%d\n", i, node.dl)
		}
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "----End Skiplist----\n")
	return err
}
