// Package runqueue implements the per-CPU task queue: a binomial heap of
// runnable deadline tasks plus cached earliest/second-earliest deadlines,
// kept in sync with the push and pull summary structures on every
// mutation.
package runqueue

import (
	"fmt"
	"sync"

	"github.com/glipari/concurrent-heap/dline"
	"github.com/glipari/concurrent-heap/rqheap"
)

// Task is a runnable unit of work: a process id and its absolute
// deadline.
type Task struct {
	PID      int
	Deadline uint64
}

// Summary is the subset of the summary-structure interface a runqueue
// needs to publish cache changes to. See package summary for the full
// interface and its implementations.
type Summary interface {
	Preempt(cpu int, dl uint64, valid bool)
	Finish(cpu int, dl uint64, valid bool)
}

// Runqueue is a single CPU's ready queue: a binomial heap ordered by
// deadline, guarded by its own mutex, with earliest/next deadline caches
// published to the push and pull summary structures on every change.
type Runqueue struct {
	CPU int

	mu         sync.Mutex
	heap       *rqheap.Heap[Task]
	earliest   uint64
	next       uint64
	nrunning   int
	overloaded bool

	push Summary
	pull Summary
}

// New creates an empty runqueue for the given CPU, publishing cache
// updates to the given push (ordered by dline.After) and pull (ordered by
// dline.Before) summary structures.
func New(cpu int, push, pull Summary) *Runqueue {
	return &Runqueue{
		CPU:  cpu,
		heap: rqheap.New(func(a, b Task) bool { return dline.Before(a.Deadline, b.Deadline) }),
		push: push,
		pull: pull,
	}
}

// Lock acquires the runqueue's mutex. Exported so the push/pull
// coordinator can implement ascending-CPU-id double-locking.
func (rq *Runqueue) Lock() { rq.mu.Lock() }

// Unlock releases the runqueue's mutex.
func (rq *Runqueue) Unlock() { rq.mu.Unlock() }

// Earliest returns the cached earliest deadline, 0 if empty. Caller must
// hold the lock for a linearizable read.
func (rq *Runqueue) Earliest() uint64 { return rq.earliest }

// Next returns the cached second-earliest deadline, 0 if fewer than two
// tasks are queued. Caller must hold the lock for a linearizable read.
func (rq *Runqueue) Next() uint64 { return rq.next }

// NRunning returns the number of queued tasks.
func (rq *Runqueue) NRunning() int { return rq.nrunning }

// Overloaded reports whether the runqueue has two or more tasks, the
// only state from which push may migrate work away.
func (rq *Runqueue) Overloaded() bool { return rq.overloaded }

// Peek returns the earliest-deadline task without removing it, and
// whether the runqueue is non-empty.
func (rq *Runqueue) Peek() (Task, bool) {
	n := rq.heap.Peek()
	if n == nil {
		return Task{}, false
	}
	return n.Value(), true
}

// PeekNext returns the second-earliest-deadline task without removing
// it, and whether at least two tasks are queued.
func (rq *Runqueue) PeekNext() (Task, bool) {
	n := rq.heap.PeekNext()
	if n == nil {
		return Task{}, false
	}
	return n.Value(), true
}

// Take removes and returns the earliest-deadline task. Taking from an
// empty runqueue is a fatal programming error: callers must check
// NRunning first, matching the source's "dequeue on an empty queue"
// abort.
func (rq *Runqueue) Take() Task {
	if rq.nrunning < 1 {
		panic(fmt.Sprintf("runqueue %d: take on empty queue", rq.CPU))
	}

	node := rq.heap.Take()
	rq.nrunning--
	if rq.nrunning < 2 {
		rq.overloaded = false
	}

	rq.earliest = rq.next
	rq.push.Preempt(rq.CPU, rq.earliest, rq.earliest != dline.Invalid)

	if n, ok := rq.PeekNext(); ok {
		rq.next = n.Deadline
	} else {
		rq.next = dline.Invalid
	}
	rq.pull.Preempt(rq.CPU, rq.next, rq.next != dline.Invalid)

	return node.Value()
}

// TakeNext removes and returns the second-earliest-deadline task,
// leaving the current minimum untouched. Requires NRunning() >= 2.
func (rq *Runqueue) TakeNext() Task {
	if rq.nrunning < 2 {
		panic(fmt.Sprintf("runqueue %d: take-next on a not-overloaded queue", rq.CPU))
	}

	node := rq.heap.TakeNext()
	rq.nrunning--
	if rq.nrunning < 2 {
		rq.overloaded = false
	}

	if n, ok := rq.PeekNext(); ok {
		rq.next = n.Deadline
	} else {
		rq.next = dline.Invalid
	}
	rq.pull.Preempt(rq.CPU, rq.next, rq.next != dline.Invalid)

	return node.Value()
}

// Add enqueues task, updating the earliest/next caches and publishing
// any change to the push and pull summaries.
func (rq *Runqueue) Add(task Task) {
	oldEarliest, oldNext := rq.earliest, rq.next

	rq.heap.Insert(rqheap.NewNode(task))

	switch {
	case rq.nrunning == 0 || dline.Before(task.Deadline, oldEarliest):
		rq.next = oldEarliest
		rq.earliest = task.Deadline
		rq.push.Preempt(rq.CPU, rq.earliest, rq.earliest != dline.Invalid)
		if rq.next != oldNext {
			rq.pull.Preempt(rq.CPU, rq.next, rq.next != dline.Invalid)
		}
	case !rq.overloaded || dline.Before(task.Deadline, oldNext):
		rq.next = task.Deadline
		rq.pull.Preempt(rq.CPU, rq.next, rq.next != dline.Invalid)
	}

	rq.nrunning++
	if rq.nrunning > 1 {
		rq.overloaded = true
	}
}

// Snapshot returns every queued task in an unspecified order, without
// mutating the heap. Caller must hold the lock. Used by the validator to
// independently verify the binomial heap's ordering against the cached
// earliest/next deadlines.
func (rq *Runqueue) Snapshot() []Task {
	tasks := make([]Task, 0, rq.nrunning)
	rq.heap.Walk(func(n *rqheap.Node[Task]) {
		tasks = append(tasks, n.Value())
	})
	return tasks
}

// Check validates the cache-consistency invariants from the testable
// properties: earliest==0 iff empty, next==0 iff fewer than two tasks,
// overloaded iff nrunning>=2, and next never precedes earliest.
func (rq *Runqueue) Check() bool {
	if rq.earliest == dline.Invalid && rq.nrunning != 0 {
		return false
	}
	if rq.earliest != dline.Invalid && rq.nrunning == 0 {
		return false
	}
	if rq.next == dline.Invalid && rq.nrunning >= 2 {
		return false
	}
	if rq.next != dline.Invalid && rq.nrunning < 2 {
		return false
	}
	if (rq.nrunning >= 2) != rq.overloaded {
		return false
	}
	if rq.next != dline.Invalid && rq.earliest != dline.Invalid && dline.Before(rq.next, rq.earliest) {
		return false
	}
	return true
}

// String renders the runqueue state for diagnostic logs, matching the
// shape of the source's rq_print.
func (rq *Runqueue) String() string {
	return fmt.Sprintf("cpu=%d nrunning=%d overloaded=%v earliest=%d next=%d",
		rq.CPU, rq.nrunning, rq.overloaded, rq.earliest, rq.next)
}
