// Package validator implements the periodic cross-structure invariant
// checker: it acquires every registered runqueue's lock in ascending CPU
// order, then checks runqueue cache consistency, that each queue's
// smallest deadline matches its cached earliest, summary-structure
// internal invariants, and runqueue/summary agreement.
package validator

import (
	"fmt"
	"io"
	"sort"

	"github.com/glipari/concurrent-heap/dline"
	"github.com/glipari/concurrent-heap/runqueue"
)

// Registry is the subset of coordinator.Registry the validator needs: a
// way to visit every registered runqueue.
type Registry interface {
	Range(fn func(cpu int, rq *runqueue.Runqueue) bool)
}

// Summary is the subset of the summary-structure interface the validator
// cross-checks against runqueue caches.
type Summary interface {
	Check() bool
	CheckCPU(cpu int) bool
	Get(cpu int) (dl uint64, valid bool)
	Print(w io.Writer)
}

// Checker runs one validation pass over a cluster of runqueues and their
// push/pull summaries.
type Checker struct {
	reg  Registry
	push Summary
	pull Summary
}

// New creates a Checker over reg's runqueues, cross-checked against push
// (ordered by dline.After) and pull (ordered by dline.Before).
func New(reg Registry, push, pull Summary) *Checker {
	return &Checker{reg: reg, push: push, pull: pull}
}

// Violation describes a single invariant that failed during a Run, naming
// which CPU (if any) and which check it came from, for the error log.
type Violation struct {
	CPU     int
	Check   string
	Message string
}

func (v Violation) Error() string {
	if v.CPU < 0 {
		return fmt.Sprintf("%s: %s", v.Check, v.Message)
	}
	return fmt.Sprintf("cpu %d: %s: %s", v.CPU, v.Check, v.Message)
}

// Run acquires every registered runqueue's lock in ascending CPU order,
// runs the full invariant suite, then releases every lock in the reverse
// order it took them. It returns the first violation found, or nil if
// every invariant held.
func (c *Checker) Run() error {
	cpus, rqs := c.sortedRunqueues()

	for _, rq := range rqs {
		rq.Lock()
	}
	defer func() {
		for i := len(rqs) - 1; i >= 0; i-- {
			rqs[i].Unlock()
		}
	}()

	for i, rq := range rqs {
		if err := checkRunqueueCache(cpus[i], rq); err != nil {
			return err
		}
		if err := checkHeapOrdering(cpus[i], rq); err != nil {
			return err
		}
	}

	if !c.push.Check() {
		return Violation{CPU: -1, Check: "push.Check", Message: "internal invariant violated"}
	}
	if !c.pull.Check() {
		return Violation{CPU: -1, Check: "pull.Check", Message: "internal invariant violated"}
	}

	for i, rq := range rqs {
		cpu := cpus[i]
		if !c.push.CheckCPU(cpu) {
			return Violation{CPU: cpu, Check: "push.CheckCPU", Message: "per-slot invariant violated"}
		}
		if !c.pull.CheckCPU(cpu) {
			return Violation{CPU: cpu, Check: "pull.CheckCPU", Message: "per-slot invariant violated"}
		}
		if err := c.checkCrossConsistency(cpu, rq); err != nil {
			return err
		}
	}

	return nil
}

func (c *Checker) sortedRunqueues() ([]int, []*runqueue.Runqueue) {
	var cpus []int
	byCPU := make(map[int]*runqueue.Runqueue)
	c.reg.Range(func(cpu int, rq *runqueue.Runqueue) bool {
		cpus = append(cpus, cpu)
		byCPU[cpu] = rq
		return true
	})
	sort.Ints(cpus)

	rqs := make([]*runqueue.Runqueue, len(cpus))
	for i, cpu := range cpus {
		rqs[i] = byCPU[cpu]
	}
	return cpus, rqs
}

// checkRunqueueCache validates property 1/2 from §8: earliest/next
// validity tracks emptiness and overloaded tracks nrunning, with next
// never preceding earliest.
func checkRunqueueCache(cpu int, rq *runqueue.Runqueue) error {
	if !rq.Check() {
		return Violation{CPU: cpu, Check: "runqueue.Check", Message: "cache consistency violated"}
	}
	return nil
}

// checkHeapOrdering takes a non-destructive snapshot of the queue, checks
// its size against NRunning, and checks that its smallest deadline equals
// the cached earliest. It does not compare the snapshot against the cached
// next, and it does not check the parent/child ordering inside the
// binomial forest.
func checkHeapOrdering(cpu int, rq *runqueue.Runqueue) error {
	tasks := rq.Snapshot()
	if len(tasks) != rq.NRunning() {
		return Violation{CPU: cpu, Check: "heap.Snapshot", Message: "snapshot size disagrees with nrunning"}
	}

	min, hasMin := 0, false
	for i, t := range tasks {
		if !hasMin || dline.Before(t.Deadline, tasks[min].Deadline) {
			min, hasMin = i, true
		}
	}
	if !hasMin {
		return nil
	}
	if tasks[min].Deadline != rq.Earliest() {
		return Violation{CPU: cpu, Check: "heap.ordering", Message: "snapshot minimum disagrees with cached earliest"}
	}
	return nil
}

// checkCrossConsistency implements §4.11(iv): a summary's slot for cpu
// must equal that runqueue's cached earliest (push) or next (pull).
func (c *Checker) checkCrossConsistency(cpu int, rq *runqueue.Runqueue) error {
	pushDl, pushValid := c.push.Get(cpu)
	wantPushValid := rq.Earliest() != dline.Invalid
	if pushValid != wantPushValid || (pushValid && pushDl != rq.Earliest()) {
		return Violation{CPU: cpu, Check: "push.Get", Message: "disagrees with runqueue earliest"}
	}

	pullDl, pullValid := c.pull.Get(cpu)
	wantPullValid := rq.Next() != dline.Invalid
	if pullValid != wantPullValid || (pullValid && pullDl != rq.Next()) {
		return Violation{CPU: cpu, Check: "pull.Get", Message: "disagrees with runqueue next"}
	}

	return nil
}

// Dump writes every runqueue and both summaries to w, for the error log
// on a failed Run. It does not re-acquire locks: callers invoke it while
// still holding the locks from a failed Run, or best-effort without locks
// from a signal handler.
func (c *Checker) Dump(w io.Writer) {
	fmt.Fprintln(w, "---- validator dump ----")
	c.reg.Range(func(cpu int, rq *runqueue.Runqueue) bool {
		fmt.Fprintf(w, "%s\n", rq.String())
		return true
	})
	c.push.Print(w)
	c.pull.Print(w)
	fmt.Fprintln(w, "---- end validator dump ----")
}
