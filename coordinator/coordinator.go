// Package coordinator implements the push/pull migration protocol that
// moves tasks between per-CPU runqueues, guided by the push (latest
// deadline) and pull (earliest second-deadline) summary structures, and
// the deadlock-free double-locking discipline both directions share.
package coordinator

import (
	"github.com/glipari/concurrent-heap/coordination"
	"github.com/glipari/concurrent-heap/dline"
	"github.com/glipari/concurrent-heap/runqueue"
)

// Summary is the subset of the summary-structure interface the
// coordinator needs to pick a migration candidate.
type Summary interface {
	Find() int
}

// Registry maps CPU index to that CPU's runqueue, replacing the
// source's global cpu_to_rq[] array with an explicit object every
// coordinator call takes, per the "global mutable state" resolution in
// the design notes. The map itself is a coordination.LockedMap: CPUs
// register once at startup and deregister only at simulation teardown,
// so contention is rare, but concurrent lookups from every worker and
// the validator still need to be safe.
type Registry struct {
	rqs coordination.LockedMap

	push Summary
	pull Summary

	pushMaxTries int
	pullMaxTries int
}

// NewRegistry creates a registry that consults push for push-migration
// targets and pull for pull-migration sources, retrying each search up
// to the given number of tries before giving up for this tick.
func NewRegistry(push, pull Summary, pushMaxTries, pullMaxTries int) *Registry {
	return &Registry{
		push:         push,
		pull:         pull,
		pushMaxTries: pushMaxTries,
		pullMaxTries: pullMaxTries,
	}
}

// Register associates rq.CPU with rq for the lifetime of the
// simulation, or until Unregister is called.
func (r *Registry) Register(rq *runqueue.Runqueue) {
	r.rqs.Store(rq.CPU, rq)
}

// Unregister removes cpu from the registry, e.g. when a simulated CPU
// is taken offline. Coordinator calls racing an unregister simply treat
// the CPU as "no longer a candidate".
func (r *Registry) Unregister(cpu int) {
	r.rqs.Delete(cpu)
}

func (r *Registry) lookup(cpu int) (*runqueue.Runqueue, bool) {
	v, ok := r.rqs.Load(cpu)
	if !ok {
		return nil, false
	}
	return v.(*runqueue.Runqueue), true
}

// Range visits every registered runqueue in an unspecified order. Used
// by the validator to acquire every CPU's lock in ascending CPU order.
func (r *Registry) Range(fn func(cpu int, rq *runqueue.Runqueue) bool) {
	r.rqs.Range(func(k, v any) bool {
		return fn(k.(int), v.(*runqueue.Runqueue))
	})
}

// DoubleLock acquires rq2's lock given that the caller already holds
// rq1's, always ending with both locks held in ascending-CPU-id
// acquisition order. If rq2's CPU id is lower than rq1's, rq1 is
// released and both are re-acquired in the correct order; otherwise
// rq2 can simply be locked on top of the held rq1. This one rule
// (always lock the lower CPU id first) is what makes the protocol
// deadlock-free without any other lock ordering convention.
func DoubleLock(rq1, rq2 *runqueue.Runqueue) {
	if rq1.CPU == rq2.CPU {
		return
	}
	if rq1.CPU < rq2.CPU {
		rq2.Lock()
		return
	}
	rq1.Unlock()
	rq2.Lock()
	rq1.Lock()
}

// PullTasks attempts to migrate one task into thisRQ from the CPU the
// pull summary considers to have the earliest second deadline. thisRQ
// must already be locked by the caller; on success the source runqueue
// is locked and unlocked internally and thisRQ remains locked
// throughout. Returns whether a task was migrated.
func (r *Registry) PullTasks(thisRQ *runqueue.Runqueue) bool {
	srcRQ := r.findLockEarlierRQ(thisRQ)
	if srcRQ == nil {
		return false
	}
	task := srcRQ.TakeNext()
	thisRQ.Add(task)
	srcRQ.Unlock()
	return true
}

func (r *Registry) findLockEarlierRQ(thisRQ *runqueue.Runqueue) *runqueue.Runqueue {
	for tries := 0; tries < r.pullMaxTries; tries++ {
		cpu := r.pull.Find()
		if cpu == -1 || cpu == thisRQ.CPU {
			return nil
		}

		srcRQ, ok := r.lookup(cpu)
		if !ok {
			return nil
		}

		DoubleLock(thisRQ, srcRQ)

		if _, ok := srcRQ.PeekNext(); ok {
			return srcRQ
		}

		srcRQ.Unlock()
	}
	return nil
}

// PushTasks repeatedly migrates tasks out of thisRQ to whichever CPU
// the push summary considers worst off, until a migration attempt
// fails, and returns the number of tasks pushed. thisRQ must already
// be locked by the caller and remains locked on return.
func (r *Registry) PushTasks(thisRQ *runqueue.Runqueue) int {
	count := 0
	for r.pushTask(thisRQ) {
		count++
	}
	return count
}

func (r *Registry) pushTask(thisRQ *runqueue.Runqueue) bool {
	if !thisRQ.Overloaded() {
		return false
	}

	nextTask, ok := thisRQ.PeekNext()
	if !ok {
		return false
	}
	minTask, _ := thisRQ.Peek()
	if nextTask == minTask {
		// the cached earliest/next views are inconsistent: bail
		// rather than push the currently-running task.
		return false
	}
	if dline.Before(nextTask.Deadline, thisRQ.Earliest()) {
		// the candidate would preempt what's currently running on
		// thisRQ; don't push it away.
		return false
	}

	laterRQ := r.findLockLaterRQ(thisRQ, nextTask)
	if laterRQ == nil {
		return false
	}

	taken := thisRQ.TakeNext()
	laterRQ.Add(taken)
	laterRQ.Unlock()
	return true
}

func (r *Registry) findLockLaterRQ(thisRQ *runqueue.Runqueue, task runqueue.Task) *runqueue.Runqueue {
	for tries := 0; tries < r.pushMaxTries; tries++ {
		cpu := r.push.Find()
		if cpu == -1 || cpu == thisRQ.CPU {
			return nil
		}

		laterRQ, ok := r.lookup(cpu)
		if !ok {
			return nil
		}

		DoubleLock(thisRQ, laterRQ)

		cur, ok := thisRQ.PeekNext()
		if !ok || cur != task {
			// something changed on the source runqueue while we
			// searched for a target; give up on this candidate.
			laterRQ.Unlock()
			return nil
		}

		if dline.Before(task.Deadline, laterRQ.Earliest()) {
			return laterRQ
		}

		laterRQ.Unlock()
	}
	return nil
}
