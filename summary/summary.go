// Package summary implements the four interchangeable per-CPU deadline
// summary structures that back global EDF push/pull decisions: a locked
// binary heap, an array-backed heap, a doubly-linked skiplist, and a
// flat-combining skiplist (in linked-list and bitmap publication-list
// flavors). All four share the Summary interface so the coordinator and
// validator packages can treat them uniformly.
package summary

import (
	"io"

	"github.com/glipari/concurrent-heap/dline"
)

// Summary maps each CPU index to (deadline, validity) and answers "which
// CPU is best" under a configured ordering. The push instance is ordered
// by dline.After (picks the CPU whose current task has the latest
// deadline, a candidate to offload from); the pull instance is ordered
// by dline.Before (picks the CPU whose second deadline is earliest, a
// candidate to steal work from).
type Summary interface {
	// Preempt installs cpu's new deadline, withdrawing it if valid is
	// false. The runqueue calls it on the push instance when its cached
	// "earliest" changes and on the pull instance when its cached "next"
	// changes.
	Preempt(cpu int, dl uint64, valid bool)
	// Finish is the same operation as Preempt in every implementation:
	// each one routes both methods to a single set routine.
	Finish(cpu int, dl uint64, valid bool)
	// Find returns the best CPU under this summary's configured
	// ordering, or -1 if no CPU holds a valid entry.
	Find() int
	// Max is an alias of Find kept for parity with the vtable this is
	// grounded on, where push and pull instances of the same structure
	// type expose the same accessor under different names depending on
	// orientation. In this port Find always means "best under my
	// configured comparator"; Max is provided for call sites that read
	// more naturally asking for the maximum (push orientation).
	Max() int
	// Save writes a diagnostic dump of the structure. There is no
	// matching load operation.
	Save(w io.Writer) error
	// Print writes a human-readable dump of the structure for error
	// logs.
	Print(w io.Writer)
	// Check validates the structure's internal invariants.
	Check() bool
	// CheckCPU validates that cpu's slot is internally consistent
	// (e.g. inverse-map symmetry). Structures with no per-slot
	// consistency beyond Check (the FC skiplist, which defers updates)
	// may always return true.
	CheckCPU(cpu int) bool
	// Get returns the deadline currently on file for cpu and whether it
	// is valid. Used by the validator to cross-check a summary's view
	// of a CPU against that CPU's runqueue cache.
	Get(cpu int) (dl uint64, valid bool)
}

// entry is one element of the array heap: a CPU and its deadline. The
// other summary structures keep their own per-CPU node types.
type entry struct {
	cpu   int
	dl    uint64
	valid bool
}

func validDeadline(dl uint64, valid bool) uint64 {
	if !valid {
		return dline.Invalid
	}
	return dl
}
