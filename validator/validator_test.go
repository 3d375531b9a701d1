package validator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glipari/concurrent-heap/coordinator"
	"github.com/glipari/concurrent-heap/dline"
	"github.com/glipari/concurrent-heap/runqueue"
	"github.com/glipari/concurrent-heap/summary"
)

func newTestChecker(t *testing.T, n int) (*Checker, *coordinator.Registry, []*runqueue.Runqueue) {
	t.Helper()
	push := summary.NewArrayHeap(n, dline.After)
	pull := summary.NewArrayHeap(n, dline.Before)
	reg := coordinator.NewRegistry(push, pull, 3, 3)

	rqs := make([]*runqueue.Runqueue, n)
	for cpu := 0; cpu < n; cpu++ {
		rq := runqueue.New(cpu, push, pull)
		rqs[cpu] = rq
		reg.Register(rq)
	}
	return New(reg, push, pull), reg, rqs
}

func TestCheckerPassesWhenAllEmpty(t *testing.T) {
	checker, _, _ := newTestChecker(t, 4)
	require.NoError(t, checker.Run())
}

func TestCheckerPassesAfterSingleInsert(t *testing.T) {
	checker, _, rqs := newTestChecker(t, 4)

	rqs[2].Lock()
	rqs[2].Add(runqueue.Task{PID: 1, Deadline: 50})
	rqs[2].Unlock()

	require.NoError(t, checker.Run())
}

func TestCheckerPassesAfterWithdraw(t *testing.T) {
	checker, _, rqs := newTestChecker(t, 4)

	rqs[2].Lock()
	rqs[2].Add(runqueue.Task{PID: 1, Deadline: 50})
	task := rqs[2].Take()
	rqs[2].Unlock()

	require.Equal(t, uint64(50), task.Deadline)
	require.NoError(t, checker.Run())
}

func TestCheckerDetectsCrossInconsistency(t *testing.T) {
	checker, _, rqs := newTestChecker(t, 2)

	rqs[0].Lock()
	rqs[0].Add(runqueue.Task{PID: 1, Deadline: 10})
	rqs[0].Unlock()

	// directly corrupt the pull summary's view of cpu 0 behind the
	// runqueue's back, simulating a lost update.
	checker.pull.(*summary.ArrayHeap).Preempt(0, 999, true)

	err := checker.Run()
	require.Error(t, err)
	var v Violation
	require.ErrorAs(t, err, &v)
}

func TestCheckerPassesAfterPush(t *testing.T) {
	checker, reg, rqs := newTestChecker(t, 2)

	rqs[0].Lock()
	rqs[0].Add(runqueue.Task{PID: 2, Deadline: 40})
	rqs[0].Add(runqueue.Task{PID: 1, Deadline: 50})
	reg.PushTasks(rqs[0])
	rqs[0].Unlock()

	require.NoError(t, checker.Run())
}
