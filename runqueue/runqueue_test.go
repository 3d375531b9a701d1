package runqueue

import "testing"

type fakeSummary struct {
	calls []call
}

type call struct {
	cpu   int
	dl    uint64
	valid bool
	which string
}

func (f *fakeSummary) Preempt(cpu int, dl uint64, valid bool) {
	f.calls = append(f.calls, call{cpu, dl, valid, "preempt"})
}

func (f *fakeSummary) Finish(cpu int, dl uint64, valid bool) {
	f.calls = append(f.calls, call{cpu, dl, valid, "finish"})
}

func newTestRunqueue(cpu int) (*Runqueue, *fakeSummary, *fakeSummary) {
	push, pull := &fakeSummary{}, &fakeSummary{}
	return New(cpu, push, pull), push, pull
}

func TestEmptyRunqueueInvariants(t *testing.T) {
	rq, _, _ := newTestRunqueue(0)
	if rq.Earliest() != 0 || rq.Next() != 0 {
		t.Fatal("empty runqueue should have zeroed caches")
	}
	if rq.NRunning() != 0 || rq.Overloaded() {
		t.Fatal("empty runqueue should report nrunning=0, not overloaded")
	}
	if !rq.Check() {
		t.Fatal("empty runqueue should pass Check")
	}
	if _, ok := rq.Peek(); ok {
		t.Fatal("Peek on empty runqueue should report not-ok")
	}
}

func TestAddUpdatesEarliestAndPublishesPush(t *testing.T) {
	rq, push, pull := newTestRunqueue(0)

	rq.Add(Task{PID: 1, Deadline: 50})
	if rq.Earliest() != 50 || rq.NRunning() != 1 {
		t.Fatalf("after first add: earliest=%d nrunning=%d", rq.Earliest(), rq.NRunning())
	}
	if len(push.calls) != 1 || push.calls[0].dl != 50 {
		t.Fatalf("push should have been notified of the new earliest, got %+v", push.calls)
	}
	if len(pull.calls) != 0 {
		t.Fatalf("pull should not be notified with fewer than two tasks, got %+v", pull.calls)
	}

	rq.Add(Task{PID: 2, Deadline: 30})
	if rq.Earliest() != 30 || rq.Next() != 50 {
		t.Fatalf("after second (earlier) add: earliest=%d next=%d", rq.Earliest(), rq.Next())
	}
	if !rq.Overloaded() {
		t.Fatal("runqueue with two tasks should be overloaded")
	}
	if !rq.Check() {
		t.Fatal("Check should pass after two adds")
	}
}

func TestAddLaterTaskUpdatesNextOnly(t *testing.T) {
	rq, push, pull := newTestRunqueue(0)
	rq.Add(Task{PID: 1, Deadline: 10})
	push.calls, pull.calls = nil, nil

	rq.Add(Task{PID: 2, Deadline: 20})
	if rq.Earliest() != 10 || rq.Next() != 20 {
		t.Fatalf("earliest=%d next=%d, want 10/20", rq.Earliest(), rq.Next())
	}
	if len(push.calls) != 0 {
		t.Fatalf("push should not move when earliest is unchanged, got %+v", push.calls)
	}
	if len(pull.calls) != 1 || pull.calls[0].dl != 20 {
		t.Fatalf("pull should be notified of the new next, got %+v", pull.calls)
	}
}

func TestTakeRestoresSingleTaskState(t *testing.T) {
	rq, _, _ := newTestRunqueue(0)
	rq.Add(Task{PID: 1, Deadline: 10})
	rq.Add(Task{PID: 2, Deadline: 20})

	task := rq.Take()
	if task.PID != 1 {
		t.Fatalf("Take() = pid %d, want 1", task.PID)
	}
	if rq.Earliest() != 20 || rq.Next() != 0 {
		t.Fatalf("after take: earliest=%d next=%d", rq.Earliest(), rq.Next())
	}
	if rq.Overloaded() {
		t.Fatal("runqueue with one task should not be overloaded")
	}
}

func TestTakeNextLeavesMinimumInPlace(t *testing.T) {
	rq, _, _ := newTestRunqueue(0)
	rq.Add(Task{PID: 1, Deadline: 10})
	rq.Add(Task{PID: 2, Deadline: 20})
	rq.Add(Task{PID: 3, Deadline: 30})

	task := rq.TakeNext()
	if task.PID != 2 {
		t.Fatalf("TakeNext() = pid %d, want 2", task.PID)
	}
	if rq.Earliest() != 10 {
		t.Fatalf("Earliest() = %d, want unchanged 10", rq.Earliest())
	}
	if rq.Next() != 30 {
		t.Fatalf("Next() = %d, want 30", rq.Next())
	}
}

func TestTakeOnEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic taking from an empty runqueue")
		}
	}()
	rq, _, _ := newTestRunqueue(0)
	rq.Take()
}

func TestTakeNextWhenNotOverloadedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling TakeNext on a non-overloaded runqueue")
		}
	}()
	rq, _, _ := newTestRunqueue(0)
	rq.Add(Task{PID: 1, Deadline: 10})
	rq.TakeNext()
}

func TestSnapshotMatchesNRunning(t *testing.T) {
	rq, _, _ := newTestRunqueue(0)
	deadlines := []uint64{30, 10, 50, 20}
	for i, dl := range deadlines {
		rq.Add(Task{PID: i, Deadline: dl})
	}

	snap := rq.Snapshot()
	if len(snap) != rq.NRunning() {
		t.Fatalf("Snapshot returned %d tasks, want %d", len(snap), rq.NRunning())
	}

	seen := make(map[int]bool)
	for _, task := range snap {
		seen[task.PID] = true
	}
	for i := range deadlines {
		if !seen[i] {
			t.Fatalf("Snapshot missing pid %d", i)
		}
	}
}
