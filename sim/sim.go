// Package sim is the simulation harness: it wires a Config to a cluster
// of runqueues and a chosen summary-structure pair, drives one worker
// goroutine per simulated CPU plus a validator goroutine, and prints the
// per-CPU summary table once every worker has finished its cycles.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glipari/concurrent-heap/coordinator"
	"github.com/glipari/concurrent-heap/dline"
	"github.com/glipari/concurrent-heap/runqueue"
	"github.com/glipari/concurrent-heap/simconfig"
	"github.com/glipari/concurrent-heap/simlog"
	"github.com/glipari/concurrent-heap/validator"
)

// operation mirrors the original source's ARRIVAL/FINISH/NOTHING draw:
// 20% arrival, 10% early finish, 70% nothing.
type operation int

const (
	opArrival operation = iota
	opFinish
	opNothing
)

func selectOperation(rng *rand.Rand) operation {
	p := rng.Float64()
	switch {
	case p < 0.2:
		return opArrival
	case p < 0.3:
		return opFinish
	default:
		return opNothing
	}
}

// counters tallies one CPU's per-tick event counts, matching the
// original source's num_arrivals/num_preemptions/etc arrays. Fields are
// atomic since the stdout summary is read after the worker goroutine has
// exited, but kept atomic for parity with the rest of the shared-state
// policy.
type counters struct {
	arrivals      atomic.Int64
	preemptions   atomic.Int64
	finishings    atomic.Int64
	earlyFinishes atomic.Int64
	queueEmpty    atomic.Int64
	pushed        atomic.Int64
	pulled        atomic.Int64
}

// Simulation holds everything a run needs: the chosen summary pair, the
// runqueue cluster, the coordinator registry, the validator, and the
// logging surfaces.
type Simulation struct {
	cfg      simconfig.Config
	reg      *coordinator.Registry
	rqs      []*runqueue.Runqueue
	counters []*counters
	cpuLogs  []*simlog.CPULog
	errLog   *simlog.ErrorLog
	checker  *validator.Checker

	lastPID atomic.Int64
}

// New builds a Simulation from cfg, creating its log files under logDir.
func New(cfg simconfig.Config, logDir string) (*Simulation, error) {
	push, pull := cfg.NewSummaryPair(dline.After, dline.Before)
	reg := coordinator.NewRegistry(push, pull, cfg.PushMaxTries, cfg.PullMaxTries)

	s := &Simulation{
		cfg:      cfg,
		reg:      reg,
		rqs:      make([]*runqueue.Runqueue, cfg.NProcessors),
		counters: make([]*counters, cfg.NProcessors),
		cpuLogs:  make([]*simlog.CPULog, cfg.NProcessors),
	}

	for cpu := 0; cpu < cfg.NProcessors; cpu++ {
		rq := runqueue.New(cpu, push, pull)
		s.rqs[cpu] = rq
		s.counters[cpu] = &counters{}
		reg.Register(rq)

		cpuLog, err := simlog.NewCPULog(logDir, cpu)
		if err != nil {
			return nil, err
		}
		s.cpuLogs[cpu] = cpuLog
	}

	errLog, err := simlog.NewErrorLog(logDir + "/error_log.txt")
	if err != nil {
		return nil, err
	}
	s.errLog = errLog

	s.checker = validator.New(reg, push, pull)
	return s, nil
}

// Close releases every open log file.
func (s *Simulation) Close() {
	for _, l := range s.cpuLogs {
		_ = l.Close()
	}
	_ = s.errLog.Close()
}

// Run launches one worker goroutine per CPU, via an errgroup.Group so
// the first failure cancels the rest, plus a validator goroutine that
// runs alongside them. It blocks until every worker has completed its
// cycles (or the context is cancelled), then stops the validator and
// returns the first error observed from either.
func (s *Simulation) Run(ctx context.Context) error {
	grp, workerCtx := errgroup.WithContext(ctx)

	for cpu := 0; cpu < s.cfg.NProcessors; cpu++ {
		cpu := cpu
		grp.Go(func() error { return s.runWorker(workerCtx, cpu) })
	}

	validatorCtx, stopValidator := context.WithCancel(workerCtx)
	validatorErr := make(chan error, 1)
	go func() { validatorErr <- s.runValidator(validatorCtx) }()

	err := grp.Wait()
	stopValidator()
	if verr := <-validatorErr; verr != nil && err == nil {
		err = verr
	}
	return err
}

func (s *Simulation) runWorker(ctx context.Context, cpu int) error {
	rq := s.rqs[cpu]
	cnt := s.counters[cpu]
	log := s.cpuLogs[cpu]
	rng := rand.New(rand.NewPCG(uint64(cpu)+1, 0))

	var clock uint64
	for tick := 0; tick < s.cfg.NCycles; tick++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		clock++

		rq.Lock()
		if pulled := s.reg.PullTasks(rq); pulled {
			cnt.pulled.Add(1)
			log.Event(simlog.EventPull, -1, rq.Earliest())
		}

		minDl := rq.Earliest()
		if minDl != dline.Invalid && dline.Before(minDl, clock) {
			task := rq.Take()
			log.Event(simlog.EventFinish, task.PID, task.Deadline)
			cnt.finishings.Add(1)
			if rq.NRunning() == 0 {
				cnt.queueEmpty.Add(1)
			}
		}

		switch selectOperation(rng) {
		case opArrival:
			newDl := clock + s.cfg.DMin + uint64(rng.IntN(int(s.cfg.DMax-s.cfg.DMin)))
			pid := int(s.lastPID.Add(1))
			preempting := rq.NRunning() == 0 || dline.Before(newDl, rq.Earliest())

			rq.Add(runqueue.Task{PID: pid, Deadline: newDl})
			cnt.arrivals.Add(1)
			log.Event(simlog.EventArrival, pid, newDl)
			if preempting {
				cnt.preemptions.Add(1)
				log.Event(simlog.EventPreempt, pid, newDl)
			}

		case opFinish:
			if rq.NRunning() > 0 {
				task := rq.Take()
				cnt.earlyFinishes.Add(1)
				cnt.finishings.Add(1)
				log.Event(simlog.EventEarlyDone, task.PID, task.Deadline)
				if rq.NRunning() == 0 {
					cnt.queueEmpty.Add(1)
				}
			}
		}

		if pushed := s.reg.PushTasks(rq); pushed > 0 {
			cnt.pushed.Add(int64(pushed))
			log.Event(simlog.EventPush, -1, rq.Earliest())
		}
		rq.Unlock()

		time.Sleep(time.Microsecond)
	}

	return nil
}

// waitCycle mirrors the original source's WAITCYCLE (10ms) pause between
// validator passes.
const waitCycle = 10 * time.Millisecond

func (s *Simulation) runValidator(ctx context.Context) error {
	ticker := time.NewTicker(waitCycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := s.checker.Run(); err != nil {
			var dump bytes.Buffer
			s.checker.Dump(&dump)
			s.errLog.Violation(-1, "validator", err, &dump)
			return fmt.Errorf("sim: validator: %w", err)
		}
	}
}

// Summary is one CPU's final event tallies for the stdout report.
type Summary struct {
	CPU           int
	Arrivals      int64
	Preemptions   int64
	Finishings    int64
	EarlyFinishes int64
	QueueEmpty    int64
	Pushed        int64
	Pulled        int64
}

// Summaries returns the final per-CPU tallies, in CPU order, for the
// stdout report printed after Run returns.
func (s *Simulation) Summaries() []Summary {
	out := make([]Summary, len(s.counters))
	for cpu, c := range s.counters {
		out[cpu] = Summary{
			CPU:           cpu,
			Arrivals:      c.arrivals.Load(),
			Preemptions:   c.preemptions.Load(),
			Finishings:    c.finishings.Load(),
			EarlyFinishes: c.earlyFinishes.Load(),
			QueueEmpty:    c.queueEmpty.Load(),
			Pushed:        c.pushed.Load(),
			Pulled:        c.pulled.Load(),
		}
	}
	return out
}

// PrintSummaries writes the §6 stdout summary table to w.
func PrintSummaries(w *os.File, summaries []Summary) {
	for _, s := range summaries {
		fmt.Fprintf(w, "+++++++++++++++++++++++++++++++++\n")
		fmt.Fprintf(w, "Num Arrivals [%d]: %d\n", s.CPU, s.Arrivals)
		fmt.Fprintf(w, "Num Preemptions [%d]: %d\n", s.CPU, s.Preemptions)
		fmt.Fprintf(w, "Num Finishings [%d]: %d\n", s.CPU, s.Finishings)
		fmt.Fprintf(w, "Num Early Finishings [%d]: %d\n", s.CPU, s.EarlyFinishes)
		fmt.Fprintf(w, "Num queue-empty events [%d]: %d\n", s.CPU, s.QueueEmpty)
		fmt.Fprintf(w, "Num Push [%d]: %d\n", s.CPU, s.Pushed)
		fmt.Fprintf(w, "Num Pull [%d]: %d\n", s.CPU, s.Pulled)
	}
}

// Dump writes every runqueue and both summaries' state to w, for the
// best-effort SIGINT handler. Runqueues are read without taking their
// locks; each summary's Print takes that summary's own locks.
func (s *Simulation) Dump(w *os.File) {
	s.checker.Dump(w)
}
