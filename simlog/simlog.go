// Package simlog wires the simulation's structured logging: one
// per-CPU event log and a shared error log, both JSON lines written via
// logiface/stumpy.
package simlog

import (
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// EventKind names the kind of per-CPU event being recorded, matching the
// original source's tracepoint categories.
type EventKind string

const (
	EventArrival   EventKind = "arrival"
	EventPreempt   EventKind = "preempt"
	EventFinish    EventKind = "finish"
	EventEarlyDone EventKind = "early_finish"
	EventQueueIdle EventKind = "queue_empty"
	EventPush      EventKind = "push"
	EventPull      EventKind = "pull"
	EventUnderflow EventKind = "underflow"
)

// CPULog is a single CPU's event logger, writing JSON lines to its own
// log-<cpu> file.
type CPULog struct {
	cpu    int
	logger *logiface.Logger[*stumpy.Event]
	file   *os.File
}

// NewCPULog opens (creating or truncating) log-<cpu> under dir and
// returns a logger writing structured events to it.
func NewCPULog(dir string, cpu int) (*CPULog, error) {
	path := fmt.Sprintf("%s/log-%d", dir, cpu)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("simlog: opening %s: %w", path, err)
	}
	logger := logiface.New[*stumpy.Event](
		stumpy.L.WithStumpy(stumpy.WithWriter(f)),
	)
	return &CPULog{cpu: cpu, logger: logger, file: f}, nil
}

// Close flushes and closes the underlying log file.
func (c *CPULog) Close() error { return c.file.Close() }

// Event logs one scheduling event for this CPU with the given pid and
// deadline.
func (c *CPULog) Event(kind EventKind, pid int, deadline uint64) {
	c.logger.Info().
		Int("cpu", c.cpu).
		Str("event", string(kind)).
		Int("pid", pid).
		Uint64("deadline", deadline).
		Log("scheduling event")
}

// ErrorLog is the shared logger for invariant-violation and underflow
// events (error_log.txt, error_heap.txt), kept separate from the per-CPU
// logs so a validator failure or a heap underflow can be found without
// scanning every CPU's log.
type ErrorLog struct {
	logger *logiface.Logger[*stumpy.Event]
	file   *os.File
}

// NewErrorLog opens (creating or truncating) path and returns a logger
// writing error-level structured events to it.
func NewErrorLog(path string) (*ErrorLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("simlog: opening %s: %w", path, err)
	}
	logger := logiface.New[*stumpy.Event](
		stumpy.L.WithStumpy(stumpy.WithWriter(f)),
	)
	return &ErrorLog{logger: logger, file: f}, nil
}

// Close flushes and closes the underlying log file.
func (e *ErrorLog) Close() error { return e.file.Close() }

// Violation logs a structured error-level entry for an invariant
// violation and writes dump (the validator's state dump) to the same
// file as a trailing blob.
func (e *ErrorLog) Violation(cpu int, check string, err error, dump io.Reader) {
	e.logger.Err().
		Int("cpu", cpu).
		Str("check", check).
		Err(err).
		Log("invariant violation")
	if dump != nil {
		_, _ = io.Copy(e.file, dump)
	}
}

// Underflow logs a structured error-level entry for a runqueue take-on-
// empty or take-next-on-not-overloaded abort.
func (e *ErrorLog) Underflow(cpu int, reason string) {
	e.logger.Err().
		Int("cpu", cpu).
		Str("reason", reason).
		Log("runqueue underflow")
}
