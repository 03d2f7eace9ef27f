// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package fsm provides the poll-driven finite-state-machine harness
// used by every HyperShell state machine (Scheduler, Receiver,
// Confirm, HeartMonitor on the server; ClientScheduler, TaskExecutor,
// ClientCollector, ClientHeartbeat on the client). It is modeled on
// the event loop in the teacher's worker.Worker.Run: a single
// goroutine repeatedly selects an action by current state, runs it to
// completion, and only checks for a halt request between actions,
// never in the middle of one (spec.md §5).
package fsm

import (
	"context"
	"fmt"
	"sync/atomic"
)

// State names a node in a Machine's table. The zero value is never a
// valid state; machines should define their own named constants.
type State string

// Action runs the work associated with one state and returns the
// state to transition to next. Actions should block for at most a
// couple of seconds at a time (spec.md §5's "bounded wait" rule) so
// that Halt takes effect promptly.
type Action func(ctx context.Context) (State, error)

// Machine is a table-driven FSM: current state selects an Action from
// States, the Action's return value becomes the next state, and the
// loop ends when that state is in Final or Halt has been called.
type Machine struct {
	// Name identifies the machine in log output and error messages.
	Name string

	// Initial is the starting state.
	Initial State

	// States maps each non-final state to the Action that runs in
	// it.
	States map[State]Action

	// Final marks states that end Run when reached.
	Final map[State]bool

	// ErrorHandler, if set, is called whenever an Action returns a
	// non-nil error; the returned state is still honored. A nil
	// ErrorHandler means errors are silently absorbed, matching the
	// teacher's worker.Worker.Run doc comment ("if there is an error
	// while trying to get attempts it is ignored").
	ErrorHandler func(state State, err error)

	halted int32
}

// Halt requests that Run stop at the next state boundary. Safe to
// call from any goroutine, any number of times.
func (m *Machine) Halt() {
	atomic.StoreInt32(&m.halted, 1)
}

// Halted reports whether Halt has been called.
func (m *Machine) Halted() bool {
	return atomic.LoadInt32(&m.halted) != 0
}

// Run drives the machine from Initial until a Final state is reached,
// Halt is called, or ctx is cancelled. It returns the state Run
// stopped in.
func (m *Machine) Run(ctx context.Context) (State, error) {
	state := m.Initial
	for {
		if m.Halted() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}
		if m.Final[state] {
			return state, nil
		}
		action, ok := m.States[state]
		if !ok {
			return state, fmt.Errorf("fsm: %s: no action registered for state %q", m.Name, state)
		}
		next, err := action(ctx)
		if err != nil && m.ErrorHandler != nil {
			m.ErrorHandler(state, err)
		}
		state = next
	}
}
