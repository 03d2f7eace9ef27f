// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package client hosts the four worker-side state machines described
// in spec.md §4.8-§4.11: ClientScheduler, TaskExecutor, ClientCollector,
// ClientHeartbeat. TaskExecutor's state table is grounded directly on
// the teacher's worker.Worker.doWork (spawn, wait, signal, report) and
// on the explicit GET_LOCAL/CREATE_TASK/.../PUT_LOCAL table of
// spec.md §4.9.
package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mitchellh/mapstructure"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/task"
)

const (
	exGetLocal   fsm.State = "GET_LOCAL"
	exCreateTask fsm.State = "CREATE_TASK"
	exStartTask  fsm.State = "START_TASK"
	exWaitTask   fsm.State = "WAIT_TASK"
	exCheckTask  fsm.State = "CHECK_TASK"
	exWaitSignal fsm.State = "WAIT_SIGNAL"
	exPutLocal   fsm.State = "PUT_LOCAL"
	exFinal      fsm.State = "FINAL"
)

// Expander expands a task's args into its executable command. Template
// expansion itself (spec.md §6) is an external collaborator per spec.md
// §1's Non-goals; IdentityExpander is the trivial implementation used
// when no template is configured.
type Expander interface {
	Expand(args string) (string, error)
}

// IdentityExpander returns args unchanged.
type IdentityExpander struct{}

func (IdentityExpander) Expand(args string) (string, error) { return args, nil }

// waitResult carries a finished (or timed-out) subprocess's outcome
// back from the goroutine actually blocked in cmd.Wait.
type waitResult struct {
	exitStatus int
	err        error
}

// Executor runs one TaskExecutor instance; the Client creates
// Parallelism of these, one per concurrent subprocess slot (spec.md
// §4.9 heading).
type Executor struct {
	ID          int
	ClientID    string
	ClientHost  string
	Expander    Expander
	Capture     bool
	TaskTimeout time.Duration
	SignalWait  time.Duration
	Env         []string // extra exported config vars, layered under TASK_* (spec.md §6)
	Clock       clock.Clock
	Log         *logrus.Entry

	Local  <-chan *task.Task // fed by ClientScheduler; nil *task.Task is the sentinel
	Output chan<- *task.Task // drained by ClientCollector

	current *task.Task
	cmd     *exec.Cmd
	waitCh  chan waitResult
	stopReq time.Time
	outFile *os.File
	errFile *os.File

	machine *fsm.Machine
}

// NewExecutor builds the state table of spec.md §4.9.
func NewExecutor(id int, clientID, clientHost string, exp Expander, capture bool, taskTimeout, signalWait time.Duration, clk clock.Clock, log *logrus.Entry) *Executor {
	if exp == nil {
		exp = IdentityExpander{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Executor{
		ID: id, ClientID: clientID, ClientHost: clientHost, Expander: exp,
		Capture: capture, TaskTimeout: taskTimeout, SignalWait: signalWait,
		Clock: clk, Log: log,
	}
	e.machine = &fsm.Machine{
		Name:    fmt.Sprintf("executor[%d]", id),
		Initial: exGetLocal,
		Final:   map[fsm.State]bool{exFinal: true},
		States: map[fsm.State]fsm.Action{
			exGetLocal:   e.getLocal,
			exCreateTask: e.createTask,
			exStartTask:  e.startTask,
			exWaitTask:   e.waitTask,
			exCheckTask:  e.checkTask,
			exWaitSignal: e.waitSignal,
			exPutLocal:   e.putLocal,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("executor: action error")
		},
	}
	return e
}

func (e *Executor) Halt() { e.machine.Halt() }

func (e *Executor) Run(ctx context.Context, local <-chan *task.Task, output chan<- *task.Task) error {
	e.Local = local
	e.Output = output
	state, err := e.machine.Run(ctx)
	if ctx.Err() != nil && e.cmd != nil && e.current != nil && e.current.CompletionTime == nil {
		// The machine stops at the next state boundary once ctx is
		// cancelled, so a still-running subprocess is taken through
		// the WAIT_SIGNAL ladder here; the finished task is not put
		// on Output.
		if state != exWaitSignal {
			e.stopReq = e.Clock.Now()
		}
		for state = exWaitSignal; state == exWaitSignal; {
			state, _ = e.waitSignal(ctx)
		}
	}
	return err
}

func (e *Executor) getLocal(ctx context.Context) (fsm.State, error) {
	timer := e.Clock.Timer(time.Second)
	defer timer.Stop()
	select {
	case t, ok := <-e.Local:
		if !ok || t == nil {
			return exFinal, nil
		}
		e.current = t
		return exCreateTask, nil
	case <-timer.C:
		return exGetLocal, nil
	case <-ctx.Done():
		return exFinal, ctx.Err()
	}
}

func (e *Executor) createTask(ctx context.Context) (fsm.State, error) {
	t := e.current
	t.ClientID = e.ClientID
	t.ClientHost = e.ClientHost

	command, err := e.Expander.Expand(t.Args)
	if err != nil {
		now := e.Clock.Now()
		t.StartTime = &now
		t.CompletionTime = &now
		status := task.CancelledExitStatus
		t.ExitStatus = &status
		return exPutLocal, nil
	}
	t.Command = command
	return exStartTask, nil
}

func (e *Executor) startTask(ctx context.Context) (fsm.State, error) {
	t := e.current
	cmd := exec.Command("/bin/sh", "-c", t.Command)
	cmd.Env = e.buildEnv(t)

	if e.Capture {
		outPath := fmt.Sprintf("%s.%d.out", t.ID.String(), e.ID)
		errPath := fmt.Sprintf("%s.%d.err", t.ID.String(), e.ID)
		outFile, err := os.Create(outPath)
		if err != nil {
			return exFinal, err
		}
		errFile, err := os.Create(errPath)
		if err != nil {
			outFile.Close()
			return exFinal, err
		}
		e.outFile, e.errFile = outFile, errFile
		cmd.Stdout = outFile
		cmd.Stderr = errFile
		t.OutPath = outPath
		t.ErrPath = errPath
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return exFinal, err
	}
	e.cmd = cmd

	now := e.Clock.Now()
	t.StartTime = &now
	if t.SubmitTime.Before(now) {
		waited := now.Sub(t.SubmitTime).Seconds()
		t.Waited = &waited
	} else {
		zero := 0.0
		t.Waited = &zero
	}

	e.waitCh = make(chan waitResult, 1)
	go func(cmd *exec.Cmd, ch chan<- waitResult) {
		err := cmd.Wait()
		status := exitStatus(err)
		ch <- waitResult{exitStatus: status, err: nil}
	}(cmd, e.waitCh)

	return exWaitTask, nil
}

// exitStatus recovers the verbatim subprocess exit code, including
// signal-terminated processes, from an *exec.ExitError, matching
// spec.md §3.1's "exit_status ... verbatim integer from subprocess".
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -int(ws.Signal())
			}
			return ws.ExitStatus()
		}
	}
	return -1
}

func (e *Executor) waitTask(ctx context.Context) (fsm.State, error) {
	timer := e.Clock.Timer(time.Second)
	defer timer.Stop()
	select {
	case res := <-e.waitCh:
		return e.finishTask(res), nil
	case <-timer.C:
		return exCheckTask, nil
	case <-ctx.Done():
		e.stopReq = e.Clock.Now()
		return exWaitSignal, nil
	}
}

func (e *Executor) finishTask(res waitResult) fsm.State {
	t := e.current
	now := e.Clock.Now()
	t.CompletionTime = &now
	status := res.exitStatus
	t.ExitStatus = &status
	if t.StartTime != nil {
		d := now.Sub(*t.StartTime).Seconds()
		t.Duration = &d
	}
	e.closeCaptures()
	return exPutLocal
}

func (e *Executor) closeCaptures() {
	if e.outFile != nil {
		e.outFile.Close()
		e.outFile = nil
	}
	if e.errFile != nil {
		e.errFile.Close()
		e.errFile = nil
	}
}

// checkTask implements CHECK_TASK: walltime exceeded is the only
// escalation trigger checked here. No SIGUSR2 is observed: signal.OS
// listens for SIGINT/SIGTERM only, and it is polled by the
// ClientScheduler, not by the executor.
func (e *Executor) checkTask(ctx context.Context) (fsm.State, error) {
	t := e.current
	if e.TaskTimeout > 0 && t.StartTime != nil {
		if e.Clock.Now().Sub(*t.StartTime) >= e.TaskTimeout {
			e.stopReq = e.Clock.Now()
			return exWaitSignal, nil
		}
	}
	return exWaitTask, nil
}

// waitSignal implements the mandatory signal-escalation ladder of
// spec.md §4.9/§5: SIGINT at stop_requested, SIGTERM after
// signalwait, SIGKILL after 2*signalwait, abandon after 3*signalwait.
func (e *Executor) waitSignal(ctx context.Context) (fsm.State, error) {
	if e.cmd == nil || e.cmd.Process == nil {
		return exFinal, nil
	}
	pid := e.cmd.Process.Pid
	elapsed := e.Clock.Now().Sub(e.stopReq)

	switch {
	case elapsed < e.SignalWait:
		_ = syscall.Kill(-pid, syscall.SIGINT)
	case elapsed < 2*e.SignalWait:
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	case elapsed < 3*e.SignalWait:
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	default:
		e.Log.WithField("task_id", e.current.ID).Error("executor: process did not die after SIGKILL, abandoning")
		return exFinal, nil
	}

	timer := e.Clock.Timer(e.SignalWait / 4)
	defer timer.Stop()
	select {
	case res := <-e.waitCh:
		return e.finishTask(res), nil
	case <-timer.C:
		return exWaitSignal, nil
	}
}

func (e *Executor) putLocal(ctx context.Context) (fsm.State, error) {
	select {
	case e.Output <- e.current:
	case <-ctx.Done():
		return exFinal, ctx.Err()
	}
	e.current = nil
	e.cmd = nil
	e.waitCh = nil
	return exGetLocal, nil
}

// buildEnv layers one TASK_<FIELD> per scalar task field over
// e.Env over the worker's own OS environment, per spec.md
// §6 and SPEC_FULL.md §4.8-4.11: the task is mapstructure-flattened
// rather than hand-listing individual fields, so a field added to
// task.Task later shows up here without a corresponding buildEnv edit.
func (e *Executor) buildEnv(t *task.Task) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, e.Env...)

	fields, err := flattenTaskFields(t)
	if err != nil {
		e.Log.WithError(err).Warn("executor: failed to flatten task fields for TASK_* env vars")
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, fmt.Sprintf("TASK_%s=%s", name, fields[name]))
	}

	if cwd, err := os.Getwd(); err == nil {
		env = append(env, "TASK_CWD="+cwd)
	}
	for k, v := range t.Tag {
		env = append(env, fmt.Sprintf("TASK_TAG_%s=%v", k, v))
	}
	return env
}

// flattenTaskFields mapstructure-decodes t's mapstructure-tagged
// fields into a map keyed by upper-cased field name (so callers can
// prefix with TASK_ directly), rendering each scalar value as a
// string and omitting fields that are nil, zero-valued timestamps, or
// not themselves scalar (Tag, handled separately as TASK_TAG_*).
func flattenTaskFields(t *task.Task) (map[string]string, error) {
	var raw map[string]interface{}
	if err := mapstructure.Decode(t, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(raw))
	for name, v := range raw {
		if name == "tag" {
			continue
		}
		if s, ok := scalarEnvString(v); ok {
			out[strings.ToUpper(name)] = s
		}
	}
	return out, nil
}

// scalarEnvString renders one flattened task field as an environment
// variable value, or reports false for fields with nothing to export
// (a nil pointer, a zero time.Time, a nil uuid.UUID).
func scalarEnvString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case *int:
		if val == nil {
			return "", false
		}
		return strconv.Itoa(*val), true
	case *float64:
		if val == nil {
			return "", false
		}
		return strconv.FormatFloat(*val, 'f', -1, 64), true
	case time.Time:
		if val.IsZero() {
			return "", false
		}
		return val.Format(time.RFC3339), true
	case *time.Time:
		if val == nil {
			return "", false
		}
		return val.Format(time.RFC3339), true
	case uuid.UUID:
		if val == uuid.Nil {
			return "", false
		}
		return val.String(), true
	default:
		return "", false
	}
}
