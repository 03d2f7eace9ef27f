// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package task_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/diffeo/go-hypershell/task"
)

func TestNewTaskIsStateNew(t *testing.T) {
	a := assert.New(t)
	tk := task.New("echo hi", "submit-1", "host", time.Now())
	a.Equal(task.StateNew, tk.Lifecycle())
	a.Equal(1, tk.Attempt)
	a.False(tk.Retried)
	a.NotNil(tk.Tag)
}

func TestLifecycleTransitions(t *testing.T) {
	a := assert.New(t)
	now := time.Now()

	tk := task.New("echo hi", "submit-1", "host", now)
	a.Equal(task.StateNew, tk.Lifecycle())

	scheduled := now.Add(time.Second)
	tk.ScheduleTime = &scheduled
	a.Equal(task.StateScheduled, tk.Lifecycle())

	start := now.Add(2 * time.Second)
	tk.StartTime = &start
	a.Equal(task.StateRunning, tk.Lifecycle())

	completion := now.Add(3 * time.Second)
	tk.CompletionTime = &completion
	status := 0
	tk.ExitStatus = &status
	a.Equal(task.StateCompleted, tk.Lifecycle())

	tk.Retried = true
	a.Equal(task.StateRetried, tk.Lifecycle())
}

func TestCancelIsCancelledState(t *testing.T) {
	a := assert.New(t)
	now := time.Now()
	tk := task.New("echo hi", "submit-1", "host", now)
	scheduled := now.Add(time.Second)
	tk.ScheduleTime = &scheduled

	tk.Cancel(now.Add(2 * time.Second))
	a.Equal(task.CancelledExitStatus, *tk.ExitStatus)
	a.Equal(task.StateCancelled, tk.Lifecycle())
}

// TestEligibleRespectsMaxAttempts is invariant I-4: a task may only be
// retried while attempt < max_attempts, it failed non-zero, and it
// hasn't already spawned a retry.
func TestEligibleRespectsMaxAttempts(t *testing.T) {
	a := assert.New(t)
	now := time.Now()

	failed := func(attempt int, status int) *task.Task {
		tk := task.New("echo hi", "submit-1", "host", now)
		tk.Attempt = attempt
		tk.CompletionTime = &now
		tk.ExitStatus = &status
		return tk
	}

	a.True(failed(1, 1).Eligible(3))
	a.False(failed(3, 1).Eligible(3), "attempt at the ceiling is not eligible")
	a.False(failed(1, 0).Eligible(3), "a successful task is never eligible")

	alreadyRetried := failed(1, 1)
	alreadyRetried.Retried = true
	a.False(alreadyRetried.Eligible(3))
}

// TestRetryBuildsNextAttempt is invariant I-3: the retry shares Args
// and Tag, bumps Attempt, and chains PreviousID/NextID.
func TestRetryBuildsNextAttempt(t *testing.T) {
	a := assert.New(t)
	now := time.Now()

	orig := task.New("echo hi", "submit-1", "host", now)
	orig.Attempt = 2
	orig.Tag = task.Tag{"batch": "nightly"}

	next := orig.Retry(now.Add(time.Minute))
	a.Equal(orig.Args, next.Args)
	a.Equal(orig.SubmitID, next.SubmitID)
	a.Equal(orig.Attempt+1, next.Attempt)
	a.Equal(orig.ID, next.PreviousID)
	a.False(next.Retried)
	a.Equal(orig.Tag["batch"], next.Tag["batch"])

	// mutating the retry's tag copy must not alter the original
	next.Tag["batch"] = "changed"
	a.Equal("nightly", orig.Tag["batch"])
}

func TestRevertClearsRunDerivedFields(t *testing.T) {
	a := assert.New(t)
	now := time.Now()

	tk := task.New("echo hi", "submit-1", "host", now)
	tk.ServerID = "server-1"
	tk.ScheduleTime = &now
	tk.ClientID = "client-1"
	tk.Command = "echo hi"
	tk.StartTime = &now
	tk.CompletionTime = &now
	status := 1
	tk.ExitStatus = &status
	waited := 1.0
	tk.Waited = &waited

	tk.Revert()

	a.Empty(tk.ServerID)
	a.Nil(tk.ScheduleTime)
	a.Empty(tk.ClientID)
	a.Empty(tk.Command)
	a.Nil(tk.StartTime)
	a.Nil(tk.CompletionTime)
	a.Nil(tk.ExitStatus)
	a.Nil(tk.Waited)
	a.Equal(task.StateNew, tk.Lifecycle())
}
