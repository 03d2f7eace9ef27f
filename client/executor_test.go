// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package client_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/client"
	"github.com/diffeo/go-hypershell/task"
)

func runOne(t *testing.T, exec *client.Executor, tk *task.Task) (*task.Task, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := make(chan *task.Task, 2)
	output := make(chan *task.Task, 2)

	errCh := make(chan error, 1)
	go func() { errCh <- exec.Run(ctx, local, output) }()

	local <- tk

	select {
	case got := <-output:
		local <- nil
		select {
		case err := <-errCh:
			return got, err
		case <-time.After(time.Second):
			t.Fatal("executor did not shut down after the sentinel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("executor did not report a finished task in time")
	}
	return nil, nil
}

func TestExecutorRunsTaskAndReportsExitStatus(t *testing.T) {
	require := require.New(t)

	exec := client.NewExecutor(1, "client-1", "host", nil, false, 0, 50*time.Millisecond, clock.New(), nil)
	tk := task.New("true", "submit-1", "host", time.Now())

	got, err := runOne(t, exec, tk)
	require.NoError(err)
	require.NotNil(got.ExitStatus)
	require.Equal(0, *got.ExitStatus)
	require.NotNil(got.Duration)
	require.NotNil(got.StartTime)
	require.NotNil(got.CompletionTime)
}

func TestExecutorNonZeroExitStatusIsReportedVerbatim(t *testing.T) {
	require := require.New(t)

	exec := client.NewExecutor(1, "client-1", "host", nil, false, 0, 50*time.Millisecond, clock.New(), nil)
	tk := task.New("exit 7", "submit-1", "host", time.Now())

	got, err := runOne(t, exec, tk)
	require.NoError(err)
	require.Equal(7, *got.ExitStatus)
}

func TestExecutorCapturesStdoutAndStderr(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(err)
	require.NoError(os.Chdir(dir))
	defer os.Chdir(orig)

	exec := client.NewExecutor(1, "client-1", "host", nil, true, 0, 50*time.Millisecond, clock.New(), nil)
	tk := task.New("echo hello-out; echo hello-err 1>&2", "submit-1", "host", time.Now())

	got, err := runOne(t, exec, tk)
	require.NoError(err)

	outData, err := os.ReadFile(filepath.Join(dir, got.OutPath))
	require.NoError(err)
	assert.Equal("hello-out\n", string(outData))

	errData, err := os.ReadFile(filepath.Join(dir, got.ErrPath))
	require.NoError(err)
	assert.Equal("hello-err\n", string(errData))
}

// TestExecutorExportsFlattenedTaskFieldsAsEnv exercises buildEnv's
// mapstructure flattening: scalar task fields beyond the historical
// TASK_ID/ARGS/OUTPATH/ERRPATH/ATTEMPT set (submit_id, command,
// attempt, retried, ...) must reach the subprocess environment.
func TestExecutorExportsFlattenedTaskFieldsAsEnv(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	dir := t.TempDir()
	outPath := filepath.Join(dir, "env.out")

	exec := client.NewExecutor(1, "client-1", "host", nil, false, 0, 50*time.Millisecond, clock.New(), nil)
	tk := task.New(
		fmt.Sprintf("echo \"$TASK_SUBMIT_ID|$TASK_ATTEMPT|$TASK_RETRIED|$TASK_COMMAND\" > %s", outPath),
		"submit-xyz", "host", time.Now(),
	)

	_, err := runOne(t, exec, tk)
	require.NoError(err)

	data, err := os.ReadFile(outPath)
	require.NoError(err)
	assert.Equal(fmt.Sprintf("submit-xyz|1|false|%s\n", tk.Args), string(data))
}

// TestExecutorKillsProcessThatExceedsTaskTimeout is scenario 6: a task
// that runs past TaskTimeout is escalated through the signal ladder
// and reported with a non-zero (signal) exit status rather than
// hanging the executor forever.
func TestExecutorKillsProcessThatExceedsTaskTimeout(t *testing.T) {
	require := require.New(t)

	exec := client.NewExecutor(1, "client-1", "host", nil, false, 100*time.Millisecond, 50*time.Millisecond, clock.New(), nil)
	tk := task.New("sleep 5", "submit-1", "host", time.Now())

	got, err := runOne(t, exec, tk)
	require.NoError(err)
	require.NotNil(got.ExitStatus)
	require.NotEqual(0, *got.ExitStatus, "a killed process must not be reported as a success")
}

// TestExecutorStopsRunningTaskOnContextCancellation covers the other
// entry into WAIT_SIGNAL: an external shutdown (ctx cancellation)
// while a task is still running. Run takes the subprocess through the
// signal ladder before it returns the context error.
func TestExecutorStopsRunningTaskOnContextCancellation(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	local := make(chan *task.Task, 1)
	output := make(chan *task.Task, 1)

	exec := client.NewExecutor(1, "client-1", "host", nil, false, 0, 50*time.Millisecond, clock.New(), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- exec.Run(ctx, local, output) }()

	local <- task.New("sleep 5", "submit-1", "host", time.Now())

	time.Sleep(50 * time.Millisecond) // let the process actually start
	cancel()

	// the finished task is not put on Output once ctx is cancelled;
	// what must hold is that the executor does not hang waiting on the
	// killed subprocess forever.
	select {
	case err := <-errCh:
		require.Error(err)
	case <-time.After(3 * time.Second):
		t.Fatal("executor did not stop after context cancellation")
	}
	_ = output
}
