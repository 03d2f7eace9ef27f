// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/config"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/server"
	"github.com/diffeo/go-hypershell/store/memory"
	"github.com/diffeo/go-hypershell/task"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.BundleSize = 10
	cfg.MaxRetries = 1
	cfg.QueryPause = time.Second
	return cfg
}

// TestSchedulerRevertsInterruptedOnStartup grounds the START action of
// spec.md §4.4: a task left SCHEDULED-but-not-COMPLETED from a prior
// run is reverted to NEW before the scheduler ever loads work.
func TestSchedulerRevertsInterruptedOnStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require := require.New(t)

	clk := clock.NewMock()
	st := memory.NewWithClock(clk)

	now := clk.Now()
	stuck := task.New("echo hi", "submit-1", "host", now)
	stuck.ScheduleTime = &now
	require.NoError(st.AddAll(ctx, []*task.Task{stuck}))

	q := queue.NewChannelWithClock(10, clk)
	cfg := testConfig()
	cfg.Forever = false

	sc := server.NewScheduler(st, q, cfg, clk, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- sc.Run(ctx) }()

	got, err := q.Get(time.Second)
	require.NoError(err)
	unpacked, err := task.Unpack(got)
	require.NoError(err)
	require.Equal(stuck.ID, unpacked.ID, "the reverted task is rescheduled and posted")

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

// TestSchedulerTerminatesWhenStoreDrainsWithoutForever is the §4.4
// FINAL self-termination path: once every task is COMPLETED and
// --forever is not set, LOAD transitions straight to FINAL instead of
// looping on QueryPause.
func TestSchedulerTerminatesWhenStoreDrainsWithoutForever(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)

	clk := clock.NewMock()
	st := memory.NewWithClock(clk)

	now := clk.Now()
	status := 0
	done := task.New("echo hi", "submit-1", "host", now)
	done.ScheduleTime = &now
	done.StartTime = &now
	done.CompletionTime = &now
	done.ExitStatus = &status
	require.NoError(st.AddAll(ctx, []*task.Task{done}))

	q := queue.NewChannelWithClock(10, clk)
	cfg := testConfig()
	cfg.Forever = false

	sc := server.NewScheduler(st, q, cfg, clk, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- sc.Run(ctx) }()

	// the first LOAD pass is still in the startup phase (guards against
	// terminating on a store that hasn't been given a chance to load
	// anything yet), so it falls through to the QueryPause wait; advance
	// the mock clock once to let the second pass see startupPhase=false.
	clk.WaitForAllTimers()
	clk.Add(cfg.QueryPause)

	select {
	case err := <-errCh:
		require.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not self-terminate once the store drained")
	}
}

// TestSchedulerPostResumesBundleOnTimeout is property P-7: bundle
// order is kept across a post timeout, so a PutTimeout failure on
// queue item i must retry from i rather than drop it.
func TestSchedulerPostResumesBundleOnTimeout(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	st := memory.NewWithClock(clk)

	now := clk.Now()
	tk := task.New("echo hi", "submit-1", "host", now)
	require.NoError(st.AddAll(ctx, []*task.Task{tk}))

	// capacity 0 so PutTimeout always has to wait out the full
	// postTimeout window before the mock clock fires it.
	q := queue.NewChannelWithClock(0, clk)
	cfg := testConfig()
	cfg.Forever = true

	sc := server.NewScheduler(st, q, cfg, clk, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- sc.Run(ctx) }()

	clk.WaitForAllTimers()
	clk.Add(2 * time.Second)

	got, err := q.Get(2 * time.Second)
	require.NoError(err)
	unpacked, err := task.Unpack(got)
	require.NoError(err)
	assert.Equal(tk.ID, unpacked.ID, "the bundle item is eventually posted despite an earlier timeout")

	sc.Halt()
}
