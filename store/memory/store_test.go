// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/store/memory"
	"github.com/diffeo/go-hypershell/task"
)

func TestNextNonEagerPrefersNewOverRetries(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	s := memory.NewWithClock(clk)

	now := clk.Now()
	failed := task.New("echo fail", "submit-1", "host", now)
	status := 1
	failed.ScheduleTime = &now
	failed.CompletionTime = &now
	failed.ExitStatus = &status
	require.NoError(s.AddAll(ctx, []*task.Task{failed}))

	fresh := task.New("echo new", "submit-1", "host", now)
	require.NoError(s.AddAll(ctx, []*task.Task{fresh}))

	got, err := s.Next(ctx, store.NextOptions{
		Limit: 1, Attempts: 3, Eager: false,
		ServerID: "server-1", ServerHost: "host", Now: now,
	})
	require.NoError(err)
	require.Len(got, 1)
	assert.Equal(fresh.ID, got[0].ID, "non-eager Next takes fresh NEW tasks before retries")
}

func TestNextEagerPrefersRetriesOverNew(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	s := memory.NewWithClock(clk)

	now := clk.Now()
	failed := task.New("echo fail", "submit-1", "host", now)
	status := 1
	failed.ScheduleTime = &now
	failed.CompletionTime = &now
	failed.ExitStatus = &status
	require.NoError(s.AddAll(ctx, []*task.Task{failed}))

	fresh := task.New("echo new", "submit-1", "host", now)
	require.NoError(s.AddAll(ctx, []*task.Task{fresh}))

	got, err := s.Next(ctx, store.NextOptions{
		Limit: 1, Attempts: 3, Eager: true,
		ServerID: "server-1", ServerHost: "host", Now: now,
	})
	require.NoError(err)
	require.Len(got, 1)
	assert.Equal(2, got[0].Attempt, "eager Next takes the retry chain first")
	assert.True(failed.Retried)
	assert.Equal(got[0].ID, failed.NextID, "invariant I-3: next_id is stamped on the retried task")
}

func TestNextDoesNotRetryPastMaxAttempts(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	s := memory.NewWithClock(clk)

	now := clk.Now()
	failed := task.New("echo fail", "submit-1", "host", now)
	failed.Attempt = 3
	status := 1
	failed.ScheduleTime = &now
	failed.CompletionTime = &now
	failed.ExitStatus = &status
	require.NoError(s.AddAll(ctx, []*task.Task{failed}))

	got, err := s.Next(ctx, store.NextOptions{
		Limit: 1, Attempts: 3, Eager: true,
		ServerID: "server-1", ServerHost: "host", Now: now,
	})
	require.NoError(err)
	assert.Empty(got, "invariant I-4: a task at the attempts ceiling is never retried")
}

func TestRevertOrphanedClearsOnlyThatClientsTasks(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	s := memory.NewWithClock(clk)
	now := clk.Now()

	orphan := task.New("echo one", "submit-1", "host", now)
	orphan.ScheduleTime = &now
	orphan.ClientID = "client-a"

	other := task.New("echo two", "submit-1", "host", now)
	other.ScheduleTime = &now
	other.ClientID = "client-b"

	finished := task.New("echo three", "submit-1", "host", now)
	finished.ScheduleTime = &now
	finished.ClientID = "client-a"
	finished.CompletionTime = &now
	status := 0
	finished.ExitStatus = &status

	require.NoError(s.AddAll(ctx, []*task.Task{orphan, other, finished}))

	n, err := s.RevertOrphaned(ctx, "client-a")
	require.NoError(err)
	assert.Equal(1, n)

	got, err := s.SelectOrphaned(ctx, "client-a", 0)
	require.NoError(err)
	assert.Empty(got)

	stillOwned, err := s.SelectOrphaned(ctx, "client-b", 0)
	require.NoError(err)
	require.Len(stillOwned, 1)
	assert.Equal(other.ID, stillOwned[0].ID)
}

func TestRevertInterruptedClearsDanglingWork(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	s := memory.NewWithClock(clk)
	now := clk.Now()

	interrupted := task.New("echo one", "submit-1", "host", now)
	interrupted.ScheduleTime = &now

	require.NoError(s.AddAll(ctx, []*task.Task{interrupted}))

	n, err := s.RevertInterrupted(ctx)
	require.NoError(err)
	assert.Equal(1, n)

	remaining, err := s.CountInterrupted(ctx)
	require.NoError(err)
	assert.Equal(0, remaining)
}

func TestAddClientReopensDisconnectedRow(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	s := memory.NewWithClock(clk)

	c := &task.Client{ID: "client-1", Host: "host", ServerID: "server-1", ConnectedAt: clk.Now()}
	require.NoError(s.AddClient(ctx, c))

	disconnected := clk.Now()
	c.DisconnectedAt = &disconnected
	c.Evicted = true
	require.NoError(s.UpdateClient(ctx, c))

	clk.Add(time.Minute)
	reconnect := &task.Client{ID: "client-1", Host: "host", ServerID: "server-2", ConnectedAt: clk.Now()}
	require.NoError(s.AddClient(ctx, reconnect))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(err)
	assert.Nil(got.DisconnectedAt)
	assert.False(got.Evicted)
	assert.Equal("server-2", got.ServerID)
}

func TestGetClientUnknownIDReturnsErrNoSuchClient(t *testing.T) {
	s := memory.New()
	_, err := s.GetClient(context.Background(), "nonexistent")
	_, ok := err.(store.ErrNoSuchClient)
	assert.True(t, ok)
}
