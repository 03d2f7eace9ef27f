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

	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/server"
	"github.com/diffeo/go-hypershell/store/memory"
	"github.com/diffeo/go-hypershell/task"
)

// TestHeartMonitorEvictsStaleClient exercises the eviction timing of
// spec.md §4.7 with a mock clock: a client that stops heartbeating is
// evicted once EvictAfter has elapsed since its last heartbeat, and
// its orphaned tasks are reverted.
func TestHeartMonitorEvictsStaleClient(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)
	assert := assert.New(t)

	clk := clock.NewMock()
	st := memory.NewWithClock(clk)

	const clientID = "client-1"
	require.NoError(st.AddClient(ctx, &task.Client{ID: clientID, Host: "host", ConnectedAt: clk.Now()}))

	orphan := task.New("echo hi", "submit-1", "host", clk.Now())
	now := clk.Now()
	orphan.ScheduleTime = &now
	orphan.ClientID = clientID
	require.NoError(st.AddAll(ctx, []*task.Task{orphan}))

	heartbeats := queue.NewChannelWithClock(10, clk)
	scheduled := queue.NewChannelWithClock(10, clk)

	const evictAfter = 3 * time.Second
	hm := server.NewHeartMonitor(st, heartbeats, scheduled, false, evictAfter, clk, nil)

	go hm.Run(ctx)

	hb := &task.Heartbeat{UUID: clientID, Host: "host", Time: clk.Now(), State: task.HeartbeatRunning, Seq: 1}
	packed, err := hb.Pack()
	require.NoError(err)
	require.NoError(heartbeats.Put(packed))

	// drive the poll/sweep cycle forward past EvictAfter, one
	// getTimeout-sized tick at a time.
	for i := 0; i < 5; i++ {
		clk.WaitForAllTimers()
		clk.Add(time.Second)
	}

	c, err := st.GetClient(ctx, clientID)
	require.NoError(err)
	assert.NotNil(c.DisconnectedAt, "a client with no heartbeat for longer than EvictAfter is evicted")
	assert.True(c.Evicted)

	remaining, err := st.SelectOrphaned(ctx, clientID, 0)
	require.NoError(err)
	assert.Empty(remaining, "the evicted client's orphaned task is reverted")

	hm.Halt()
}
