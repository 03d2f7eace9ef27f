// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package queue_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/task"
)

func TestFrameRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	var buf bytes.Buffer
	require.NoError(queue.WriteFrame(&buf, []byte("hello bundle")))

	got, err := queue.ReadFrame(&buf)
	require.NoError(err)
	assert.Equal("hello bundle", string(got))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0xff, 0xff, 0xff, 0xff}
	buf.Write(hdr)
	_, err := queue.ReadFrame(&buf)
	assert.Error(t, err)
}

func newTestServer(t *testing.T, secret string) (*queue.Server, string) {
	t.Helper()
	srv := queue.NewServer(secret, 8, nil)
	require.NoError(t, srv.Listen("tcp", "127.0.0.1:0"))
	go srv.Accept()
	t.Cleanup(func() { srv.Close() })
	return srv, srv.Addr()
}

func TestDialWithCorrectSecretSucceeds(t *testing.T) {
	_, addr := newTestServer(t, "s3cr3t")
	c, err := queue.Dial("tcp", addr, "s3cr3t")
	require.NoError(t, err)
	defer c.Close()
}

func TestDialWithWrongSecretFails(t *testing.T) {
	_, addr := newTestServer(t, "s3cr3t")
	_, err := queue.Dial("tcp", addr, "wrong")
	assert.Error(t, err)
}

func TestPutGetRoundTripsAcrossNamedQueues(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	_, addr := newTestServer(t, "s3cr3t")
	c, err := queue.Dial("tcp", addr, "s3cr3t")
	require.NoError(err)
	defer c.Close()

	bundle := task.Bundle{[]byte("task-1"), []byte("task-2")}
	require.NoError(c.Put(queue.Scheduled, bundle))

	first, err := c.Get(queue.Scheduled, time.Second)
	require.NoError(err)
	assert.Equal("task-1", string(first))

	second, err := c.Get(queue.Scheduled, time.Second)
	require.NoError(err)
	assert.Equal("task-2", string(second))

	// other queues are independent
	_, err = c.Get(queue.Completed, 10*time.Millisecond)
	assert.Equal(queue.ErrTimeout, err)
}

func TestGetReturnsErrTimeoutWhenEmpty(t *testing.T) {
	_, addr := newTestServer(t, "s3cr3t")
	c, err := queue.Dial("tcp", addr, "s3cr3t")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(queue.Heartbeat, 20*time.Millisecond)
	assert.Equal(t, queue.ErrTimeout, err)
}

func TestChannelPutTimeoutRespectsMockClock(t *testing.T) {
	require := require.New(t)
	clk := clock.NewMock()
	ch := queue.NewChannelWithClock(1, clk)

	require.NoError(ch.Put([]byte("fills capacity")))

	done := make(chan error, 1)
	go func() {
		done <- ch.PutTimeout([]byte("blocked"), time.Second)
	}()

	clk.WaitForAllTimers()
	clk.Add(time.Second)

	select {
	case err := <-done:
		assert.Equal(t, queue.ErrTimeout, err)
	case <-time.After(time.Second):
		t.Fatal("PutTimeout did not return after the mock clock advanced")
	}
}

func TestChannelCloseUnblocksPutAndGet(t *testing.T) {
	ch := queue.NewChannel(0)
	ch.Close()
	ch.Close() // idempotent

	assert.Equal(t, queue.ErrClosed, ch.Put([]byte("x")))
	_, err := ch.Get(time.Second)
	assert.Equal(t, queue.ErrClosed, err)
}
