// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package task_test

import (
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/task"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	a := assert.New(t)

	now := time.Now().Round(time.Microsecond)
	schedule := now.Add(time.Second)
	start := now.Add(2 * time.Second)
	completion := now.Add(3 * time.Second)
	status := 0
	waited := 1.5
	duration := 2.25

	orig := &task.Task{
		ID:             uuid.NewV4(),
		Args:           "echo hello",
		SubmitID:       "submit-1",
		SubmitHost:     "submithost",
		SubmitTime:     now,
		ServerID:       "server-1",
		ServerHost:     "serverhost",
		ScheduleTime:   &schedule,
		ClientID:       "client-1",
		ClientHost:     "clienthost",
		Command:        "echo hello",
		StartTime:      &start,
		CompletionTime: &completion,
		ExitStatus:     &status,
		OutPath:        "1.out",
		ErrPath:        "1.err",
		Attempt:        2,
		Retried:        true,
		PreviousID:     uuid.NewV4(),
		NextID:         uuid.NewV4(),
		Waited:         &waited,
		Duration:       &duration,
		Tag:            task.Tag{"priority": float64(5), "batch": "nightly"},
	}

	packed, err := orig.Pack()
	require.NoError(t, err)

	got, err := task.Unpack(packed)
	require.NoError(t, err)

	a.Equal(orig.ID, got.ID)
	a.Equal(orig.Args, got.Args)
	a.Equal(orig.SubmitID, got.SubmitID)
	a.Equal(orig.SubmitHost, got.SubmitHost)
	a.True(orig.SubmitTime.Equal(got.SubmitTime))
	a.Equal(orig.ServerID, got.ServerID)
	a.True(orig.ScheduleTime.Equal(*got.ScheduleTime))
	a.Equal(orig.ClientID, got.ClientID)
	a.True(orig.StartTime.Equal(*got.StartTime))
	a.True(orig.CompletionTime.Equal(*got.CompletionTime))
	a.Equal(*orig.ExitStatus, *got.ExitStatus)
	a.Equal(orig.OutPath, got.OutPath)
	a.Equal(orig.Attempt, got.Attempt)
	a.Equal(orig.Retried, got.Retried)
	a.Equal(orig.PreviousID, got.PreviousID)
	a.Equal(orig.NextID, got.NextID)
	a.Equal(*orig.Waited, *got.Waited)
	a.Equal(*orig.Duration, *got.Duration)
	a.Equal(orig.Tag["batch"], got.Tag["batch"])

	a.True(orig.Equal(got), "Equal should hold for a task round-tripped through Pack/Unpack")
}

func TestPackUnpackOmitsUnsetOptionalFields(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	orig := task.New("echo hi", "submit-1", "submithost", time.Now())
	packed, err := orig.Pack()
	require.NoError(err)

	got, err := task.Unpack(packed)
	require.NoError(err)

	assert.Nil(got.ScheduleTime)
	assert.Nil(got.StartTime)
	assert.Nil(got.CompletionTime)
	assert.Nil(got.ExitStatus)
	assert.Equal(uuid.Nil, got.PreviousID)
	assert.Equal(uuid.Nil, got.NextID)
	assert.NotNil(got.Tag)
}

func TestPackBundleUnpackBundleRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	tasks := []*task.Task{
		task.New("echo one", "submit-1", "host", time.Now()),
		task.New("echo two", "submit-1", "host", time.Now()),
	}

	bundle, err := task.PackBundle(tasks)
	require.NoError(err)
	require.Len(bundle, 2)

	got, err := task.UnpackBundle(bundle)
	require.NoError(err)
	require.Len(got, 2)
	assert.Equal(tasks[0].Args, got[0].Args)
	assert.Equal(tasks[1].Args, got[1].Args)
}

func TestUnpackRejectsMalformedID(t *testing.T) {
	_, err := task.Unpack([]byte(`{"id":"not-a-uuid","args":"echo hi","submit_time":"2020-01-01 00:00:00.0+00:00"}`))
	require.Error(t, err)
}

func TestHeartbeatPackUnpackRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	hb := &task.Heartbeat{
		UUID:  "client-1",
		Host:  "clienthost",
		Time:  time.Now().Round(time.Microsecond),
		State: task.HeartbeatRunning,
		Seq:   7,
	}
	packed, err := hb.Pack()
	require.NoError(err)

	got, err := task.UnpackHeartbeat(packed)
	require.NoError(err)
	assert.Equal(hb.UUID, got.UUID)
	assert.Equal(hb.Host, got.Host)
	assert.True(hb.Time.Equal(got.Time))
	assert.Equal(hb.State, got.State)
	assert.Equal(hb.Seq, got.Seq)
}

func TestClientInfoPackUnpackRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ci := &task.ClientInfo{
		ClientID:   "client-1",
		ClientHost: "clienthost",
		TaskIDs:    []string{uuid.NewV4().String(), uuid.NewV4().String()},
	}
	packed, err := ci.Pack()
	require.NoError(err)

	got, err := task.UnpackClientInfo(packed)
	require.NoError(err)
	assert.Equal(ci.ClientID, got.ClientID)
	assert.Equal(ci.TaskIDs, got.TaskIDs)
}
