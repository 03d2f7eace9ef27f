// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package submit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/store/memory"
	"github.com/diffeo/go-hypershell/submit"
	"github.com/diffeo/go-hypershell/task"
)

func TestLoaderParsesLinesAndInlineTags(t *testing.T) {
	a := assert.New(t)
	input := strings.NewReader(strings.Join([]string{
		"echo one",
		"",
		`echo two # HYPERSHELL: priority:5`,
		"echo three",
	}, "\n"))

	clk := clock.NewMock()
	l := submit.NewLoader("submit-1", "submithost", task.Tag{"batch": "nightly"}, clk, nil)

	out := make(chan *task.Task, 8)
	err := l.Run(context.Background(), input, out)
	require.NoError(t, err)

	var got []*task.Task
	for t := range out {
		got = append(got, t)
	}
	require.Len(t, got, 3)

	a.Equal("echo one", got[0].Args)
	a.Equal("nightly", got[0].Tag["batch"])

	a.Equal("echo two", got[1].Args)
	a.Equal("nightly", got[1].Tag["batch"])
	a.EqualValues(5, got[1].Tag["priority"])

	a.Equal(4, l.Stats.Total)
	a.Equal(1, l.Stats.Skipped)
	a.Equal(0, l.Stats.Failed)
}

func TestLoaderSkipsMalformedInlineTag(t *testing.T) {
	input := strings.NewReader(`echo bad # HYPERSHELL: b@d:value`)
	clk := clock.NewMock()
	l := submit.NewLoader("submit-1", "submithost", nil, clk, nil)

	out := make(chan *task.Task, 4)
	err := l.Run(context.Background(), input, out)
	require.NoError(t, err)

	var got []*task.Task
	for t := range out {
		got = append(got, t)
	}
	assert.Empty(t, got)
	assert.Equal(t, 1, l.Stats.Failed)
}

func TestCommitterFlushesOnBundleSize(t *testing.T) {
	st := memory.New()
	sink := submit.NewDBSink(st)
	clk := clock.NewMock()
	c := submit.NewCommitter(sink, 2, time.Hour, clk, nil)

	in := make(chan *task.Task, 4)
	for i := 0; i < 3; i++ {
		in <- task.New("echo hi", "submit-1", "host", clk.Now())
	}
	close(in)

	err := c.Run(context.Background(), in)
	require.NoError(t, err)

	count, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCommitterFlushesOnBundleWait(t *testing.T) {
	st := memory.New()
	sink := submit.NewDBSink(st)
	clk := clock.NewMock()
	c := submit.NewCommitter(sink, 100, time.Second, clk, nil)

	in := make(chan *task.Task, 4)
	in <- task.New("echo hi", "submit-1", "host", clk.Now())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), in) }()

	// give the Committer goroutine a chance to register the task and
	// start waiting on its timer before advancing the mock clock.
	time.Sleep(10 * time.Millisecond)
	clk.Add(2 * time.Second)

	close(in)
	require.NoError(t, <-done)

	count, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
