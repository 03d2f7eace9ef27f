// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package submit implements the Loader/Committer pipeline of
// spec.md §4.3: converting an input line stream into buffered task
// rows, committed either to a store.Store or directly onto a live
// scheduled queue. The Sink interface expresses the "small interface,
// two implementations" design note of spec.md §9 rather than a shared
// class hierarchy between the DB-backed and queue-backed committers.
package submit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/tag"
	"github.com/diffeo/go-hypershell/task"
)

// Sink accepts a batch of newly-submitted tasks. DBSink and QueueSink
// are the two implementations named in spec.md §4.3.
type Sink interface {
	Commit(ctx context.Context, tasks []*task.Task) error
	// Close flushes any buffered state; called once after the
	// Committer observes halt.
	Close(ctx context.Context) error
}

// LineStats tracks submission counts, supplementing the spec's
// Loader with the summary original_source's hypershell.submit.lib
// prints after a batch completes (SPEC_FULL.md §4.3).
type LineStats struct {
	Total   int
	Skipped int
	Failed  int
}

// Loader reads line by line from r, applying inline-tag parsing
// (spec.md §4.3 step 2), and pushes constructed tasks onto out.
// Template expansion is an execution-time concern (client.Expander);
// the Loader stores raw args verbatim, per spec.md §1's Non-goals.
type Loader struct {
	SubmitID, SubmitHost string
	BaseTags             task.Tag
	Clock                clock.Clock
	Log                  *logrus.Entry

	Stats LineStats
}

// NewLoader builds a Loader.
func NewLoader(submitID, submitHost string, baseTags task.Tag, clk clock.Clock, log *logrus.Entry) *Loader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loader{SubmitID: submitID, SubmitHost: submitHost, BaseTags: baseTags, Clock: clk, Log: log}
}

// Run reads every non-empty line from r and pushes a *task.Task onto
// out for each, closing out when r is exhausted or ctx is cancelled.
// A malformed inline-tag comment fails that single line's submission
// (spec.md §7) without stopping the loader.
func (l *Loader) Run(ctx context.Context, r io.Reader, out chan<- *task.Task) error {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		l.Stats.Total++
		if len(line) == 0 {
			l.Stats.Skipped++
			continue
		}

		args, inlineTags, err := tag.ParseInline(line)
		if err != nil {
			l.Stats.Failed++
			l.Log.WithError(err).WithField("line", line).Warn("submit: inline tag parse failed, skipping line")
			continue
		}
		if args == "" {
			l.Stats.Skipped++
			continue
		}

		t := task.New(args, l.SubmitID, l.SubmitHost, l.Clock.Now())
		t.Tag = tag.Merge(l.BaseTags, inlineTags)

		select {
		case out <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("submit: read input: %w", err)
	}
	return nil
}

// Committer accumulates tasks from in and flushes to Sink on either
// BundleSize or BundleWait elapsed, matching spec.md §4.3's database
// committer; QueueSink reuses the same Committer for the live-queue
// variant since both share the identical accumulate/flush timing.
type Committer struct {
	Sink       Sink
	BundleSize int
	BundleWait time.Duration
	Clock      clock.Clock
	Log        *logrus.Entry
}

func NewCommitter(sink Sink, bundleSize int, bundleWait time.Duration, clk clock.Clock, log *logrus.Entry) *Committer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Committer{Sink: sink, BundleSize: bundleSize, BundleWait: bundleWait, Clock: clk, Log: log}
}

// Run drains in, flushing to Sink.Commit on size or wait, and flushes
// any remainder when in closes (the Loader halted) before closing the
// Sink.
func (c *Committer) Run(ctx context.Context, in <-chan *task.Task) error {
	var buf []*task.Task
	lastFlush := c.Clock.Now()
	timer := c.Clock.Timer(c.BundleWait)
	defer timer.Stop()

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := c.Sink.Commit(ctx, buf); err != nil {
			return err
		}
		buf = nil
		lastFlush = c.Clock.Now()
		return nil
	}

	for {
		select {
		case t, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				return c.Sink.Close(ctx)
			}
			buf = append(buf, t)
			if len(buf) >= c.BundleSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-timer.C:
			if c.Clock.Now().Sub(lastFlush) >= c.BundleWait {
				if err := flush(); err != nil {
					return err
				}
			}
			timer.Reset(c.BundleWait)
		case <-ctx.Done():
			_ = flush()
			return ctx.Err()
		}
	}
}
