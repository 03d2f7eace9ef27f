// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/task"
)

const (
	collGather fsm.State = "GATHER"
	collFlush  fsm.State = "FLUSH"
	collFinal  fsm.State = "FINAL"
)

// Collector implements spec.md §4.10: the symmetric in-client twin of
// the submit pipeline's database committer, grounded on the same
// accumulate-until-size-or-wait pattern as submit.Committer.
type Collector struct {
	Conn       *queue.Client
	BundleSize int
	BundleWait time.Duration
	Clock      clock.Clock
	Log        *logrus.Entry

	Finished <-chan *task.Task

	buf       []*task.Task
	lastFlush time.Time
	draining  bool

	machine *fsm.Machine
}

func NewCollector(conn *queue.Client, bundleSize int, bundleWait time.Duration, clk clock.Clock, log *logrus.Entry) *Collector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Collector{Conn: conn, BundleSize: bundleSize, BundleWait: bundleWait, Clock: clk, Log: log}
	c.machine = &fsm.Machine{
		Name:    "client-collector",
		Initial: collGather,
		Final:   map[fsm.State]bool{collFinal: true},
		States: map[fsm.State]fsm.Action{
			collGather: c.gather,
			collFlush:  c.flush,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("client-collector: action error")
		},
	}
	return c
}

func (c *Collector) Halt() { c.machine.Halt() }

func (c *Collector) Run(ctx context.Context, finished <-chan *task.Task) error {
	c.Finished = finished
	c.lastFlush = c.Clock.Now()
	_, err := c.machine.Run(ctx)
	return err
}

func (c *Collector) gather(ctx context.Context) (fsm.State, error) {
	timer := c.Clock.Timer(time.Second)
	defer timer.Stop()
	select {
	case t, ok := <-c.Finished:
		if !ok || t == nil {
			c.draining = true
			return collFlush, nil // sentinel: flush remainder then halt
		}
		c.buf = append(c.buf, t)
		if len(c.buf) >= c.BundleSize {
			return collFlush, nil
		}
		return collGather, nil
	case <-timer.C:
		if len(c.buf) > 0 && c.Clock.Now().Sub(c.lastFlush) >= c.BundleWait {
			return collFlush, nil
		}
		return collGather, nil
	case <-ctx.Done():
		return collFinal, ctx.Err()
	}
}

func (c *Collector) flush(ctx context.Context) (fsm.State, error) {
	if len(c.buf) == 0 {
		if c.draining {
			return collFinal, nil
		}
		return collGather, nil
	}
	bundle, err := task.PackBundle(c.buf)
	if err != nil {
		return collGather, err
	}
	if err := c.Conn.Put(queue.Completed, bundle); err != nil {
		return collFinal, err
	}
	c.buf = nil
	c.lastFlush = c.Clock.Now()
	if c.draining {
		return collFinal, nil
	}
	return collGather, nil
}
