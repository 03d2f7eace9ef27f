// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package server

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

const (
	recvDrain fsm.State = "DRAIN"
	recvFinal fsm.State = "FINAL"
)

// getTimeout bounds how long a drain action waits on its queue before
// looping back to check the halt flag, per spec.md §5's "1-2s
// maximum blocking inside an action" rule.
const getTimeout = time.Second

// FailureSink receives the raw args text of every task that finished
// non-zero, the "failure-redirect stream" of spec.md §4.5. Writing to
// an io.Writer keeps this out of the store.Store contract; a nil sink
// disables the behavior.
type FailureSink interface {
	io.Writer
}

// Receiver implements spec.md §4.5: drain completed bundles, persist
// outcomes, emit failed args.
type Receiver struct {
	Store   store.Store
	Queue   *queue.Channel
	NoDB    bool
	Failure FailureSink
	Log     *logrus.Entry

	machine *fsm.Machine
}

func NewReceiver(s store.Store, q *queue.Channel, noDB bool, failure FailureSink, log *logrus.Entry) *Receiver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Receiver{Store: s, Queue: q, NoDB: noDB, Failure: failure, Log: log}
	r.machine = &fsm.Machine{
		Name:    "receiver",
		Initial: recvDrain,
		Final:   map[fsm.State]bool{recvFinal: true},
		States: map[fsm.State]fsm.Action{
			recvDrain: r.drain,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("receiver: action error")
		},
	}
	return r
}

func (r *Receiver) Halt() { r.machine.Halt() }

func (r *Receiver) Run(ctx context.Context) error {
	_, err := r.machine.Run(ctx)
	return err
}

func (r *Receiver) drain(ctx context.Context) (fsm.State, error) {
	item, err := r.Queue.Get(getTimeout)
	if err == queue.ErrTimeout {
		return recvDrain, nil
	}
	if err == queue.ErrClosed {
		return recvFinal, nil
	}
	if err != nil {
		return recvDrain, err
	}
	if len(item) == 0 {
		// Sentinel: drain remainder is caller's responsibility via
		// repeated Get calls; an empty payload means "halt".
		return recvFinal, nil
	}

	tasks, err := task.UnpackBundle(task.Bundle{item})
	if err != nil {
		return recvDrain, err
	}

	if !r.NoDB {
		if err := r.Store.UpdateAll(ctx, tasks); err != nil {
			return recvFinal, err
		}
	}

	for _, t := range tasks {
		if t.ExitStatus != nil && *t.ExitStatus != 0 {
			r.Log.WithField("task_id", t.ID).WithField("exit_status", *t.ExitStatus).Warn("receiver: task failed")
			if r.Failure != nil {
				_, _ = r.Failure.Write([]byte(t.Args + "\n"))
			}
		}
	}
	return recvDrain, nil
}
