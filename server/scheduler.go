// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package server hosts the four server-side state machines described
// in spec.md §4.4-§4.7: Scheduler, Receiver, Confirm, HeartMonitor.
// Each is an fsm.Machine whose actions read/write a store.Store and a
// queue.Server's in-process channels, grounded on the teacher's
// worker.Worker.Run poll loop generalized to a table instead of a
// single hand-written select.
package server

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/adminhttp"
	"github.com/diffeo/go-hypershell/config"
	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

// postTimeout is the fixed 2s deadline the POST action waits on the
// scheduled queue, per spec.md §4.4.
const postTimeout = 2 * time.Second

const (
	schedStart fsm.State = "START"
	schedLoad  fsm.State = "LOAD"
	schedPack  fsm.State = "PACK"
	schedPost  fsm.State = "POST"
	schedFinal fsm.State = "FINAL"
)

// Scheduler implements spec.md §4.4.
type Scheduler struct {
	Store  store.Store
	Queue  *queue.Channel
	Config *config.Config
	Clock  clock.Clock
	Log    *logrus.Entry

	ServerID   string
	ServerHost string

	startupPhase bool
	pending      []*task.Task
	bundle       task.Bundle

	machine *fsm.Machine
}

// NewScheduler builds the state table described in spec.md §4.4.
func NewScheduler(s store.Store, q *queue.Channel, cfg *config.Config, clk clock.Clock, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sc := &Scheduler{Store: s, Queue: q, Config: cfg, Clock: clk, Log: log}
	sc.machine = &fsm.Machine{
		Name:    "scheduler",
		Initial: schedStart,
		Final:   map[fsm.State]bool{schedFinal: true},
		States: map[fsm.State]fsm.Action{
			schedStart: sc.start,
			schedLoad:  sc.load,
			schedPack:  sc.pack,
			schedPost:  sc.post,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("scheduler: action error")
		},
	}
	return sc
}

// Halt requests the scheduler stop at the next state boundary.
func (sc *Scheduler) Halt() { sc.machine.Halt() }

// Run drives the scheduler to completion.
func (sc *Scheduler) Run(ctx context.Context) error {
	_, err := sc.machine.Run(ctx)
	return err
}

func (sc *Scheduler) start(ctx context.Context) (fsm.State, error) {
	sc.startupPhase = !sc.Config.Restart
	total, err := sc.Store.Count(ctx)
	if err != nil {
		return schedFinal, err
	}
	if total > 0 {
		interrupted, err := sc.Store.CountInterrupted(ctx)
		if err != nil {
			return schedFinal, err
		}
		if interrupted > 0 {
			n, err := sc.Store.RevertInterrupted(ctx)
			if err != nil {
				return schedFinal, err
			}
			sc.Log.WithField("count", n).Info("scheduler: reverted interrupted tasks")
		}
	}
	return schedLoad, nil
}

func (sc *Scheduler) load(ctx context.Context) (fsm.State, error) {
	tasks, err := sc.Store.Next(ctx, store.NextOptions{
		Limit:      sc.Config.BundleSize,
		Attempts:   sc.Config.MaxRetries + 1,
		Eager:      sc.Config.Eager,
		ServerID:   sc.ServerID,
		ServerHost: sc.ServerHost,
		Now:        sc.Clock.Now(),
	})
	if err != nil {
		return schedFinal, err
	}
	if len(tasks) > 0 {
		sc.pending = tasks
		return schedPack, nil
	}

	if !sc.Config.Forever {
		total, err := sc.Store.Count(ctx)
		if err != nil {
			return schedFinal, err
		}
		remaining, err := sc.Store.CountRemaining(ctx)
		if err != nil {
			return schedFinal, err
		}
		if total > 0 && remaining == 0 && !sc.startupPhase {
			return schedFinal, nil
		}
	}
	sc.startupPhase = false

	timer := sc.Clock.Timer(sc.Config.QueryPause)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return schedFinal, ctx.Err()
	}
	return schedLoad, nil
}

func (sc *Scheduler) pack(ctx context.Context) (fsm.State, error) {
	bundle, err := task.PackBundle(sc.pending)
	if err != nil {
		return schedFinal, err
	}
	sc.bundle = bundle
	return schedPost, nil
}

// post implements POST (spec.md §4.4): each bundle item is put on
// scheduled with a 2s timeout. On a timeout at item i, the items
// already posted stay posted and POST resumes from item i, so no item
// is dropped or posted twice and the bundle's order is kept (P-7).
func (sc *Scheduler) post(ctx context.Context) (fsm.State, error) {
	for i, item := range sc.bundle {
		err := sc.Queue.PutTimeout(item, postTimeout)
		if err == queue.ErrTimeout {
			sc.bundle = sc.bundle[i:]
			return schedPost, nil
		} else if err != nil {
			return schedFinal, err
		}
	}
	adminhttp.ObserveBundlePosted(len(sc.pending))
	sc.pending = nil
	sc.bundle = nil
	return schedLoad, nil
}
