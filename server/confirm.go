// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package server

import (
	"context"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

const (
	confirmDrain fsm.State = "DRAIN"
	confirmFinal fsm.State = "FINAL"
)

// Confirm implements spec.md §4.6: stamp client ownership onto tasks
// the moment a bundle is received by a client, independent of
// execution progress. Disabled entirely under --no-confirm; callers
// simply never construct one in that mode.
type Confirm struct {
	Store store.Store
	Queue *queue.Channel
	Log   *logrus.Entry

	machine *fsm.Machine
}

func NewConfirm(s store.Store, q *queue.Channel, log *logrus.Entry) *Confirm {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Confirm{Store: s, Queue: q, Log: log}
	c.machine = &fsm.Machine{
		Name:    "confirm",
		Initial: confirmDrain,
		Final:   map[fsm.State]bool{confirmFinal: true},
		States: map[fsm.State]fsm.Action{
			confirmDrain: c.drain,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("confirm: action error")
		},
	}
	return c
}

func (c *Confirm) Halt() { c.machine.Halt() }

func (c *Confirm) Run(ctx context.Context) error {
	_, err := c.machine.Run(ctx)
	return err
}

func (c *Confirm) drain(ctx context.Context) (fsm.State, error) {
	item, err := c.Queue.Get(getTimeout)
	if err == queue.ErrTimeout {
		return confirmDrain, nil
	}
	if err == queue.ErrClosed {
		return confirmFinal, nil
	}
	if err != nil {
		return confirmDrain, err
	}
	if len(item) == 0 {
		return confirmFinal, nil
	}

	info, err := task.UnpackClientInfo(item)
	if err != nil {
		return confirmDrain, err
	}

	var tasks []*task.Task
	for _, idStr := range info.TaskIDs {
		t, err := c.loadTask(ctx, idStr)
		if err != nil {
			c.Log.WithField("task_id", idStr).WithError(err).Warn("confirm: could not load task")
			continue
		}
		t.ClientID = info.ClientID
		t.ClientHost = info.ClientHost
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return confirmDrain, nil
	}
	if err := c.Store.UpdateAll(ctx, tasks); err != nil {
		return confirmFinal, err
	}
	return confirmDrain, nil
}

// loadTask fetches a single task by its string UUID. The store
// contract (spec.md §4.1) has no single-task getter, so Confirm scans
// SelectInterrupted for the matching id; interrupted is exactly the
// "schedule_time set, completion_time NULL" state the just-scheduled
// tasks referenced in a ClientInfo are guaranteed to be in at this
// point.
func (c *Confirm) loadTask(ctx context.Context, idStr string) (*task.Task, error) {
	id, err := uuid.FromString(idStr)
	if err != nil {
		return nil, err
	}
	candidates, err := c.Store.SelectInterrupted(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, store.ErrNoSuchTask{ID: id}
}
