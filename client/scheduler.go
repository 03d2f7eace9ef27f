// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/signal"
	"github.com/diffeo/go-hypershell/task"
)

const (
	schedGet   fsm.State = "GET"
	schedSend  fsm.State = "DISPATCH"
	schedFinal fsm.State = "FINAL"
)

// Scheduler implements spec.md §4.8: pull bundles from the remote
// scheduled queue, unpack, optionally emit a ClientInfo receipt on
// confirmed, push tasks onto the local queue feeding the executors.
type Scheduler struct {
	Conn       *queue.Client
	ClientID   string
	ClientHost string
	Timeout    time.Duration // 0 = wait indefinitely
	NoConfirm  bool
	Signal     signal.Source
	Log        *logrus.Entry

	Local chan<- *task.Task

	lastBundle time.Time
	pending    []*task.Task

	machine *fsm.Machine
}

func NewScheduler(conn *queue.Client, clientID, clientHost string, timeout time.Duration, noConfirm bool, sig signal.Source, log *logrus.Entry) *Scheduler {
	if sig == nil {
		sig = signal.None{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{Conn: conn, ClientID: clientID, ClientHost: clientHost, Timeout: timeout, NoConfirm: noConfirm, Signal: sig, Log: log}
	s.machine = &fsm.Machine{
		Name:    "client-scheduler",
		Initial: schedGet,
		Final:   map[fsm.State]bool{schedFinal: true},
		States: map[fsm.State]fsm.Action{
			schedGet:  s.get,
			schedSend: s.dispatch,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("client-scheduler: action error")
		},
	}
	return s
}

func (s *Scheduler) Halt() { s.machine.Halt() }

func (s *Scheduler) Run(ctx context.Context, local chan<- *task.Task) error {
	s.Local = local
	s.lastBundle = time.Now()
	_, err := s.machine.Run(ctx)
	return err
}

func (s *Scheduler) get(ctx context.Context) (fsm.State, error) {
	if s.Signal.Requested() {
		return schedFinal, nil
	}
	item, err := s.Conn.Get(queue.Scheduled, time.Second)
	if err == queue.ErrTimeout {
		if s.Timeout > 0 && time.Since(s.lastBundle) > s.Timeout {
			return schedFinal, nil
		}
		return schedGet, nil
	}
	if err != nil {
		return schedFinal, err
	}
	s.lastBundle = time.Now()
	if len(item) == 0 {
		return schedFinal, nil // sentinel
	}

	tasks, err := task.UnpackBundle(task.Bundle{item})
	if err != nil {
		return schedGet, err
	}
	s.pending = tasks
	return schedSend, nil
}

func (s *Scheduler) dispatch(ctx context.Context) (fsm.State, error) {
	if !s.NoConfirm {
		ids := make([]string, len(s.pending))
		for i, t := range s.pending {
			ids[i] = t.ID.String()
		}
		info := &task.ClientInfo{ClientID: s.ClientID, ClientHost: s.ClientHost, TaskIDs: ids}
		packed, err := info.Pack()
		if err != nil {
			return schedGet, err
		}
		if err := s.Conn.Put(queue.Confirmed, task.Bundle{packed}); err != nil {
			return schedFinal, err
		}
	}
	for _, t := range s.pending {
		select {
		case s.Local <- t:
		case <-ctx.Done():
			return schedFinal, ctx.Err()
		}
	}
	s.pending = nil
	return schedGet, nil
}
