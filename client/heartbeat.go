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
	"github.com/diffeo/go-hypershell/signal"
	"github.com/diffeo/go-hypershell/task"
)

const (
	hbBeat  fsm.State = "BEAT"
	hbFinal fsm.State = "FINAL"
)

// Heartbeat implements spec.md §4.11: push a RUNNING heartbeat every
// heartrate seconds; on shutdown signal, push one FINISHED heartbeat
// and halt.
type Heartbeat struct {
	Conn   *queue.Client
	UUID   string
	Host   string
	Rate   time.Duration
	Signal signal.Source
	Clock  clock.Clock
	Log    *logrus.Entry

	seq int64

	// Done, if non-nil, is closed by the owning client process when
	// every executor has finished, independent of Signal — used for
	// a clean shutdown after a FINAL scheduled sentinel rather than
	// an OS signal.
	Done <-chan struct{}

	machine *fsm.Machine
}

func NewHeartbeat(conn *queue.Client, uuidStr, host string, rate time.Duration, sig signal.Source, clk clock.Clock, log *logrus.Entry) *Heartbeat {
	if sig == nil {
		sig = signal.None{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Heartbeat{Conn: conn, UUID: uuidStr, Host: host, Rate: rate, Signal: sig, Clock: clk, Log: log}
	h.machine = &fsm.Machine{
		Name:    "client-heartbeat",
		Initial: hbBeat,
		Final:   map[fsm.State]bool{hbFinal: true},
		States: map[fsm.State]fsm.Action{
			hbBeat: h.beat,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("client-heartbeat: action error")
		},
	}
	return h
}

func (h *Heartbeat) Halt() { h.machine.Halt() }

func (h *Heartbeat) Run(ctx context.Context, done <-chan struct{}) error {
	h.Done = done
	_, err := h.machine.Run(ctx)
	return err
}

func (h *Heartbeat) beat(ctx context.Context) (fsm.State, error) {
	finishing := h.Signal.Requested()
	if !finishing && h.Done != nil {
		select {
		case <-h.Done:
			finishing = true
		default:
		}
	}

	state := task.HeartbeatRunning
	if finishing {
		state = task.HeartbeatFinished
	}
	h.seq++
	hb := &task.Heartbeat{UUID: h.UUID, Host: h.Host, Time: h.Clock.Now(), State: state, Seq: h.seq}
	packed, err := hb.Pack()
	if err != nil {
		return hbBeat, err
	}
	if err := h.Conn.Put(queue.Heartbeat, task.Bundle{packed}); err != nil {
		return hbFinal, err
	}
	if finishing {
		return hbFinal, nil
	}

	timer := h.Clock.Timer(h.Rate)
	defer timer.Stop()
	select {
	case <-timer.C:
		return hbBeat, nil
	case <-ctx.Done():
		return hbFinal, ctx.Err()
	}
}
