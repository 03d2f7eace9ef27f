// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package autoscale

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/adminhttp"
	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/store"
)

const (
	asInit  fsm.State = "INIT"
	asCheck fsm.State = "CHECK"
	asClean fsm.State = "CLEAN"
	asFinal fsm.State = "FINAL"
)

// AutoScaler implements spec.md §4.12: it launches worker processes
// via Launcher in response to backlog/pressure read from Store, and
// reaps exited children. It never signals a child directly and never
// tracks task assignments — scale-in is entirely a client-side idle
// timeout concern.
type AutoScaler struct {
	Store    store.Store
	Policy   *PolicyConfig
	Launcher Launcher
	Clock    clock.Clock
	Log      *logrus.Entry

	children []Child
	machine  *fsm.Machine
}

func New(s store.Store, policy *PolicyConfig, launcher Launcher, clk clock.Clock, log *logrus.Entry) *AutoScaler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &AutoScaler{Store: s, Policy: policy, Launcher: launcher, Clock: clk, Log: log}
	a.machine = &fsm.Machine{
		Name:    "autoscaler",
		Initial: asInit,
		Final:   map[fsm.State]bool{asFinal: true},
		States: map[fsm.State]fsm.Action{
			asInit:  a.init,
			asCheck: a.check,
			asClean: a.clean,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("autoscaler: action error")
		},
	}
	return a
}

func (a *AutoScaler) Halt() { a.machine.Halt() }

func (a *AutoScaler) Run(ctx context.Context) error {
	_, err := a.machine.Run(ctx)
	return err
}

// init brings the live child count up to Policy.InitSize, matching
// spec.md §4.12's "INIT brings the cluster up to init_size" timing.
func (a *AutoScaler) init(ctx context.Context) (fsm.State, error) {
	for len(a.children) < a.Policy.InitSize {
		if err := a.launch(); err != nil {
			return asInit, err
		}
	}
	return asCheck, nil
}

// check applies the configured policy once and moves straight on to
// CLEAN, which runs every tick regardless of policy outcome; check
// itself does not wait, the wait between periods happens in CLEAN.
func (a *AutoScaler) check(ctx context.Context) (fsm.State, error) {
	var err error
	switch a.Policy.Kind {
	case Dynamic:
		err = a.checkDynamic(ctx)
	default:
		err = a.checkFixed(ctx)
	}
	return asClean, err
}

func (a *AutoScaler) checkFixed(ctx context.Context) error {
	live := len(a.children)
	if live < a.Policy.InitSize && live < a.Policy.MaxSize {
		return a.launch()
	}
	return nil
}

func (a *AutoScaler) checkDynamic(ctx context.Context) error {
	live := len(a.children)
	remaining, err := a.Store.CountRemaining(ctx)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return nil
	}
	clients, err := a.Store.ConnectedClients(ctx)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		if live < a.Policy.MaxSize {
			return a.launch()
		}
		return nil
	}
	pressure, err := a.Store.TaskPressure(ctx, a.Policy.Factor)
	if err != nil {
		return err
	}
	adminhttp.ObserveTaskPressure(pressure)
	if pressure > 1 && live < a.Policy.MaxSize {
		return a.launch()
	}
	return nil
}

// clean reaps exited children, logging non-zero exits (spec.md's
// error-handling table: "Autoscaler child exit non-zero: log a
// warning; allow the policy to replace or not"), then sleeps for
// Policy.Period before the next CHECK.
func (a *AutoScaler) clean(ctx context.Context) (fsm.State, error) {
	live := a.children[:0]
	for _, c := range a.children {
		exited, err := c.Reap()
		if !exited {
			live = append(live, c)
			continue
		}
		if err != nil {
			a.Log.WithError(err).Warn("autoscaler: child exited non-zero")
		}
	}
	a.children = live

	period := time.Duration(a.Policy.Period * float64(time.Second))
	if period <= 0 {
		period = time.Second
	}
	timer := a.Clock.Timer(period)
	defer timer.Stop()
	select {
	case <-timer.C:
		return asCheck, nil
	case <-ctx.Done():
		return asFinal, ctx.Err()
	}
}

func (a *AutoScaler) launch() error {
	if len(a.children) >= a.Policy.MaxSize {
		return nil
	}
	child, err := a.Launcher.Launch()
	if err != nil {
		return err
	}
	a.children = append(a.children, child)
	return nil
}
