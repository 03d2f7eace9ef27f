// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/config"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/store"
)

// Server composes the four state machines (Scheduler, Receiver,
// Confirm, HeartMonitor) around a queue.Server and a store.Store,
// matching the "nine long-lived components" picture of spec.md §2.
type Server struct {
	ID, Host string

	Store  store.Store
	Queue  *queue.Server
	Config *config.Config
	Clock  clock.Clock
	Log    *logrus.Logger

	Scheduler    *Scheduler
	Receiver     *Receiver
	Confirm      *Confirm
	HeartMonitor *HeartMonitor
}

// New builds a Server with all four components wired to s, bound to
// host for logging purposes (the transport bind address is separate;
// see Listen).
func New(s store.Store, cfg *config.Config, host string, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	clk := clock.New()
	id := uuid.NewV4().String()
	qs := queue.NewServer(cfg.Secret, cfg.BundleSize*4, log)

	srv := &Server{
		ID: id, Host: host,
		Store: s, Queue: qs, Config: cfg, Clock: clk, Log: log,
	}
	srv.Scheduler = NewScheduler(s, qs.Queue(queue.Scheduled), cfg, clk, log.WithField("component", "scheduler"))
	srv.Scheduler.ServerID = id
	srv.Scheduler.ServerHost = host

	srv.Receiver = NewReceiver(s, qs.Queue(queue.Completed), cfg.NoDB, nil, log.WithField("component", "receiver"))

	if !cfg.NoConfirm {
		srv.Confirm = NewConfirm(s, qs.Queue(queue.Confirmed), log.WithField("component", "confirm"))
	}

	srv.HeartMonitor = NewHeartMonitor(s, qs.Queue(queue.Heartbeat), qs.Queue(queue.Scheduled),
		cfg.NoConfirm, cfg.EvictAfter, clk, log.WithField("component", "heartmonitor"))

	return srv
}

// Listen binds the TCP transport synchronously (so a bind failure is
// returned to the caller immediately) and starts accepting
// connections in the background. Callers should call Run afterward
// (or concurrently) to drive the state machines.
func (s *Server) Listen(network, laddr string) error {
	if err := s.Queue.Listen(network, laddr); err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	go s.Queue.Accept()
	return nil
}

// Run drives every component concurrently until the Scheduler reaches
// FINAL, at which point HeartMonitor is asked to drain connected
// clients and every other component is halted.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 4)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errs <- fmt.Errorf("server: %s: %w", name, err)
			}
		}()
	}

	run("receiver", s.Receiver.Run)
	if s.Confirm != nil {
		run("confirm", s.Confirm.Run)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.HeartMonitor.Run(ctx); err != nil {
			errs <- fmt.Errorf("server: heartmonitor: %w", err)
		}
		// HeartMonitor reaching FINAL means every connected client has
		// been drained (spec.md §4.7); completed/confirmed have nothing
		// further to report, so halt their drain loops rather than
		// leave them blocked on an empty queue forever. Also reached on
		// ctx cancellation, where it is a harmless no-op alongside the
		// Machine's own ctx.Done() check.
		s.Receiver.Halt()
		if s.Confirm != nil {
			s.Confirm.Halt()
		}
	}()

	schedErr := s.Scheduler.Run(ctx)
	if err := s.HeartMonitor.RequestShutdown(ctx); err != nil && schedErr == nil {
		schedErr = err
	}

	wg.Wait()
	close(errs)
	if schedErr != nil {
		return schedErr
	}
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting new connections and halts every component.
func (s *Server) Close() error {
	s.Scheduler.Halt()
	s.Receiver.Halt()
	if s.Confirm != nil {
		s.Confirm.Halt()
	}
	s.HeartMonitor.Halt()
	return s.Queue.Close()
}
