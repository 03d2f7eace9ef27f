// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package client

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/config"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/signal"
	"github.com/diffeo/go-hypershell/task"
)

// Client composes a ClientScheduler, a pool of TaskExecutors, a
// ClientCollector and a ClientHeartbeat around one authenticated
// queue.Client connection, matching the worker-side half of spec.md
// §2's component diagram.
type Client struct {
	ID, Host string

	Conn      *queue.Client
	Scheduler *Scheduler
	Executors []*Executor
	Collector *Collector
	Heartbeat *Heartbeat

	Clock clock.Clock
	Log   *logrus.Logger
}

// New dials addr, authenticates with secret, and wires every
// component using cfg. It installs its own signal.OS source, making
// Ctrl-C/SIGTERM halt the client directly; a process embedding
// several clients (cmd/hypershell-cluster) should use NewWithSignal
// instead so shutdown is driven once, centrally, by the embedder.
func New(network, addr, secret string, cfg *config.Config, exp Expander, log *logrus.Logger) (*Client, error) {
	return NewWithSignal(network, addr, secret, cfg, exp, signal.NewOS(), log)
}

// NewWithSignal is New with the shutdown signal.Source supplied by
// the caller instead of installed internally. Pass signal.None{} when
// an enclosing process already owns OS signal handling and drives
// shutdown through ctx cancellation alone.
func NewWithSignal(network, addr, secret string, cfg *config.Config, exp Expander, sig signal.Source, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := queue.Dial(network, addr, secret)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	host, _ := os.Hostname()
	id := uuid.NewV4().String()
	clk := clock.New()

	c := &Client{ID: id, Host: host, Conn: conn, Clock: clk, Log: log}

	c.Scheduler = NewScheduler(conn, id, host, cfg.Timeout, cfg.NoConfirm, sig, log.WithField("component", "client-scheduler"))

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	for i := 0; i < parallelism; i++ {
		c.Executors = append(c.Executors, NewExecutor(i, id, host, exp, cfg.Capture, cfg.TaskTimeout, cfg.SignalWait, clk, log.WithField("component", fmt.Sprintf("executor-%d", i))))
	}

	c.Collector = NewCollector(conn, cfg.BundleSize, cfg.BundleWait, clk, log.WithField("component", "client-collector"))
	c.Heartbeat = NewHeartbeat(conn, id, host, cfg.HeartRate, sig, clk, log.WithField("component", "client-heartbeat"))

	return c, nil
}

// Run drives every component concurrently until the scheduler
// receives a FINAL sentinel or its timeout, fans its tasks through
// the executor pool, and drains the collector and heartbeat.
func (c *Client) Run(ctx context.Context) error {
	local := make(chan *task.Task)
	finished := make(chan *task.Task)
	done := make(chan struct{})

	var execWG, restWG sync.WaitGroup
	errs := make(chan error, len(c.Executors)+3)

	for _, ex := range c.Executors {
		execWG.Add(1)
		go func(ex *Executor) {
			defer execWG.Done()
			if err := ex.Run(ctx, local, finished); err != nil {
				errs <- err
			}
		}(ex)
	}

	restWG.Add(1)
	go func() {
		defer restWG.Done()
		if err := c.Collector.Run(ctx, finished); err != nil {
			errs <- err
		}
	}()

	restWG.Add(1)
	go func() {
		defer restWG.Done()
		if err := c.Heartbeat.Run(ctx, done); err != nil {
			errs <- err
		}
	}()

	schedErr := c.Scheduler.Run(ctx, local)
	close(local) // sentinel: every executor's Local channel closes, signaling FINAL

	execWG.Wait() // every executor has flushed its last result to finished

	close(finished) // sentinel for the collector
	close(done)     // signal the heartbeat to send FINISHED and halt

	restWG.Wait()
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

// Close closes the underlying transport connection.
func (c *Client) Close() error {
	return c.Conn.Close()
}
