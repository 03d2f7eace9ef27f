// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Command hypershell-client runs one worker process: a
// ClientScheduler, a pool of TaskExecutors, a ClientCollector and a
// ClientHeartbeat against a running hypershell-server (spec.md
// §4.8-§4.11).
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/diffeo/go-hypershell/client"
	"github.com/diffeo/go-hypershell/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "hypershell-client"
	app.Usage = "run one HyperShell worker"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "server", Value: "localhost:50001", Usage: "[host]:port of the hypershell-server to connect to"},
		cli.StringFlag{Name: "secret", Usage: "shared secret for the queue handshake"},
		cli.IntFlag{Name: "parallelism", Value: runtime.NumCPU(), Usage: "number of concurrent TaskExecutors"},
		cli.BoolFlag{Name: "capture", Usage: "capture stdout/stderr to files"},
		cli.DurationFlag{Name: "timeout", Usage: "halt after this long with no bundle (0 = wait forever)"},
		cli.DurationFlag{Name: "task-timeout", Usage: "per-task walltime limit (0 = unlimited)"},
		cli.DurationFlag{Name: "signalwait", Value: 5 * time.Second, Usage: "interval between SIGINT/SIGTERM/SIGKILL"},
		cli.DurationFlag{Name: "heartrate", Value: 10 * time.Second},
		cli.BoolFlag{Name: "no-confirm", Usage: "disable the confirmed-queue receipt"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("hypershell-client: fatal")
	}
}

func run(c *cli.Context) error {
	log := logrus.StandardLogger()

	cfg := config.Defaults()
	cfg.Parallelism = c.Int("parallelism")
	cfg.Capture = c.Bool("capture")
	cfg.Timeout = c.Duration("timeout")
	cfg.TaskTimeout = c.Duration("task-timeout")
	cfg.SignalWait = c.Duration("signalwait")
	cfg.HeartRate = c.Duration("heartrate")
	cfg.NoConfirm = c.Bool("no-confirm")

	cl, err := client.New("tcp", c.String("server"), c.String("secret"), cfg, client.IdentityExpander{}, log)
	if err != nil {
		return err
	}
	defer cl.Close()

	log.WithField("server", c.String("server")).WithField("id", cl.ID).Info("hypershell-client: connected")

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("hypershell-client: shutting down")
		cancel()
	}()

	err = cl.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
