// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Command hypershell-cluster runs a server and a fixed pool of
// in-process clients inside a single process; it does not run the
// AutoScaler. It is for local development and small fixed-size runs
// where spinning up separate server/client binaries is overhead
// spec.md §9's embedding note says this mode need not pay. Every
// embedded client shares the cluster's own shutdown signal rather
// than installing its own (signal.None{}); the cluster alone listens
// for SIGINT/SIGTERM and drives every component down through one
// cancelable context.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/diffeo/go-hypershell/client"
	"github.com/diffeo/go-hypershell/config"
	"github.com/diffeo/go-hypershell/server"
	hsignal "github.com/diffeo/go-hypershell/signal"
	"github.com/diffeo/go-hypershell/storeopen"
)

func main() {
	app := cli.NewApp()
	app.Name = "hypershell-cluster"
	app.Usage = "run a server and N embedded clients in one process"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bind", Value: "localhost:50001"},
		cli.StringFlag{Name: "database", Value: ""},
		cli.StringFlag{Name: "secret", Value: ""},
		cli.IntFlag{Name: "bundlesize", Value: 10},
		cli.DurationFlag{Name: "bundlewait", Value: 5 * time.Second},
		cli.IntFlag{Name: "max-retries", Value: 1},
		cli.BoolFlag{Name: "eager"},
		cli.IntFlag{Name: "clients", Value: 1, Usage: "number of embedded worker clients"},
		cli.IntFlag{Name: "parallelism", Value: 1, Usage: "TaskExecutors per embedded client"},
		cli.BoolFlag{Name: "capture"},
		cli.DurationFlag{Name: "task-timeout"},
		cli.DurationFlag{Name: "signalwait", Value: 5 * time.Second},
		cli.DurationFlag{Name: "heartrate", Value: 10 * time.Second},
		cli.BoolFlag{Name: "no-confirm"},
		cli.DurationFlag{Name: "query-pause", Value: 5 * time.Second},
		cli.DurationFlag{Name: "evict-after", Value: 60 * time.Second},
		cli.BoolFlag{Name: "forever"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("hypershell-cluster: fatal")
	}
}

func run(c *cli.Context) error {
	log := logrus.StandardLogger()

	secret := c.String("secret")
	if secret == "" {
		var err error
		secret, err = randomSecret()
		if err != nil {
			return fmt.Errorf("hypershell-cluster: generate secret: %w", err)
		}
	}

	st, err := storeopen.Open(c.String("database"), nil)
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := config.Defaults()
	cfg.Bind = c.String("bind")
	cfg.Secret = secret
	cfg.BundleSize = c.Int("bundlesize")
	cfg.BundleWait = c.Duration("bundlewait")
	cfg.MaxRetries = c.Int("max-retries")
	cfg.Eager = c.Bool("eager")
	cfg.NoConfirm = c.Bool("no-confirm")
	cfg.QueryPause = c.Duration("query-pause")
	cfg.EvictAfter = c.Duration("evict-after")
	cfg.Forever = c.Bool("forever")
	cfg.Parallelism = c.Int("parallelism")
	cfg.Capture = c.Bool("capture")
	cfg.TaskTimeout = c.Duration("task-timeout")
	cfg.SignalWait = c.Duration("signalwait")
	cfg.HeartRate = c.Duration("heartrate")

	host, _ := os.Hostname()
	srv := server.New(st, cfg, host, log)
	if err := srv.Listen("tcp", cfg.Bind); err != nil {
		return err
	}
	log.WithField("bind", cfg.Bind).Info("hypershell-cluster: server listening")

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("hypershell-cluster: shutting down")
		cancel()
	}()

	numClients := c.Int("clients")
	clients := make([]*client.Client, 0, numClients)
	for i := 0; i < numClients; i++ {
		cl, err := client.NewWithSignal("tcp", cfg.Bind, secret, cfg, client.IdentityExpander{}, hsignal.None{}, log)
		if err != nil {
			srv.Close()
			return fmt.Errorf("hypershell-cluster: embedded client %d: %w", i, err)
		}
		clients = append(clients, cl)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(clients)+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			errs <- fmt.Errorf("server: %w", err)
		}
	}()

	for i, cl := range clients {
		wg.Add(1)
		go func(i int, cl *client.Client) {
			defer wg.Done()
			if err := cl.Run(ctx); err != nil && err != context.Canceled {
				errs <- fmt.Errorf("client %d: %w", i, err)
			}
		}(i, cl)
	}

	wg.Wait()
	srv.Close()
	for _, cl := range clients {
		cl.Close()
	}
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
