// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Command hypershell-server runs the Scheduler/Receiver/Confirm/
// HeartMonitor quartet (spec.md §4.4-§4.7) against a task store,
// accepting worker connections over the bundle queue TCP transport.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/diffeo/go-hypershell/adminhttp"
	"github.com/diffeo/go-hypershell/config"
	"github.com/diffeo/go-hypershell/server"
	"github.com/diffeo/go-hypershell/storeopen"
)

func main() {
	app := cli.NewApp()
	app.Name = "hypershell-server"
	app.Usage = "run the HyperShell scheduler/receiver/confirm/heartmonitor server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bind", Value: "localhost:50001", Usage: "[host]:port to listen on"},
		cli.StringFlag{Name: "database", Value: "", Usage: "store backend: empty for in-memory, sqlite:///path, postgres://..."},
		cli.StringFlag{Name: "secret", Value: "", Usage: "shared secret clients must present; random if empty"},
		cli.IntFlag{Name: "bundlesize", Value: 10, Usage: "max tasks per scheduled bundle"},
		cli.DurationFlag{Name: "bundlewait", Value: 5 * time.Second},
		cli.IntFlag{Name: "max-retries", Value: 1, Usage: "max retries per task; attempts are capped at max-retries+1 (invariant I-4)"},
		cli.BoolFlag{Name: "eager", Usage: "schedule retries before new tasks"},
		cli.BoolFlag{Name: "no-db", Usage: "bypass the task store; Receiver logs outcomes only"},
		cli.BoolFlag{Name: "no-confirm", Usage: "disable the Confirm component"},
		cli.DurationFlag{Name: "query-pause", Value: 5 * time.Second},
		cli.DurationFlag{Name: "evict-after", Value: 60 * time.Second},
		cli.BoolFlag{Name: "forever", Usage: "disable empty-store termination"},
		cli.BoolFlag{Name: "restart", Usage: "skip the startup-phase guard, so a store with no unfinished tasks halts at the first query"},
		cli.StringFlag{Name: "admin-bind", Value: "", Usage: "[host]:port for the read-only adminhttp surface; empty disables it"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("hypershell-server: fatal")
	}
}

func run(c *cli.Context) error {
	log := logrus.StandardLogger()

	secret := c.String("secret")
	if secret == "" {
		var err error
		secret, err = randomSecret()
		if err != nil {
			return fmt.Errorf("hypershell-server: generate secret: %w", err)
		}
		log.WithField("secret", secret).Warn("hypershell-server: no --secret given, generated one for this run")
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
	cfg.NoDB = c.Bool("no-db")
	cfg.NoConfirm = c.Bool("no-confirm")
	cfg.QueryPause = c.Duration("query-pause")
	cfg.EvictAfter = c.Duration("evict-after")
	cfg.Forever = c.Bool("forever")
	cfg.Restart = c.Bool("restart")

	host, _ := os.Hostname()
	srv := server.New(st, cfg, host, log)

	if err := srv.Listen("tcp", cfg.Bind); err != nil {
		return err
	}
	log.WithField("bind", cfg.Bind).Info("hypershell-server: listening")

	if adminBind := c.String("admin-bind"); adminBind != "" {
		ln, err := net.Listen("tcp", adminBind)
		if err != nil {
			return fmt.Errorf("hypershell-server: admin-bind: %w", err)
		}
		go func() {
			if err := http.Serve(ln, adminhttp.NewRouter(st, log)); err != nil {
				log.WithError(err).Warn("hypershell-server: adminhttp stopped")
			}
		}()
		log.WithField("bind", adminBind).Info("hypershell-server: adminhttp listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("hypershell-server: shutting down")
		cancel()
	}()

	err = srv.Run(ctx)
	srv.Close()
	if err != nil && err != context.Canceled {
		return err
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
