// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Command hypershell-submit reads a stream of shell command lines
// (one task per line, optionally followed by an inline `# HYPERSHELL`
// tag comment) and commits them either to a task store or directly
// onto a running server's scheduled queue (spec.md §4.3).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/storeopen"
	"github.com/diffeo/go-hypershell/submit"
	"github.com/diffeo/go-hypershell/tag"
	"github.com/diffeo/go-hypershell/task"
)

func main() {
	app := cli.NewApp()
	app.Name = "hypershell-submit"
	app.Usage = "load tasks from stdin (or a file) into a HyperShell run"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "input", Value: "-", Usage: "file to read, or - for stdin"},
		cli.StringFlag{Name: "database", Value: "", Usage: "store backend to commit into; ignored with --no-db"},
		cli.BoolFlag{Name: "no-db", Usage: "push tasks directly onto a running server's scheduled queue"},
		cli.StringFlag{Name: "server", Value: "localhost:50001", Usage: "server to push to, with --no-db"},
		cli.StringFlag{Name: "secret", Usage: "shared secret, with --no-db"},
		cli.IntFlag{Name: "bundlesize", Value: 10},
		cli.DurationFlag{Name: "bundlewait", Value: 5 * time.Second},
		cli.StringSliceFlag{Name: "tag", Usage: "base tag key:value (or bare key) applied to every submitted task"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("hypershell-submit: fatal")
	}
}

func run(c *cli.Context) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	clk := clock.New()

	baseTags, err := parseBaseTags(c.StringSlice("tag"))
	if err != nil {
		return err
	}

	var sink submit.Sink
	if c.Bool("no-db") {
		conn, err := queue.Dial("tcp", c.String("server"), c.String("secret"))
		if err != nil {
			return fmt.Errorf("hypershell-submit: dial %s: %w", c.String("server"), err)
		}
		defer conn.Close()
		sink = submit.NewQueueSink(conn)
	} else {
		st, err := storeopen.Open(c.String("database"), clk)
		if err != nil {
			return err
		}
		defer st.Close()
		sink = submit.NewDBSink(st)
	}

	in := os.Stdin
	if path := c.String("input"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("hypershell-submit: open %s: %w", path, err)
		}
		defer f.Close()
		in = f
	}

	host, _ := os.Hostname()
	submitID := fmt.Sprintf("%d", os.Getpid())

	loader := submit.NewLoader(submitID, host, baseTags, clk, log.WithField("component", "loader"))
	committer := submit.NewCommitter(sink, c.Int("bundlesize"), c.Duration("bundlewait"), clk, log.WithField("component", "committer"))

	pending := make(chan *task.Task)
	ctx := context.Background()

	loadErr := make(chan error, 1)
	go func() { loadErr <- loader.Run(ctx, in, pending) }()

	if err := committer.Run(ctx, pending); err != nil {
		return err
	}
	if err := <-loadErr; err != nil {
		return err
	}

	log.WithField("total", loader.Stats.Total).
		WithField("skipped", loader.Stats.Skipped).
		WithField("failed", loader.Stats.Failed).
		Info("hypershell-submit: done")
	return nil
}

func parseBaseTags(raw []string) (task.Tag, error) {
	tags := task.Tag{}
	for _, kv := range raw {
		key, value, hasValue := strings.Cut(kv, ":")
		if err := tag.Validate(key); err != nil {
			return nil, fmt.Errorf("hypershell-submit: --tag %q: %w", kv, err)
		}
		if !hasValue {
			tags[key] = ""
			continue
		}
		tags[key] = value
	}
	return tags, nil
}
