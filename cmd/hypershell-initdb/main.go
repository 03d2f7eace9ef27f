// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Command hypershell-initdb brings a --database backend's schema up
// to date, or tears it down first with --drop. It exists because
// storeopen.Open already runs the migration on every connect
// (spec.md §6 backends are self-migrating), so most deployments never
// need this command explicitly; it is here for CI fixtures and for
// recovering a --drop'd database without deleting the file/role.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/diffeo/go-hypershell/store/postgres"
	"github.com/diffeo/go-hypershell/store/sqlite"
)

func main() {
	app := cli.NewApp()
	app.Name = "hypershell-initdb"
	app.Usage = "create or reset a HyperShell sqlite:// or postgres:// backend's schema"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "database", Usage: "sqlite://path or postgres://... ; required"},
		cli.BoolFlag{Name: "drop", Usage: "drop all tables before upgrading"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("hypershell-initdb: fatal")
	}
}

func run(c *cli.Context) error {
	databaseURL := c.String("database")
	if databaseURL == "" {
		return fmt.Errorf("hypershell-initdb: --database is required (sqlite:// or postgres://)")
	}

	var (
		driver  string
		dsn     string
		upgrade func(*sql.DB) error
		drop    func(*sql.DB) error
	)
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		driver, dsn = "sqlite3", strings.TrimPrefix(databaseURL, "sqlite://")+"?_foreign_keys=on"
		upgrade, drop = sqlite.Upgrade, sqlite.Drop
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		driver, dsn = "postgres", databaseURL
		upgrade, drop = postgres.Upgrade, postgres.Drop
	default:
		return fmt.Errorf("hypershell-initdb: unrecognized --database scheme in %q", databaseURL)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("hypershell-initdb: open: %w", err)
	}
	defer db.Close()

	if c.Bool("drop") {
		if err := drop(db); err != nil {
			return fmt.Errorf("hypershell-initdb: drop: %w", err)
		}
		logrus.Info("hypershell-initdb: dropped existing schema")
	}
	if err := upgrade(db); err != nil {
		return fmt.Errorf("hypershell-initdb: upgrade: %w", err)
	}
	logrus.WithField("database", databaseURL).Info("hypershell-initdb: schema up to date")
	return nil
}
