// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package storeopen resolves a single `--database` flag value shared
// by every cmd/hypershell-* entry point into a concrete store.Store,
// matching the teacher's own `backend.Backend` flag.Value convention
// in cmd/coordinated/main.go ("impl[:address] of the storage
// backend") generalized to this module's three backends.
package storeopen

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/store/memory"
	"github.com/diffeo/go-hypershell/store/postgres"
	"github.com/diffeo/go-hypershell/store/sqlite"
)

// Open resolves databaseURL into a store.Store:
//
//	""                        -> in-memory store (--no-db-equivalent default)
//	"memory://"                -> in-memory store
//	"sqlite:///path/to.db"      -> SQLite-backed store at the given path
//	"postgres://..."            -> PostgreSQL-backed store, connection
//	                               string passed through verbatim
func Open(databaseURL string, clk clock.Clock) (store.Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	switch {
	case databaseURL == "" || databaseURL == "memory://":
		return memory.NewWithClock(clk), nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		s, err := sqlite.NewWithClock(path, clk)
		if err != nil {
			return nil, fmt.Errorf("storeopen: sqlite %q: %w", path, err)
		}
		return s, nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		s, err := postgres.NewWithClock(databaseURL, clk)
		if err != nil {
			return nil, fmt.Errorf("storeopen: postgres: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storeopen: unrecognized --database scheme in %q", databaseURL)
	}
}
