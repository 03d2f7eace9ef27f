// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package store

import (
	"errors"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// ErrNoSuchTask is returned by Get-style lookups for a task ID that
// does not exist.
type ErrNoSuchTask struct {
	ID uuid.UUID
}

func (e ErrNoSuchTask) Error() string {
	return fmt.Sprintf("store: no such task %v", e.ID)
}

// ErrNoSuchClient is returned by Get-style lookups for a client ID
// that does not exist.
type ErrNoSuchClient struct {
	ID string
}

func (e ErrNoSuchClient) Error() string {
	return fmt.Sprintf("store: no such client %q", e.ID)
}

// ErrClosed is returned by any Store method called after Close.
var ErrClosed = errors.New("store: closed")
