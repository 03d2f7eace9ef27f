// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package store defines the task store abstraction (spec.md §4.1):
// the full contract the Scheduler, Receiver, Confirm, HeartMonitor
// and AutoScaler rely on. Nothing about those components changes
// based on which backend (postgres, sqlite, memory) implements this
// interface; storage types never leak past this package boundary
// (spec.md §9 design note).
package store

import (
	"context"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/diffeo/go-hypershell/task"
)

// Change pairs a task ID with a task value. No Store method takes a
// Change: UpdateAll takes fully-formed *task.Task values, and backends
// write every column.
type Change struct {
	ID   uuid.UUID
	Task *task.Task
}

// Store is the full task-store contract described in spec.md §4.1.
// Implementations must tolerate being polled in a tight loop with no
// backoff beyond what the caller supplies (the Scheduler's
// query_pause), and must propagate errors rather than swallow them so
// that callers can roll back any surrounding transaction.
type Store interface {
	// AddAll atomically inserts every task in tasks.
	AddAll(ctx context.Context, tasks []*task.Task) error

	// UpdateAll atomically applies every change, keyed by task ID.
	UpdateAll(ctx context.Context, tasks []*task.Task) error

	// SelectNew returns up to limit tasks with schedule_time IS
	// NULL, ordered by submit_time ascending.
	SelectNew(ctx context.Context, limit int) ([]*task.Task, error)

	// SelectFailed returns up to limit tasks eligible for retry
	// under the given attempts ceiling (invariant I-4), ordered by
	// completion_time ascending.
	SelectFailed(ctx context.Context, attempts, limit int) ([]*task.Task, error)

	// Next is the scheduling primitive described in spec.md §4.4:
	// it selects up to limit tasks (new and/or retried, per the
	// eager flag), stamps server_id/server_host/schedule_time on
	// each, and commits the whole operation atomically. See
	// NextOptions for parameter details.
	Next(ctx context.Context, opts NextOptions) ([]*task.Task, error)

	// SelectInterrupted returns tasks with schedule_time set but
	// completion_time NULL: work left dangling by an unclean
	// server shutdown.
	SelectInterrupted(ctx context.Context, limit int) ([]*task.Task, error)

	// RevertInterrupted clears run-related fields on every
	// interrupted task (as returned by SelectInterrupted) and
	// returns how many rows were affected. Called once on server
	// start.
	RevertInterrupted(ctx context.Context) (int, error)

	// SelectOrphaned returns tasks assigned to clientID with
	// schedule_time set but completion_time NULL.
	SelectOrphaned(ctx context.Context, clientID string, limit int) ([]*task.Task, error)

	// RevertOrphaned clears run-related fields on every task
	// assigned to clientID that was left incomplete, returning how
	// many rows were affected. Used by HeartMonitor on eviction.
	RevertOrphaned(ctx context.Context, clientID string) (int, error)

	// CountRemaining returns the number of tasks not yet finished
	// (schedule_time IS NULL, or schedule_time set and
	// completion_time IS NULL).
	CountRemaining(ctx context.Context) (int, error)

	// CountInterrupted returns the number of tasks matched by
	// SelectInterrupted.
	CountInterrupted(ctx context.Context) (int, error)

	// Count returns the total number of tasks in the store.
	Count(ctx context.Context) (int, error)

	// EffectiveRate returns the average completion rate, in
	// tasks/second, across currently-connected clients registered
	// under the most recent server_id.
	EffectiveRate(ctx context.Context) (float64, error)

	// AvgDuration returns the average duration (completion_time -
	// start_time, in seconds) across completed tasks.
	AvgDuration(ctx context.Context) (float64, error)

	// TimeToCompletion estimates the wall-clock seconds remaining
	// to drain the backlog, given EffectiveRate.
	TimeToCompletion(ctx context.Context) (float64, error)

	// TaskPressure computes time_to_completion / (factor *
	// avg_duration), the dimensionless load signal consumed by the
	// DYNAMIC autoscaler policy.
	TaskPressure(ctx context.Context, factor float64) (float64, error)

	// AddClient registers a new Client row, or re-opens an existing
	// one that was previously disconnected (the "safety valve" of
	// spec.md §4.7): disconnected_at and evicted are reset and
	// connected_at, server_id and server_host are updated;
	// heartbeat_seq is left unchanged.
	AddClient(ctx context.Context, c *task.Client) error

	// UpdateClient persists changes to an existing Client row.
	UpdateClient(ctx context.Context, c *task.Client) error

	// GetClient retrieves a Client row by ID.
	GetClient(ctx context.Context, id string) (*task.Client, error)

	// ConnectedClients returns every Client row with
	// disconnected_at IS NULL.
	ConnectedClients(ctx context.Context) ([]*task.Client, error)

	// Close releases any resources (connection pools, file
	// handles) held by the store.
	Close() error
}

// NextOptions parameterizes Store.Next, matching spec.md §4.4.
type NextOptions struct {
	// Limit bounds the number of tasks returned.
	Limit int
	// Attempts is the max_attempts ceiling used for retry
	// eligibility (invariant I-4).
	Attempts int
	// Eager selects the retry-first policy described in spec.md
	// §4.4; when false, fresh NEW tasks are scheduled first and
	// retries only top up remaining capacity (and only when
	// Attempts > 1).
	Eager bool
	// ServerID / ServerHost are stamped onto every task returned.
	ServerID   string
	ServerHost string
	// Now is the time source used to stamp schedule_time; tests
	// inject a fixed value through this field so results are
	// deterministic regardless of wall-clock skew.
	Now time.Time
}
