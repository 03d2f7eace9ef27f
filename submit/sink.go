// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package submit

import (
	"context"
	"fmt"

	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

// DBSink commits submitted tasks straight to a store.Store, for the
// normal (server-mediated) submission path of spec.md §4.3.
type DBSink struct {
	Store store.Store
}

func NewDBSink(s store.Store) *DBSink {
	return &DBSink{Store: s}
}

func (d *DBSink) Commit(ctx context.Context, tasks []*task.Task) error {
	if err := d.Store.AddAll(ctx, tasks); err != nil {
		return fmt.Errorf("submit: add tasks: %w", err)
	}
	return nil
}

func (d *DBSink) Close(ctx context.Context) error { return nil }

// QueueSink pushes submitted tasks directly onto the scheduled queue
// of a running server, bypassing its Scheduler entirely — the
// --no-db path of spec.md §4.3, used when there is no persistent
// store backing the run at all.
type QueueSink struct {
	Conn *queue.Client
}

func NewQueueSink(conn *queue.Client) *QueueSink {
	return &QueueSink{Conn: conn}
}

func (q *QueueSink) Commit(ctx context.Context, tasks []*task.Task) error {
	bundle, err := task.PackBundle(tasks)
	if err != nil {
		return fmt.Errorf("submit: pack bundle: %w", err)
	}
	if err := q.Conn.Put(queue.Scheduled, bundle); err != nil {
		return fmt.Errorf("submit: push to scheduled queue: %w", err)
	}
	return nil
}

func (q *QueueSink) Close(ctx context.Context) error {
	return nil
}
