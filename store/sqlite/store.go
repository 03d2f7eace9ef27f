// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package sqlite implements store.Store against SQLite, using
// database/sql and github.com/mattn/go-sqlite3. It follows the same
// shape as store/postgres, adapted to SQLite's lack of native
// timestamp/boolean/JSON types: timestamps are stored as RFC3339Nano
// text, booleans as 0/1, and the tag map as a JSON text column.
//
// SQLite serializes writers at the database-file level, so Next's
// atomicity (spec.md §4.4) falls out of running inside a single
// transaction without needing an explicit SELECT ... FOR UPDATE.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	uuid "github.com/satori/go.uuid"

	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

const timeLayout = time.RFC3339Nano

// Store is a SQLite-backed store.Store, for single-host deployments
// that want persistence without a PostgreSQL server (spec.md §6
// --database sqlite:// flag).
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// New opens path (a filesystem path, or ":memory:") and upgrades the
// schema.
func New(path string) (*Store, error) {
	return NewWithClock(path, clock.New())
}

func NewWithClock(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers
	if err := Upgrade(db); err != nil {
		return nil, fmt.Errorf("sqlite: upgrade schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close() error { return s.db.Close() }

var taskColumnNames = []string{
	"id", "args", "submit_id", "submit_host", "submit_time",
	"server_id", "server_host", "schedule_time",
	"client_id", "client_host", "command",
	"start_time", "completion_time", "exit_status",
	"outpath", "errpath", "attempt", "retried",
	"previous_id", "next_id", "waited", "duration", "tag",
}

var clientColumnNames = []string{
	"id", "host", "server_id", "server_host",
	"connected_at", "disconnected_at", "evicted", "heartbeat_seq",
}

const (
	isNewTask         = "schedule_time IS NULL"
	isInterruptedTask = "schedule_time IS NOT NULL AND completion_time IS NULL"
	isFailedTask      = "exit_status IS NOT NULL AND exit_status != 0 AND retried = 0 AND attempt < ?"
)

func selectTaskSQL(where string) string {
	return "SELECT " + strings.Join(taskColumnNames, ", ") + " FROM task WHERE " + where
}

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*task.Task, error) {
	var (
		id, args, submitID, submitHost, submitTime string
		serverID, serverHost, scheduleTime         sql.NullString
		clientID, clientHost, command              sql.NullString
		startTime, completionTime                  sql.NullString
		exitStatus                                 sql.NullInt64
		outpath, errpath                           sql.NullString
		attempt                                    int
		retried                                    int
		previousID, nextID                         sql.NullString
		waited, duration                           sql.NullFloat64
		tagText                                    string
	)
	err := row.Scan(
		&id, &args, &submitID, &submitHost, &submitTime,
		&serverID, &serverHost, &scheduleTime,
		&clientID, &clientHost, &command,
		&startTime, &completionTime, &exitStatus,
		&outpath, &errpath, &attempt, &retried,
		&previousID, &nextID, &waited, &duration, &tagText,
	)
	if err != nil {
		return nil, err
	}
	t := &task.Task{
		Args: args, SubmitID: submitID, SubmitHost: submitHost,
		ServerID: serverID.String, ServerHost: serverHost.String,
		ClientID: clientID.String, ClientHost: clientHost.String,
		Command: command.String, OutPath: outpath.String, ErrPath: errpath.String,
		Attempt: attempt, Retried: retried != 0,
	}
	if t.ID, err = uuid.FromString(id); err != nil {
		return nil, err
	}
	if t.SubmitTime, err = time.Parse(timeLayout, submitTime); err != nil {
		return nil, err
	}
	if scheduleTime.Valid {
		tm, err := time.Parse(timeLayout, scheduleTime.String)
		if err != nil {
			return nil, err
		}
		t.ScheduleTime = &tm
	}
	if startTime.Valid {
		tm, err := time.Parse(timeLayout, startTime.String)
		if err != nil {
			return nil, err
		}
		t.StartTime = &tm
	}
	if completionTime.Valid {
		tm, err := time.Parse(timeLayout, completionTime.String)
		if err != nil {
			return nil, err
		}
		t.CompletionTime = &tm
	}
	if exitStatus.Valid {
		v := int(exitStatus.Int64)
		t.ExitStatus = &v
	}
	if previousID.Valid && previousID.String != "" {
		if t.PreviousID, err = uuid.FromString(previousID.String); err != nil {
			return nil, err
		}
	}
	if nextID.Valid && nextID.String != "" {
		if t.NextID, err = uuid.FromString(nextID.String); err != nil {
			return nil, err
		}
	}
	if waited.Valid {
		v := waited.Float64
		t.Waited = &v
	}
	if duration.Valid {
		v := duration.Float64
		t.Duration = &v
	}
	t.Tag = task.Tag{}
	if tagText != "" {
		if err := json.Unmarshal([]byte(tagText), &t.Tag); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]*task.Task, error) {
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	tagBytes, err := json.Marshal(t.Tag)
	if err != nil {
		return err
	}
	query := "INSERT INTO task (" + strings.Join(taskColumnNames, ", ") + ") VALUES (" + placeholders(len(taskColumnNames)) + ")"
	_, err = tx.ExecContext(ctx, query,
		t.ID.String(), t.Args, t.SubmitID, t.SubmitHost, formatTime(t.SubmitTime),
		nullString(t.ServerID), nullString(t.ServerHost), nullTimePtr(t.ScheduleTime),
		nullString(t.ClientID), nullString(t.ClientHost), nullString(t.Command),
		nullTimePtr(t.StartTime), nullTimePtr(t.CompletionTime), nullInt(t.ExitStatus),
		nullString(t.OutPath), nullString(t.ErrPath), t.Attempt, boolToInt(t.Retried),
		nullUUID(t.PreviousID), nullUUID(t.NextID), nullFloat(t.Waited), nullFloat(t.Duration),
		string(tagBytes),
	)
	return err
}

func updateTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	tagBytes, err := json.Marshal(t.Tag)
	if err != nil {
		return err
	}
	query := `UPDATE task SET
		args=?, submit_id=?, submit_host=?, submit_time=?,
		server_id=?, server_host=?, schedule_time=?,
		client_id=?, client_host=?, command=?,
		start_time=?, completion_time=?, exit_status=?,
		outpath=?, errpath=?, attempt=?, retried=?,
		previous_id=?, next_id=?, waited=?, duration=?, tag=?
		WHERE id=?`
	_, err = tx.ExecContext(ctx, query,
		t.Args, t.SubmitID, t.SubmitHost, formatTime(t.SubmitTime),
		nullString(t.ServerID), nullString(t.ServerHost), nullTimePtr(t.ScheduleTime),
		nullString(t.ClientID), nullString(t.ClientHost), nullString(t.Command),
		nullTimePtr(t.StartTime), nullTimePtr(t.CompletionTime), nullInt(t.ExitStatus),
		nullString(t.OutPath), nullString(t.ErrPath), t.Attempt, boolToInt(t.Retried),
		nullUUID(t.PreviousID), nullUUID(t.NextID), nullFloat(t.Waited), nullFloat(t.Duration),
		string(tagBytes), t.ID.String(),
	)
	return err
}

func (s *Store) AddAll(ctx context.Context, tasks []*task.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) UpdateAll(ctx context.Context, tasks []*task.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SelectNew(ctx context.Context, limit int) ([]*task.Task, error) {
	query := selectTaskSQL(isNewTask) + " ORDER BY submit_time ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query)
}

func (s *Store) SelectFailed(ctx context.Context, attempts, limit int) ([]*task.Task, error) {
	query := selectTaskSQL(isFailedTask) + " ORDER BY completion_time ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query, attempts)
}

func (s *Store) Next(ctx context.Context, opts store.NextOptions) ([]*task.Task, error) {
	var result []*task.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = nil

		takeRetries := func() error {
			remaining := opts.Limit - len(result)
			if remaining <= 0 {
				return nil
			}
			query := selectTaskSQL(isFailedTask) + fmt.Sprintf(" ORDER BY completion_time ASC LIMIT %d", remaining)
			failed, err := s.queryTasks(ctx, tx, query, opts.Attempts)
			if err != nil {
				return err
			}
			for _, old := range failed {
				retry := old.Retry(opts.Now)
				old.Retried = true
				old.NextID = retry.ID
				if err := insertTask(ctx, tx, retry); err != nil {
					return err
				}
				if err := updateTask(ctx, tx, old); err != nil {
					return err
				}
				result = append(result, retry)
			}
			return nil
		}
		takeNew := func() error {
			remaining := opts.Limit - len(result)
			if remaining <= 0 {
				return nil
			}
			query := selectTaskSQL(isNewTask) + fmt.Sprintf(" ORDER BY submit_time ASC LIMIT %d", remaining)
			fresh, err := s.queryTasks(ctx, tx, query)
			if err != nil {
				return err
			}
			result = append(result, fresh...)
			return nil
		}

		var err error
		if opts.Eager {
			if err = takeRetries(); err != nil {
				return err
			}
			if err = takeNew(); err != nil {
				return err
			}
		} else {
			if err = takeNew(); err != nil {
				return err
			}
			if opts.Attempts > 1 {
				if err = takeRetries(); err != nil {
					return err
				}
			}
		}

		for _, t := range result {
			t.ServerID = opts.ServerID
			t.ServerHost = opts.ServerHost
			now := opts.Now
			t.ScheduleTime = &now
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SelectInterrupted(ctx context.Context, limit int) ([]*task.Task, error) {
	query := selectTaskSQL(isInterruptedTask) + " ORDER BY schedule_time ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query)
}

func (s *Store) RevertInterrupted(ctx context.Context) (int, error) {
	return s.revertMatching(ctx, isInterruptedTask)
}

func (s *Store) SelectOrphaned(ctx context.Context, clientID string, limit int) ([]*task.Task, error) {
	query := selectTaskSQL("client_id=? AND "+isInterruptedTask) + " ORDER BY schedule_time ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query, clientID)
}

func (s *Store) RevertOrphaned(ctx context.Context, clientID string) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.queryTasks(ctx, tx, selectTaskSQL("client_id=? AND "+isInterruptedTask), clientID)
		if err != nil {
			return err
		}
		for _, t := range rows {
			t.Revert()
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) revertMatching(ctx context.Context, where string) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.queryTasks(ctx, tx, selectTaskSQL(where))
		if err != nil {
			return err
		}
		for _, t := range rows {
			t.Revert()
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) CountRemaining(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task WHERE schedule_time IS NULL OR completion_time IS NULL").Scan(&n)
	return n, err
}

func (s *Store) CountInterrupted(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task WHERE "+isInterruptedTask).Scan(&n)
	return n, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task").Scan(&n)
	return n, err
}

func (s *Store) EffectiveRate(ctx context.Context) (float64, error) {
	connected, err := s.ConnectedClients(ctx)
	if err != nil {
		return 0, err
	}
	if len(connected) == 0 {
		return 0, nil
	}
	var latestServerID string
	var latestTime time.Time
	for _, c := range connected {
		if c.ConnectedAt.After(latestTime) {
			latestTime = c.ConnectedAt
			latestServerID = c.ServerID
		}
	}
	n := 0
	for _, c := range connected {
		if c.ServerID == latestServerID {
			n++
		}
	}
	avg, err := s.AvgDuration(ctx)
	if err != nil {
		return 0, err
	}
	if avg <= 0 {
		return 0, nil
	}
	return float64(n) / avg, nil
}

func (s *Store) AvgDuration(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	rows, err := s.db.QueryContext(ctx, "SELECT start_time, completion_time FROM task WHERE start_time IS NOT NULL AND completion_time IS NOT NULL")
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var total float64
	var n int
	for rows.Next() {
		var startStr, completionStr string
		if err := rows.Scan(&startStr, &completionStr); err != nil {
			return 0, err
		}
		start, err := time.Parse(timeLayout, startStr)
		if err != nil {
			return 0, err
		}
		end, err := time.Parse(timeLayout, completionStr)
		if err != nil {
			return 0, err
		}
		total += end.Sub(start).Seconds()
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	avg.Float64 = total / float64(n)
	return avg.Float64, nil
}

func (s *Store) TimeToCompletion(ctx context.Context) (float64, error) {
	remaining, err := s.CountRemaining(ctx)
	if err != nil {
		return 0, err
	}
	rate, err := s.EffectiveRate(ctx)
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		if remaining == 0 {
			return 0, nil
		}
		return float64(remaining) * 1e9, nil
	}
	return float64(remaining) / rate, nil
}

func (s *Store) TaskPressure(ctx context.Context, factor float64) (float64, error) {
	ttc, err := s.TimeToCompletion(ctx)
	if err != nil {
		return 0, err
	}
	avg, err := s.AvgDuration(ctx)
	if err != nil {
		return 0, err
	}
	if avg <= 0 || factor <= 0 {
		return 0, nil
	}
	return ttc / (factor * avg), nil
}

func (s *Store) AddClient(ctx context.Context, c *task.Client) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM client WHERE id=?)", c.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			_, err := tx.ExecContext(ctx,
				"UPDATE client SET disconnected_at=NULL, evicted=0, connected_at=?, server_id=?, server_host=? WHERE id=?",
				formatTime(c.ConnectedAt), c.ServerID, c.ServerHost, c.ID)
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO client ("+strings.Join(clientColumnNames, ", ")+") VALUES ("+placeholders(len(clientColumnNames))+")",
			c.ID, c.Host, c.ServerID, c.ServerHost, formatTime(c.ConnectedAt), nullTimePtr(c.DisconnectedAt), boolToInt(c.Evicted), c.HeartbeatSeq,
		)
		return err
	})
}

func (s *Store) UpdateClient(ctx context.Context, c *task.Client) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE client SET host=?, server_id=?, server_host=?, connected_at=?, disconnected_at=?, evicted=?, heartbeat_seq=? WHERE id=?",
		c.Host, c.ServerID, c.ServerHost, formatTime(c.ConnectedAt), nullTimePtr(c.DisconnectedAt), boolToInt(c.Evicted), c.HeartbeatSeq, c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNoSuchClient{ID: c.ID}
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*task.Client, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+strings.Join(clientColumnNames, ", ")+" FROM client WHERE id=?", id)
	c, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNoSuchClient{ID: id}
	}
	return c, err
}

func (s *Store) ConnectedClients(ctx context.Context) ([]*task.Client, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+strings.Join(clientColumnNames, ", ")+" FROM client WHERE disconnected_at IS NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*task.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClient(row interface {
	Scan(dest ...interface{}) error
}) (*task.Client, error) {
	var (
		id, host, serverID, serverHost, connectedAt string
		disconnectedAt                              sql.NullString
		evicted                                     int
		heartbeatSeq                                int64
	)
	if err := row.Scan(&id, &host, &serverID, &serverHost, &connectedAt, &disconnectedAt, &evicted, &heartbeatSeq); err != nil {
		return nil, err
	}
	c := &task.Client{ID: id, Host: host, ServerID: serverID, ServerHost: serverHost, Evicted: evicted != 0, HeartbeatSeq: heartbeatSeq}
	var err error
	if c.ConnectedAt, err = time.Parse(timeLayout, connectedAt); err != nil {
		return nil, err
	}
	if disconnectedAt.Valid {
		tm, err := time.Parse(timeLayout, disconnectedAt.String)
		if err != nil {
			return nil, err
		}
		c.DisconnectedAt = &tm
	}
	return c, nil
}

func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = f(tx)
	return err
}

func formatTime(t time.Time) string { return t.Format(timeLayout) }

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullUUID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
