// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package postgres implements store.Store against PostgreSQL, using
// database/sql and github.com/lib/pq exactly as the teacher's
// postgres package does for the analogous work-queue contract.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/lib/pq"
	uuid "github.com/satori/go.uuid"

	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// New opens a PostgreSQL connection pool and upgrades the schema to
// the latest version, matching the teacher's postgres.New.
//
// The connection string may be an expanded PostgreSQL string or a
// postgres:// URL; see https://pkg.go.dev/github.com/lib/pq for
// details.
func New(connectionString string) (*Store, error) {
	return NewWithClock(connectionString, clock.New())
}

// NewWithClock is New with an explicit time source, for tests that
// need deterministic scheduling/eviction timing.
func NewWithClock(connectionString string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := Upgrade(db); err != nil {
		return nil, fmt.Errorf("postgres: upgrade schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close() error {
	return s.db.Close()
}

// scanTask reads one task row off a *sql.Rows positioned at a row
// whose columns match taskColumns, in order.
func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*task.Task, error) {
	var (
		id, args, submitID, submitHost                      string
		submitTime                                          time.Time
		serverID, serverHost, clientID, clientHost, command sql.NullString
		scheduleTime, startTime, completionTime             sql.NullTime
		exitStatus                                          sql.NullInt64
		outpath, errpath                                    sql.NullString
		attempt                                             int
		retried                                             bool
		previousID, nextID                                  sql.NullString
		waited, duration                                    sql.NullFloat64
		tagBytes                                            []byte
	)
	err := row.Scan(
		&id, &args, &submitID, &submitHost, &submitTime,
		&serverID, &serverHost, &scheduleTime,
		&clientID, &clientHost, &command,
		&startTime, &completionTime, &exitStatus,
		&outpath, &errpath, &attempt, &retried,
		&previousID, &nextID, &waited, &duration, &tagBytes,
	)
	if err != nil {
		return nil, err
	}
	t := &task.Task{
		Args:       args,
		SubmitID:   submitID,
		SubmitHost: submitHost,
		SubmitTime: submitTime,
		ServerID:   serverID.String,
		ServerHost: serverHost.String,
		ClientID:   clientID.String,
		ClientHost: clientHost.String,
		Command:    command.String,
		OutPath:    outpath.String,
		ErrPath:    errpath.String,
		Attempt:    attempt,
		Retried:    retried,
	}
	if t.ID, err = uuid.FromString(id); err != nil {
		return nil, err
	}
	if scheduleTime.Valid {
		tm := scheduleTime.Time
		t.ScheduleTime = &tm
	}
	if startTime.Valid {
		tm := startTime.Time
		t.StartTime = &tm
	}
	if completionTime.Valid {
		tm := completionTime.Time
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
	if len(tagBytes) > 0 {
		if err := json.Unmarshal(tagBytes, &t.Tag); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func selectTaskSQL(where string) string {
	return "SELECT " + strings.Join(taskColumns, ", ") + " FROM " + taskTable +
		" WHERE " + where
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

func insertTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	tagBytes, err := json.Marshal(t.Tag)
	if err != nil {
		return err
	}
	query := "INSERT INTO " + taskTable + " (" + strings.Join(taskColumns, ", ") + ") VALUES (" +
		placeholders(len(taskColumns)) + ")"
	_, err = tx.ExecContext(ctx, query,
		t.ID.String(), t.Args, t.SubmitID, t.SubmitHost, t.SubmitTime,
		nullString(t.ServerID), nullString(t.ServerHost), nullTime(t.ScheduleTime),
		nullString(t.ClientID), nullString(t.ClientHost), nullString(t.Command),
		nullTime(t.StartTime), nullTime(t.CompletionTime), nullInt(t.ExitStatus),
		nullString(t.OutPath), nullString(t.ErrPath), t.Attempt, t.Retried,
		nullUUID(t.PreviousID), nullUUID(t.NextID), nullFloat(t.Waited), nullFloat(t.Duration),
		tagBytes,
	)
	return err
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

func updateTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	tagBytes, err := json.Marshal(t.Tag)
	if err != nil {
		return err
	}
	query := `UPDATE ` + taskTable + ` SET
		args=$1, submit_id=$2, submit_host=$3, submit_time=$4,
		server_id=$5, server_host=$6, schedule_time=$7,
		client_id=$8, client_host=$9, command=$10,
		start_time=$11, completion_time=$12, exit_status=$13,
		outpath=$14, errpath=$15, attempt=$16, retried=$17,
		previous_id=$18, next_id=$19, waited=$20, duration=$21, tag=$22
		WHERE id=$23`
	_, err = tx.ExecContext(ctx, query,
		t.Args, t.SubmitID, t.SubmitHost, t.SubmitTime,
		nullString(t.ServerID), nullString(t.ServerHost), nullTime(t.ScheduleTime),
		nullString(t.ClientID), nullString(t.ClientHost), nullString(t.Command),
		nullTime(t.StartTime), nullTime(t.CompletionTime), nullInt(t.ExitStatus),
		nullString(t.OutPath), nullString(t.ErrPath), t.Attempt, t.Retried,
		nullUUID(t.PreviousID), nullUUID(t.NextID), nullFloat(t.Waited), nullFloat(t.Duration),
		tagBytes, t.ID.String(),
	)
	return err
}

func (s *Store) SelectNew(ctx context.Context, limit int) ([]*task.Task, error) {
	query := selectTaskSQL(isNewTask) + " ORDER BY " + taskSubmitTime + " ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query)
}

func (s *Store) SelectFailed(ctx context.Context, attempts, limit int) ([]*task.Task, error) {
	query := selectTaskSQL(isFailedTask) + " ORDER BY " + taskCompletionTime + " ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query, attempts)
}

// Next implements spec.md §4.4's scheduling primitive. The eager /
// non-eager retry-materialization runs inside one REPEATABLE READ
// transaction with SELECT ... FOR UPDATE on the candidate rows,
// mirroring the claim pattern in the teacher's postgres/work_unit.go.
func (s *Store) Next(ctx context.Context, opts store.NextOptions) ([]*task.Task, error) {
	var result []*task.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = nil
		var err error

		takeRetries := func() error {
			remaining := opts.Limit - len(result)
			if remaining <= 0 {
				return nil
			}
			query := selectTaskSQL(isFailedTask) + " ORDER BY " + taskCompletionTime +
				" ASC LIMIT " + fmt.Sprintf("%d", remaining) + " FOR UPDATE"
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
			query := selectTaskSQL(isNewTask) + " ORDER BY " + taskSubmitTime +
				" ASC LIMIT " + fmt.Sprintf("%d", remaining) + " FOR UPDATE"
			fresh, err := s.queryTasks(ctx, tx, query)
			if err != nil {
				return err
			}
			result = append(result, fresh...)
			return nil
		}

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
	query := selectTaskSQL(isInterruptedTask) + " ORDER BY " + taskScheduleTime + " ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query)
}

func (s *Store) RevertInterrupted(ctx context.Context) (int, error) {
	return s.revertMatching(ctx, isInterruptedTask)
}

func (s *Store) SelectOrphaned(ctx context.Context, clientID string, limit int) ([]*task.Task, error) {
	query := selectTaskSQL(taskClientID+"=$1 AND "+isInterruptedTask) + " ORDER BY " + taskScheduleTime + " ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, nil, query, clientID)
}

func (s *Store) RevertOrphaned(ctx context.Context, clientID string) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.queryTasks(ctx, tx, selectTaskSQL(taskClientID+"=$1 AND "+isInterruptedTask)+" FOR UPDATE", clientID)
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
		rows, err := s.queryTasks(ctx, tx, selectTaskSQL(where)+" FOR UPDATE")
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
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+taskTable+" WHERE "+taskScheduleTime+" IS NULL OR "+taskCompletionTime+" IS NULL").Scan(&n)
	return n, err
}

func (s *Store) CountInterrupted(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+taskTable+" WHERE "+isInterruptedTask).Scan(&n)
	return n, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+taskTable).Scan(&n)
	return n, err
}

func (s *Store) EffectiveRate(ctx context.Context) (float64, error) {
	var rate sql.NullFloat64
	query := `
		WITH latest_server AS (
			SELECT server_id FROM client WHERE disconnected_at IS NULL
			ORDER BY connected_at DESC LIMIT 1
		),
		connected AS (
			SELECT COUNT(*) AS n FROM client
			WHERE disconnected_at IS NULL
			AND server_id = (SELECT server_id FROM latest_server)
		),
		avg_dur AS (
			SELECT AVG(EXTRACT(EPOCH FROM (completion_time - start_time))) AS avg
			FROM task WHERE completion_time IS NOT NULL AND start_time IS NOT NULL
		)
		SELECT CASE WHEN avg_dur.avg IS NULL OR avg_dur.avg <= 0 THEN 0
			ELSE connected.n / avg_dur.avg END
		FROM connected, avg_dur`
	if err := s.db.QueryRowContext(ctx, query).Scan(&rate); err != nil {
		return 0, err
	}
	return rate.Float64, nil
}

func (s *Store) AvgDuration(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	query := "SELECT AVG(EXTRACT(EPOCH FROM (" + taskCompletionTime + " - " + taskStartTime + "))) FROM " + taskTable +
		" WHERE " + taskCompletionTime + " IS NOT NULL AND " + taskStartTime + " IS NOT NULL"
	if err := s.db.QueryRowContext(ctx, query).Scan(&avg); err != nil {
		return 0, err
	}
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
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM "+clientTable+" WHERE id=$1)", c.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			_, err := tx.ExecContext(ctx,
				"UPDATE "+clientTable+" SET disconnected_at=NULL, evicted=FALSE, connected_at=$1, server_id=$2, server_host=$3 WHERE id=$4",
				c.ConnectedAt, c.ServerID, c.ServerHost, c.ID)
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO "+clientTable+" ("+strings.Join(clientColumns, ", ")+") VALUES ("+placeholders(len(clientColumns))+")",
			c.ID, c.Host, c.ServerID, c.ServerHost, c.ConnectedAt, nullTime(c.DisconnectedAt), c.Evicted, c.HeartbeatSeq,
		)
		return err
	})
}

func (s *Store) UpdateClient(ctx context.Context, c *task.Client) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+clientTable+" SET host=$1, server_id=$2, server_host=$3, connected_at=$4, disconnected_at=$5, evicted=$6, heartbeat_seq=$7 WHERE id=$8",
		c.Host, c.ServerID, c.ServerHost, c.ConnectedAt, nullTime(c.DisconnectedAt), c.Evicted, c.HeartbeatSeq, c.ID)
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
	row := s.db.QueryRowContext(ctx, "SELECT "+strings.Join(clientColumns, ", ")+" FROM "+clientTable+" WHERE id=$1", id)
	c, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNoSuchClient{ID: id}
	}
	return c, err
}

func (s *Store) ConnectedClients(ctx context.Context) ([]*task.Client, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+strings.Join(clientColumns, ", ")+" FROM "+clientTable+" WHERE disconnected_at IS NULL")
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
		id, host, serverID, serverHost string
		connectedAt                    time.Time
		disconnectedAt                 sql.NullTime
		evicted                        bool
		heartbeatSeq                   int64
	)
	if err := row.Scan(&id, &host, &serverID, &serverHost, &connectedAt, &disconnectedAt, &evicted, &heartbeatSeq); err != nil {
		return nil, err
	}
	c := &task.Client{
		ID: id, Host: host, ServerID: serverID, ServerHost: serverHost,
		ConnectedAt: connectedAt, Evicted: evicted, HeartbeatSeq: heartbeatSeq,
	}
	if disconnectedAt.Valid {
		tm := disconnectedAt.Time
		c.DisconnectedAt = &tm
	}
	return c, nil
}

// withTx runs f inside a REPEATABLE READ transaction, rolling back on
// any error, matching the teacher's postgres/sql.go withTx helper.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
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

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
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
