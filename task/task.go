// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package task defines the persistent Task and Client records and the
// wire representation used on the bundle queue (§3, §6 of the design
// specification). A Task is created once and updated in place; it is
// never re-keyed, matching the invariant enforced throughout the
// store backends in package store.
package task

import (
	"time"

	uuid "github.com/satori/go.uuid"
)

// State is the derived lifecycle view of a Task. It is never stored;
// callers compute it from the persisted fields with Lifecycle.
type State int

// Lifecycle states, in the order listed in spec.md §3.1.
const (
	StateNew State = iota
	StateScheduled
	StateRunning
	StateCompleted
	StateCancelled
	StateRetried
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateScheduled:
		return "SCHEDULED"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateRetried:
		return "RETRIED"
	default:
		return "UNKNOWN"
	}
}

// CancelledExitStatus is the sentinel exit_status value reserved for
// operator cancellation and template-expansion failures (spec.md §6).
const CancelledExitStatus = -1

// Tag is a single task's tag map: string keys (validated by package
// tag) to scalar bool/int/float64/string/nil values. An empty string
// value denotes a "bare" tag.
type Tag map[string]interface{}

// Task is the persistent record described in spec.md §3.1. All
// timestamp fields are nil until the corresponding event occurs, and
// once set are never cleared except by Revert.
type Task struct {
	ID uuid.UUID `json:"id" mapstructure:"id"`

	Args string `json:"args" mapstructure:"args"`

	SubmitID   string    `json:"submit_id" mapstructure:"submit_id"`
	SubmitHost string    `json:"submit_host" mapstructure:"submit_host"`
	SubmitTime time.Time `json:"submit_time" mapstructure:"submit_time"`

	ServerID     string     `json:"server_id,omitempty" mapstructure:"server_id"`
	ServerHost   string     `json:"server_host,omitempty" mapstructure:"server_host"`
	ScheduleTime *time.Time `json:"schedule_time,omitempty" mapstructure:"schedule_time"`

	ClientID   string `json:"client_id,omitempty" mapstructure:"client_id"`
	ClientHost string `json:"client_host,omitempty" mapstructure:"client_host"`

	Command string `json:"command,omitempty" mapstructure:"command"`

	StartTime      *time.Time `json:"start_time,omitempty" mapstructure:"start_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty" mapstructure:"completion_time"`
	ExitStatus     *int       `json:"exit_status,omitempty" mapstructure:"exit_status"`

	OutPath string `json:"outpath,omitempty" mapstructure:"outpath"`
	ErrPath string `json:"errpath,omitempty" mapstructure:"errpath"`

	Attempt    int       `json:"attempt" mapstructure:"attempt"`
	Retried    bool      `json:"retried" mapstructure:"retried"`
	PreviousID uuid.UUID `json:"previous_id,omitempty" mapstructure:"previous_id"`
	NextID     uuid.UUID `json:"next_id,omitempty" mapstructure:"next_id"`

	Waited   *float64 `json:"waited,omitempty" mapstructure:"waited"`
	Duration *float64 `json:"duration,omitempty" mapstructure:"duration"`

	Tag Tag `json:"tag,omitempty" mapstructure:"tag"`
}

// New creates a fresh, first-attempt Task with a random ID, as done
// by submit.Loader for every non-empty input line.
func New(args, submitID, submitHost string, now time.Time) *Task {
	return &Task{
		ID:         uuid.NewV4(),
		Args:       args,
		SubmitID:   submitID,
		SubmitHost: submitHost,
		SubmitTime: now,
		Attempt:    1,
		Retried:    false,
		Tag:        Tag{},
	}
}

// Lifecycle computes the derived state described in spec.md §3.1.
func (t *Task) Lifecycle() State {
	switch {
	case t.Retried:
		return StateRetried
	case t.ScheduleTime == nil:
		return StateNew
	case t.ExitStatus != nil && *t.ExitStatus == CancelledExitStatus && t.StartTime == nil:
		return StateCancelled
	case t.CompletionTime != nil:
		return StateCompleted
	case t.StartTime != nil:
		return StateRunning
	default:
		return StateScheduled
	}
}

// Eligible reports whether t may be retried under max_attempts,
// implementing invariant I-4.
func (t *Task) Eligible(maxAttempts int) bool {
	return t.ExitStatus != nil && *t.ExitStatus != 0 && !t.Retried && t.Attempt < maxAttempts
}

// Retry builds the next attempt in t's chain: a fresh Task sharing
// Args and Tag, with Attempt = t.Attempt+1 and PreviousID = t.ID. The
// caller is responsible for stamping t.Retried = true and
// t.NextID = result.ID (invariant I-3; spec.md Open Question (b)
// requires next_id be set in both eager and non-eager paths).
func (t *Task) Retry(now time.Time) *Task {
	tagCopy := make(Tag, len(t.Tag))
	for k, v := range t.Tag {
		tagCopy[k] = v
	}
	return &Task{
		ID:         uuid.NewV4(),
		Args:       t.Args,
		SubmitID:   t.SubmitID,
		SubmitHost: t.SubmitHost,
		SubmitTime: now,
		Attempt:    t.Attempt + 1,
		Retried:    false,
		PreviousID: t.ID,
		Tag:        tagCopy,
	}
}

// Revert clears every run-derived field, returning the task to NEW
// (spec.md §6 "Operator-visible state").
func (t *Task) Revert() {
	t.ServerID = ""
	t.ServerHost = ""
	t.ScheduleTime = nil
	t.ClientID = ""
	t.ClientHost = ""
	t.Command = ""
	t.StartTime = nil
	t.CompletionTime = nil
	t.ExitStatus = nil
	t.OutPath = ""
	t.ErrPath = ""
	t.Waited = nil
	t.Duration = nil
}

// Cancel stamps t as operator-cancelled (spec.md §6): exit_status=-1,
// with start/completion times set to now so invariant I-2 holds.
func (t *Task) Cancel(now time.Time) {
	status := CancelledExitStatus
	t.StartTime = &now
	t.CompletionTime = &now
	t.ExitStatus = &status
}

// Client is the persistent worker-instance record described in
// spec.md §3.2.
type Client struct {
	ID         string `json:"id"`
	Host       string `json:"host"`
	ServerID   string `json:"server_id"`
	ServerHost string `json:"server_host"`

	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Evicted        bool       `json:"evicted"`

	// HeartbeatSeq is a supplemental counter column (SPEC_FULL.md
	// §3.4), stored and loaded by every backend. HeartMonitor does not
	// update it: it tracks each client's latest Heartbeat.Seq in memory
	// to discard out-of-order heartbeats.
	HeartbeatSeq int64 `json:"heartbeat_seq"`
}
