// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package task

import (
	"encoding/json"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"
)

// isoLayout renders a timezone-aware timestamp as ISO-8601 with a
// space separator instead of 'T', matching Python's
// datetime.isoformat(sep=' ') used by the original implementation and
// required verbatim by spec.md §6.
const isoLayout = "2006-01-02 15:04:05.999999-07:00"

func formatTime(t time.Time) string {
	return t.Format(isoLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(isoLayout, s)
}

// wireTask is the on-the-wire JSON shape of a Task: identical field
// set to Task, but every timestamp is a formatted string instead of a
// time.Time, since encoding/json's default time.Time marshaling uses
// RFC3339 with a 'T' separator.
type wireTask struct {
	ID         string `json:"id"`
	Args       string `json:"args"`
	SubmitID   string `json:"submit_id"`
	SubmitHost string `json:"submit_host"`
	SubmitTime string `json:"submit_time"`

	ServerID     string `json:"server_id,omitempty"`
	ServerHost   string `json:"server_host,omitempty"`
	ScheduleTime string `json:"schedule_time,omitempty"`

	ClientID   string `json:"client_id,omitempty"`
	ClientHost string `json:"client_host,omitempty"`

	Command string `json:"command,omitempty"`

	StartTime      string `json:"start_time,omitempty"`
	CompletionTime string `json:"completion_time,omitempty"`
	ExitStatus     *int   `json:"exit_status,omitempty"`

	OutPath string `json:"outpath,omitempty"`
	ErrPath string `json:"errpath,omitempty"`

	Attempt    int    `json:"attempt"`
	Retried    bool   `json:"retried"`
	PreviousID string `json:"previous_id,omitempty"`
	NextID     string `json:"next_id,omitempty"`

	Waited   *float64 `json:"waited,omitempty"`
	Duration *float64 `json:"duration,omitempty"`

	Tag Tag `json:"tag,omitempty"`
}

// Pack renders t as the UTF-8 JSON document described in spec.md §6.
func (t *Task) Pack() ([]byte, error) {
	w := wireTask{
		ID:         t.ID.String(),
		Args:       t.Args,
		SubmitID:   t.SubmitID,
		SubmitHost: t.SubmitHost,
		SubmitTime: formatTime(t.SubmitTime),
		ServerID:   t.ServerID,
		ServerHost: t.ServerHost,
		ClientID:   t.ClientID,
		ClientHost: t.ClientHost,
		Command:    t.Command,
		ExitStatus: t.ExitStatus,
		OutPath:    t.OutPath,
		ErrPath:    t.ErrPath,
		Attempt:    t.Attempt,
		Retried:    t.Retried,
		Waited:     t.Waited,
		Duration:   t.Duration,
		Tag:        t.Tag,
	}
	if t.ScheduleTime != nil {
		w.ScheduleTime = formatTime(*t.ScheduleTime)
	}
	if t.StartTime != nil {
		w.StartTime = formatTime(*t.StartTime)
	}
	if t.CompletionTime != nil {
		w.CompletionTime = formatTime(*t.CompletionTime)
	}
	if t.PreviousID != uuid.Nil {
		w.PreviousID = t.PreviousID.String()
	}
	if t.NextID != uuid.Nil {
		w.NextID = t.NextID.String()
	}
	return json.Marshal(w)
}

// Unpack parses the UTF-8 JSON document produced by Pack.
func Unpack(data []byte) (*Task, error) {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("task: unpack: %w", err)
	}
	t := &Task{
		Args:       w.Args,
		SubmitID:   w.SubmitID,
		SubmitHost: w.SubmitHost,
		ServerID:   w.ServerID,
		ServerHost: w.ServerHost,
		ClientID:   w.ClientID,
		ClientHost: w.ClientHost,
		Command:    w.Command,
		ExitStatus: w.ExitStatus,
		OutPath:    w.OutPath,
		ErrPath:    w.ErrPath,
		Attempt:    w.Attempt,
		Retried:    w.Retried,
		Waited:     w.Waited,
		Duration:   w.Duration,
		Tag:        w.Tag,
	}
	var err error
	if t.ID, err = uuid.FromString(w.ID); err != nil {
		return nil, fmt.Errorf("task: unpack: id: %w", err)
	}
	if t.SubmitTime, err = parseTime(w.SubmitTime); err != nil {
		return nil, fmt.Errorf("task: unpack: submit_time: %w", err)
	}
	if w.ScheduleTime != "" {
		tm, err := parseTime(w.ScheduleTime)
		if err != nil {
			return nil, fmt.Errorf("task: unpack: schedule_time: %w", err)
		}
		t.ScheduleTime = &tm
	}
	if w.StartTime != "" {
		tm, err := parseTime(w.StartTime)
		if err != nil {
			return nil, fmt.Errorf("task: unpack: start_time: %w", err)
		}
		t.StartTime = &tm
	}
	if w.CompletionTime != "" {
		tm, err := parseTime(w.CompletionTime)
		if err != nil {
			return nil, fmt.Errorf("task: unpack: completion_time: %w", err)
		}
		t.CompletionTime = &tm
	}
	if w.PreviousID != "" {
		if t.PreviousID, err = uuid.FromString(w.PreviousID); err != nil {
			return nil, fmt.Errorf("task: unpack: previous_id: %w", err)
		}
	}
	if w.NextID != "" {
		if t.NextID, err = uuid.FromString(w.NextID); err != nil {
			return nil, fmt.Errorf("task: unpack: next_id: %w", err)
		}
	}
	if t.Tag == nil {
		t.Tag = Tag{}
	}
	return t, nil
}

// Equal reports whether t and other describe the same task, after
// normalizing timestamps through a pack/unpack round trip (property
// P-4). Sub-microsecond precision is not preserved by the wire
// format, so both sides are compared at that resolution.
func (t *Task) Equal(other *Task) bool {
	a, err := t.Pack()
	if err != nil {
		return false
	}
	b, err := other.Pack()
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
