// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle is an ordered list of packed tasks: the unit of scheduling
// described in spec.md §3.3 and the payload of a queue put request.
// The queue server stores each element as its own item, so a get
// reply carries a Bundle of one element.
type Bundle [][]byte

// PackBundle packs a slice of tasks into a Bundle.
func PackBundle(tasks []*Task) (Bundle, error) {
	b := make(Bundle, len(tasks))
	for i, t := range tasks {
		packed, err := t.Pack()
		if err != nil {
			return nil, fmt.Errorf("task: pack bundle element %d: %w", i, err)
		}
		b[i] = packed
	}
	return b, nil
}

// UnpackBundle unpacks every element of a Bundle.
func UnpackBundle(b Bundle) ([]*Task, error) {
	tasks := make([]*Task, len(b))
	for i, elem := range b {
		t, err := Unpack(elem)
		if err != nil {
			return nil, fmt.Errorf("task: unpack bundle element %d: %w", i, err)
		}
		tasks[i] = t
	}
	return tasks, nil
}

// HeartbeatState is the state carried by a Heartbeat message.
type HeartbeatState int

// Heartbeat states, per spec.md §6.
const (
	HeartbeatRunning  HeartbeatState = 0
	HeartbeatFinished HeartbeatState = 1
)

// Heartbeat is the payload posted by ClientHeartbeat on the
// "heartbeat" queue (spec.md §4.11, §6).
type Heartbeat struct {
	UUID  string         `json:"uuid"`
	Host  string         `json:"host"`
	Time  time.Time      `json:"-"`
	State HeartbeatState `json:"state"`
	// Seq is the supplemental monotonic sequence number described
	// in SPEC_FULL.md §3.4, used to discard reordered heartbeats.
	Seq int64 `json:"seq"`
}

type wireHeartbeat struct {
	UUID  string         `json:"uuid"`
	Host  string         `json:"host"`
	Time  string         `json:"time"`
	State HeartbeatState `json:"state"`
	Seq   int64          `json:"seq"`
}

// Pack renders a Heartbeat as the JSON document described in
// spec.md §6.
func (h *Heartbeat) Pack() ([]byte, error) {
	return json.Marshal(wireHeartbeat{
		UUID:  h.UUID,
		Host:  h.Host,
		Time:  formatTime(h.Time),
		State: h.State,
		Seq:   h.Seq,
	})
}

// UnpackHeartbeat parses a Heartbeat's JSON wire representation.
func UnpackHeartbeat(data []byte) (*Heartbeat, error) {
	var w wireHeartbeat
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("task: unpack heartbeat: %w", err)
	}
	tm, err := parseTime(w.Time)
	if err != nil {
		return nil, fmt.Errorf("task: unpack heartbeat: time: %w", err)
	}
	return &Heartbeat{UUID: w.UUID, Host: w.Host, Time: tm, State: w.State, Seq: w.Seq}, nil
}

// ClientInfo is the payload posted by ClientScheduler on the
// "confirmed" queue (spec.md §4.2, §4.6): it stamps ownership of a
// bundle of tasks onto a client the moment the bundle is received.
type ClientInfo struct {
	ClientID   string   `json:"client_id"`
	ClientHost string   `json:"client_host"`
	TaskIDs    []string `json:"task_ids"`
}

// Pack renders a ClientInfo as its JSON wire representation.
func (c *ClientInfo) Pack() ([]byte, error) {
	return json.Marshal(c)
}

// UnpackClientInfo parses a ClientInfo's JSON wire representation.
func UnpackClientInfo(data []byte) (*ClientInfo, error) {
	var c ClientInfo
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("task: unpack client info: %w", err)
	}
	return &c, nil
}
