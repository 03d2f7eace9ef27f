// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package queue

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/diffeo/go-hypershell/task"
)

// QueueName identifies one of the four bundle queues spec.md §6
// requires the server to expose.
type QueueName string

const (
	Scheduled QueueName = "scheduled"
	Completed QueueName = "completed"
	Heartbeat QueueName = "heartbeat"
	Confirmed QueueName = "confirmed"
)

// request is the wire shape of every client-to-server message. Only
// the fields relevant to Op are populated.
type request struct {
	Op      string      `json:"op"`
	Secret  string      `json:"secret,omitempty"`
	Queue   QueueName   `json:"queue,omitempty"`
	Bundle  task.Bundle `json:"bundle,omitempty"`
	Timeout float64     `json:"timeout,omitempty"`
}

// response is the wire shape of every server-to-client reply.
type response struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Bundle task.Bundle `json:"bundle,omitempty"`
}

func encode(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	return WriteFrame(w, data)
}

func decodeRequest(r io.Reader) (request, error) {
	var req request
	data, err := ReadFrame(r)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("queue: decode request: %w", err)
	}
	return req, nil
}

func decodeResponse(r io.Reader) (response, error) {
	var resp response
	data, err := ReadFrame(r)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("queue: decode response: %w", err)
	}
	return resp, nil
}
