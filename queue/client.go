// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package queue

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/diffeo/go-hypershell/task"
)

// Client is a single authenticated TCP connection to a Server,
// shared by a client process's ClientScheduler/ClientCollector/
// ClientHeartbeat state machines (spec.md §5). Requests are
// serialized with a mutex since the wire protocol is strictly
// request/response, matching how a single net.Conn may only have one
// in-flight request at a time.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// Dial connects to addr, authenticates with secret, and returns a
// ready Client.
func Dial(network, addr, secret string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	c := &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
	if err := encode(c.writer, request{Op: "auth", Secret: secret}); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := decodeResponse(c.reader)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !resp.OK {
		conn.Close()
		return nil, fmt.Errorf("queue: %s", resp.Error)
	}
	return c, nil
}

// Put enqueues bundle onto the named queue.
func (c *Client) Put(name QueueName, bundle task.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := encode(c.writer, request{Op: "put", Queue: name, Bundle: bundle}); err != nil {
		return err
	}
	resp, err := decodeResponse(c.reader)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("queue: put %s: %s", name, resp.Error)
	}
	return nil
}

// Get dequeues one item from the named queue, waiting up to timeout.
// Returns ErrTimeout if nothing arrives in time, never a generic
// error for that case (spec.md §7).
func (c *Client) Get(name QueueName, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := encode(c.writer, request{Op: "get", Queue: name, Timeout: timeout.Seconds()}); err != nil {
		return nil, err
	}
	resp, err := decodeResponse(c.reader)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Error == ErrTimeout.Error() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("queue: get %s: %s", name, resp.Error)
	}
	if len(resp.Bundle) == 0 {
		return nil, ErrTimeout
	}
	return resp.Bundle[0], nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
