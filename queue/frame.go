// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package queue implements the bundle queue transport described in
// spec.md §6: a length-prefixed UTF-8 JSON protocol over TCP, serving
// four named queues (scheduled, completed, heartbeat, confirmed). It
// replaces the teacher's CBOR-RPC transport (cborrpc, cmd/coordinated)
// with a simpler framing while keeping the same accept-loop /
// per-connection goroutine shape.
package queue

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to guard against a misbehaving
// peer claiming an unbounded length prefix.
const MaxFrameSize = 64 << 20 // 64 MiB, generous for a bundle of bundleSize tasks

// WriteFrame writes data as a 4-byte big-endian length prefix followed
// by the payload, flushing if w is a *bufio.Writer.
func WriteFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("queue: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("queue: write frame body: %w", err)
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("queue: frame of %d bytes exceeds MaxFrameSize", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("queue: read frame body: %w", err)
	}
	return buf, nil
}
