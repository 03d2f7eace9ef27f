// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package config defines the explicit configuration structure passed
// into every HyperShell component. There is no global, mutable,
// package-level configuration anywhere in this module: every
// constructor takes a *Config (or a narrower view of one) so that
// tests can build isolated, parallel instances of the engine.
package config

import "time"

// Config collects every tunable named in the specification's CLI
// surface (submit, server, client, cluster, initdb) and the queue
// transport contract. A zero Config is not usable; call Defaults to
// obtain one with every field set to its documented default, then
// override individual fields.
type Config struct {
	// Bind is the TCP address the queue server listens on.
	Bind string

	// Secret is the 32-byte random hex shared secret clients must
	// present at connection handshake.
	Secret string

	// BundleSize bounds how many tasks are packed into a single
	// queue bundle by the Loader/Committer and by the
	// ClientCollector.
	BundleSize int

	// BundleWait is the maximum time a Committer or ClientCollector
	// holds a partial bundle before flushing it.
	BundleWait time.Duration

	// MaxRetries is the maximum number of retries per task. The
	// Scheduler passes MaxRetries+1 as the attempts ceiling of
	// store.NextOptions, so a task runs at most MaxRetries+1 times.
	MaxRetries int

	// Eager selects the Scheduler.next() retry-first policy.
	Eager bool

	// NoDB runs the submit pipeline and Receiver in live-queue
	// mode, bypassing the task store entirely.
	NoDB bool

	// NoConfirm disables the Confirm component and client
	// receipt-on-bundle-arrival behavior.
	NoConfirm bool

	// Timeout is how long ClientScheduler waits for a bundle
	// before halting.
	Timeout time.Duration

	// TaskTimeout is the per-task walltime limit enforced by
	// TaskExecutor. Zero means wait indefinitely.
	TaskTimeout time.Duration

	// SignalWait is the interval between signals in the
	// executor's SIGINT/SIGTERM/SIGKILL escalation ladder.
	SignalWait time.Duration

	// QueryPause is how long the Scheduler sleeps between empty
	// store queries.
	QueryPause time.Duration

	// EvictAfter is the HeartMonitor's client liveness timeout.
	EvictAfter time.Duration

	// HeartRate is how often ClientHeartbeat posts a heartbeat.
	HeartRate time.Duration

	// Forever disables the Scheduler's empty-store termination
	// check.
	Forever bool

	// Restart skips the Scheduler's startup-phase guard.
	Restart bool

	// Capture enables stdout/stderr file capture for task
	// subprocesses on the worker.
	Capture bool

	// Parallelism is the number of TaskExecutor instances run by
	// a single worker process. Zero or less means one.
	Parallelism int
}

// Defaults returns a Config with every field set to the value named
// in the specification (§4, §6).
func Defaults() *Config {
	return &Config{
		Bind:        "localhost:50001",
		BundleSize:  10,
		BundleWait:  5 * time.Second,
		MaxRetries:  1,
		QueryPause:  5 * time.Second,
		EvictAfter:  60 * time.Second,
		HeartRate:   10 * time.Second,
		Timeout:     0,
		TaskTimeout: 0,
		SignalWait:  5 * time.Second,
		Capture:     true,
	}
}
