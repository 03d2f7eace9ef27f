// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package adminhttp exposes a read-only, machine-readable status
// surface for a running server: liveness, Prometheus metrics, and
// task-store summaries. It is deliberately not the "search"/"info"
// CLI presentation layer (SPEC_FULL.md §2); it is the analogue of the
// teacher's restserver/restdata packages plus cmd/coordinated/
// metrics.go's Prometheus wiring.
package adminhttp

import "github.com/prometheus/client_golang/prometheus"

// Metrics registered once at package init, matching the teacher's
// cmd/coordinated/metrics.go pattern of package-level prometheus
// collectors plus small Observe-style helper functions (never
// package-global engine state, only metric instruments).
var (
	bundlesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "scheduler_bundles_posted_total",
		Help:      "Bundles posted to the scheduled queue by the Scheduler.",
	})

	tasksPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hypershell",
		Name:      "scheduler_tasks_posted_total",
		Help:      "Tasks posted to the scheduled queue by the Scheduler.",
	})

	taskPressure = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hypershell",
		Name:      "task_pressure",
		Help:      "Most recently observed store.TaskPressure value, consumed by the DYNAMIC autoscaler policy.",
	})

	tasksRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hypershell",
		Name:      "tasks_remaining",
		Help:      "Most recently observed store.CountRemaining value.",
	})
)

func init() {
	prometheus.MustRegister(bundlesPosted, tasksPosted, taskPressure, tasksRemaining)
}

// ObserveBundlePosted records one Scheduler POST of n tasks, called
// from server.Scheduler.post.
func ObserveBundlePosted(n int) {
	bundlesPosted.Inc()
	tasksPosted.Add(float64(n))
}

// ObserveTaskPressure records the AutoScaler's most recent pressure
// computation.
func ObserveTaskPressure(v float64) {
	taskPressure.Set(v)
}

// ObserveTasksRemaining records the most recent backlog size.
func ObserveTasksRemaining(n int) {
	tasksRemaining.Set(float64(n))
}
