// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package memory provides an in-process, in-memory implementation of
// store.Store. There is no persistence and no sharing across
// processes: the entire store is guarded by a single mutex, tuned for
// correctness in tests and for --no-db style single-process runs, not
// for throughput. This mirrors the teacher's memory package
// (github.com/diffeo/go-coordinate/memory), which makes the same
// trade-off for the same reasons.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	uuid "github.com/satori/go.uuid"

	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

// Store is an in-memory store.Store.
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	tasks   map[uuid.UUID]*task.Task
	order   []uuid.UUID // insertion order, for deterministic iteration
	clients map[string]*task.Client
}

// New creates an empty in-memory store using the real wall clock.
func New() *Store {
	return NewWithClock(clock.New())
}

// NewWithClock creates an empty in-memory store with an explicit time
// source, for deterministic tests.
func NewWithClock(clk clock.Clock) *Store {
	return &Store{
		clock:   clk,
		tasks:   make(map[uuid.UUID]*task.Task),
		clients: make(map[string]*task.Client),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) AddAll(ctx context.Context, tasks []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; !exists {
			s.order = append(s.order, t.ID)
		}
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *Store) UpdateAll(ctx context.Context, tasks []*task.Task) error {
	return s.AddAll(ctx, tasks)
}

func (s *Store) byInsertionOrder() []*task.Task {
	out := make([]*task.Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) SelectNew(ctx context.Context, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []*task.Task
	for _, t := range s.byInsertionOrder() {
		if t.ScheduleTime == nil {
			results = append(results, t)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SubmitTime.Before(results[j].SubmitTime)
	})
	return capTasks(results, limit), nil
}

func (s *Store) SelectFailed(ctx context.Context, attempts, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []*task.Task
	for _, t := range s.byInsertionOrder() {
		if t.Eligible(attempts) {
			results = append(results, t)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		ti, tj := results[i].CompletionTime, results[j].CompletionTime
		if ti == nil || tj == nil {
			return false
		}
		return ti.Before(*tj)
	})
	return capTasks(results, limit), nil
}

func capTasks(tasks []*task.Task, limit int) []*task.Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}

// Next implements the scheduling primitive of spec.md §4.4. See
// store.Store.Next for the contract.
func (s *Store) Next(ctx context.Context, opts store.NextOptions) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var selected []*task.Task

	takeRetries := func() {
		for _, t := range s.byInsertionOrder() {
			if len(selected) >= opts.Limit {
				return
			}
			if t.Eligible(opts.Attempts) {
				retry := t.Retry(opts.Now)
				t.Retried = true
				t.NextID = retry.ID
				s.tasks[retry.ID] = retry
				s.order = append(s.order, retry.ID)
				selected = append(selected, retry)
			}
		}
	}
	takeNew := func() {
		for _, t := range s.byInsertionOrder() {
			if len(selected) >= opts.Limit {
				return
			}
			if t.ScheduleTime == nil && !contains(selected, t.ID) {
				selected = append(selected, t)
			}
		}
	}

	if opts.Eager {
		takeRetries()
		if len(selected) < opts.Limit {
			takeNew()
		}
	} else {
		takeNew()
		if len(selected) < opts.Limit && opts.Attempts > 1 {
			takeRetries()
		}
	}

	for _, t := range selected {
		t.ServerID = opts.ServerID
		t.ServerHost = opts.ServerHost
		now := opts.Now
		t.ScheduleTime = &now
	}
	return selected, nil
}

func contains(tasks []*task.Task, id uuid.UUID) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) SelectInterrupted(ctx context.Context, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []*task.Task
	for _, t := range s.byInsertionOrder() {
		if t.ScheduleTime != nil && t.CompletionTime == nil {
			results = append(results, t)
		}
	}
	return capTasks(results, limit), nil
}

func (s *Store) RevertInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ScheduleTime != nil && t.CompletionTime == nil {
			t.Revert()
			n++
		}
	}
	return n, nil
}

func (s *Store) SelectOrphaned(ctx context.Context, clientID string, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []*task.Task
	for _, t := range s.byInsertionOrder() {
		if t.ClientID == clientID && t.ScheduleTime != nil && t.CompletionTime == nil {
			results = append(results, t)
		}
	}
	return capTasks(results, limit), nil
}

func (s *Store) RevertOrphaned(ctx context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ClientID == clientID && t.ScheduleTime != nil && t.CompletionTime == nil {
			t.Revert()
			n++
		}
	}
	return n, nil
}

func (s *Store) CountRemaining(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ScheduleTime == nil || t.CompletionTime == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ScheduleTime != nil && t.CompletionTime == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), nil
}

func (s *Store) EffectiveRate(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latestServerID string
	var latestTime = s.clock.Now().Add(-1 << 40)
	for _, c := range s.clients {
		if c.DisconnectedAt == nil && c.ConnectedAt.After(latestTime) {
			latestTime = c.ConnectedAt
			latestServerID = c.ServerID
		}
	}

	connected := 0
	for _, c := range s.clients {
		if c.DisconnectedAt == nil && c.ServerID == latestServerID {
			connected++
		}
	}
	if connected == 0 {
		return 0, nil
	}

	avg, completed := s.avgDurationLocked()
	if avg <= 0 || completed == 0 {
		return 0, nil
	}
	return float64(connected) / avg, nil
}

func (s *Store) avgDurationLocked() (float64, int) {
	var total float64
	n := 0
	for _, t := range s.tasks {
		if t.StartTime != nil && t.CompletionTime != nil {
			total += t.CompletionTime.Sub(*t.StartTime).Seconds()
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return total / float64(n), n
}

func (s *Store) AvgDuration(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg, _ := s.avgDurationLocked()
	return avg, nil
}

func (s *Store) TimeToCompletion(ctx context.Context) (float64, error) {
	s.mu.Lock()
	remaining := 0
	for _, t := range s.tasks {
		if t.ScheduleTime == nil || t.CompletionTime == nil {
			remaining++
		}
	}
	s.mu.Unlock()

	rate, err := s.EffectiveRate(ctx)
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		if remaining == 0 {
			return 0, nil
		}
		return float64(remaining) * 1e9, nil // unbounded backlog with no consumers
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[c.ID]; ok {
		// Safety valve (spec.md §4.7): a new heartbeat from a
		// previously-disconnected UUID re-opens the row rather
		// than creating a duplicate.
		existing.DisconnectedAt = nil
		existing.Evicted = false
		existing.ConnectedAt = c.ConnectedAt
		existing.ServerID = c.ServerID
		existing.ServerHost = c.ServerHost
		return nil
	}
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *Store) UpdateClient(ctx context.Context, c *task.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; !ok {
		return store.ErrNoSuchClient{ID: c.ID}
	}
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*task.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, store.ErrNoSuchClient{ID: id}
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ConnectedClients(ctx context.Context) ([]*task.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Client
	for _, c := range s.clients {
		if c.DisconnectedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
