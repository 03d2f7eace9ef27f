// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package server

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/fsm"
	"github.com/diffeo/go-hypershell/queue"
	"github.com/diffeo/go-hypershell/store"
	"github.com/diffeo/go-hypershell/task"
)

const (
	heartPoll  fsm.State = "POLL"
	heartSweep fsm.State = "SWEEP"
	heartFinal fsm.State = "FINAL"
)

type liveClient struct {
	lastSeen time.Time
	lastSeq  int64
}

// HeartMonitor implements spec.md §4.7: tracks client liveness,
// evicts dead clients, and recovers their orphaned tasks. It also
// owns the "signal clients to disconnect" action invoked when the
// Scheduler finishes (spec.md §4.4 FINAL → signal shutdown).
type HeartMonitor struct {
	Store      store.Store
	Heartbeats *queue.Channel
	Scheduled  *queue.Channel
	NoConfirm  bool
	EvictAfter time.Duration
	Clock      clock.Clock
	Log        *logrus.Entry

	mu      sync.Mutex
	clients map[string]*liveClient
	closing bool

	machine *fsm.Machine
}

func NewHeartMonitor(s store.Store, heartbeats, scheduled *queue.Channel, noConfirm bool, evictAfter time.Duration, clk clock.Clock, log *logrus.Entry) *HeartMonitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &HeartMonitor{
		Store: s, Heartbeats: heartbeats, Scheduled: scheduled,
		NoConfirm: noConfirm, EvictAfter: evictAfter, Clock: clk, Log: log,
		clients: make(map[string]*liveClient),
	}
	h.machine = &fsm.Machine{
		Name:    "heartmonitor",
		Initial: heartPoll,
		Final:   map[fsm.State]bool{heartFinal: true},
		States: map[fsm.State]fsm.Action{
			heartPoll:  h.poll,
			heartSweep: h.sweep,
		},
		ErrorHandler: func(state fsm.State, err error) {
			log.WithField("state", state).WithError(err).Warn("heartmonitor: action error")
		},
	}
	return h
}

func (h *HeartMonitor) Halt() { h.machine.Halt() }

func (h *HeartMonitor) Run(ctx context.Context) error {
	_, err := h.machine.Run(ctx)
	return err
}

// RequestShutdown implements the "scheduler signals it is done"
// action: enqueue one sentinel per still-connected client on
// scheduled, then let sweep drain the map naturally.
func (h *HeartMonitor) RequestShutdown(ctx context.Context) error {
	clients, err := h.Store.ConnectedClients(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	for range clients {
		if err := h.Scheduled.Put(nil); err != nil {
			return err
		}
	}
	return nil
}

func (h *HeartMonitor) poll(ctx context.Context) (fsm.State, error) {
	item, err := h.Heartbeats.Get(getTimeout)
	if err == queue.ErrTimeout {
		return heartSweep, nil
	}
	if err == queue.ErrClosed {
		return heartFinal, nil
	}
	if err != nil {
		return heartSweep, err
	}
	if len(item) == 0 {
		return heartSweep, nil
	}

	hb, err := task.UnpackHeartbeat(item)
	if err != nil {
		return heartSweep, err
	}

	h.mu.Lock()
	existing, ok := h.clients[hb.UUID]
	if ok && hb.Seq < existing.lastSeq {
		h.mu.Unlock()
		return heartSweep, nil // stale, out-of-order heartbeat; discard
	}
	h.mu.Unlock()

	if hb.State == task.HeartbeatFinished {
		if err := h.disconnect(ctx, hb.UUID, false); err != nil {
			return heartSweep, err
		}
		h.mu.Lock()
		delete(h.clients, hb.UUID)
		empty := len(h.clients) == 0
		closing := h.closing
		h.mu.Unlock()
		if closing && empty {
			return heartFinal, nil
		}
		return heartSweep, nil
	}

	h.mu.Lock()
	h.clients[hb.UUID] = &liveClient{lastSeen: hb.Time, lastSeq: hb.Seq}
	h.mu.Unlock()
	return heartSweep, nil
}

func (h *HeartMonitor) sweep(ctx context.Context) (fsm.State, error) {
	now := h.Clock.Now()
	var stale []string
	h.mu.Lock()
	for id, c := range h.clients {
		if now.Sub(c.lastSeen) > h.EvictAfter {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		if err := h.evict(ctx, id); err != nil {
			return heartPoll, err
		}
	}

	h.mu.Lock()
	empty := len(h.clients) == 0
	closing := h.closing
	h.mu.Unlock()
	if closing && empty {
		return heartFinal, nil
	}
	return heartPoll, nil
}

func (h *HeartMonitor) evict(ctx context.Context, clientID string) error {
	if err := h.disconnect(ctx, clientID, true); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
	return nil
}

// disconnect implements both the evicted and the graceful-FINISHED
// paths of spec.md §4.7: mark the Client row, and (unless
// --no-confirm) revert that client's orphaned tasks.
func (h *HeartMonitor) disconnect(ctx context.Context, clientID string, evicted bool) error {
	c, err := h.Store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	now := h.Clock.Now()
	c.DisconnectedAt = &now
	c.Evicted = evicted
	if err := h.Store.UpdateClient(ctx, c); err != nil {
		return err
	}
	if evicted {
		h.Log.WithField("client_id", clientID).Warn("heartmonitor: evicted client")
	} else {
		h.Log.WithField("client_id", clientID).Info("heartmonitor: client finished")
	}
	if !h.NoConfirm {
		n, err := h.Store.RevertOrphaned(ctx, clientID)
		if err != nil {
			return err
		}
		if n > 0 {
			h.Log.WithField("client_id", clientID).WithField("count", n).Info("heartmonitor: reverted orphaned tasks")
		}
	}
	return nil
}
