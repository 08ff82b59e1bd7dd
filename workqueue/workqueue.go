// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2025 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package workqueue provides a work queue with per-key FIFO ordering
// and at most one callback executing per key at any time. Work queued
// under different keys runs concurrently.
package workqueue

import (
	"errors"
	"sync"

	"gopkg.in/tomb.v2"
)

// ErrStopped is returned by Enqueue once the queue has been stopped.
var ErrStopped = errors.New("work queue is stopped")

// Queue dispatches callbacks serialized per key.
type Queue struct {
	tomb tomb.Tomb

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool
}

type lane struct {
	q       *Queue
	pending []func()
	running bool
}

// New creates a running queue.
func New() *Queue {
	q := &Queue{
		lanes: make(map[string]*lane),
	}
	// Keep the tomb alive while idle so that lanes can come and go.
	q.tomb.Go(func() error {
		<-q.tomb.Dying()
		return nil
	})
	return q
}

// Enqueue adds f to the key's FIFO lane, starting a runner for the lane
// if none is active. Callbacks for one key never run concurrently and
// always run in enqueue order.
func (q *Queue) Enqueue(key string, f func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	l := q.lanes[key]
	if l == nil {
		l = &lane{q: q}
		q.lanes[key] = l
	}
	l.pending = append(l.pending, f)
	if !l.running {
		l.running = true
		// Starting the runner under the lock serializes with Stop, so
		// the tomb cannot be dead here.
		q.tomb.Go(l.run)
	}
	return nil
}

func (l *lane) run() error {
	for {
		l.q.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			l.q.mu.Unlock()
			return nil
		}
		f := l.pending[0]
		l.pending = l.pending[1:]
		l.q.mu.Unlock()
		f()
	}
}

// Stop refuses new work, lets already queued callbacks drain, and
// returns once every lane has finished.
func (q *Queue) Stop() error {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.tomb.Kill(nil)
	return q.tomb.Wait()
}
