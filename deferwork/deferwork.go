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

// Package deferwork implements a reusable three-stage deferral: a timer
// fires at a deadline, its callback merely hands off to a work
// goroutine, and the work goroutine runs a client callback that is
// allowed to block and allocate.
//
// The handoff stage never blocks and tolerates the work already being
// queued; the timer and the work are decoupled on purpose so that a
// re-armed timer coalesces with a pending run instead of stacking up.
package deferwork

import (
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/helioslabs/powercore/timebase"
)

// Chain is one timer/dispatch/work pipeline. A Chain is created with
// NewChain, armed any number of times, and torn down with Stop.
type Chain struct {
	tb   timebase.TimeBase
	work func()

	// pending carries the dispatch-to-work handoff; capacity 1 so the
	// dispatch stage never blocks and duplicate handoffs collapse.
	pending chan struct{}

	mu      sync.Mutex
	timer   timebase.Timer
	stopped bool

	tomb tomb.Tomb
}

// NewChain creates a chain that runs work on its own goroutine whenever
// the armed timer fires. The work callback may block; it is never run
// concurrently with itself.
func NewChain(tb timebase.TimeBase, work func()) *Chain {
	c := &Chain{
		tb:      tb,
		work:    work,
		pending: make(chan struct{}, 1),
	}
	c.tomb.Go(c.loop)
	return c
}

func (c *Chain) loop() error {
	for {
		select {
		case <-c.pending:
			c.work()
		case <-c.tomb.Dying():
			return nil
		}
	}
}

// Arm schedules the chain to run at the given deadline on the chain's
// time base. Arming an already armed chain moves its deadline.
func (c *Chain) Arm(deadline uint64) {
	var d uint64
	if now := c.tb.Now(); deadline > now {
		d = deadline - now
	}
	dur := timebase.TicksToDuration(c.tb, d)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.timer == nil {
		c.timer = timebase.AfterFunc(dur, c.dispatch)
	} else {
		c.timer.Reset(dur)
	}
}

// dispatch runs in the timer's goroutine. It must not block: it only
// hands off to the work goroutine, and a handoff that is already
// pending is a benign no-op.
func (c *Chain) dispatch() {
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

// Cancel stops the timer and discards a pending, not yet started, work
// handoff. Work that is already running is not interrupted.
func (c *Chain) Cancel() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	select {
	case <-c.pending:
	default:
	}
}

// Stop cancels the chain and blocks until any in-flight work callback
// has returned. The chain must not be armed again afterwards.
func (c *Chain) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	select {
	case <-c.pending:
	default:
	}
	c.tomb.Kill(nil)
	c.tomb.Wait()
}
