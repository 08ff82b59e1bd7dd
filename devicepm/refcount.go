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

package devicepm

import (
	"sync/atomic"

	"github.com/helioslabs/powercore/logger"
)

// refEdge describes which edge, if any, a counter crossed. Wrapping the
// increment/decrement and the edge check in one operation keeps the
// "was this the first/last one" decisions in a single place.
type refEdge int

const (
	edgeStayedZero refEdge = iota
	edgeCrossedToNonzero
	edgeStayedNonzero
	edgeCrossedToZero
)

func incRef(n *atomic.Int64) refEdge {
	prev := n.Add(1) - 1
	if prev < 0 {
		logger.Panicf("internal error: power reference count went negative")
	}
	if prev == 0 {
		return edgeCrossedToNonzero
	}
	return edgeStayedNonzero
}

func decRef(n *atomic.Int64) refEdge {
	prev := n.Add(-1) + 1
	if prev <= 0 {
		logger.Panicf("internal error: power reference count underflow")
	}
	if prev == 1 {
		return edgeCrossedToZero
	}
	return edgeStayedNonzero
}

// AddReference adds a power reference on the device and waits for the
// device to reach the active state. On failure the caller holds no
// reference and must not assume the device or its parent lineage is
// active.
func (m *Manager) AddReference(d *Device) error {
	return m.addReference(d, RequestResume)
}

func (m *Manager) addReference(d *Device, request Request) error {
	ps := d.power.Load()
	if ps == nil {
		return ErrNoPowerState
	}
	if incRef(&ps.referenceCount) == edgeCrossedToNonzero {
		// This caller won the race out of idle/suspend and resumes the
		// device inline, recursing up the parent chain as needed.
		if err := m.deviceResume(d, request); err != nil {
			ps.referenceCount.Add(-1)
			return err
		}
		return nil
	}
	if ps.currentState() != Active {
		// Someone else is doing the work; wait for the gate and check
		// the outcome, the resume may have failed.
		ps.active.wait()
		if ps.currentState() != Active {
			ps.referenceCount.Add(-1)
			return ErrNotReady
		}
	}
	return nil
}

// AddReferenceAsync adds a power reference without waiting for the
// device to become active. An error means the request could not be
// queued and the caller holds no reference.
func (m *Manager) AddReferenceAsync(d *Device) error {
	ps := d.power.Load()
	if ps == nil {
		return ErrNoPowerState
	}
	if incRef(&ps.referenceCount) != edgeCrossedToNonzero {
		return nil
	}
	if err := m.queueTransition(d, RequestResume); err != nil {
		ps.referenceCount.Add(-1)
		return err
	}
	return nil
}

// ReleaseReference drops a power reference. When the last reference
// goes away the idle deadline is pushed out and the idle timer armed;
// if the timer is already queued it will observe the bumped deadline
// and requeue itself, coalescing bursts of add/release into a single
// outstanding timer.
func (m *Manager) ReleaseReference(d *Device) error {
	ps := d.power.Load()
	if ps == nil {
		return ErrNoPowerState
	}
	if decRef(&ps.referenceCount) != edgeCrossedToZero {
		return nil
	}
	ps.idleDeadline.Store(m.opts.Time.Now() + ps.idleDelay)
	m.startIdleTimer(d, ps)
	return nil
}

// startIdleTimer arms the device's idle timer unless it is already
// queued.
func (m *Manager) startIdleTimer(d *Device, ps *powerState) {
	if ps.timerQueued.Load() {
		return
	}
	// Try to win the race to queue the timer.
	if ps.timerQueued.CompareAndSwap(false, true) {
		ps.chain.Arm(ps.idleDeadline.Load())
	}
}

// deviceIdleWork runs on the timer chain's work goroutine when the idle
// timer expires.
func (m *Manager) deviceIdleWork(d *Device) {
	ps := d.power.Load()
	if ps == nil {
		return
	}

	// The timer is no longer queued. After this, releasing the final
	// reference will attempt to requeue it.
	ps.timerQueued.Store(false)

	// The timer gets left on a lot, even when no longer needed. If
	// there are references on the device now, do nothing.
	if ps.referenceCount.Load() != 0 {
		return
	}

	// If the deadline has moved past the current time, requeue the
	// timer for the new deadline instead of going idle.
	now := m.opts.Time.Now()
	if deadline := ps.idleDeadline.Load(); now < deadline {
		m.startIdleTimer(d, ps)
		return
	}

	if err := m.queueTransition(d, RequestIdle); err != nil {
		logger.Noticef("PM: cannot queue idle work for %s: %v", d.name, err)
	}
}

// decrementActiveChildren drops one active child from the device. The
// last active child going away releases the power reference the
// children collectively held.
func (m *Manager) decrementActiveChildren(d *Device) {
	if d == nil {
		return
	}
	ps := d.power.Load()
	if ps == nil {
		return
	}
	if decRef(&ps.activeChildren) == edgeCrossedToZero {
		m.ReleaseReference(d)
	}
}
