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
	"fmt"

	"github.com/helioslabs/powercore/logger"
)

// queueTransition records a pending request on the device and queues
// the transition worker for it.
//
// Requests are prioritized: resume and mark-active trump everything,
// suspend trumps idle, idle is only accepted when nothing else is
// pending. The previous state is snapshotted only when the device is
// not already transitioning, so a failed transition knows what to roll
// back to.
func (m *Manager) queueTransition(d *Device, request Request) error {
	ps := d.power.Load()
	if ps == nil {
		return ErrNoPowerState
	}

	// Quick exit for resuming a device that is not idle.
	if request == RequestResume && ps.currentState() == Active {
		return nil
	}

	queue := false
	ps.lock.Lock()

	// Don't bother if the same request is already queued.
	if ps.state != Removed &&
		(ps.state != Transitioning || ps.request != request) {

		switch request {
		case RequestResume, RequestMarkActive:
			if ps.state != Active {
				ps.request = request
				queue = true
			}

		case RequestSuspend:
			if ps.state != Suspended &&
				ps.request != RequestResume && ps.request != RequestMarkActive {
				ps.request = request
				queue = true
			}

		case RequestIdle:
			if ps.state != Idle && ps.request == RequestNone {
				ps.request = request
				queue = true
			}

		default:
			logger.Panicf("internal error: cannot queue power request %v", request)
		}
	}

	// If a request is needed, set the state while the lock is held.
	if queue {
		if ps.state != Transitioning {
			ps.previousState = ps.state
		}
		ps.active.unsignal()
		ps.state = Transitioning
	}
	ps.lock.Unlock()

	if !queue {
		return nil
	}

	err := m.opts.Queue.Enqueue(d.name, func() { m.runPowerTransition(d) })
	if err == nil {
		return nil
	}

	// Queueing the work failed. If the request is still ours, roll the
	// state back; if it is not, a subsequent queue attempt owns it now.
	ps.lock.Lock()
	if ps.request == request {
		ps.state = ps.previousState
	}
	ps.lock.Unlock()

	// A failed resume must release anyone waiting on the gate; they
	// will observe the non-active state.
	if request == RequestResume || request == RequestMarkActive {
		ps.active.signalAll()
	}
	return fmt.Errorf("cannot queue power transition for %s: %v", d.name, err)
}

// runPowerTransition is the work queue entry point for one device. The
// request that queued this work item may have been coalesced or
// superseded by the time it runs, so everything is re-checked here.
func (m *Manager) runPowerTransition(d *Device) {
	ps := d.power.Load()
	if ps == nil {
		return
	}
	state, request := ps.snapshot()
	if state != Transitioning {
		return
	}
	switch request {
	case RequestIdle:
		m.deviceIdle(d, ps)
	case RequestSuspend:
		m.deviceSuspend(d, ps)
	case RequestResume, RequestMarkActive:
		// A resume or mark-active request cannot be trumped by any
		// other request, not even another resume: only one caller grabs
		// the first reference and starts the resume process.
		m.deviceResume(d, request)
	}
}

// deviceResume performs the actual resume for a device. The parent is
// resumed first, recursively; the device's own resume request is only
// sent after the parent has settled as active. On failure exactly the
// active children increments performed here are unwound and the error
// propagates to whoever triggered the resume.
func (m *Manager) deviceResume(d *Device, request Request) error {
	ps := d.power.Load()
	if ps == nil {
		return ErrNoPowerState
	}

	// If the state is already active the caller lost a benign race;
	// nobody is waiting on the gate in that case.
	if ps.currentState() == Active {
		return nil
	}

	now := m.opts.Time.Now()

	// Always resume the parent, even if this request only marks the
	// device active; the parent is not necessarily resumed.
	parent := d.parent
	var parentPS *powerState
	if parent != nil {
		parentPS = parent.power.Load()
	}

	var err error
	if parentPS != nil {
		if incRef(&parentPS.activeChildren) == edgeCrossedToNonzero {
			// First active child: hold a power reference on the parent.
			if incRef(&parentPS.referenceCount) == edgeCrossedToNonzero {
				// First reference on the parent too: resume it,
				// recursing up the tree as needed.
				err = m.deviceResume(parent, RequestResume)
			}
		}
		if err == nil {
			// Wait for the parent's state to settle. If this caller did
			// not take the counts to 1 above, another goroutine is doing
			// the work and the gate tells us when it is done.
			parentPS.active.wait()
			if parentPS.currentState() != Active {
				err = ErrNotReady
			}
		}
	}

	if err == nil {
		// Synchronize with requests and work items trying to send the
		// device toward idle or suspend.
		ps.lock.Lock()
		switch {
		case ps.state == Removed:
			err = ErrRemoved

		case ps.state == Transitioning && ps.previousState == Active:
			// The device was headed away from active but the request
			// never went out, so the active hold on the parent was
			// never dropped; the extra one taken above must go.
			m.decrementActiveChildren(parent)

		case request == RequestResume:
			err = m.opts.Transport.SendPowerRequest(d, PowerResume, 0)

		default:
			// Mark-active transitions skip the driver stack.
		}

		if m.opts.DebugTransitions {
			logger.Noticef("PM: %s active: %v", d.name, errString(err))
		}

		if err == nil {
			if ps.state == Idle {
				// Just came back from idle: record how long it lasted.
				ps.history.AddDataPoint(now - ps.transitionTime)
			}
			if ps.state != Transitioning {
				ps.previousState = ps.state
			}
			ps.state = Active
			ps.transitionTime = now
			// Any request associated with a transition is stale now
			// that the device is active again.
			ps.request = RequestNone
		} else if ps.state == Transitioning &&
			(ps.request == RequestResume || ps.request == RequestMarkActive) {
			ps.state = ps.previousState
			ps.request = RequestNone
		}
		ps.lock.Unlock()
	}

	// Release any waiters; they re-check the state in case the resume
	// failed.
	ps.active.signalAll()

	if err != nil {
		logger.Noticef("PM: cannot resume %s: %v", d.name, err)
		if parentPS != nil {
			m.decrementActiveChildren(parent)
		}
	}
	return err
}

// deviceIdle performs the actual idle transition. It silently aborts if
// the request went stale or a reference arrived in the meantime.
func (m *Manager) deviceIdle(d *Device, ps *powerState) {
	// Quick exit if a reference came in and already killed the idle
	// transition. A reference without a killed transition still has to
	// be handled below, a resume may have zoomed through just before
	// the state was set to transitioning.
	if ps.referenceCount.Load() != 0 {
		state, request := ps.snapshot()
		if state != Transitioning || request != RequestIdle {
			return
		}
	}

	decrementParent := false
	ps.lock.Lock()
	switch {
	case ps.state == Removed:
		// Nothing to do.

	case ps.state != Transitioning || ps.request != RequestIdle:
		// Stale request.

	case ps.referenceCount.Load() != 0:
		// A reference arrived before the state became transitioning, so
		// the resume path saw an active device and exited; cancel the
		// transition on its behalf so the state cannot stay stuck.
		ps.state = ps.previousState
		ps.request = RequestNone
		ps.active.signalAll()

	default:
		expected := ps.history.Average()
		err := m.opts.Transport.SendPowerRequest(d, PowerIdle, expected)

		if m.opts.DebugTransitions {
			ms := expected * 1000 / m.opts.Time.Frequency()
			logger.Noticef("PM: %s idle (expected %d ms): %v", d.name, ms, errString(err))
		}

		if err == nil {
			ps.state = Idle
			ps.transitionTime = m.opts.Time.Now()
			decrementParent = true
		} else {
			ps.state = ps.previousState
		}

		// Success or failure, this request is old news; no other idle
		// request can have been queued while this one was in flight.
		ps.request = RequestNone
	}

	// A resume may have raced ahead of the idle, or the idle failed;
	// either way wake everything waiting for the active state.
	if ps.state == Active {
		ps.active.signalAll()
	}
	ps.lock.Unlock()

	// The device moved from active to idle, which held a reference on
	// the parent.
	if decrementParent {
		m.decrementActiveChildren(d.parent)
	}
}

// deviceSuspend performs the actual suspend transition.
func (m *Manager) deviceSuspend(d *Device, ps *powerState) {
	decrementParent := false
	ps.lock.Lock()
	switch {
	case ps.state == Removed:
		// Nothing to do.

	case ps.state != Transitioning || ps.request != RequestSuspend:
		// Stale request.

	default:
		err := m.opts.Transport.SendPowerRequest(d, PowerSuspend, 0)

		if m.opts.DebugTransitions {
			logger.Noticef("PM: %s suspend: %v", d.name, errString(err))
		}

		if err == nil {
			ps.state = Suspended
			// The device may have already been idle, in which case it
			// held no reference on its parent.
			if ps.previousState == Active {
				decrementParent = true
			}
		} else {
			ps.state = ps.previousState
		}
		ps.request = RequestNone
	}

	if ps.state == Active {
		ps.active.signalAll()
	}
	ps.lock.Unlock()

	if decrementParent {
		m.decrementActiveChildren(d.parent)
	}
}

// RequestSuspend queues an explicit suspend transition for the device.
// The suspend happens even while references are held; it is the
// caller's way to force a device down.
func (m *Manager) RequestSuspend(d *Device) error {
	return m.queueTransition(d, RequestSuspend)
}

// SetState forces a new settled power state for the device, to clear an
// error condition. Only Active and Suspended may be set directly.
func (m *Manager) SetState(d *Device, state State) error {
	ps := d.power.Load()
	if ps == nil {
		return ErrNoPowerState
	}
	switch state {
	case Active:
		if ps.currentState() == Active {
			return nil
		}
		// Bring the device up, then release the extra hold so it can
		// head back toward idle naturally.
		if err := m.addReference(d, RequestMarkActive); err != nil {
			return err
		}
		return m.ReleaseReference(d)

	case Suspended:
		ps.lock.Lock()
		defer ps.lock.Unlock()
		if ps.state == Removed {
			return ErrRemoved
		}
		if ps.state == Active ||
			(ps.state == Transitioning && ps.previousState == Active) {
			m.decrementActiveChildren(d.parent)
		}
		ps.state = Suspended
		ps.request = RequestNone
		return nil

	default:
		return fmt.Errorf("cannot set power state %s directly", state)
	}
}

// Remove marks the device as removed. The transition is effective
// immediately but synchronized with all others; the idle timer chain is
// neutralized so it cannot arm again.
func (m *Manager) Remove(d *Device) {
	ps := d.power.Load()
	if ps == nil {
		return
	}
	ps.lock.Lock()
	oldState := ps.state
	oldPrevious := ps.previousState
	ps.state = Removed
	ps.request = RequestNone
	// Keep the timer marked queued forever so release edges cannot arm
	// it anymore, then cancel whatever is in flight.
	ps.timerQueued.Store(true)
	ps.chain.Cancel()
	if oldState != Transitioning {
		ps.previousState = oldState
	}
	ps.lock.Unlock()

	// If an active child was just removed, drop the parent's count.
	if oldState == Active ||
		(oldState == Transitioning && oldPrevious == Active) {
		m.decrementActiveChildren(d.parent)
	}
}

func errString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
