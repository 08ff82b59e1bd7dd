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

// PendingRequest returns the device's queued transition request.
func (m *Manager) PendingRequest(d *Device) Request {
	ps := d.power.Load()
	if ps == nil {
		return RequestNone
	}
	_, request := ps.snapshot()
	return request
}

// QueueIdleTransition queues an idle transition directly, bypassing the
// idle timer chain.
func (m *Manager) QueueIdleTransition(d *Device) error {
	return m.queueTransition(d, RequestIdle)
}

// DeviceIdleDeadline returns the device's pending idle deadline.
func (m *Manager) DeviceIdleDeadline(d *Device) uint64 {
	ps := d.power.Load()
	if ps == nil {
		return 0
	}
	return ps.idleDeadline.Load()
}

// DeviceTimerQueued reports whether the idle timer is queued.
func (m *Manager) DeviceTimerQueued(d *Device) bool {
	ps := d.power.Load()
	if ps == nil {
		return false
	}
	return ps.timerQueued.Load()
}
