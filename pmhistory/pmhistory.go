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

// Package pmhistory implements a fixed-depth ring of recently observed
// durations with a running sum, used to estimate how long the next idle
// period is likely to last.
//
// A History is deliberately not synchronized: every instance has a
// single writer (the owning device's worker, or the owning processor's
// idle loop) and callers must serialize access themselves.
package pmhistory

// History keeps 1<<shift recent data points and their running sum.
//
// Slots start out zero, so until the ring fills the average is biased
// toward zero. That is intended: assume short idle periods until proven
// otherwise.
type History struct {
	shift uint
	data  []uint64
	next  uint32
	total uint64
}

// New creates a history with a capacity of 1<<shift data points.
func New(shift uint) *History {
	if shift == 0 {
		panic("internal error: history shift must be at least 1")
	}
	return &History{
		shift: shift,
		data:  make([]uint64, 1<<shift),
	}
}

// AddDataPoint records a new observed duration, evicting the oldest one.
func (h *History) AddDataPoint(value uint64) {
	h.total -= h.data[h.next]
	h.data[h.next] = value
	h.total += value
	h.next = (h.next + 1) & uint32(len(h.data)-1)
}

// Average returns the rounded arithmetic mean over the full ring,
// including any zero-initialized slots.
func (h *History) Average() uint64 {
	return (h.total + (1 << (h.shift - 1))) >> h.shift
}
