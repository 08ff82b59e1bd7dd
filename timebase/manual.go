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

package timebase

import (
	"sync"
)

// Manual is a TimeBase whose counter only moves when told to. It is
// meant for tests; Advance and Rewind are safe to call concurrently
// with Now.
type Manual struct {
	mu   sync.Mutex
	now  uint64
	freq uint64
}

// NewManual creates a manual time base with the given tick frequency.
func NewManual(freq uint64) *Manual {
	if freq == 0 {
		panic("internal error: manual time base needs a nonzero frequency")
	}
	return &Manual{freq: freq}
}

func (m *Manual) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Frequency() uint64 {
	return m.freq
}

// Advance moves the counter forward by the given number of ticks.
func (m *Manual) Advance(ticks uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += ticks
}

// Rewind moves the counter backwards. Real counters must never do this;
// it exists so tests can exercise clock regression handling.
func (m *Manual) Rewind(ticks uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ticks > m.now {
		m.now = 0
		return
	}
	m.now -= ticks
}
