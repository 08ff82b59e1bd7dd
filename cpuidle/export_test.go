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

package cpuidle

// PrimeHistory feeds raw idle duration samples into a processor's
// history, bypassing the idle path.
func (s *Selector) PrimeHistory(cpu int, samples ...uint64) {
	p := s.procs[cpu]
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sample := range samples {
		p.history.AddDataPoint(sample)
	}
}

// IdleEstimate returns a processor's current history average.
func (s *Selector) IdleEstimate(cpu int) uint64 {
	p := s.procs[cpu]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Average()
}
