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

// Package timebase abstracts the monotonic time counter that the power
// management core runs against, so that tests can drive time manually.
package timebase

import (
	"time"
)

// TimeBase is a monotonic tick counter together with its rate.
type TimeBase interface {
	// Now returns the current counter value in ticks. It never goes
	// backwards on a given instance.
	Now() uint64
	// Frequency returns the counter rate in ticks per second.
	Frequency() uint64
}

type systemTimeBase struct {
	start time.Time
}

// System returns a TimeBase backed by the runtime monotonic clock,
// counting nanoseconds since it was created.
func System() TimeBase {
	return &systemTimeBase{start: time.Now()}
}

func (t *systemTimeBase) Now() uint64 {
	return uint64(time.Since(t.start))
}

func (t *systemTimeBase) Frequency() uint64 {
	return uint64(time.Second)
}

// TicksToDuration converts a tick count on the given time base to a
// duration, saturating instead of overflowing for absurdly large counts.
func TicksToDuration(tb TimeBase, ticks uint64) time.Duration {
	freq := tb.Frequency()
	if freq == 0 {
		return 0
	}
	secs := ticks / freq
	rem := ticks % freq
	if secs > uint64(1<<62)/uint64(time.Second) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(secs)*time.Second +
		time.Duration(rem*uint64(time.Second)/freq)
}

// DurationToTicks converts a duration to ticks on the given time base.
func DurationToTicks(tb TimeBase, d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) * tb.Frequency() / uint64(time.Second)
}
