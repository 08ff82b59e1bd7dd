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
	"fmt"
	"sync"
	"time"
)

// Timer is an interface which wraps time.Timer so that it may be mocked.
type Timer interface {
	Reset(d time.Duration) bool
	Stop() bool
}

// useMockedTimers indicates whether AfterFunc should return TestTimer
// instances instead of wrappers around real timers.
var useMockedTimers = false

// MockTimers makes AfterFunc return TestTimers instead of real timers.
// This can be reversed by calling the returned restore function.
func MockTimers() (restore func()) {
	old := useMockedTimers
	useMockedTimers = true
	return func() {
		useMockedTimers = old
	}
}

// AfterFunc waits for the duration to elapse and then calls f in its
// own goroutine. It returns a Timer that can be used to cancel the call
// using its Stop method.
//
// By default this calls time.AfterFunc. If MockTimers has been called
// it returns a TestTimer which must be fired manually.
func AfterFunc(d time.Duration, f func()) Timer {
	if useMockedTimers {
		t := &TestTimer{
			active:   true,
			callback: f,
		}
		registerTestTimer(t)
		return t
	}
	return &realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

// TestTimer is a mocked timer which fires only when told to. It also
// provides methods to introspect whether it is active and how many
// times it has fired.
type TestTimer struct {
	lock      sync.Mutex
	active    bool
	fireCount int
	callback  func()
}

var _ Timer = (*TestTimer)(nil)

func (t *TestTimer) Reset(d time.Duration) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	active := t.active
	t.active = true
	return active
}

func (t *TestTimer) Stop() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	wasActive := t.active
	t.active = false
	return wasActive
}

// Active returns true if the timer is armed and has not fired yet.
func (t *TestTimer) Active() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.active
}

// FireCount returns the number of times the timer has fired.
func (t *TestTimer) FireCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.fireCount
}

// Fire runs the timer's callback in its own goroutine. To avoid
// accidental misuse it is an error to fire a timer that is not active.
func (t *TestTimer) Fire() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.active {
		return fmt.Errorf("cannot fire timer which is not active")
	}
	t.active = false
	t.fireCount++
	go t.callback()
	return nil
}

var (
	testTimersLock sync.Mutex
	testTimers     []*TestTimer
)

func registerTestTimer(t *TestTimer) {
	testTimersLock.Lock()
	defer testTimersLock.Unlock()
	testTimers = append(testTimers, t)
}

// MockedTimers returns every TestTimer created through AfterFunc since
// the last call to ResetMockedTimers, oldest first.
func MockedTimers() []*TestTimer {
	testTimersLock.Lock()
	defer testTimersLock.Unlock()
	return append([]*TestTimer(nil), testTimers...)
}

// ResetMockedTimers drops the record of created test timers.
func ResetMockedTimers() {
	testTimersLock.Lock()
	defer testTimersLock.Unlock()
	testTimers = nil
}
