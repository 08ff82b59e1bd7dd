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

// Package powercore bundles the device power manager, the processor
// idle state selector and the performance governor into one subsystem
// built from a single policy.
//
// There is no ambient global instance: callers construct a Subsystem
// and hand it to whatever needs it, so independent instances can live
// side by side in tests.
package powercore

import (
	"fmt"
	"runtime"

	"github.com/helioslabs/powercore/cpufreq"
	"github.com/helioslabs/powercore/cpuidle"
	"github.com/helioslabs/powercore/devicepm"
	"github.com/helioslabs/powercore/logger"
	"github.com/helioslabs/powercore/pmconfig"
	"github.com/helioslabs/powercore/timebase"
	"github.com/helioslabs/powercore/workqueue"
)

// Options configures a Subsystem.
type Options struct {
	// Policy is the power management policy, typically read with
	// pmconfig.ReadPolicy.
	Policy pmconfig.Policy
	// Processors is the number of processors governed; defaults to
	// runtime.NumCPU().
	Processors int
	// Transport delivers device power requests (required).
	Transport devicepm.Transport
	// Dispatcher runs per-processor performance state changes;
	// defaults to a per-processor lane on the subsystem's work queue.
	Dispatcher cpufreq.Dispatcher
	// Halt is the platform wait-for-wakeup hook for the idle path.
	Halt func(cpu int)
	// Time is the monotonic time base; defaults to timebase.System().
	Time timebase.TimeBase
}

// Subsystem is one assembled power management core.
type Subsystem struct {
	Devices *devicepm.Manager
	Idle    *cpuidle.Selector
	Freq    *cpufreq.Governor

	queue *workqueue.Queue
}

// New builds a subsystem from the given options.
func New(opts Options) (*Subsystem, error) {
	if opts.Processors == 0 {
		opts.Processors = runtime.NumCPU()
	}
	queue := workqueue.New()

	devices, err := devicepm.NewManager(devicepm.Options{
		Transport:        opts.Transport,
		Queue:            queue,
		Time:             opts.Time,
		IdleDelay:        opts.Policy.IdleDelay,
		DebugTransitions: opts.Policy.DebugTransitions,
	})
	if err != nil {
		queue.Stop()
		return nil, err
	}

	idle, err := cpuidle.NewSelector(cpuidle.Options{
		Processors:   opts.Processors,
		Time:         opts.Time,
		Halt:         opts.Halt,
		Disabled:     opts.Policy.CStatesDisabled,
		HaltDisabled: opts.Policy.HaltDisabled,
	})
	if err != nil {
		queue.Stop()
		return nil, err
	}

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = &queueDispatcher{queue}
	}
	freq, err := cpufreq.NewGovernor(cpufreq.Options{
		Processors: opts.Processors,
		Time:       opts.Time,
		Dispatcher: dispatcher,
		Period:     opts.Policy.GovernorPeriod,
	})
	if err != nil {
		queue.Stop()
		return nil, err
	}

	return &Subsystem{Devices: devices, Idle: idle, Freq: freq, queue: queue}, nil
}

// RegisterIdleStateDriver installs the processor idle state driver; at
// most one may ever register.
func (s *Subsystem) RegisterIdleStateDriver(d cpuidle.Driver) error {
	return s.Idle.RegisterDriver(d)
}

// RegisterPerformanceStateDriver installs the performance state driver;
// at most one may ever register.
func (s *Subsystem) RegisterPerformanceStateDriver(d cpufreq.Driver) error {
	return s.Freq.RegisterDriver(d)
}

// Stop shuts the subsystem down, draining queued device transitions.
func (s *Subsystem) Stop() {
	s.Freq.Stop()
	s.queue.Stop()
}

// queueDispatcher funnels per-processor callbacks through the shared
// work queue, one lane per processor.
type queueDispatcher struct {
	q *workqueue.Queue
}

func (d *queueDispatcher) Queue(cpu int, f func()) {
	if err := d.q.Enqueue(fmt.Sprintf("cpu/%d", cpu), f); err != nil {
		logger.Noticef("PM: cannot dispatch to processor %d: %v", cpu, err)
	}
}
