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

// Package cpuidle implements per-processor idle state (C-state)
// selection.
//
// A Selector is invoked from each processor's idle loop. It keeps a
// per-processor history of measured idle durations and uses its average
// to pick the deepest idle state whose target residency the processor
// is still expected to meet. With no driver registered, or with idle
// states disabled, the selector degrades to a plain halt.
//
// This path must never fail: driver errors fall back to halt and timing
// anomalies are logged and discarded.
package cpuidle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/helioslabs/powercore/logger"
	"github.com/helioslabs/powercore/pmhistory"
	"github.com/helioslabs/powercore/timebase"
)

// Number of idle duration data points kept per processor, expressed as
// a bit shift.
const historyShift = 7

// ErrAlreadyRegistered is returned when a second idle state driver
// tries to register.
var ErrAlreadyRegistered = errors.New("idle state driver already registered")

// IdleState describes one idle state offered by the driver, from
// shallowest to deepest. Residency and latency are in time base ticks.
type IdleState struct {
	Name string
	// TargetResidency is the minimum idle duration that makes entering
	// this state worthwhile.
	TargetResidency uint64
	// ExitLatency is how long leaving this state takes.
	ExitLatency uint64
}

// Driver is implemented by the platform idle state driver. Enter puts
// the processor into the idle state at the given index and returns on
// wakeup; the returned index is the state actually entered, which may
// be shallower than requested.
type Driver interface {
	States() []IdleState
	Enter(cpu, index int) (actual int, err error)
}

// Options configures a Selector.
type Options struct {
	// Processors is the number of processors served (required).
	Processors int
	// Time is the monotonic time base; defaults to timebase.System().
	Time timebase.TimeBase
	// Halt waits for the next wakeup without entering a driver idle
	// state. It is used when no driver is registered, when idle states
	// are disabled, and when the selected state is the synthetic halt.
	// May be nil, in which case the halt returns immediately.
	Halt func(cpu int)
	// Disabled forces the halt path even with a driver registered.
	Disabled bool
	// HaltDisabled makes the halt path spin instead of halting, for
	// debugging wakeup problems. Spins are not accounted.
	HaltDisabled bool
}

// stateCounter accumulates residency statistics for one idle state on
// one processor.
type stateCounter struct {
	entries atomic.Uint64
	spent   atomic.Uint64
}

// processor is the per-CPU bookkeeping. The history is written only
// from that CPU's idle loop; the mutex is there for the statistics
// snapshot reader.
type processor struct {
	mu      sync.Mutex
	history *pmhistory.History
	halt    stateCounter
}

// driverInfo snapshots the registered driver with its state table and
// per-processor counters, so the idle path reads it with a single
// atomic load.
type driverInfo struct {
	driver Driver
	states []IdleState
	stats  [][]stateCounter
}

// Selector picks idle states for a set of processors.
type Selector struct {
	opts  Options
	procs []*processor

	mu   sync.Mutex
	info atomic.Pointer[driverInfo]
}

// NewSelector creates a selector for the given processor count.
func NewSelector(opts Options) (*Selector, error) {
	if opts.Processors <= 0 {
		return nil, fmt.Errorf("cannot create idle state selector: no processors")
	}
	if opts.Time == nil {
		opts.Time = timebase.System()
	}
	procs := make([]*processor, opts.Processors)
	for i := range procs {
		procs[i] = &processor{history: pmhistory.New(historyShift)}
	}
	return &Selector{opts: opts, procs: procs}, nil
}

// RegisterDriver installs the idle state driver. Only one driver may
// ever register; a second registration fails with ErrAlreadyRegistered.
func (s *Selector) RegisterDriver(d Driver) error {
	if d == nil {
		return fmt.Errorf("cannot register idle state driver: driver is nil")
	}
	states := d.States()
	if len(states) == 0 {
		return fmt.Errorf("cannot register idle state driver: no idle states")
	}
	for i := 1; i < len(states); i++ {
		if states[i].TargetResidency <= states[i-1].TargetResidency {
			return fmt.Errorf("cannot register idle state driver: state %q does not have ascending target residency", states[i].Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Load() != nil {
		return ErrAlreadyRegistered
	}
	stats := make([][]stateCounter, len(s.procs))
	for i := range stats {
		stats[i] = make([]stateCounter, len(states))
	}
	s.info.Store(&driverInfo{driver: d, states: states, stats: stats})
	return nil
}

// OnIdle is called from a processor's idle loop. It selects an idle
// state based on the processor's recent idle history, enters it, and
// accounts the measured idle duration.
func (s *Selector) OnIdle(cpu int) {
	if cpu < 0 || cpu >= len(s.procs) {
		logger.Panicf("internal error: no processor %d", cpu)
	}
	p := s.procs[cpu]

	di := s.info.Load()
	if di == nil || s.opts.Disabled {
		s.idleHalt(cpu, p)
		return
	}

	p.mu.Lock()
	estimate := p.history.Average()
	p.mu.Unlock()

	// Walk the table from shallowest to deepest. The loop naturally
	// stops one state too deep (the first state the processor is not
	// expected to stay in long enough), so back off by one; backing off
	// past the shallowest state means even that one is too deep, and
	// the processor just halts.
	index := 0
	for index < len(di.states) && di.states[index].TargetResidency <= estimate {
		index++
	}
	index--
	if index < 0 {
		s.idleHalt(cpu, p)
		return
	}

	start := s.opts.Time.Now()
	actual, err := di.driver.Enter(cpu, index)
	end := s.opts.Time.Now()
	if err != nil {
		logger.Debugf("cannot enter idle state %d on processor %d: %v", index, cpu, err)
		s.idleHalt(cpu, p)
		return
	}

	duration := s.elapsed(cpu, start, end)

	// Attribute statistics to the state the driver says it entered, not
	// the one that was asked for.
	if actual < 0 || actual >= len(di.states) {
		logger.Noticef("PM: idle state driver reports unknown state %d on processor %d", actual, cpu)
	} else {
		counter := &di.stats[cpu][actual]
		counter.entries.Add(1)
		counter.spent.Add(duration)
	}

	p.mu.Lock()
	p.history.AddDataPoint(duration)
	p.mu.Unlock()
}

// idleHalt is the fallback idle path: wait for the next wakeup without
// a driver idle state.
func (s *Selector) idleHalt(cpu int, p *processor) {
	if s.opts.HaltDisabled {
		return
	}
	start := s.opts.Time.Now()
	if s.opts.Halt != nil {
		s.opts.Halt(cpu)
	}
	end := s.opts.Time.Now()
	duration := s.elapsed(cpu, start, end)

	p.halt.entries.Add(1)
	p.halt.spent.Add(duration)
	p.mu.Lock()
	p.history.AddDataPoint(duration)
	p.mu.Unlock()
}

// elapsed returns end-start, treating a clock regression as a zero
// length sample.
func (s *Selector) elapsed(cpu int, start, end uint64) uint64 {
	if end < start {
		logger.Noticef("PM: time base went backwards on processor %d", cpu)
		return 0
	}
	return end - start
}

// StateStats is the accumulated residency of one idle state on one
// processor. The synthetic halt state occupies slot 0 of every
// processor's statistics.
type StateStats struct {
	Name       string `json:"name"`
	EntryCount uint64 `json:"entry-count"`
	TimeSpent  uint64 `json:"time-spent"`
}

// ProcessorStats is a point-in-time idle statistics snapshot for one
// processor.
type ProcessorStats struct {
	Processor    int          `json:"processor"`
	IdleEstimate uint64       `json:"idle-estimate"`
	States       []StateStats `json:"states"`
}

// Stats snapshots the idle statistics of every processor.
func (s *Selector) Stats() []ProcessorStats {
	di := s.info.Load()
	all := make([]ProcessorStats, len(s.procs))
	for cpu, p := range s.procs {
		p.mu.Lock()
		estimate := p.history.Average()
		p.mu.Unlock()

		states := []StateStats{{
			Name:       "halt",
			EntryCount: p.halt.entries.Load(),
			TimeSpent:  p.halt.spent.Load(),
		}}
		if di != nil {
			for i := range di.states {
				counter := &di.stats[cpu][i]
				states = append(states, StateStats{
					Name:       di.states[i].Name,
					EntryCount: counter.entries.Load(),
					TimeSpent:  counter.spent.Load(),
				})
			}
		}
		all[cpu] = ProcessorStats{Processor: cpu, IdleEstimate: estimate, States: states}
	}
	return all
}
