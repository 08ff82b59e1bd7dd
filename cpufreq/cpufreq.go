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

// Package cpufreq implements a load-driven performance state (P-state)
// governor.
//
// A Governor periodically samples per-processor busy cycle counters,
// derives each processor's load over the sampling interval, and maps it
// through the driver's cumulative weight table to a desired performance
// state. Depending on the driver's capabilities the state is applied
// either per processor, hopping from core to core on a dispatcher, or
// globally, by a single worker converging on the maximum desired state.
//
// At most one change propagation is in flight at a time. Errors from
// the driver never propagate anywhere; they are logged and the governor
// keeps governing with whatever state the hardware was left in.
package cpufreq

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"gopkg.in/tomb.v2"

	"github.com/helioslabs/powercore/logger"
	"github.com/helioslabs/powercore/timebase"
)

// Default reevaluation period when neither the options nor the driver
// ask for one.
const defaultPeriod = 100 * time.Millisecond

// AllProcessors is passed as the processor index to
// SetPerformanceState by a governor operating in global mode.
const AllProcessors = -1

// ErrAlreadyRegistered is returned when a second performance state
// driver tries to register.
var ErrAlreadyRegistered = errors.New("performance state driver already registered")

// PerfState describes one performance state, ordered from slowest to
// fastest. Weight is a cumulative load threshold: a processor whose
// load is below the weight of state N is governed to the first such N.
// The last state's weight defines the load scale.
type PerfState struct {
	// Frequency is the operating frequency in hertz.
	Frequency uint64 `json:"frequency"`
	Weight    uint64 `json:"weight"`
}

// Capabilities describes how the platform's performance states are
// controlled.
type Capabilities struct {
	// PerProcessor is set when each processor's state is independent;
	// otherwise a single state governs all processors.
	PerProcessor bool
	// ConstantCycleRate is set when the busy cycle counter ticks at
	// CycleRate regardless of the current performance state; otherwise
	// the counter is assumed to tick at the current state's frequency.
	ConstantCycleRate bool
	// CycleRate is the counter rate in hertz, for constant rate
	// counters.
	CycleRate uint64
	// CycleMultiplier compensates counters that under-count cycles;
	// zero or one means the counter is 1:1.
	CycleMultiplier uint64
	// MinimumPeriod is the shortest interval at which reevaluation is
	// meaningful for this hardware.
	MinimumPeriod time.Duration
}

// Driver is implemented by the platform performance state driver.
// BusyCycles returns the cumulative busy cycle counter of a processor;
// a momentarily torn read is tolerated and shows up as a counter that
// went backwards. SetPerformanceState receives AllProcessors as the
// processor index when the driver is not per-processor capable.
type Driver interface {
	States() []PerfState
	Capabilities() Capabilities
	BusyCycles(cpu int) uint64
	SetPerformanceState(cpu, index int) error
}

// Dispatcher queues a short non-blocking callback for execution in the
// context of the given processor.
type Dispatcher interface {
	Queue(cpu int, f func())
}

// Options configures a Governor.
type Options struct {
	// Processors is the number of processors governed (required).
	Processors int
	// Time is the monotonic time base; defaults to timebase.System().
	Time timebase.TimeBase
	// Dispatcher runs per-processor state changes; required for
	// per-processor capable drivers.
	Dispatcher Dispatcher
	// Period between reevaluations; raised to the driver's minimum
	// period, defaults to 100ms.
	Period time.Duration
}

type driverInfo struct {
	driver Driver
	states []PerfState
	caps   Capabilities
	mult   uint64
}

// Governor drives processor performance states from measured load.
type Governor struct {
	opts Options
	info atomic.Pointer[driverInfo]

	// pace rejects reevaluations arriving faster than the driver's
	// minimum period.
	pace *ratelimit.Bucket

	// changes counts successful state change calls.
	changes atomic.Uint64

	// mu guards everything below. It is never held across a driver
	// SetPerformanceState call.
	mu            sync.Mutex
	lastTime      uint64
	lastBusy      []uint64
	load          []uint64
	desired       []int
	current       []int
	currentGlobal int
	maxDesired    int
	changeRunning bool

	kick chan struct{}
	tomb tomb.Tomb
}

// NewGovernor creates a governor for the given processor count. The
// governor does nothing until a driver registers.
func NewGovernor(opts Options) (*Governor, error) {
	if opts.Processors <= 0 {
		return nil, fmt.Errorf("cannot create performance governor: no processors")
	}
	if opts.Time == nil {
		opts.Time = timebase.System()
	}
	g := &Governor{
		opts:     opts,
		lastBusy: make([]uint64, opts.Processors),
		load:     make([]uint64, opts.Processors),
		desired:  make([]int, opts.Processors),
		current:  make([]int, opts.Processors),
		kick:     make(chan struct{}, 1),
	}
	// Keep the tomb alive until Stop, independent of what is Go'd on it
	// later.
	g.tomb.Go(func() error {
		<-g.tomb.Dying()
		return nil
	})
	return g, nil
}

// RegisterDriver installs the performance state driver. Only one driver
// may ever register; a second registration fails with
// ErrAlreadyRegistered. The platform is assumed to start in state 0.
func (g *Governor) RegisterDriver(d Driver) error {
	if d == nil {
		return fmt.Errorf("cannot register performance state driver: driver is nil")
	}
	states := d.States()
	if len(states) == 0 {
		return fmt.Errorf("cannot register performance state driver: no performance states")
	}
	for i := 1; i < len(states); i++ {
		if states[i].Weight <= states[i-1].Weight {
			return fmt.Errorf("cannot register performance state driver: state %d does not have ascending weight", i)
		}
		if states[i].Frequency <= states[i-1].Frequency {
			return fmt.Errorf("cannot register performance state driver: state %d does not have ascending frequency", i)
		}
	}
	caps := d.Capabilities()
	if caps.ConstantCycleRate && caps.CycleRate == 0 {
		return fmt.Errorf("cannot register performance state driver: constant cycle rate of zero")
	}
	if caps.PerProcessor && g.opts.Dispatcher == nil {
		return fmt.Errorf("cannot register performance state driver: per-processor driver needs a dispatcher")
	}
	mult := caps.CycleMultiplier
	if mult == 0 {
		mult = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.info.Load() != nil {
		return ErrAlreadyRegistered
	}
	if caps.MinimumPeriod > 0 {
		g.pace = ratelimit.NewBucket(caps.MinimumPeriod, 1)
	}
	g.lastTime = g.opts.Time.Now()
	info := &driverInfo{driver: d, states: states, caps: caps, mult: mult}
	g.info.Store(info)
	if !caps.PerProcessor {
		g.tomb.Go(func() error {
			g.globalWorker(info)
			return nil
		})
	}
	return nil
}

// Start begins periodic reevaluation. Tests and embedders that drive
// the governor from their own timer can skip Start and call Reevaluate
// directly.
func (g *Governor) Start() error {
	di := g.info.Load()
	if di == nil {
		return fmt.Errorf("cannot start performance governor: no driver registered")
	}
	period := g.opts.Period
	if period < di.caps.MinimumPeriod {
		period = di.caps.MinimumPeriod
	}
	if period == 0 {
		period = defaultPeriod
	}
	g.tomb.Go(func() error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Reevaluate()
			case <-g.tomb.Dying():
				return nil
			}
		}
	})
	return nil
}

// Stop shuts the governor down, waiting for any in-flight global
// convergence loop to notice.
func (g *Governor) Stop() {
	g.tomb.Kill(nil)
	g.tomb.Wait()
}

// Reevaluate performs one sampling round: compute every processor's
// load over the elapsed interval, derive the desired states, and start
// a change propagation if one is needed and none is running. Calls
// arriving faster than the driver's minimum period are ignored.
func (g *Governor) Reevaluate() {
	di := g.info.Load()
	if di == nil {
		return
	}
	if g.pace != nil && g.pace.TakeAvailable(1) == 0 {
		return
	}

	now := g.opts.Time.Now()

	g.mu.Lock()
	prev := g.lastTime
	g.lastTime = now
	if now <= prev {
		// Zero interval or a clock regression; drop the round.
		g.mu.Unlock()
		return
	}
	interval := now - prev

	maxDesired := 0
	for cpu := range g.lastBusy {
		busy := di.driver.BusyCycles(cpu)
		last := g.lastBusy[cpu]
		g.lastBusy[cpu] = busy
		if busy < last {
			// Torn counter read; drop this sample rather than treating
			// it as an idle processor.
			if g.desired[cpu] > maxDesired {
				maxDesired = g.desired[cpu]
			}
			continue
		}
		delta := busy - last
		if !di.caps.ConstantCycleRate {
			delta = satMul(delta, di.mult)
		}

		timeCycles := di.timeCycles(interval, g.currentFor(cpu), g.opts.Time.Frequency())
		if timeCycles == 0 {
			continue
		}
		scale := di.states[len(di.states)-1].Weight
		load := satMul(delta, scale) / timeCycles
		g.load[cpu] = load
		g.desired[cpu] = desiredIndex(di.states, load)
		if g.desired[cpu] > maxDesired {
			maxDesired = g.desired[cpu]
		}
	}
	g.maxDesired = maxDesired

	if di.caps.PerProcessor {
		g.queueProcessorChanges(di)
		return
	}

	if g.maxDesired != g.currentGlobal && !g.changeRunning {
		g.changeRunning = true
		g.mu.Unlock()
		select {
		case g.kick <- struct{}{}:
		default:
		}
		return
	}
	g.mu.Unlock()
}

// currentFor returns the state index currently governing the cycle rate
// of a processor. Callers hold g.mu.
func (g *Governor) currentFor(cpu int) int {
	di := g.info.Load()
	if di != nil && !di.caps.PerProcessor {
		return g.currentGlobal
	}
	return g.current[cpu]
}

// queueProcessorChanges starts the per-processor change chain if any
// processor needs a different state and no chain is running. Called
// with g.mu held; releases it.
func (g *Governor) queueProcessorChanges(di *driverInfo) {
	first := g.nextChange(-1)
	if first == -1 || g.changeRunning {
		g.mu.Unlock()
		return
	}
	g.changeRunning = true
	g.mu.Unlock()
	g.opts.Dispatcher.Queue(first, func() { g.applyProcessor(di, first) })
}

// nextChange scans for the next processor after the given one (wrapping
// around, excluding it) whose desired state differs from its current
// state. Callers hold g.mu.
func (g *Governor) nextChange(after int) int {
	n := len(g.current)
	for i := 1; i <= n; i++ {
		cpu := (after + i) % n
		if after >= 0 && cpu == after {
			continue
		}
		if g.desired[cpu] != g.current[cpu] {
			return cpu
		}
	}
	return -1
}

// applyProcessor runs on the dispatcher in the context of one
// processor: apply the local state change, then hop to the next
// processor still needing one. The chain ends, clearing the running
// flag, only when a full scan finds nothing left to change.
func (g *Governor) applyProcessor(di *driverInfo, cpu int) {
	g.mu.Lock()
	desired := g.desired[cpu]
	current := g.current[cpu]
	g.mu.Unlock()

	if desired != current {
		err := di.driver.SetPerformanceState(cpu, desired)
		g.mu.Lock()
		if err != nil {
			logger.Noticef("PM: cannot set performance state %d on processor %d: %v", desired, cpu, err)
			// The hardware state is unknown-but-unchanged; stop asking
			// until the next reevaluation rather than retrying forever.
			g.desired[cpu] = current
		} else {
			g.current[cpu] = desired
			g.changes.Add(1)
		}
	} else {
		g.mu.Lock()
	}

	next := g.nextChange(cpu)
	if next == -1 {
		g.changeRunning = false
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.opts.Dispatcher.Queue(next, func() { g.applyProcessor(di, next) })
}

// globalWorker converges the single global performance state on the
// maximum desired index across all processors, rechecking after every
// change in case the desired state moved again mid-call.
func (g *Governor) globalWorker(di *driverInfo) {
	for {
		select {
		case <-g.kick:
		case <-g.tomb.Dying():
			return
		}
		for {
			g.mu.Lock()
			desired := g.maxDesired
			if desired == g.currentGlobal {
				g.changeRunning = false
				g.mu.Unlock()
				break
			}
			g.mu.Unlock()

			err := di.driver.SetPerformanceState(AllProcessors, desired)

			g.mu.Lock()
			if err != nil {
				logger.Noticef("PM: cannot set performance state %d: %v", desired, err)
				g.changeRunning = false
				g.mu.Unlock()
				break
			}
			g.currentGlobal = desired
			g.changes.Add(1)
			g.mu.Unlock()
		}
	}
}

// desiredIndex maps a load to the first state whose cumulative weight
// exceeds it, clamped to the deepest state.
func desiredIndex(states []PerfState, load uint64) int {
	for i, st := range states {
		if st.Weight > load {
			return i
		}
	}
	return len(states) - 1
}

// timeCycles converts an elapsed time base interval into busy counter
// cycles, at the constant counter rate or the current state's
// frequency.
func (di *driverInfo) timeCycles(interval uint64, current int, tbFreq uint64) uint64 {
	rate := di.caps.CycleRate
	if !di.caps.ConstantCycleRate {
		rate = di.states[current].Frequency
	}
	return satMul(interval, rate) / tbFreq
}

// satMul multiplies without wrapping; an overflowing product saturates.
// Sampling intervals can get arbitrarily long if the machine was
// suspended, so the load arithmetic must not wrap around.
func satMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	p := a * b
	if p/b != a {
		return math.MaxUint64
	}
	return p
}

// ProcessorFreq is a point-in-time description of one processor's
// performance governance.
type ProcessorFreq struct {
	Processor int    `json:"processor"`
	Current   int    `json:"current-state"`
	Desired   int    `json:"desired-state"`
	Load      uint64 `json:"load"`
}

// Snapshot describes the governor's current view, as exposed over the
// introspection API.
type Snapshot struct {
	States       []PerfState     `json:"states,omitempty"`
	PerProcessor bool            `json:"per-processor"`
	Changes      uint64          `json:"state-changes"`
	Processors   []ProcessorFreq `json:"processors"`
}

// Stats snapshots the governor state.
func (g *Governor) Stats() Snapshot {
	snap := Snapshot{Changes: g.changes.Load()}
	di := g.info.Load()
	if di != nil {
		snap.States = di.states
		snap.PerProcessor = di.caps.PerProcessor
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for cpu := range g.current {
		current := g.current[cpu]
		desired := g.desired[cpu]
		if di != nil && !di.caps.PerProcessor {
			current = g.currentGlobal
			desired = g.maxDesired
		}
		snap.Processors = append(snap.Processors, ProcessorFreq{
			Processor: cpu,
			Current:   current,
			Desired:   desired,
			Load:      g.load[cpu],
		})
	}
	return snap
}
