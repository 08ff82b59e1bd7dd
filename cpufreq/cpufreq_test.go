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

package cpufreq_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	. "gopkg.in/check.v1"
	"gopkg.in/retry.v1"

	"github.com/helioslabs/powercore/cpufreq"
	"github.com/helioslabs/powercore/logger"
	"github.com/helioslabs/powercore/timebase"
)

func Test(t *testing.T) { TestingT(t) }

var settleStrategy = retry.LimitTime(5*time.Second, retry.Exponential{
	Initial: time.Millisecond,
	Factor:  1.5,
})

func waitFor(c *C, pred func() bool) {
	for a := retry.Start(settleStrategy, nil); a.Next(); {
		if pred() {
			return
		}
	}
	c.Fatal("condition did not settle")
}

type setCall struct {
	cpu   int
	index int
}

type fakeFreqDriver struct {
	states []cpufreq.PerfState
	caps   cpufreq.Capabilities

	mu   sync.Mutex
	busy []uint64
	sets []setCall
	fail error
	// entered, when non-nil, is signaled when SetPerformanceState is
	// entered; block, when non-nil, is received before it completes.
	entered chan struct{}
	block   chan struct{}
}

func (d *fakeFreqDriver) States() []cpufreq.PerfState        { return d.states }
func (d *fakeFreqDriver) Capabilities() cpufreq.Capabilities { return d.caps }

func (d *fakeFreqDriver) BusyCycles(cpu int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy[cpu]
}

func (d *fakeFreqDriver) SetPerformanceState(cpu, index int) error {
	d.mu.Lock()
	entered, block := d.entered, d.block
	d.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets = append(d.sets, setCall{cpu, index})
	return d.fail
}

func (d *fakeFreqDriver) setBusy(cpu int, busy uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy[cpu] = busy
}

func (d *fakeFreqDriver) addBusy(cpu int, delta uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy[cpu] += delta
}

func (d *fakeFreqDriver) setCalls() []setCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]setCall(nil), d.sets...)
}

// inlineDispatcher runs queued callbacks immediately, recording the
// processors they were queued on.
type inlineDispatcher struct {
	calls []int
}

func (d *inlineDispatcher) Queue(cpu int, f func()) {
	d.calls = append(d.calls, cpu)
	f()
}

type cpufreqSuite struct {
	tb         *timebase.Manual
	dispatcher *inlineDispatcher
	logbuf     *bytes.Buffer
	restore    func()
}

var _ = Suite(&cpufreqSuite{})

func (s *cpufreqSuite) SetUpTest(c *C) {
	s.tb = timebase.NewManual(1000)
	s.dispatcher = &inlineDispatcher{}
	s.logbuf, s.restore = logger.MockLogger()
}

func (s *cpufreqSuite) TearDownTest(c *C) {
	s.restore()
}

func perProcessorCaps() cpufreq.Capabilities {
	return cpufreq.Capabilities{
		PerProcessor:      true,
		ConstantCycleRate: true,
		CycleRate:         1000,
	}
}

func (s *cpufreqSuite) driver(caps cpufreq.Capabilities, cpus int) *fakeFreqDriver {
	return &fakeFreqDriver{
		states: []cpufreq.PerfState{
			{Frequency: 100, Weight: 30},
			{Frequency: 500, Weight: 60},
			{Frequency: 1000, Weight: 100},
		},
		caps: caps,
		busy: make([]uint64, cpus),
	}
}

func (s *cpufreqSuite) governor(c *C, d *fakeFreqDriver, cpus int) *cpufreq.Governor {
	g, err := cpufreq.NewGovernor(cpufreq.Options{
		Processors: cpus,
		Time:       s.tb,
		Dispatcher: s.dispatcher,
	})
	c.Assert(err, IsNil)
	c.Assert(g.RegisterDriver(d), IsNil)
	return g
}

func (s *cpufreqSuite) TestNewGovernorValidation(c *C) {
	_, err := cpufreq.NewGovernor(cpufreq.Options{})
	c.Check(err, ErrorMatches, "cannot create performance governor: no processors")
}

func (s *cpufreqSuite) TestRegisterDriverValidation(c *C) {
	g, err := cpufreq.NewGovernor(cpufreq.Options{Processors: 1, Time: s.tb})
	c.Assert(err, IsNil)
	defer g.Stop()

	c.Check(g.RegisterDriver(nil), ErrorMatches,
		"cannot register performance state driver: driver is nil")
	c.Check(g.RegisterDriver(&fakeFreqDriver{}), ErrorMatches,
		"cannot register performance state driver: no performance states")

	bad := s.driver(perProcessorCaps(), 1)
	bad.states[1].Weight = 30
	c.Check(g.RegisterDriver(bad), ErrorMatches,
		"cannot register performance state driver: state 1 does not have ascending weight")

	// per-processor drivers need a dispatcher
	noDispatch := s.driver(perProcessorCaps(), 1)
	c.Check(g.RegisterDriver(noDispatch), ErrorMatches,
		"cannot register performance state driver: per-processor driver needs a dispatcher")
}

func (s *cpufreqSuite) TestRegisterDriverOnlyOnce(c *C) {
	d := s.driver(perProcessorCaps(), 1)
	g := s.governor(c, d, 1)
	defer g.Stop()
	c.Check(g.RegisterDriver(d), Equals, cpufreq.ErrAlreadyRegistered)
}

func (s *cpufreqSuite) TestStartRequiresDriver(c *C) {
	g, err := cpufreq.NewGovernor(cpufreq.Options{Processors: 1, Time: s.tb})
	c.Assert(err, IsNil)
	defer g.Stop()
	c.Check(g.Start(), ErrorMatches, "cannot start performance governor: no driver registered")
}

func (s *cpufreqSuite) TestThresholdMapping(c *C) {
	d := s.driver(perProcessorCaps(), 1)
	g := s.governor(c, d, 1)
	defer g.Stop()

	// 1s at 1000 cycles/s = 1000 time cycles; 450 busy cycles on the
	// 0..100 weight scale is a load of 45, below the second threshold
	s.tb.Advance(1000)
	d.setBusy(0, 450)
	g.Reevaluate()

	c.Check(d.setCalls(), DeepEquals, []setCall{{cpu: 0, index: 1}})
	snap := g.Stats()
	c.Check(snap.Processors[0].Load, Equals, uint64(45))
	c.Check(snap.Processors[0].Current, Equals, 1)
	c.Check(snap.Changes, Equals, uint64(1))
}

func (s *cpufreqSuite) TestLoadClampsToDeepest(c *C) {
	d := s.driver(perProcessorCaps(), 1)
	g := s.governor(c, d, 1)
	defer g.Stop()

	s.tb.Advance(1000)
	d.setBusy(0, 5000)
	g.Reevaluate()

	c.Check(d.setCalls(), DeepEquals, []setCall{{cpu: 0, index: 2}})
}

func (s *cpufreqSuite) TestTornReadSkipsProcessor(c *C) {
	d := s.driver(perProcessorCaps(), 1)
	g := s.governor(c, d, 1)
	defer g.Stop()

	s.tb.Advance(1000)
	d.setBusy(0, 450)
	g.Reevaluate()
	c.Assert(g.Stats().Processors[0].Current, Equals, 1)

	// the counter appears to go backwards: skip, don't treat as idle
	s.tb.Advance(1000)
	d.setBusy(0, 100)
	g.Reevaluate()
	snap := g.Stats()
	c.Check(snap.Processors[0].Current, Equals, 1)
	c.Check(snap.Processors[0].Load, Equals, uint64(45))

	// the next round uses the new counter baseline
	s.tb.Advance(1000)
	d.setBusy(0, 100+950)
	g.Reevaluate()
	c.Check(g.Stats().Processors[0].Current, Equals, 2)
}

func (s *cpufreqSuite) TestPerProcessorChainHopsCores(c *C) {
	d := s.driver(perProcessorCaps(), 3)
	g := s.governor(c, d, 3)
	defer g.Stop()

	s.tb.Advance(1000)
	d.setBusy(0, 450)
	d.setBusy(1, 50)
	d.setBusy(2, 990)
	g.Reevaluate()

	// one chain: started on cpu 0, hopped to cpu 2, cpu 1 needs nothing
	c.Check(s.dispatcher.calls, DeepEquals, []int{0, 2})
	c.Check(d.setCalls(), DeepEquals, []setCall{{cpu: 0, index: 1}, {cpu: 2, index: 2}})

	// the chain has ended: another round with new loads starts a new one
	s.tb.Advance(1000)
	d.addBusy(1, 700)
	d.addBusy(0, 450)
	d.addBusy(2, 990)
	g.Reevaluate()
	c.Check(d.setCalls(), DeepEquals, []setCall{
		{cpu: 0, index: 1}, {cpu: 2, index: 2}, {cpu: 1, index: 2},
	})
}

func (s *cpufreqSuite) TestFailedSetLeavesCurrentUnchanged(c *C) {
	d := s.driver(perProcessorCaps(), 1)
	g := s.governor(c, d, 1)
	defer g.Stop()
	d.fail = errors.New("SMI stole the write")

	s.tb.Advance(1000)
	d.setBusy(0, 450)
	g.Reevaluate()

	c.Check(d.setCalls(), HasLen, 1)
	c.Check(g.Stats().Processors[0].Current, Equals, 0)
	c.Check(g.Stats().Changes, Equals, uint64(0))
	c.Check(s.logbuf.String(), Matches,
		`(?s).*cannot set performance state 1 on processor 0.*`)

	// the chain terminated; the next round tries again
	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()
	s.tb.Advance(1000)
	d.addBusy(0, 450)
	g.Reevaluate()
	c.Check(g.Stats().Processors[0].Current, Equals, 1)
}

func (s *cpufreqSuite) TestNonConstantRateUsesCurrentFrequency(c *C) {
	caps := cpufreq.Capabilities{PerProcessor: true}
	d := s.driver(caps, 1)
	g := s.governor(c, d, 1)
	defer g.Stop()

	// at state 0 the counter runs at 100 cycles/s: 45 busy cycles over
	// 1s is a load of 45
	s.tb.Advance(1000)
	d.setBusy(0, 45)
	g.Reevaluate()
	c.Assert(g.Stats().Processors[0].Current, Equals, 1)

	// at state 1 the same busy rate is measured against 500 cycles/s,
	// so the load drops to 9 and the governor backs off
	s.tb.Advance(1000)
	d.addBusy(0, 45)
	g.Reevaluate()
	snap := g.Stats()
	c.Check(snap.Processors[0].Load, Equals, uint64(9))
	c.Check(snap.Processors[0].Current, Equals, 0)
}

func (s *cpufreqSuite) TestMultiplierSaturatesInsteadOfWrapping(c *C) {
	caps := cpufreq.Capabilities{PerProcessor: true, CycleMultiplier: 1 << 40}
	d := s.driver(caps, 1)
	g := s.governor(c, d, 1)
	defer g.Stop()

	s.tb.Advance(1000)
	d.setBusy(0, 1<<40)
	g.Reevaluate()

	// the product overflows; a wrapped multiply could land on a tiny
	// load, saturation pins the processor at the deepest state instead
	c.Check(g.Stats().Processors[0].Current, Equals, 2)
}

func (s *cpufreqSuite) TestGlobalModeConvergesOnMax(c *C) {
	caps := cpufreq.Capabilities{ConstantCycleRate: true, CycleRate: 1000}
	d := s.driver(caps, 2)
	g := s.governor(c, d, 2)
	defer g.Stop()

	s.tb.Advance(1000)
	d.setBusy(0, 450)
	d.setBusy(1, 990)
	g.Reevaluate()

	waitFor(c, func() bool {
		calls := d.setCalls()
		return len(calls) == 1 && calls[0] == setCall{cpu: cpufreq.AllProcessors, index: 2}
	})
	waitFor(c, func() bool { return g.Stats().Processors[0].Current == 2 })
	c.Check(g.Stats().Processors[1].Current, Equals, 2)
}

func (s *cpufreqSuite) TestGlobalWorkerRechecksAfterEachSet(c *C) {
	caps := cpufreq.Capabilities{ConstantCycleRate: true, CycleRate: 1000}
	d := s.driver(caps, 1)
	entered := make(chan struct{}, 2)
	block := make(chan struct{})
	d.entered = entered
	d.block = block
	g := s.governor(c, d, 1)
	defer g.Stop()

	s.tb.Advance(1000)
	d.setBusy(0, 450)
	g.Reevaluate()
	// the worker is stuck inside the set call for state 1; push the
	// desired state further while it is in flight
	<-entered
	s.tb.Advance(1000)
	d.addBusy(0, 990)
	g.Reevaluate()

	block <- struct{}{}
	<-entered
	block <- struct{}{}
	waitFor(c, func() bool {
		calls := d.setCalls()
		return len(calls) == 2 && calls[1].index == 2
	})
	c.Check(g.Stats().Processors[0].Current, Equals, 2)
}

func (s *cpufreqSuite) TestMinimumPeriodPacing(c *C) {
	caps := perProcessorCaps()
	caps.MinimumPeriod = time.Hour
	d := s.driver(caps, 1)
	g := s.governor(c, d, 1)
	defer g.Stop()

	s.tb.Advance(1000)
	d.setBusy(0, 450)
	g.Reevaluate()
	c.Assert(d.setCalls(), HasLen, 1)

	// a second reevaluation right away is ignored
	s.tb.Advance(1000)
	d.addBusy(0, 990)
	g.Reevaluate()
	c.Check(d.setCalls(), HasLen, 1)
	c.Check(g.Stats().Processors[0].Load, Equals, uint64(45))
}

func (s *cpufreqSuite) TestReevaluateWithoutDriver(c *C) {
	g, err := cpufreq.NewGovernor(cpufreq.Options{Processors: 1, Time: s.tb})
	c.Assert(err, IsNil)
	defer g.Stop()
	g.Reevaluate()
	c.Check(g.Stats().Processors[0].Current, Equals, 0)
}
