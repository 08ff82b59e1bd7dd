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

package powercore_test

import (
	"sync"
	"testing"
	"time"

	. "gopkg.in/check.v1"
	"gopkg.in/retry.v1"

	"github.com/helioslabs/powercore"
	"github.com/helioslabs/powercore/cpufreq"
	"github.com/helioslabs/powercore/cpuidle"
	"github.com/helioslabs/powercore/devicepm"
	"github.com/helioslabs/powercore/pmconfig"
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

// okTransport acknowledges every power request.
type okTransport struct {
	mu   sync.Mutex
	sent []devicepm.PowerRequest
}

func (t *okTransport) SendPowerRequest(d *devicepm.Device, request devicepm.PowerRequest, expected uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, request)
	return nil
}

func (t *okTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type idleDriver struct{}

func (idleDriver) States() []cpuidle.IdleState {
	return []cpuidle.IdleState{{Name: "c1", TargetResidency: 10, ExitLatency: 2}}
}

func (idleDriver) Enter(cpu, index int) (int, error) { return index, nil }

type freqDriver struct{}

func (freqDriver) States() []cpufreq.PerfState {
	return []cpufreq.PerfState{{Frequency: 100, Weight: 50}, {Frequency: 1000, Weight: 100}}
}

func (freqDriver) Capabilities() cpufreq.Capabilities {
	return cpufreq.Capabilities{ConstantCycleRate: true, CycleRate: 1000}
}

func (freqDriver) BusyCycles(cpu int) uint64           { return 0 }
func (freqDriver) SetPerformanceState(cpu, i int) error { return nil }

type powercoreSuite struct {
	tb            *timebase.Manual
	transport     *okTransport
	restoreTimers func()
}

var _ = Suite(&powercoreSuite{})

func (s *powercoreSuite) SetUpTest(c *C) {
	s.tb = timebase.NewManual(1000)
	s.transport = &okTransport{}
	s.restoreTimers = timebase.MockTimers()
}

func (s *powercoreSuite) TearDownTest(c *C) {
	s.restoreTimers()
	timebase.ResetMockedTimers()
}

func (s *powercoreSuite) subsystem(c *C) *powercore.Subsystem {
	sub, err := powercore.New(powercore.Options{
		Policy:     pmconfig.Policy{IdleDelay: time.Second},
		Processors: 2,
		Transport:  s.transport,
		Time:       s.tb,
	})
	c.Assert(err, IsNil)
	return sub
}

func (s *powercoreSuite) TestNewValidation(c *C) {
	_, err := powercore.New(powercore.Options{})
	c.Check(err, ErrorMatches, "cannot create power manager: no transport")
}

func (s *powercoreSuite) TestDeviceLifecycle(c *C) {
	sub := s.subsystem(c)
	defer sub.Stop()

	bus, err := sub.Devices.NewDevice("bus0", nil)
	c.Assert(err, IsNil)
	disk, err := sub.Devices.NewDevice("disk0", bus)
	c.Assert(err, IsNil)
	c.Assert(sub.Devices.InitializePower(bus), IsNil)
	c.Assert(sub.Devices.InitializePower(disk), IsNil)

	// transitions run through the real work queue here
	c.Assert(sub.Devices.AddReference(disk), IsNil)
	st, ok := disk.State()
	c.Assert(ok, Equals, true)
	c.Check(st, Equals, devicepm.Active)
	st, _ = bus.State()
	c.Check(st, Equals, devicepm.Active)

	c.Assert(sub.Devices.ReleaseReference(disk), IsNil)
	s.tb.Advance(1000)
	timers := timebase.MockedTimers()
	c.Assert(timers, HasLen, 1)
	c.Assert(timers[0].Fire(), IsNil)

	waitFor(c, func() bool {
		st, _ := disk.State()
		return st == devicepm.Idle
	})
	waitFor(c, func() bool { return bus.ReferenceCount() == 0 })
}

func (s *powercoreSuite) TestDriverRegistration(c *C) {
	sub := s.subsystem(c)
	defer sub.Stop()

	c.Assert(sub.RegisterIdleStateDriver(idleDriver{}), IsNil)
	c.Check(sub.RegisterIdleStateDriver(idleDriver{}), Equals, cpuidle.ErrAlreadyRegistered)

	c.Assert(sub.RegisterPerformanceStateDriver(freqDriver{}), IsNil)
	c.Check(sub.RegisterPerformanceStateDriver(freqDriver{}), Equals, cpufreq.ErrAlreadyRegistered)
}

func (s *powercoreSuite) TestPolicyWiring(c *C) {
	sub, err := powercore.New(powercore.Options{
		Policy: pmconfig.Policy{
			CStatesDisabled: true,
		},
		Processors: 1,
		Transport:  s.transport,
		Time:       s.tb,
	})
	c.Assert(err, IsNil)
	defer sub.Stop()

	c.Assert(sub.RegisterIdleStateDriver(idleDriver{}), IsNil)
	// disabled C-states degrade OnIdle to the halt path
	sub.Idle.OnIdle(0)
	stats := sub.Idle.Stats()[0]
	c.Check(stats.States[0].Name, Equals, "halt")
	c.Check(stats.States[0].EntryCount, Equals, uint64(1))
	c.Check(stats.States[1].EntryCount, Equals, uint64(0))
}
