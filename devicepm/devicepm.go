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

// Package devicepm implements generic runtime power management for a
// tree of devices.
//
// Every device moves between the Active, Idle, Suspended and Removed
// states, with Transitioning covering the window in which a state
// change request is queued or in flight. Reference counts keep a device
// active while anyone needs it; the parent/child dependency is tracked
// through per-device active children counts, so a parent stays awake
// while any of its children is active. Releasing the last reference
// arms a deferred idle timer whose deadline coalesces across rapid
// add/release flaps.
//
// State transitions themselves execute on a per-device serialized work
// queue supplied by the caller; reference counts may change from any
// goroutine, including ones that must not block.
package devicepm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helioslabs/powercore/deferwork"
	"github.com/helioslabs/powercore/pmhistory"
	"github.com/helioslabs/powercore/timebase"
)

// Default delay before a device with no power references is sent an
// idle request.
const initialIdleDelay = 1 * time.Second

// Number of data points of device idle history to keep, expressed as a
// bit shift.
const deviceHistoryShift = 5

// State is a device power management state.
type State int

const (
	// Suspended devices are powered down and holding no position in
	// the dependency graph.
	Suspended State = iota
	// Idle devices are powered down but may need to wake quickly.
	Idle
	// Active devices are fully powered.
	Active
	// Transitioning devices have a state change queued or in flight.
	Transitioning
	// Removed is terminal; the device has left the system.
	Removed
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Transitioning:
		return "transitioning"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Request identifies the pending transition of a device that is in the
// Transitioning state.
type Request int

const (
	RequestNone Request = iota
	RequestIdle
	RequestSuspend
	RequestResume
	// RequestMarkActive brings the device to Active without delivering
	// a resume request to its driver stack, to clear an error state.
	RequestMarkActive
)

func (r Request) String() string {
	switch r {
	case RequestNone:
		return "none"
	case RequestIdle:
		return "idle"
	case RequestSuspend:
		return "suspend"
	case RequestResume:
		return "resume"
	case RequestMarkActive:
		return "mark-active"
	}
	return fmt.Sprintf("Request(%d)", int(r))
}

// PowerRequest selects the synchronous request delivered to a device's
// driver stack.
type PowerRequest int

const (
	PowerResume PowerRequest = iota
	PowerIdle
	PowerSuspend
)

func (p PowerRequest) String() string {
	switch p {
	case PowerResume:
		return "resume"
	case PowerIdle:
		return "idle"
	case PowerSuspend:
		return "suspend"
	}
	return fmt.Sprintf("PowerRequest(%d)", int(p))
}

// Transport delivers a synchronous power state change request to a
// device's driver stack. For idle requests, expectedIdle carries the
// predicted idle duration in time base ticks; it is zero otherwise.
// Send may block; it is only ever called from the device's serialized
// worker.
type Transport interface {
	SendPowerRequest(device *Device, request PowerRequest, expectedIdle uint64) error
}

// WorkQueue runs callbacks with per-key FIFO ordering and at most one
// concurrently executing callback per key.
type WorkQueue interface {
	Enqueue(key string, f func()) error
}

var (
	// ErrRemoved is returned for operations on a removed device.
	ErrRemoved = errors.New("device has been removed")
	// ErrNotReady is returned when a device failed to reach the active
	// state.
	ErrNotReady = errors.New("device did not become active")
	// ErrNoPowerState is returned when power management was never
	// initialized for the device.
	ErrNoPowerState = errors.New("device power management is not initialized")
)

// Options configures a power Manager.
type Options struct {
	// Transport delivers synchronous power requests (required).
	Transport Transport
	// Queue is the per-device serialized work queue (required).
	Queue WorkQueue
	// Time is the monotonic time base; defaults to timebase.System().
	Time timebase.TimeBase
	// IdleDelay is how long a device must sit unreferenced before an
	// idle request is sent; defaults to one second.
	IdleDelay time.Duration
	// DebugTransitions logs every power transition.
	DebugTransitions bool
}

// Manager owns the power management state of a device tree. It is
// constructed explicitly and passed around by handle so that tests can
// run independent instances side by side.
type Manager struct {
	opts           Options
	idleDelayTicks uint64

	mu      sync.Mutex
	devices map[string]*Device
}

// NewManager creates a power manager for one device tree.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("cannot create power manager: no transport")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("cannot create power manager: no work queue")
	}
	if opts.Time == nil {
		opts.Time = timebase.System()
	}
	if opts.IdleDelay == 0 {
		opts.IdleDelay = initialIdleDelay
	}
	return &Manager{
		opts:           opts,
		idleDelayTicks: timebase.DurationToTicks(opts.Time, opts.IdleDelay),
		devices:        make(map[string]*Device),
	}, nil
}

// Device is one node in the device tree. Its power state is created
// lazily by InitializePower and torn down by DestroyPower.
type Device struct {
	m      *Manager
	name   string
	parent *Device
	power  atomic.Pointer[powerState]
}

// powerState holds the power management bookkeeping of one device.
//
// referenceCount, activeChildren, timerQueued and idleDeadline are
// lock-free atomics that interrupt-style callers may touch from any
// goroutine; state, previousState, request and transitionTime are
// guarded by lock, held across the whole read-decide-write sequence of
// a transition.
type powerState struct {
	lock          sync.Mutex
	state         State
	previousState State
	request       Request
	// transitionTime is when the device last entered its current
	// settled state, used to compute idle durations.
	transitionTime uint64

	referenceCount atomic.Int64
	activeChildren atomic.Int64
	timerQueued    atomic.Bool
	idleDeadline   atomic.Uint64
	idleDelay      uint64

	active  *event
	chain   *deferwork.Chain
	history *pmhistory.History
}

func (ps *powerState) currentState() State {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.state
}

func (ps *powerState) snapshot() (State, Request) {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.state, ps.request
}

// NewDevice registers a device in the tree. The parent may be nil for a
// root device and must belong to the same manager otherwise.
func (m *Manager) NewDevice(name string, parent *Device) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("cannot create device: empty name")
	}
	if parent != nil && parent.m != m {
		return nil, fmt.Errorf("cannot create device %q: parent belongs to a different manager", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[name]; ok {
		return nil, fmt.Errorf("cannot create device %q: already registered", name)
	}
	d := &Device{m: m, name: name, parent: parent}
	m.devices[name] = d
	return d, nil
}

// Device returns the registered device with the given name, or nil.
func (m *Manager) Device(name string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[name]
}

// InitializePower prepares the device for power management calls. It is
// a no-op if the device is already initialized.
func (m *Manager) InitializePower(d *Device) error {
	if d.power.Load() != nil {
		return nil
	}
	ps := &powerState{
		state:     Suspended,
		idleDelay: m.idleDelayTicks,
		history:   pmhistory.New(deviceHistoryShift),
		active:    newEvent(),
	}
	ps.chain = deferwork.NewChain(m.opts.Time, func() { m.deviceIdleWork(d) })
	if !d.power.CompareAndSwap(nil, ps) {
		// Lost a racing initialization; drop our half-built state.
		ps.chain.Stop()
	}
	return nil
}

// DestroyPower tears down the power management state of a device. It
// cancels and flushes the idle timer chain before dropping the state,
// so no callback can be left running against freed bookkeeping.
func (m *Manager) DestroyPower(d *Device) {
	ps := d.power.Swap(nil)
	if ps == nil {
		return
	}
	ps.chain.Stop()
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Parent returns the device's parent, or nil for a root device.
func (d *Device) Parent() *Device { return d.parent }

// State returns the device's power state. The second return value is
// false if power management was never initialized for the device.
func (d *Device) State() (State, bool) {
	ps := d.power.Load()
	if ps == nil {
		return Suspended, false
	}
	return ps.currentState(), true
}

// ReferenceCount returns the number of outstanding power references.
func (d *Device) ReferenceCount() int64 {
	ps := d.power.Load()
	if ps == nil {
		return 0
	}
	return ps.referenceCount.Load()
}

// ActiveChildren returns the device's active children count, including
// its own hold once it holds a nonzero reference count.
func (d *Device) ActiveChildren() int64 {
	ps := d.power.Load()
	if ps == nil {
		return 0
	}
	return ps.activeChildren.Load()
}

// DeviceInfo is a point-in-time description of one device, as exposed
// over the introspection API.
type DeviceInfo struct {
	Name           string `json:"name"`
	Parent         string `json:"parent,omitempty"`
	State          string `json:"state"`
	ReferenceCount int64  `json:"reference-count"`
	ActiveChildren int64  `json:"active-children"`
	IdleEstimate   uint64 `json:"idle-estimate"`
}

// Snapshot describes every registered device, sorted by name.
func (m *Manager) Snapshot() []DeviceInfo {
	m.mu.Lock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()
	sort.Slice(devices, func(i, j int) bool { return devices[i].name < devices[j].name })

	infos := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info := DeviceInfo{Name: d.name}
		if d.parent != nil {
			info.Parent = d.parent.name
		}
		if ps := d.power.Load(); ps != nil {
			ps.lock.Lock()
			info.State = ps.state.String()
			info.IdleEstimate = ps.history.Average()
			ps.lock.Unlock()
			info.ReferenceCount = ps.referenceCount.Load()
			info.ActiveChildren = ps.activeChildren.Load()
		} else {
			info.State = "uninitialized"
		}
		infos = append(infos, info)
	}
	return infos
}
