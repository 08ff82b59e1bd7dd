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

// Package pmconfig reads the power management policy file.
package pmconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the validated power management policy.
type Policy struct {
	// IdleDelay is how long a device sits unreferenced before it is
	// sent idle; zero means the built-in default.
	IdleDelay time.Duration
	// DebugTransitions logs every device power transition.
	DebugTransitions bool
	// CStatesDisabled forces the processor idle path to plain halt.
	CStatesDisabled bool
	// HaltDisabled makes the halt path spin, for wakeup debugging.
	HaltDisabled bool
	// GovernorPeriod is the performance governor's reevaluation period;
	// zero means the driver's minimum.
	GovernorPeriod time.Duration
	// StatsPath is where cumulative statistics are persisted; empty
	// disables persistence.
	StatsPath string
}

type policyYAML struct {
	IdleDelay        string `yaml:"idle-delay"`
	DebugTransitions bool   `yaml:"debug-transitions"`
	CStatesDisabled  bool   `yaml:"cstates-disabled"`
	HaltDisabled     bool   `yaml:"halt-disabled"`
	GovernorPeriod   string `yaml:"governor-period-min"`
	StatsPath        string `yaml:"stats-path"`
}

// ReadPolicy reads and validates the policy file at path.
func ReadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read power policy: %v", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses and validates policy yaml.
func ParsePolicy(data []byte) (*Policy, error) {
	var y policyYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("cannot parse power policy: %v", err)
	}
	policy := &Policy{
		DebugTransitions: y.DebugTransitions,
		CStatesDisabled:  y.CStatesDisabled,
		HaltDisabled:     y.HaltDisabled,
		StatsPath:        y.StatsPath,
	}
	var err error
	if policy.IdleDelay, err = parseDuration("idle-delay", y.IdleDelay); err != nil {
		return nil, err
	}
	if policy.GovernorPeriod, err = parseDuration("governor-period-min", y.GovernorPeriod); err != nil {
		return nil, err
	}
	return policy, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("cannot parse power policy: invalid %s %q: %v", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("cannot parse power policy: %s must not be negative", key)
	}
	return d, nil
}
