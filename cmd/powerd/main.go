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

// powerd hosts the power management subsystem with a loopback device
// transport and serves its introspection API.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/helioslabs/powercore"
	"github.com/helioslabs/powercore/daemon"
	"github.com/helioslabs/powercore/devicepm"
	"github.com/helioslabs/powercore/logger"
	"github.com/helioslabs/powercore/pmconfig"
	"github.com/helioslabs/powercore/pmstats"
)

type options struct {
	Config string `long:"config" description:"power policy file" value-name:"<path>"`
	Listen string `long:"listen" description:"address to serve the introspection API on" default:"localhost:9552"`
	Debug  bool   `long:"debug" description:"enable verbose logging"`
}

// loopbackTransport acknowledges every device power request. Real
// deployments plug in a transport that talks to their driver stack.
type loopbackTransport struct{}

func (loopbackTransport) SendPowerRequest(d *devicepm.Device, request devicepm.PowerRequest, expected uint64) error {
	logger.Debugf("loopback power request %s for %s", request, d.Name())
	return nil
}

func run() error {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, e.Message)
			return nil
		}
		return err
	}
	if opts.Debug {
		os.Setenv("POWERCORE_DEBUG", "1")
	}
	logger.SimpleSetup()

	policy := pmconfig.Policy{}
	if opts.Config != "" {
		p, err := pmconfig.ReadPolicy(opts.Config)
		if err != nil {
			return err
		}
		policy = *p
	}

	sub, err := powercore.New(powercore.Options{
		Policy:    policy,
		Transport: loopbackTransport{},
	})
	if err != nil {
		return err
	}
	defer sub.Stop()

	backend := daemon.Backend{Devices: sub.Devices, Idle: sub.Idle, Freq: sub.Freq}
	if policy.StatsPath != "" {
		store, err := pmstats.Open(policy.StatsPath)
		if err != nil {
			return err
		}
		defer store.Close()
		backend.Stats = store
	}

	d := daemon.New(backend)
	if err := d.Start(opts.Listen); err != nil {
		return err
	}
	logger.Noticef("powerd serving on %s", d.Addr())

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	return d.Stop()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
