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

// Package daemon exposes a read-only introspection API over the power
// management subsystem.
package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/tomb.v2"

	"github.com/helioslabs/powercore/cpufreq"
	"github.com/helioslabs/powercore/cpuidle"
	"github.com/helioslabs/powercore/devicepm"
	"github.com/helioslabs/powercore/logger"
	"github.com/helioslabs/powercore/pmstats"
)

// Backend is the set of subsystem components the daemon reports on.
type Backend struct {
	Devices *devicepm.Manager
	Idle    *cpuidle.Selector
	Freq    *cpufreq.Governor
	// Stats, when set, receives a statistics snapshot on shutdown.
	Stats *pmstats.Store
}

// Daemon serves the introspection API.
type Daemon struct {
	backend  Backend
	router   *mux.Router
	listener net.Listener
	server   *http.Server

	tomb tomb.Tomb
}

// New creates a daemon for the given backend.
func New(backend Backend) *Daemon {
	d := &Daemon{backend: backend}
	d.addRoutes()
	return d
}

// Router returns the daemon's handler, for serving and for tests.
func (d *Daemon) Router() http.Handler {
	return d.router
}

// Start begins serving on the given address.
func (d *Daemon) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	d.listener = listener
	d.server = &http.Server{Handler: d.router}
	d.tomb.Go(func() error {
		err := d.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	logger.Debugf("daemon listening on %s", listener.Addr())
	return nil
}

// Addr returns the address the daemon is serving on.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop shuts the daemon down and persists a final statistics snapshot
// if a stats store was configured.
func (d *Daemon) Stop() error {
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	d.tomb.Kill(nil)
	if d.server != nil {
		if err := d.tomb.Wait(); err != nil {
			return err
		}
	}
	return d.persistStats()
}

func (d *Daemon) persistStats() error {
	if d.backend.Stats == nil {
		return nil
	}
	if d.backend.Idle != nil {
		if err := d.backend.Stats.SaveIdleStats(d.backend.Idle.Stats()); err != nil {
			return err
		}
	}
	if d.backend.Freq != nil {
		if err := d.backend.Stats.SaveFreqStats(d.backend.Freq.Stats()); err != nil {
			return err
		}
	}
	return nil
}
