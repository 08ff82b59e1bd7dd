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

package daemon

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (d *Daemon) addRoutes() {
	d.router = mux.NewRouter()
	d.router.HandleFunc("/v1/devices", d.serveResponse(d.getDevices)).Methods("GET")
	d.router.HandleFunc("/v1/devices/{name}", d.serveResponse(d.getDevice)).Methods("GET")
	d.router.HandleFunc("/v1/cpu/idle", d.serveResponse(d.getCPUIdle)).Methods("GET")
	d.router.HandleFunc("/v1/cpu/freq", d.serveResponse(d.getCPUFreq)).Methods("GET")
	d.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NotFound("not found").ServeHTTP(w, r)
	})
}

func (d *Daemon) serveResponse(f func(r *http.Request) Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f(r).ServeHTTP(w, r)
	}
}

func (d *Daemon) getDevices(r *http.Request) Response {
	return SyncResponse(d.backend.Devices.Snapshot())
}

func (d *Daemon) getDevice(r *http.Request) Response {
	name := mux.Vars(r)["name"]
	for _, info := range d.backend.Devices.Snapshot() {
		if info.Name == name {
			return SyncResponse(info)
		}
	}
	return NotFound("cannot find device %q", name)
}

func (d *Daemon) getCPUIdle(r *http.Request) Response {
	return SyncResponse(d.backend.Idle.Stats())
}

func (d *Daemon) getCPUFreq(r *http.Request) Response {
	return SyncResponse(d.backend.Freq.Stats())
}
