// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package control holds the gateway's process-wide shared state: the
// running flag every worker loop observes at its suspension points, the
// stored log-level threshold, and read-only access to the serial and network
// managers for status consumers such as an administrative interface.
package control

import (
	"log/slog"
	"sync/atomic"

	"github.com/openfieldbus/serial-gateway/internal/config"
	"github.com/openfieldbus/serial-gateway/internal/netmgr"
	"github.com/openfieldbus/serial-gateway/internal/uartmgr"
)

// Root is the single shared handle passed to every worker at construction:
// the running flag, the live log level, and the two managers, all in one
// value workers borrow rather than own.
type Root struct {
	running  atomic.Bool
	logLevel atomic.Int32

	Uarts *uartmgr.Manager
	Net   *netmgr.Manager
}

// NewRoot builds a Root over already-constructed managers, running.
func NewRoot(uarts *uartmgr.Manager, net *netmgr.Manager, level slog.Level) *Root {
	r := &Root{Uarts: uarts, Net: net}
	r.running.Store(true)
	r.logLevel.Store(int32(level))
	return r
}

// Running reports the shared running flag; every worker loop checks this
// at each suspension point and exits on its next iteration boundary once
// it flips false.
func (r *Root) Running() bool { return r.running.Load() }

// Stop flips the running flag false, signaling every worker to wind down.
func (r *Root) Stop() { r.running.Store(false) }

// LogLevel returns the current filter threshold.
func (r *Root) LogLevel() slog.Level { return slog.Level(r.logLevel.Load()) }

// SetLogLevel updates the stored filter threshold. The process's slog
// handler takes its level once at startup and does not read this value, so
// changing it does not change which records are logged.
func (r *Root) SetLogLevel(level slog.Level) { r.logLevel.Store(int32(level)) }

// UartStatus is a read-only snapshot of one serial slot, safe to hand to a
// status consumer outside the core (e.g. an admin REPL).
type UartStatus = uartmgr.Status

// NetSlotStatus is a read-only snapshot of one network client slot.
type NetSlotStatus = netmgr.SlotStatus

// UartStatuses returns a snapshot of every serial slot whose device is
// currently open; configured but closed slots are not included.
func (r *Root) UartStatuses() []UartStatus {
	out := make([]UartStatus, 0, config.MaxUart)
	for i := 0; i < config.MaxUart; i++ {
		if r.Uarts.Enabled(i) {
			out = append(out, r.Uarts.GetStatus(i))
		}
	}
	return out
}

// NetStatuses returns a snapshot of every network client slot.
func (r *Root) NetStatuses() []NetSlotStatus {
	n := r.Net.NumSlots()
	out := make([]NetSlotStatus, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.Net.SlotStatus(i))
	}
	return out
}
