// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package stats persists the gateway's cumulative per-UART counters
// (rx_bytes, tx_bytes, err_count — never queued traffic, which the system
// never persists) across restarts, through a pluggable Store backend
// selected by configuration: memory, file, or mmap.
package stats

import (
	"log/slog"
	"time"

	"github.com/openfieldbus/serial-gateway/internal/config"
	"github.com/openfieldbus/serial-gateway/internal/uartmgr"
)

// SnapshotInterval is how often the background ticker persists a fresh
// Snapshot while the gateway runs.
const SnapshotInterval = 30 * time.Second

// Snapshot is a point-in-time copy of every UART slot's cumulative
// counters, independent of any Store backend's on-disk representation.
type Snapshot struct {
	UartRxBytes  [config.MaxUart]uint64
	UartTxBytes  [config.MaxUart]uint64
	UartErrCount [config.MaxUart]uint64
}

// Store is the pluggable statistics-persistence backend.
type Store interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
	Close() error
}

// BuildSnapshot reads a fresh Snapshot from uarts's live counters.
func BuildSnapshot(uarts *uartmgr.Manager) *Snapshot {
	var s Snapshot
	for i := 0; i < config.MaxUart; i++ {
		st := uarts.GetStatus(i)
		s.UartRxBytes[i] = st.RxBytes
		s.UartTxBytes[i] = st.TxBytes
		s.UartErrCount[i] = st.ErrCount
	}
	return &s
}

// Seed restores snap's counters into uarts, for use at startup before the
// serial event loop begins draining devices.
func Seed(uarts *uartmgr.Manager, snap *Snapshot) {
	for i := 0; i < config.MaxUart; i++ {
		uarts.SeedCounters(i, snap.UartRxBytes[i], snap.UartTxBytes[i], snap.UartErrCount[i])
	}
}

// Open constructs the Store named by backend ("memory", "file", "mmap"),
// rooted at path for the file-backed kinds. An unrecognized backend name
// falls back to memory.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(path)
	case "mmap":
		return NewMmapStore(path)
	default:
		if backend != "" && backend != "memory" {
			slog.Warn("stats: unknown backend, falling back to memory", "backend", backend)
		}
		return NewMemoryStore(), nil
	}
}

// pollInterval bounds how promptly RunTicker notices running has gone
// false, independent of SnapshotInterval.
const pollInterval = 1 * time.Second

// RunTicker persists a fresh snapshot every SnapshotInterval until running
// reports false, then persists once more before returning — the shutdown
// save the control surface joins last, after every counter-mutating worker
// has already stopped.
func RunTicker(running func() bool, uarts *uartmgr.Manager, store Store) {
	var elapsed time.Duration
	for running() {
		time.Sleep(pollInterval)
		elapsed += pollInterval
		if elapsed >= SnapshotInterval {
			elapsed = 0
			if err := store.Save(BuildSnapshot(uarts)); err != nil {
				slog.Warn("stats: periodic save failed", "err", err)
			}
		}
	}

	if err := store.Save(BuildSnapshot(uarts)); err != nil {
		slog.Warn("stats: final save failed", "err", err)
	}
}
