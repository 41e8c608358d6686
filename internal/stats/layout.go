// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package stats

import (
	"encoding/binary"

	"github.com/openfieldbus/serial-gateway/internal/config"
)

// On-disk layout shared by FileStore and MmapStore: three fixed-size
// arrays of little-endian uint64 counters, one per UART slot.
//
// Layout:
//   - RxBytes:  8 * MaxUart bytes (offset 0)
//   - TxBytes:  8 * MaxUart bytes (offset arraySize)
//   - ErrCount: 8 * MaxUart bytes (offset 2*arraySize)
const (
	arraySize = 8 * config.MaxUart

	offsetRxBytes  = 0
	offsetTxBytes  = offsetRxBytes + arraySize
	offsetErrCount = offsetTxBytes + arraySize

	totalSize = offsetErrCount + arraySize
)

// encodeSnapshot writes snap into buf, which must be at least totalSize
// bytes.
func encodeSnapshot(buf []byte, snap *Snapshot) {
	for i := 0; i < config.MaxUart; i++ {
		binary.LittleEndian.PutUint64(buf[offsetRxBytes+i*8:], snap.UartRxBytes[i])
		binary.LittleEndian.PutUint64(buf[offsetTxBytes+i*8:], snap.UartTxBytes[i])
		binary.LittleEndian.PutUint64(buf[offsetErrCount+i*8:], snap.UartErrCount[i])
	}
}

// decodeSnapshot reads a Snapshot out of buf, which must be at least
// totalSize bytes.
func decodeSnapshot(buf []byte) *Snapshot {
	var snap Snapshot
	for i := 0; i < config.MaxUart; i++ {
		snap.UartRxBytes[i] = binary.LittleEndian.Uint64(buf[offsetRxBytes+i*8:])
		snap.UartTxBytes[i] = binary.LittleEndian.Uint64(buf[offsetTxBytes+i*8:])
		snap.UartErrCount[i] = binary.LittleEndian.Uint64(buf[offsetErrCount+i*8:])
	}
	return &snap
}
