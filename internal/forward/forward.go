// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package forward wires the serial device manager and the network manager
// together through the Modbus codec: it shapes bytes read off a UART into
// an MBAP-prefixed message broadcast to every TCP client, and decodes
// inbound MBAP frames back into RTU writes routed by slave address.
package forward

import (
	"log/slog"
	"time"

	"github.com/openfieldbus/serial-gateway/internal/netmgr"
	"github.com/openfieldbus/serial-gateway/internal/uartmgr"
	"github.com/openfieldbus/serial-gateway/modbus"
)

// sweepInterval is the sleep between full fan-out passes over the network
// slot table, capping CPU under idle load.
const sweepInterval = 10 * time.Millisecond

// recvBufSize bounds a single inbound network read.
const recvBufSize = 512

// minModbusFrameLen is the shortest buffer shapeModbusEnabled can reshape:
// addr, func, crc_lo, crc_hi.
const minModbusFrameLen = 4

// Forwarder bridges a UartMgr and a NetMgr. It holds no state of its own;
// all routing decisions read live status from the two managers it was
// built with.
type Forwarder struct {
	uarts      *uartmgr.Manager
	net        *netmgr.Manager
	clientMode bool
}

// New builds a Forwarder over an already-constructed UartMgr and NetMgr.
// clientMode selects which network-side recv path RunNetworkToSerial polls:
// the per-slot server table, or the single outbound client connection.
func New(uarts *uartmgr.Manager, net *netmgr.Manager, clientMode bool) *Forwarder {
	return &Forwarder{uarts: uarts, net: net, clientMode: clientMode}
}

// OnSerialData is the UartMgr.Run callback for the serial -> network
// direction: it shapes data read from uart idx per its modbus_enable
// setting and broadcasts the result to every connected TCP client (or, in
// client mode, sends it up the single outbound connection).
func (f *Forwarder) OnSerialData(idx int, data []byte) {
	st := f.uarts.GetStatus(idx)

	var out []byte
	if st.Config.ModbusEnable {
		var ok bool
		out, ok = shapeModbusEnabled(idx, data)
		if !ok {
			slog.Warn("forward: serial frame too short to reshape", "idx", idx, "len", len(data))
			return
		}
	} else {
		out = shapeNonModbus(idx, data)
	}

	if f.clientMode {
		if _, err := f.net.SendClient(out); err != nil {
			slog.Warn("forward: client-mode send failed", "idx", idx, "err", err)
		}
		return
	}
	f.net.BroadcastTCP(out)
}

// shapeModbusEnabled builds the MBAP-prefixed response frame for a
// modbus-enabled UART: fixed transaction id 0x0001, protocol id 0,
// length = L-2, unit id = the uart's index, function code copied from the
// second byte of the raw serial payload, then the payload excluding the
// trailing two CRC bytes.
func shapeModbusEnabled(idx int, data []byte) ([]byte, bool) {
	L := len(data)
	if L < minModbusFrameLen {
		return nil, false
	}
	payload := data[2 : L-2]
	length := L - 2

	out := make([]byte, 0, 8+len(payload))
	out = append(out, 0x00, 0x01, 0x00, 0x00, byte(length>>8), byte(length), byte(idx), data[1])
	out = append(out, payload...)
	return out, true
}

// shapeNonModbus wraps raw UART bytes in a synthetic MBAP envelope: fixed
// transaction id 0x0001, protocol id 0, a full 16-bit length field carrying
// the payload length (so payloads over 255 bytes still encode correctly),
// unit id = the uart's index, a fixed function code of 0x03.
func shapeNonModbus(idx int, data []byte) []byte {
	length := len(data)
	out := make([]byte, 0, 8+len(data))
	out = append(out, 0x00, 0x01, 0x00, 0x00, byte(length>>8), byte(length), byte(idx), 0x03)
	out = append(out, data...)
	return out
}

// RunNetworkToSerial is the network -> serial forwarder thread: it sweeps
// every network slot, attempting a bounded-timeout receive on each, decodes
// any MBAP frame it sees and writes the resulting RTU frame (or its bare
// payload) to the UART the frame's slave address names. It sleeps
// sweepInterval between full sweeps and returns once running reports
// false.
func (f *Forwarder) RunNetworkToSerial(running func() bool) {
	buf := make([]byte, recvBufSize)
	for running() {
		if f.clientMode {
			f.sweepClient(buf)
		} else {
			f.sweepServer(buf)
		}
		if running() {
			time.Sleep(sweepInterval)
		}
	}
}

func (f *Forwarder) sweepServer(buf []byte) {
	for i := 0; i < f.net.NumSlots(); i++ {
		n, err := f.net.RecvTCP(i, buf)
		if err != nil || n == 0 {
			continue
		}
		f.processInbound(buf[:n])
	}
}

func (f *Forwarder) sweepClient(buf []byte) {
	n, err := f.net.RecvClient(buf)
	if err != nil || n == 0 {
		return
	}
	f.processInbound(buf[:n])
}

// processInbound decodes one network-sourced MBAP frame and routes it to
// serial. Any codec error drops the frame; an out-of-range or disabled
// slave address drops it too. Both are logged, neither tears anything down.
func (f *Forwarder) processInbound(raw []byte) {
	tf, err := modbus.ParseTCPFrame(raw)
	if err != nil {
		slog.Warn("forward: dropping malformed mbap frame", "err", err)
		return
	}

	rtu := modbus.TCPToRTU(tf)
	idx := int(rtu.SlaveAddr)
	if !f.uarts.Enabled(idx) {
		slog.Warn("forward: dropping frame for disabled uart", "idx", idx)
		return
	}

	st := f.uarts.GetStatus(idx)
	var out []byte
	if st.Config.ModbusEnable {
		out = rtu.Encode()
	} else {
		out = rtu.Data
	}

	if _, err := f.uarts.Write(idx, out); err != nil {
		slog.Warn("forward: uart write failed", "idx", idx, "err", err)
	}
}
