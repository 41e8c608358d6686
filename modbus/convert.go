// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

// RTUToTCP lifts an RTU frame into an MBAP frame under the given
// transaction id. The CRC carried by the RTU frame is dropped — MBAP has no
// CRC field, framing integrity on the network side is left to TCP itself.
func RTUToTCP(f RTUFrame, transactionID uint16) TCPFrame {
	return TCPFrame{
		TransactionID: transactionID,
		ProtocolID:    0,
		Length:        uint16(2 + len(f.Data)),
		SlaveAddr:     f.SlaveAddr,
		FuncCode:      f.FuncCode,
		Data:          append([]byte(nil), f.Data...),
	}
}

// TCPToRTU lowers an MBAP frame to an RTU frame, recomputing the CRC over
// the new addr/func/data triple. No address validation is performed here;
// the forwarding core decides whether the resulting slave address routes to
// a live UART.
func TCPToRTU(f TCPFrame) RTUFrame {
	data := append([]byte(nil), f.Data...)
	raw := make([]byte, 2+len(data))
	raw[0] = f.SlaveAddr
	raw[1] = f.FuncCode
	copy(raw[2:], data)
	crc, _ := CRC16(raw)
	return RTUFrame{
		SlaveAddr: f.SlaveAddr,
		FuncCode:  f.FuncCode,
		Data:      data,
		CRC:       crc,
	}
}

// BuildExceptionRTU builds a Modbus exception response: the high bit of the
// function code set, a single-byte payload carrying the exception code, and
// a freshly computed CRC.
func BuildExceptionRTU(slaveAddr, funcCode, exceptionCode byte) RTUFrame {
	f := RTUFrame{
		SlaveAddr: slaveAddr,
		FuncCode:  funcCode | 0x80,
		Data:      []byte{exceptionCode},
	}
	raw := []byte{f.SlaveAddr, f.FuncCode, exceptionCode}
	crc, _ := CRC16(raw)
	f.CRC = crc
	return f
}
