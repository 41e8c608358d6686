// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// TCPFrame is a decoded Modbus Application Protocol (MBAP) unit: the 7-byte
// header plus the slave address, function code and data carried by its PDU.
type TCPFrame struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveAddr     byte
	FuncCode      byte
	Data          []byte
}

// mbapHeaderLen is the fixed size of an MBAP header: transaction id (2),
// protocol id (2), length (2), unit id (1).
const mbapHeaderLen = 7

// ShortHeaderError reports a buffer too small to hold an MBAP header plus
// the function code byte that follows it.
type ShortHeaderError struct {
	Len int
}

func (e *ShortHeaderError) Error() string {
	return fmt.Sprintf("modbus: mbap buffer too short: %d bytes, want at least %d", e.Len, mbapHeaderLen+1)
}

// BadProtocolIdError reports a non-zero MBAP protocol id.
type BadProtocolIdError struct {
	ProtocolID uint16
}

func (e *BadProtocolIdError) Error() string {
	return fmt.Sprintf("modbus: mbap protocol id %d, want 0", e.ProtocolID)
}

// LengthMismatchError reports an MBAP length field that disagrees with the
// actual size of the buffer it was read from.
type LengthMismatchError struct {
	Claimed, Actual int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("modbus: mbap length field claims total %d, buffer holds %d", e.Claimed, e.Actual)
}

// OutOfBoundsError reports an MBAP length field whose implied data length
// would read past the end of the supplied buffer.
type OutOfBoundsError struct {
	DataLen, Available int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("modbus: mbap data_len %d exceeds available %d bytes", e.DataLen, e.Available)
}

// ParseTCPFrame decodes a whole MBAP buffer, as received over a network
// transport where framing is not a matter of byte-streaming but of having
// the complete datagram/segment already in hand (the forwarding core uses
// this for every network-sourced frame it reads).
func ParseTCPFrame(buf []byte) (TCPFrame, error) {
	if len(buf) < mbapHeaderLen+1 {
		return TCPFrame{}, &ShortHeaderError{Len: len(buf)}
	}

	transactionID := binary.BigEndian.Uint16(buf[0:2])
	protocolID := binary.BigEndian.Uint16(buf[2:4])
	length := binary.BigEndian.Uint16(buf[4:6])

	if protocolID != 0 {
		return TCPFrame{}, &BadProtocolIdError{ProtocolID: protocolID}
	}
	if int(length)+6 != len(buf) {
		return TCPFrame{}, &LengthMismatchError{Claimed: int(length) + 6, Actual: len(buf)}
	}

	slaveAddr := buf[6]
	funcCode := buf[7]
	dataLen := int(length) - 2
	if dataLen < 0 || 8+dataLen > len(buf) {
		return TCPFrame{}, &OutOfBoundsError{DataLen: dataLen, Available: len(buf) - 8}
	}

	data := make([]byte, dataLen)
	copy(data, buf[8:8+dataLen])

	return TCPFrame{
		TransactionID: transactionID,
		ProtocolID:    protocolID,
		Length:        length,
		SlaveAddr:     slaveAddr,
		FuncCode:      funcCode,
		Data:          data,
	}, nil
}

// Encode serializes the frame as an MBAP-prefixed PDU.
func (f *TCPFrame) Encode() []byte {
	length := uint16(2 + len(f.Data))
	buf := make([]byte, mbapHeaderLen+1+len(f.Data))
	binary.BigEndian.PutUint16(buf[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], length)
	buf[6] = f.SlaveAddr
	buf[7] = f.FuncCode
	copy(buf[8:], f.Data)
	return buf
}
