// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus implements the Modbus RTU/TCP codec shared by the serial
// and network sides of the gateway: CRC16, a byte-streaming RTU frame
// assembler, an MBAP parser, and the RTU<->TCP conversions between them.
package modbus

// Function codes. The streaming RTU parser only ever validates
// FuncCodeReadHoldingRegister, FuncCodeWriteSingleRegister and
// FuncCodeWriteMultipleRegister (see Parser.Feed); the rest are carried for
// codec completeness and for building exception responses.
const (
	FuncCodeReadCoils           = 0x01
	FuncCodeReadDiscreteInputs  = 0x02
	FuncCodeReadHoldingRegister = 0x03
	FuncCodeReadInputRegister   = 0x04

	FuncCodeWriteSingleCoil       = 0x05
	FuncCodeWriteSingleRegister   = 0x06
	FuncCodeWriteMultipleCoils    = 0x0F
	FuncCodeWriteMultipleRegister = 0x10
	FuncCodeMaskWriteRegister     = 0x16

	FuncCodeReadWriteMultipleRegister = 0x17
	FuncCodeReadFIFOQueue             = 0x18
)

// Exception codes, per the Modbus Application Protocol specification.
const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeServerDeviceFailure                = 0x04
	ExceptionCodeAcknowledge                        = 0x05
	ExceptionCodeServerDeviceBusy                   = 0x06
	ExceptionCodeGatewayPathUnavailable             = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

// ProtocolDataUnit is a bare function-code + payload pair, independent of
// whichever framing (RTU or MBAP) carried it onto the wire.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}
