// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"time"
)

// RTUFrame is a decoded Modbus RTU application data unit: address, function
// code, payload and the CRC that was present on (or computed for) the wire.
type RTUFrame struct {
	SlaveAddr byte
	FuncCode  byte
	Data      []byte
	CRC       uint16
}

// Encode serializes the frame as it ships on the wire: addr, func, data,
// crc_lo, crc_hi. The CRC is (re)computed over addr||func||data; any value
// already stored in f.CRC is ignored.
func (f *RTUFrame) Encode() []byte {
	raw := make([]byte, 2+len(f.Data)+2)
	raw[0] = f.SlaveAddr
	raw[1] = f.FuncCode
	copy(raw[2:], f.Data)

	crc, _ := CRC16(raw[:len(raw)-2])
	raw[len(raw)-2] = byte(crc)
	raw[len(raw)-1] = byte(crc >> 8)
	return raw
}

// ParserState names a state of the streaming RTU frame assembler.
type ParserState int

const (
	StateIdle ParserState = iota
	StateSlaveAddr
	StateFuncCode
	StateData
	StateCRC1
	StateCRC2
	StateComplete
)

// BadFuncCodeError reports a function code the streaming parser does not
// recognize in request orientation.
type BadFuncCodeError struct {
	FuncCode byte
}

func (e *BadFuncCodeError) Error() string {
	return fmt.Sprintf("modbus: unsupported rtu function code 0x%02X", e.FuncCode)
}

// CRCMismatchError reports a frame whose trailing CRC did not match the one
// computed over the received bytes.
type CRCMismatchError struct {
	Want, Got uint16
}

func (e *CRCMismatchError) Error() string {
	return fmt.Sprintf("modbus: rtu crc mismatch: frame says 0x%04X, computed 0x%04X", e.Want, e.Got)
}

// Parser assembles an RTU frame one byte at a time, resetting to StateIdle
// whenever the gap since the previous byte exceeds FrameTimeout — the
// inter-frame silence rule RTU uses to delimit frames on a shared bus.
type Parser struct {
	State        ParserState
	FrameTimeout time.Duration

	slaveAddr byte
	funcCode  byte
	data      []byte
	needLen   int
	crcLo     byte
	lastRecv  time.Time
}

// NewParser creates a Parser with the given inter-frame timeout.
func NewParser(frameTimeout time.Duration) *Parser {
	return &Parser{FrameTimeout: frameTimeout, State: StateIdle}
}

func (p *Parser) resetLocked() {
	p.State = StateIdle
	p.data = nil
	p.needLen = 0
}

// requestDataLen returns the expected request payload length for a function
// code. -2 means the function code is not recognized; -1 means the code is
// recognized but more payload bytes are needed before its length is known.
func requestDataLen(funcCode byte, data []byte) int {
	switch funcCode {
	case FuncCodeReadHoldingRegister, FuncCodeWriteSingleRegister:
		return 4
	case FuncCodeWriteMultipleRegister:
		if len(data) < 5 {
			return -1 // not enough bytes yet to know the byte count
		}
		return 5 + int(data[4])
	default:
		return -2
	}
}

// Feed consumes one byte. It returns (true, frame, nil) when byte b
// completes a frame, (false, RTUFrame{}, nil) when more bytes are needed,
// and (false, RTUFrame{}, err) on a framing fault — in every fault case the
// parser has already reset to StateIdle and the next Feed call starts a new
// frame.
func (p *Parser) Feed(b byte, now time.Time) (bool, RTUFrame, error) {
	if !p.lastRecv.IsZero() && now.Sub(p.lastRecv) > p.FrameTimeout {
		p.resetLocked()
	}
	p.lastRecv = now

	switch p.State {
	case StateIdle:
		p.slaveAddr = b
		p.data = nil
		p.State = StateSlaveAddr
		return false, RTUFrame{}, nil

	case StateSlaveAddr:
		p.funcCode = b
		if requestDataLen(b, nil) == -2 {
			p.resetLocked()
			return false, RTUFrame{}, &BadFuncCodeError{FuncCode: b}
		}
		p.State = StateFuncCode
		return false, RTUFrame{}, nil

	case StateFuncCode:
		p.data = append(p.data, b)
		need := requestDataLen(p.funcCode, p.data)
		if need == -2 {
			p.resetLocked()
			return false, RTUFrame{}, &BadFuncCodeError{FuncCode: p.funcCode}
		}
		if need == -1 {
			return false, RTUFrame{}, nil
		}
		if len(p.data) >= need {
			p.needLen = need
			p.State = StateCRC1
		}
		return false, RTUFrame{}, nil

	case StateCRC1:
		p.crcLo = b
		p.State = StateCRC2
		return false, RTUFrame{}, nil

	case StateCRC2:
		crc := uint16(p.crcLo) | uint16(b)<<8
		check := make([]byte, 2+len(p.data))
		check[0] = p.slaveAddr
		check[1] = p.funcCode
		copy(check[2:], p.data)
		calc, _ := CRC16(check)
		if calc != crc {
			p.resetLocked()
			return false, RTUFrame{}, &CRCMismatchError{Want: crc, Got: calc}
		}
		frame := RTUFrame{
			SlaveAddr: p.slaveAddr,
			FuncCode:  p.funcCode,
			Data:      append([]byte(nil), p.data...),
			CRC:       crc,
		}
		p.resetLocked()
		return true, frame, nil

	default:
		p.resetLocked()
		return false, RTUFrame{}, nil
	}
}
