// Modbus RTU frame construction and response validation
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package modbus

import (
	"fmt"

	"airleak/pkg/errors"
)

// Modbus RTU function codes
const (
	FuncReadCoils       = 0x01
	FuncReadHoldingRegs = 0x03
	FuncReadInputRegs   = 0x04
	FuncWriteSingleCoil = 0x05
	FuncWriteSingleReg  = 0x06
	FuncWriteMultiCoils = 0x0F
	FuncWriteMultiRegs  = 0x10

	exceptionFlag     = 0x80
	minResponseLength = 5
)

var exceptionMessages = map[byte]string{
	0x01: "illegal function",
	0x02: "illegal data address",
	0x03: "illegal data value",
	0x04: "slave device failure",
	0x05: "acknowledge",
	0x06: "slave device busy",
	0x08: "memory parity error",
	0x0A: "gateway path unavailable",
	0x0B: "gateway target device failed to respond",
}

// exceptionError maps a slave exception code to a RigError.
func exceptionError(code byte) *errors.RigError {
	msg, ok := exceptionMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown exception 0x%02X", code)
	}
	return errors.New(errors.ErrCommException,
		fmt.Sprintf("slave exception 0x%02X: %s", code, msg)).
		SetComponent("modbus")
}

// readCoilsFrame builds a read-coils request (without CRC).
func readCoilsFrame(slave byte, start, count uint16) []byte {
	return []byte{
		slave, FuncReadCoils,
		byte(start >> 8), byte(start),
		byte(count >> 8), byte(count),
	}
}

// readRegistersFrame builds a read-holding-registers request (without CRC).
func readRegistersFrame(slave byte, start, count uint16) []byte {
	return []byte{
		slave, FuncReadHoldingRegs,
		byte(start >> 8), byte(start),
		byte(count >> 8), byte(count),
	}
}

// writeCoilFrame builds a write-single-coil request (without CRC).
func writeCoilFrame(slave byte, address uint16, on bool) []byte {
	value := byte(0x00)
	if on {
		value = 0xFF
	}
	return []byte{
		slave, FuncWriteSingleCoil,
		byte(address >> 8), byte(address),
		value, 0x00,
	}
}

// writeRegisterFrame builds a write-single-register request (without CRC).
func writeRegisterFrame(slave byte, address, value uint16) []byte {
	return []byte{
		slave, FuncWriteSingleReg,
		byte(address >> 8), byte(address),
		byte(value >> 8), byte(value),
	}
}

// verifyResponse checks a complete response frame against the request's
// slave address and function code. The CRC is checked first so a corrupted
// frame is never interpreted.
func verifyResponse(response []byte, slave, function byte) error {
	if len(response) < minResponseLength {
		return errors.CRCError(fmt.Sprintf("response too short (%d bytes)", len(response)))
	}
	if !VerifyCRC(response) {
		return errors.CRCError("response checksum mismatch")
	}
	if response[0] != slave {
		return errors.CommError(fmt.Sprintf("response from slave 0x%02X, expected 0x%02X",
			response[0], slave))
	}
	if response[1] == function|exceptionFlag {
		return exceptionError(response[2])
	}
	if response[1] != function {
		return errors.CommError(fmt.Sprintf("unexpected function code 0x%02X", response[1]))
	}
	return nil
}
