// Modbus RTU CRC16 (polynomial 0xA001, initial value 0xFFFF). The checksum
// is transmitted low byte first.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package modbus

// CRC16 computes the Modbus RTU checksum over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC appends the checksum of frame to frame, low byte first.
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// VerifyCRC reports whether the trailing two bytes of frame are a valid
// checksum of the preceding bytes.
func VerifyCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	payload := frame[:len(frame)-2]
	crc := CRC16(payload)
	return frame[len(frame)-2] == byte(crc&0xFF) && frame[len(frame)-1] == byte(crc>>8)
}
