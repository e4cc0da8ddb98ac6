// Copyright 2025 The casaIT Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages, mainly the
// CRC flavors spoken by the casaIT module family.
package common

// CRC8SMBus calculates the 8-bit CRC with polynomial 0x07 and initial value
// 0x00, MSB first. It protects the bridge TCP frames and the DM117 packet
// protocol.
func CRC8SMBus(data []byte) byte {
	var crc byte
	for _, val := range data {
		crc ^= val
		for i := 0; i < 8; i++ {
			if crc&0x80 == 0 {
				crc <<= 1
			} else {
				crc = (crc << 1) ^ 0x07
			}
		}
	}
	return crc
}

// CRC8Dallas calculates the 8-bit CRC with polynomial x^8+x^5+x^4+1 (0x8C),
// LSB first, as used by 1-wire ROM codes and scratchpads.
func CRC8Dallas(data []byte) byte {
	var crc byte
	for _, val := range data {
		crc ^= val
		for i := 0; i < 8; i++ {
			if crc&0x01 == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8C
			}
		}
	}
	return crc
}

// CRC16 calculates the 16-bit CRC with polynomial 0xA001 (Modbus). The
// DS28E17 tunnel protocol transmits the bitwise complement of this value.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, val := range data {
		crc ^= uint16(val)
		for i := 0; i < 8; i++ {
			if crc&0x01 == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0xA001
			}
		}
	}
	return crc
}
