// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, a CRC8 calculation
package common

// Polynomial is the CRC-8 generator P(x) = x^8 + x^5 + x^4 + 1. The x^8 term
// falls off the byte, leaving 0x31 in the shift register.
const Polynomial = 0x131

const (
	// SeedSensirion is the initial value used by the SHT/SCD families.
	SeedSensirion byte = 0xff
	// SeedSF05 is the initial value used by the SF05 flow sensor chip.
	SeedSF05 byte = 0x00
)

// CRC8 calculates the 8-bit CRC of bytes starting from seed and returns the
// calculated value. There is no reflection and no final XOR.
func CRC8(seed byte, bytes []byte) byte {
	crc := seed
	for _, val := range bytes {
		crc ^= val
		for i := 0; i < 8; i++ {
			if (crc & 0x80) == 0 {
				crc <<= 1
			} else {
				crc = (crc << 1) ^ byte(Polynomial&0xff)
			}
		}
	}
	return crc
}
