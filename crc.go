// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

const (
	crcSeed       = 0xFFFF
	crcPolynomial = 0xA001 // CRC-16-ANSI polynomial (reversed)
)

// crcTable is the pre-calculated lookup table for polynomial 0xA001.
var crcTable = func() (table [256]uint16) {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return
}()

// CRC16 calculates the Modbus RTU CRC of data.
// The low byte of the result goes on the wire first.
func CRC16(data []byte) uint16 {
	crc := uint16(crcSeed)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[uint8(crc)^b]
	}
	return crc
}

// Checksum calculates the CRC of buf[offset:offset+length].
// A zero length returns the seed value 0xFFFF.
func Checksum(buf []byte, offset, length int) uint16 {
	return CRC16(buf[offset : offset+length])
}

// crc16Bitwise is the shift-and-xor form of CRC16, kept for verification.
func crc16Bitwise(data []byte) uint16 {
	crc := uint16(crcSeed)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
