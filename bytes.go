package modbus

import (
	"encoding/binary"
	"fmt"
)

// HighByte returns the most significant byte of v.
func HighByte(v uint16) byte {
	return byte(v >> 8)
}

// LowByte returns the least significant byte of v.
func LowByte(v uint16) byte {
	return byte(v)
}

// Uint16BE composes a big-endian pair, the MBAP header order.
func Uint16BE(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// PutUint16BE writes v as a big-endian pair.
func PutUint16BE(b []byte, v uint16) {
	binary.BigEndian.PutUint16(b, v)
}

// Uint16LE composes a little-endian pair, the order of the RTU checksum.
func Uint16LE(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// PutUint16LE writes v as a little-endian pair.
func PutUint16LE(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

// hexDump formats bytes for traffic logs.
func hexDump(b []byte) string {
	if len(b) == 0 {
		return "<empty>"
	}
	return fmt.Sprintf("% X", b)
}
