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

import "fmt"

// MBAP framing constants
const (
	MBAPHeaderLength    = 7 // Transaction(2) + Protocol(2) + Length(2) + Unit(1)
	MaxMBAPFrameLength  = MBAPHeaderLength + MaxPDUSize
	ProtocolIdentifier  = 0x0000
	minMBAPResponseSize = MBAPHeaderLength + 2 // header + function + at least one byte
)

// MBAPHeader is the decoded 7 byte header of a Modbus TCP/UDP frame.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // Unit ID (1) + PDU length
	UnitID        uint8
}

// PackMBAP writes header and pdu into dst and returns the frame size.
// dst must hold at least MBAPHeaderLength+len(pdu) bytes.
func PackMBAP(dst []byte, transactionID uint16, unitID uint8, pdu []byte) (int, error) {
	if len(pdu) == 0 || len(pdu) > MaxPDUSize {
		return 0, fmt.Errorf("%w: length %d (must be 1-%d)", ErrInvalidPDU, len(pdu), MaxPDUSize)
	}
	size := MBAPHeaderLength + len(pdu)
	if len(dst) < size {
		return 0, fmt.Errorf("modbus: frame buffer too small: %d bytes, need %d", len(dst), size)
	}
	PutUint16BE(dst[0:2], transactionID)
	PutUint16BE(dst[2:4], ProtocolIdentifier)
	PutUint16BE(dst[4:6], uint16(len(pdu)+1))
	dst[6] = unitID
	copy(dst[MBAPHeaderLength:], pdu)
	return size, nil
}

// ParseMBAPHeader decodes the header at the start of frame.
func ParseMBAPHeader(frame []byte) (MBAPHeader, error) {
	if len(frame) < MBAPHeaderLength {
		return MBAPHeader{}, fmt.Errorf("modbus: frame too short: %d bytes, minimum: %d bytes", len(frame), MBAPHeaderLength)
	}
	return MBAPHeader{
		TransactionID: Uint16BE(frame[0:2]),
		ProtocolID:    Uint16BE(frame[2:4]),
		Length:        Uint16BE(frame[4:6]),
		UnitID:        frame[6],
	}, nil
}
