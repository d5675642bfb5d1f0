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

import (
	"errors"
	"fmt"
)

// minRTUFrameLength is SlaveID + function code + CRC.
const minRTUFrameLength = 4

// ErrCRCMismatch is returned by UnpackRTU for a frame with a bad CRC.
var ErrCRCMismatch = errors.New("modbus: CRC mismatch")

// PackRTU writes SlaveID + PDU + CRC into dst and returns the frame size.
// The CRC is transmitted low byte first.
func PackRTU(dst []byte, slaveID uint8, pdu []byte) (int, error) {
	if len(pdu) == 0 || len(pdu) > MaxPDUSize {
		return 0, fmt.Errorf("%w: length %d (must be 1-%d)", ErrInvalidPDU, len(pdu), MaxPDUSize)
	}
	size := 1 + len(pdu) + 2
	if len(dst) < size {
		return 0, fmt.Errorf("modbus: frame buffer too small: %d bytes, need %d", len(dst), size)
	}
	dst[0] = slaveID
	copy(dst[1:], pdu)
	PutUint16LE(dst[size-2:], CRC16(dst[:size-2]))
	return size, nil
}

// UnpackRTU verifies the CRC of frame and returns its slave ID and PDU.
// The PDU aliases frame.
func UnpackRTU(frame []byte) (uint8, []byte, error) {
	if len(frame) < minRTUFrameLength {
		return 0, nil, fmt.Errorf("modbus: frame too short: %d bytes (minimum %d)", len(frame), minRTUFrameLength)
	}
	if calculated, received := frameCRC(frame); calculated != received {
		return 0, nil, fmt.Errorf("%w: calculated=0x%04X, received=0x%04X", ErrCRCMismatch, calculated, received)
	}
	return frame[0], frame[1 : len(frame)-2], nil
}

// frameCRC returns the CRC computed over all but the last two bytes of
// frame and the CRC carried in them.
func frameCRC(frame []byte) (calculated, received uint16) {
	dataLen := len(frame) - 2
	return CRC16(frame[:dataLen]), Uint16LE(frame[dataLen:])
}
