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
	"net"
	"os"
)

var (
	// ErrInvalidPDU is returned by Send for an empty or oversize request PDU.
	ErrInvalidPDU = errors.New("modbus: invalid request PDU")
	// ErrUnknownResponseSize is returned by Client.SetRequest when no
	// response size rule is given and the function code has no standard one.
	ErrUnknownResponseSize = errors.New("modbus: unknown response size")
	// ErrTimeout and ErrBadResponse report ResultTimeout and
	// ResultBadResponse from the Client read and write helpers.
	ErrTimeout     = errors.New("modbus: response timeout")
	ErrBadResponse = errors.New("modbus: bad response")
	// ErrNoRequest is returned when a client is executed before SetRequest.
	ErrNoRequest = errors.New("modbus: no request set")
	// ErrNoRemotePort is returned when a stream transport has no remote port.
	ErrNoRemotePort = errors.New("modbus: remote port not configured")
	// ErrConnectionClosed reports that the remote closed the stream mid-reply.
	ErrConnectionClosed = errors.New("modbus: connection closed by remote")
	// ErrNoRemoteAddress is returned when the datagram transport has no
	// remote address.
	ErrNoRemoteAddress = errors.New("modbus: remote address not configured")
	// ErrDrainOverrun is returned when unsolicited input keeps arriving for
	// longer than the response timeout before a request is sent.
	ErrDrainOverrun = errors.New("modbus: unsolicited input does not stop")
)

// ConnError is a connection-level failure. It always aborts the
// transaction it occurred in; the next Send reopens the socket.
type ConnError struct {
	Op   string // "open", "write", "read", "drain"
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("modbus: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsConnError reports whether err is a connection-level failure.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// isTimeout reports whether err is an expired socket deadline.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ModbusError is an exception reply reported by a device.
type ModbusError struct {
	FunctionCode  uint8
	ExceptionCode uint8
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception response for func %02X: code 0x%02X - %s",
		e.FunctionCode, e.ExceptionCode, ExceptionMessage(e.ExceptionCode))
}

// ExceptionMessage returns a human-readable message for a Modbus exception code.
func ExceptionMessage(exceptionCode uint8) string {
	switch exceptionCode {
	case 0x01:
		return "Illegal function"
	case 0x02:
		return "Illegal data address"
	case 0x03:
		return "Illegal data value"
	case 0x04:
		return "Slave device failure"
	case 0x05:
		return "Acknowledge"
	case 0x06:
		return "Slave device busy"
	case 0x08:
		return "Memory parity error"
	case 0x0A:
		return "Gateway path unavailable"
	case 0x0B:
		return "Gateway target device failed to respond"
	default:
		return "Unknown exception code"
	}
}
