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

// Transporter frames a Transaction for one transport and correlates the reply.
//
// Send followed by WaitResponse is one synchronous transaction; an instance
// carries at most one transaction at a time. Errors returned by either call
// are connection-level (*ConnError) or request validation failures; protocol
// outcomes are reported as a Result. Close may be called from another
// goroutine to abort a blocked WaitResponse and is safe to call repeatedly.
type Transporter interface {
	Send(tx *Transaction) error
	WaitResponse(tx *Transaction) (Result, error)
	Close() error
}

var (
	_ Transporter = (*UDPTransporter)(nil)
	_ Transporter = (*TCPTransporter)(nil)
	_ Transporter = (*RTUOverTCPTransporter)(nil)
)
