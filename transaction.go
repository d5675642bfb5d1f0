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

// MaxPDUSize is the largest legal Modbus PDU (function code + data).
const MaxPDUSize = 253

// ResponseSizeFunc returns the expected response PDU size, function code
// included, for a request PDU. It is called only once the reply is known
// not to be an exception.
type ResponseSizeFunc func(request []byte) int

// Transaction is one request/response exchange as seen by a Transporter.
// The caller fills ServerID, PDU and optionally ResponseSize before Send;
// transports never modify PDU.
type Transaction struct {
	ServerID     byte
	PDU          []byte
	ResponseSize ResponseSizeFunc // nil selects StandardResponseSize

	response     [MaxPDUSize]byte
	responseSize int
}

// NewTransaction returns a transaction for the given unit and request PDU.
func NewTransaction(serverID byte, pdu []byte, responseSize ResponseSizeFunc) *Transaction {
	return &Transaction{ServerID: serverID, PDU: pdu, ResponseSize: responseSize}
}

// Function returns the function code of the request.
func (tx *Transaction) Function() byte {
	if len(tx.PDU) == 0 {
		return 0
	}
	return tx.PDU[0]
}

// ExpectedResponseSize returns the size of a normal response PDU,
// or -1 when it cannot be determined.
func (tx *Transaction) ExpectedResponseSize() int {
	if tx.ResponseSize != nil {
		return tx.ResponseSize(tx.PDU)
	}
	return StandardResponseSize(tx.PDU)
}

// Response returns the response PDU of the last ResultOK or ResultException.
// The slice aliases the transaction and is overwritten by the next Send.
func (tx *Transaction) Response() []byte {
	return tx.response[:tx.responseSize]
}

// validate checks the request before any I/O and invalidates the response.
func (tx *Transaction) validate() error {
	tx.responseSize = 0
	if len(tx.PDU) == 0 || len(tx.PDU) > MaxPDUSize {
		return fmt.Errorf("%w: length %d (must be 1-%d)", ErrInvalidPDU, len(tx.PDU), MaxPDUSize)
	}
	return nil
}

// expectedSize evaluates the response size callback and reports whether
// the value fits a PDU.
func (tx *Transaction) expectedSize() (int, bool) {
	size := tx.ExpectedResponseSize()
	return size, size >= 1 && size <= MaxPDUSize
}

func (tx *Transaction) setResponse(pdu []byte) {
	tx.responseSize = copy(tx.response[:], pdu)
}

// setException stores the two byte exception payload [function|0x80, code].
func (tx *Transaction) setException(function, code byte) {
	tx.response[0] = function
	tx.response[1] = code
	tx.responseSize = 2
}
