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
	"io"
	"net"
	"time"
)

// TCPConfig holds configuration parameters for the Modbus TCP transporter.
type TCPConfig struct {
	Address        string        // Remote host
	Port           int           // Remote port, 0 means DefaultPort
	LocalAddress   string        // Local bind address, empty means any
	LocalPort      int           // Local bind port, 0 means any
	Timeout        time.Duration // Response timeout, also the connect timeout
	Pause          time.Duration // Delay before each request
	KeepConnection bool          // Keep the connection open between transactions
	Logger         io.Writer
}

// DefaultTCPConfig returns default configuration
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Port:           DefaultPort,
		Timeout:        DefaultTimeout,
		KeepConnection: true,
	}
}

// TCPTransporter carries Modbus TCP frames (MBAP header + PDU) over a TCP
// stream. Replies carrying another transaction or unit ID are read in full
// and discarded, so a late reply to an earlier request cannot be taken for
// the current one.
type TCPTransporter struct {
	config TCPConfig
	logger io.Writer
	stream streamConn

	transactionID uint16
	buffer        [MaxMBAPFrameLength]byte
}

// NewTCPTransporter creates a transporter. The connection is opened on the
// first Send or WaitResponse.
func NewTCPTransporter(config TCPConfig) *TCPTransporter {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &TCPTransporter{
		config: config,
		logger: config.Logger,
		stream: streamConn{
			name:         "modbus tcp",
			address:      config.Address,
			port:         config.Port,
			localAddress: config.LocalAddress,
			localPort:    config.LocalPort,
			timeout:      config.Timeout,
		},
	}
}

// SetLogger sets the logger for the transporter.
func (t *TCPTransporter) SetLogger(logger io.Writer) {
	t.logger = logger
}

// TransactionID returns the ID of the last request sent.
func (t *TCPTransporter) TransactionID() uint16 {
	return t.transactionID
}

// Connected reports whether a connection is currently held.
func (t *TCPTransporter) Connected() bool {
	return t.stream.connected()
}

// Send discards any pending input, then writes the request with the next
// transaction ID.
func (t *TCPTransporter) Send(tx *Transaction) error {
	if err := tx.validate(); err != nil {
		return err
	}
	if t.config.Pause > 0 {
		time.Sleep(t.config.Pause)
	}
	conn, err := t.stream.openDrained(t.logger, t.buffer[:])
	if err != nil {
		return err
	}

	t.transactionID = nextTransactionID(t.transactionID)
	size, err := PackMBAP(t.buffer[:], t.transactionID, tx.ServerID, tx.PDU)
	if err != nil {
		return err
	}
	return t.stream.write(t.logger, conn, t.buffer[:size])
}

// WaitResponse reads frames until the reply to the last Send arrives or
// the timeout passes. The Result is only meaningful when err is nil.
// Unless KeepConnection is set the connection is closed on return.
func (t *TCPTransporter) WaitResponse(tx *Transaction) (result Result, err error) {
	conn, err := t.stream.open(t.logger)
	if err != nil {
		return ResultTimeout, err
	}
	defer func() {
		if err != nil || !t.config.KeepConnection {
			t.Close()
		}
	}()

	size, result, err := t.readMatchingFrame(conn, tx.ServerID)
	if err != nil || result != ResultOK {
		return result, err
	}

	function := t.buffer[MBAPHeaderLength]
	if function&^exceptionBit != tx.Function() {
		logf(t.logger, LevelWarning, "modbus tcp: invalid function: %02X (expected: %02X)", function, tx.Function())
		return ResultBadResponse, nil
	}
	if function&exceptionBit != 0 {
		tx.setException(function, t.buffer[MBAPHeaderLength+1])
		return ResultException, nil
	}

	expected, valid := tx.expectedSize()
	if !valid {
		logf(t.logger, LevelWarning, "modbus tcp: unusable response size %d for func %02X", expected, tx.Function())
		return ResultBadResponse, nil
	}
	if size < MBAPHeaderLength+expected {
		logf(t.logger, LevelWarning, "modbus tcp: invalid size: %d (expected: %d)", size, MBAPHeaderLength+expected)
		return ResultBadResponse, nil
	}
	tx.setResponse(t.buffer[MBAPHeaderLength : MBAPHeaderLength+expected])
	return ResultOK, nil
}

// readMatchingFrame reads whole frames into the buffer until one carries
// the current transaction ID and serverID. The deadline is fixed on entry
// and shared by every frame read.
func (t *TCPTransporter) readMatchingFrame(conn net.Conn, serverID byte) (int, Result, error) {
	deadline := time.Now().Add(t.config.Timeout)
	for {
		ok, err := t.stream.readFullUntil(t.logger, conn, t.buffer[:MBAPHeaderLength], deadline)
		if err != nil || !ok {
			return 0, ResultTimeout, err
		}
		hdr, _ := ParseMBAPHeader(t.buffer[:MBAPHeaderLength])
		// Length covers the unit ID and at least function + one byte.
		if hdr.ProtocolID != ProtocolIdentifier || hdr.Length < 3 || int(hdr.Length) > MaxPDUSize+1 {
			logf(t.logger, LevelWarning, "modbus tcp: invalid header: %s", hexDump(t.buffer[:MBAPHeaderLength]))
			// The stream cannot be resynchronised without a frame boundary.
			t.Close()
			return 0, ResultBadResponse, nil
		}

		size := MBAPHeaderLength + int(hdr.Length) - 1
		ok, err = t.stream.readFullUntil(t.logger, conn, t.buffer[MBAPHeaderLength:size], deadline)
		if err != nil || !ok {
			return 0, ResultTimeout, err
		}
		if hdr.TransactionID == t.transactionID && hdr.UnitID == serverID {
			logf(t.logger, LevelTrace, "modbus tcp: read: %s", hexDump(t.buffer[:size]))
			return size, ResultOK, nil
		}
		logf(t.logger, LevelWarning, "modbus tcp: unexpected frame (tid %d, unit %d): %s",
			hdr.TransactionID, hdr.UnitID, hexDump(t.buffer[:size]))
	}
}

// Close closes the connection. It is idempotent and may be called from
// another goroutine to abort a blocked WaitResponse, which then fails
// with a *ConnError.
func (t *TCPTransporter) Close() error {
	return t.stream.close(t.logger)
}
