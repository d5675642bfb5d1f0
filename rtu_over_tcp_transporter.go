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

// MaxRTUFrameLength is SlaveID + PDU + CRC.
const MaxRTUFrameLength = 1 + MaxPDUSize + 2

// RTUOverTCPConfig holds configuration parameters for the RTU over TCP transporter.
type RTUOverTCPConfig struct {
	Address        string        // Remote host
	Port           int           // Remote port, required
	LocalAddress   string        // Local bind address, empty means any
	LocalPort      int           // Local bind port, 0 means any
	Timeout        time.Duration // Budget of each read phase, also the connect timeout
	Pause          time.Duration // Delay before each request
	KeepConnection bool          // Keep the connection open between transactions
	Logger         io.Writer
}

// DefaultRTUOverTCPConfig returns default configuration
func DefaultRTUOverTCPConfig() RTUOverTCPConfig {
	return RTUOverTCPConfig{
		Timeout:        DefaultTimeout,
		KeepConnection: true,
	}
}

// RTUOverTCPTransporter sends Modbus RTU frames (SlaveID + PDU + CRC) over
// a TCP stream, typically to a serial gateway. The stream carries no
// transaction ID, so replies are located by the leading slave ID byte and
// accepted only with a valid CRC.
type RTUOverTCPTransporter struct {
	config RTUOverTCPConfig
	logger io.Writer
	stream streamConn

	buffer [MaxRTUFrameLength]byte
}

// NewRTUOverTCPTransporter creates a transporter. The connection is opened
// on the first Send or WaitResponse.
func NewRTUOverTCPTransporter(config RTUOverTCPConfig) *RTUOverTCPTransporter {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &RTUOverTCPTransporter{
		config: config,
		logger: config.Logger,
		stream: streamConn{
			name:         "modbus rtu over tcp",
			address:      config.Address,
			port:         config.Port,
			localAddress: config.LocalAddress,
			localPort:    config.LocalPort,
			timeout:      config.Timeout,
		},
	}
}

// SetLogger sets the logger for the transporter.
func (t *RTUOverTCPTransporter) SetLogger(logger io.Writer) {
	t.logger = logger
}

// Connected reports whether a connection is currently held.
func (t *RTUOverTCPTransporter) Connected() bool {
	return t.stream.connected()
}

// Send discards any pending input, then writes SlaveID + PDU + CRC.
func (t *RTUOverTCPTransporter) Send(tx *Transaction) error {
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
	size, err := PackRTU(t.buffer[:], tx.ServerID, tx.PDU)
	if err != nil {
		return err
	}
	return t.stream.write(t.logger, conn, t.buffer[:size])
}

// WaitResponse reads the reply to the last Send in phases, each with its
// own Timeout budget: slave ID, function code, then the exception code or
// the data, each followed by the CRC. The Result is only meaningful when
// err is nil. Unless KeepConnection is set the connection is closed on
// return, whatever the outcome.
func (t *RTUOverTCPTransporter) WaitResponse(tx *Transaction) (result Result, err error) {
	conn, err := t.stream.open(t.logger)
	if err != nil {
		return ResultTimeout, err
	}
	defer func() {
		if err != nil || !t.config.KeepConnection {
			t.Close()
		}
	}()
	return t.readResponse(conn, tx)
}

func (t *RTUOverTCPTransporter) readResponse(conn net.Conn, tx *Transaction) (Result, error) {
	if result, err := t.readID(conn, tx.ServerID); err != nil || result != ResultOK {
		return result, err
	}

	// function code, bit 7 flags an exception
	if ok, err := t.stream.readFull(t.logger, conn, t.buffer[1:2]); err != nil || !ok {
		return ResultTimeout, err
	}
	function := t.buffer[1]
	if function&^exceptionBit != tx.Function() {
		t.logData("bad function", 2)
		logf(t.logger, LevelWarning, "modbus rtu over tcp: invalid function: %02X (expected: %02X)", function, tx.Function())
		return ResultBadResponse, nil
	}

	if function&exceptionBit != 0 {
		// exception code + CRC
		if ok, err := t.stream.readFull(t.logger, conn, t.buffer[2:5]); err != nil || !ok {
			return ResultTimeout, err
		}
		if !t.crcValid(3) {
			t.logData("bad crc (exception)", 5)
			return ResultBadResponse, nil
		}
		t.logData("exception", 5)
		tx.setException(function, t.buffer[2])
		return ResultException, nil
	}

	expected, valid := tx.expectedSize()
	if !valid {
		logf(t.logger, LevelWarning, "modbus rtu over tcp: unusable response size %d for func %02X", expected, tx.Function())
		return ResultBadResponse, nil
	}
	// data after the function code + CRC
	if ok, err := t.stream.readFull(t.logger, conn, t.buffer[2:expected+3]); err != nil || !ok {
		return ResultTimeout, err
	}
	if !t.crcValid(1 + expected) {
		t.logData("bad crc", expected+3)
		return ResultBadResponse, nil
	}
	t.logData("normal", expected+3)
	tx.setResponse(t.buffer[1 : 1+expected])
	return ResultOK, nil
}

// readID reads single bytes until the expected slave ID shows up or the
// phase budget runs out. Other bytes are discarded.
func (t *RTUOverTCPTransporter) readID(conn net.Conn, expected byte) (Result, error) {
	if err := conn.SetReadDeadline(time.Now().Add(t.config.Timeout)); err != nil {
		return ResultTimeout, &ConnError{Op: "read", Addr: t.stream.remoteString(), Err: err}
	}
	for {
		n, err := conn.Read(t.buffer[:1])
		if n == 1 {
			if t.buffer[0] == expected {
				return ResultOK, nil
			}
			t.logData("bad id", 1)
			continue
		}
		if err != nil {
			if isTimeout(err) {
				logf(t.logger, LevelWarning, "modbus rtu over tcp: response timeout (waiting for id %d)", expected)
				return ResultTimeout, nil
			}
			return ResultTimeout, t.stream.readError(err)
		}
	}
}

// crcValid checks the CRC stored after buffer[:size].
func (t *RTUOverTCPTransporter) crcValid(size int) bool {
	calculated, received := frameCRC(t.buffer[:size+2])
	if calculated == received {
		return true
	}
	logf(t.logger, LevelWarning, "modbus rtu over tcp: CRC error (calc: %04X, in response: %04X)", calculated, received)
	return false
}

func (t *RTUOverTCPTransporter) logData(kind string, length int) {
	logf(t.logger, LevelTrace, "modbus rtu over tcp: read (%s): %s", kind, hexDump(t.buffer[:length]))
}

// Close closes the connection. It is idempotent and may be called from
// another goroutine to abort a blocked WaitResponse, which then fails
// with a *ConnError.
func (t *RTUOverTCPTransporter) Close() error {
	return t.stream.close(t.logger)
}
