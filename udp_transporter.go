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
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultPort is the registered Modbus port.
	DefaultPort = 502
	// DefaultTimeout is the response timeout used when none is configured.
	DefaultTimeout = 1 * time.Second
)

// UDPConfig holds configuration parameters for the UDP transporter.
type UDPConfig struct {
	Address      string        // Remote host
	Port         int           // Remote port, 0 means DefaultPort
	LocalAddress string        // Local bind address, empty means any
	LocalPort    int           // Local bind port, 0 means any
	Timeout      time.Duration // Response timeout
	Pause        time.Duration // Delay before each request
	Logger       io.Writer
}

// DefaultUDPConfig returns default configuration
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		Port:    DefaultPort,
		Timeout: DefaultTimeout,
	}
}

// UDPTransporter carries Modbus TCP frames (MBAP header + PDU) in UDP
// datagrams. Replies are correlated by sender address, transaction ID
// and unit ID; anything else is discarded.
type UDPTransporter struct {
	config UDPConfig
	logger io.Writer

	mu     sync.Mutex // Protects conn against a concurrent Close
	conn   *net.UDPConn
	remote *net.UDPAddr

	transactionID uint16
	buffer        [MaxMBAPFrameLength]byte // Shared by request and reply
}

// NewUDPTransporter creates a UDP transporter. The socket is opened on
// the first Send or WaitResponse.
func NewUDPTransporter(config UDPConfig) *UDPTransporter {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &UDPTransporter{
		config: config,
		logger: config.Logger,
	}
}

// SetLogger sets the logger for the transporter.
func (t *UDPTransporter) SetLogger(logger io.Writer) {
	t.logger = logger
}

// TransactionID returns the ID of the last request sent.
func (t *UDPTransporter) TransactionID() uint16 {
	return t.transactionID
}

// LocalAddr returns the bound local address, or nil when the socket is closed.
func (t *UDPTransporter) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDPTransporter) remoteString() string {
	return net.JoinHostPort(t.config.Address, strconv.Itoa(t.config.Port))
}

// open binds the socket unless it is already open.
func (t *UDPTransporter) open() (*net.UDPConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	if t.config.Address == "" {
		return nil, &ConnError{Op: "open", Addr: t.remoteString(), Err: ErrNoRemoteAddress}
	}

	localString := net.JoinHostPort(t.config.LocalAddress, strconv.Itoa(t.config.LocalPort))
	logf(t.logger, LevelInfo, "modbus udp: opening socket: %s <-> %s", localString, t.remoteString())

	remote, err := net.ResolveUDPAddr("udp", t.remoteString())
	if err != nil {
		return nil, &ConnError{Op: "open", Addr: t.remoteString(), Err: err}
	}
	local := &net.UDPAddr{Port: t.config.LocalPort}
	if t.config.LocalAddress != "" {
		if local, err = net.ResolveUDPAddr("udp", localString); err != nil {
			return nil, &ConnError{Op: "open", Addr: localString, Err: err}
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, &ConnError{Op: "open", Addr: localString, Err: err}
	}

	t.conn, t.remote = conn, remote
	logf(t.logger, LevelInfo, "modbus udp: socket opened: %s <-> %s", conn.LocalAddr(), remote)
	return conn, nil
}

// nextTransactionID advances id, wrapping from 65535 to 1. Zero is never used.
func nextTransactionID(id uint16) uint16 {
	id++
	if id == 0 {
		id = 1
	}
	return id
}

// Send frames tx with the next transaction ID and transmits it as one datagram.
func (t *UDPTransporter) Send(tx *Transaction) error {
	if err := tx.validate(); err != nil {
		return err
	}
	if t.config.Pause > 0 {
		time.Sleep(t.config.Pause)
	}
	conn, err := t.open()
	if err != nil {
		return err
	}

	t.transactionID = nextTransactionID(t.transactionID)
	size, err := PackMBAP(t.buffer[:], t.transactionID, tx.ServerID, tx.PDU)
	if err != nil {
		return err
	}
	logf(t.logger, LevelTrace, "modbus udp: write: %s", hexDump(t.buffer[:size]))

	if _, err := conn.WriteToUDP(t.buffer[:size], t.remote); err != nil {
		return &ConnError{Op: "write", Addr: t.remote.String(), Err: err}
	}
	return nil
}

// WaitResponse blocks until the reply to the last Send arrives or the
// timeout passes. The Result is only meaningful when err is nil.
func (t *UDPTransporter) WaitResponse(tx *Transaction) (Result, error) {
	conn, err := t.open()
	if err != nil {
		return ResultTimeout, err
	}

	size, ok, err := t.waitCorrectPacket(conn, tx.ServerID)
	if err != nil {
		return ResultTimeout, err
	}
	if !ok {
		return ResultTimeout, nil
	}

	// Minimal response is [MBAP(7), function(1), exception code(1)]
	if size < minMBAPResponseSize {
		logf(t.logger, LevelWarning, "modbus udp: invalid size: %d (expected: >= %d)", size, minMBAPResponseSize)
		return ResultBadResponse, nil
	}
	function := t.buffer[MBAPHeaderLength]
	if function&^exceptionBit != tx.Function() {
		logf(t.logger, LevelWarning, "modbus udp: invalid function: %02X (expected: %02X)", function, tx.Function())
		return ResultBadResponse, nil
	}
	if function&exceptionBit != 0 {
		tx.setException(function, t.buffer[MBAPHeaderLength+1])
		return ResultException, nil
	}

	expected, valid := tx.expectedSize()
	if !valid {
		logf(t.logger, LevelWarning, "modbus udp: unusable response size %d for func %02X", expected, tx.Function())
		return ResultBadResponse, nil
	}
	if size < MBAPHeaderLength+expected {
		logf(t.logger, LevelWarning, "modbus udp: invalid size: %d (expected: %d)", size, MBAPHeaderLength+expected)
		return ResultBadResponse, nil
	}
	tx.setResponse(t.buffer[MBAPHeaderLength : MBAPHeaderLength+expected])
	return ResultOK, nil
}

// waitCorrectPacket receives datagrams into the buffer until one matches the
// outstanding request. The overall deadline is fixed on entry; a single
// receive that times out ends the wait.
func (t *UDPTransporter) waitCorrectPacket(conn *net.UDPConn, serverID byte) (int, bool, error) {
	now := time.Now()
	deadline := now.Add(t.config.Timeout)
	for now.Before(deadline) {
		if err := conn.SetReadDeadline(now.Add(t.config.Timeout)); err != nil {
			return 0, false, &ConnError{Op: "read", Addr: t.remote.String(), Err: err}
		}
		n, from, err := conn.ReadFromUDP(t.buffer[:])
		if err != nil {
			if isTimeout(err) {
				logf(t.logger, LevelWarning, "modbus udp: receive timeout")
				return 0, false, nil
			}
			return 0, false, &ConnError{Op: "read", Addr: t.remote.String(), Err: err}
		}
		if t.matches(from, n, serverID) {
			logf(t.logger, LevelTrace, "modbus udp: read: %s", hexDump(t.buffer[:n]))
			return n, true, nil
		}
		logf(t.logger, LevelWarning, "modbus udp: unexpected input from %s: %s", from, hexDump(t.buffer[:n]))
		now = time.Now()
	}
	logf(t.logger, LevelWarning, "modbus udp: response timeout")
	return 0, false, nil
}

func (t *UDPTransporter) matches(from *net.UDPAddr, n int, serverID byte) bool {
	if from == nil || !from.IP.Equal(t.remote.IP) || from.Port != t.remote.Port {
		return false
	}
	return n >= MBAPHeaderLength &&
		Uint16BE(t.buffer[0:2]) == t.transactionID &&
		t.buffer[6] == serverID
}

// Close closes the socket. It may be called from another goroutine to
// abort a blocked WaitResponse, which then fails with a *ConnError.
func (t *UDPTransporter) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	logf(t.logger, LevelInfo, "modbus udp: closing socket")
	err := conn.Close()
	logf(t.logger, LevelInfo, "modbus udp: socket closed")
	return err
}
