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
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// drainTimeout bounds each read of the pre-send drain. Bytes already
// queued in the kernel are returned before the deadline is consulted,
// so the drain discards what is available without waiting for more.
const drainTimeout = time.Millisecond

// streamConn is a lazily dialed TCP connection shared by the stream
// transports. The handle is taken and cleared under mu, so close may run
// from another goroutine while a read is blocked on it.
type streamConn struct {
	name         string // Log prefix
	address      string
	port         int
	localAddress string
	localPort    int
	timeout      time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func (s *streamConn) remoteString() string {
	return net.JoinHostPort(s.address, strconv.Itoa(s.port))
}

func (s *streamConn) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// open dials unless a connection is already held.
func (s *streamConn) open(logger io.Writer) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	if s.port == 0 {
		return nil, &ConnError{Op: "open", Addr: s.remoteString(), Err: ErrNoRemotePort}
	}

	localString := net.JoinHostPort(s.localAddress, strconv.Itoa(s.localPort))
	logf(logger, LevelInfo, "%s: opening socket: %s <-> %s", s.name, localString, s.remoteString())

	dialer := net.Dialer{Timeout: s.timeout}
	if s.localAddress != "" || s.localPort != 0 {
		local, err := net.ResolveTCPAddr("tcp", localString)
		if err != nil {
			return nil, &ConnError{Op: "open", Addr: localString, Err: err}
		}
		dialer.LocalAddr = local
	}
	conn, err := dialer.Dial("tcp", s.remoteString())
	if err != nil {
		return nil, &ConnError{Op: "open", Addr: s.remoteString(), Err: err}
	}

	s.conn = conn
	logf(logger, LevelInfo, "%s: socket opened: %s <-> %s", s.name, conn.LocalAddr(), conn.RemoteAddr())
	return conn, nil
}

// openDrained opens the connection and discards pending input. A remote
// that dropped the idle connection is redialed once, since nothing has
// been sent on it yet.
func (s *streamConn) openDrained(logger io.Writer, buf []byte) (net.Conn, error) {
	conn, err := s.open(logger)
	if err != nil {
		return nil, err
	}
	err = s.drain(logger, conn, buf)
	if err == nil {
		return conn, nil
	}
	s.close(logger)
	if !errors.Is(err, ErrConnectionClosed) {
		return nil, err
	}

	logf(logger, LevelInfo, "%s: connection closed by remote while idle, reconnecting", s.name)
	if conn, err = s.open(logger); err != nil {
		return nil, err
	}
	if err := s.drain(logger, conn, buf); err != nil {
		s.close(logger)
		return nil, err
	}
	return conn, nil
}

// drain reads and logs whatever is already waiting on conn. A peer that
// is still sending after one response timeout fails the drain.
func (s *streamConn) drain(logger io.Writer, conn net.Conn, buf []byte) error {
	limit := time.Now().Add(max(s.timeout, drainTimeout))
	for {
		if time.Now().After(limit) {
			logf(logger, LevelError, "%s: unexpected input does not stop, giving up", s.name)
			return &ConnError{Op: "drain", Addr: s.remoteString(), Err: ErrDrainOverrun}
		}
		if err := conn.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
			return &ConnError{Op: "read", Addr: s.remoteString(), Err: err}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			logf(logger, LevelWarning, "%s: unexpected input: %s", s.name, hexDump(buf[:n]))
		}
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return s.readError(err)
		}
	}
}

// write sends frame within the timeout. A failure drops the connection.
func (s *streamConn) write(logger io.Writer, conn net.Conn, frame []byte) error {
	logf(logger, LevelTrace, "%s: write: %s", s.name, hexDump(frame))
	err := conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err == nil {
		_, err = conn.Write(frame)
	}
	if err != nil {
		s.close(logger)
		return &ConnError{Op: "write", Addr: s.remoteString(), Err: err}
	}
	return nil
}

// readFull fills buf within a fresh Timeout budget and reports false on
// timeout, logging the bytes received so far.
func (s *streamConn) readFull(logger io.Writer, conn net.Conn, buf []byte) (bool, error) {
	return s.readFullUntil(logger, conn, buf, time.Now().Add(s.timeout))
}

// readFullUntil is readFull with an absolute deadline.
func (s *streamConn) readFullUntil(logger io.Writer, conn net.Conn, buf []byte, deadline time.Time) (bool, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false, &ConnError{Op: "read", Addr: s.remoteString(), Err: err}
	}
	n, err := io.ReadFull(conn, buf)
	if err == nil {
		return true, nil
	}
	if isTimeout(err) {
		if n > 0 {
			logf(logger, LevelTrace, "%s: read (incomplete): %s", s.name, hexDump(buf[:n]))
		}
		logf(logger, LevelWarning, "%s: response timeout (%d of %d bytes)", s.name, n, len(buf))
		return false, nil
	}
	return false, s.readError(err)
}

// readError maps a read failure to a *ConnError. EOF means the remote
// closed the connection.
func (s *streamConn) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrConnectionClosed
	}
	return &ConnError{Op: "read", Addr: s.remoteString(), Err: err}
}

// close drops the connection. It is idempotent.
func (s *streamConn) close(logger io.Writer) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	logf(logger, LevelInfo, "%s: closing socket", s.name)
	err := conn.Close()
	logf(logger, LevelInfo, "%s: socket closed", s.name)
	return err
}
