package modbus

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const slaveIOTimeout = 2 * time.Second

// tcpSlave accepts connections one at a time and hands each to serve.
type tcpSlave struct {
	ln   net.Listener
	done chan struct{}
}

func startTCPSlave(t *testing.T, serve func(conn net.Conn)) *tcpSlave {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start TCP slave: %v", err)
	}
	s := &tcpSlave{ln: ln, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			serve(conn)
			conn.Close()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-s.done
	})
	return s
}

func (s *tcpSlave) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// readRTURequest reads a request frame of n bytes.
func readRTURequest(conn net.Conn, n int) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(slaveIOTimeout))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	return buf, err
}

// waitPeerClose blocks until the client closes its side.
func waitPeerClose(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(slaveIOTimeout))
	io.Copy(io.Discard, conn)
}

func rtuFrame(unit byte, pdu []byte) []byte {
	frame := make([]byte, MaxRTUFrameLength)
	n, err := PackRTU(frame, unit, pdu)
	if err != nil {
		panic(err)
	}
	return frame[:n]
}

func newTestRTUOverTCPTransporter(t *testing.T, port int, timeout time.Duration, keep bool) *RTUOverTCPTransporter {
	t.Helper()
	tr := NewRTUOverTCPTransporter(RTUOverTCPConfig{
		Address:        "127.0.0.1",
		Port:           port,
		Timeout:        timeout,
		KeepConnection: keep,
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

var (
	readTwoRegisters  = []byte{0x03, 0x00, 0x00, 0x00, 0x02}
	twoRegistersReply = []byte{0x03, 0x04, 0x00, 0x0A, 0x00, 0x14}
)

func TestRTUOverTCPTransporter_ReadHoldingRegisters(t *testing.T) {
	requests := make(chan []byte, 1)
	slave := startTCPSlave(t, func(conn net.Conn) {
		req, err := readRTURequest(conn, 8)
		if err != nil {
			return
		}
		requests <- req
		conn.Write(rtuFrame(0x01, twoRegistersReply))
		waitPeerClose(conn)
	})

	tr := newTestRTUOverTCPTransporter(t, slave.port(), 200*time.Millisecond, true)
	tx := NewTransaction(0x01, readTwoRegisters, nil)
	if err := tr.Send(tx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	res, err := tr.WaitResponse(tx)
	if err != nil || res != ResultOK {
		t.Fatalf("WaitResponse = %v, %v; want OK", res, err)
	}
	if diff := cmp.Diff(twoRegistersReply, tx.Response()); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(rtuFrame(0x01, readTwoRegisters), <-requests); diff != "" {
		t.Errorf("request frame mismatch (-want +got):\n%s", diff)
	}
	if !tr.Connected() {
		t.Error("connection should be kept")
	}
}

func TestRTUOverTCPTransporter_Outcomes(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
		want  Result
		resp  []byte
	}{
		{
			name:  "stray byte before id",
			reply: append([]byte{0x05}, rtuFrame(0x01, twoRegistersReply)...),
			want:  ResultOK,
			resp:  twoRegistersReply,
		},
		{
			name:  "wrong function",
			reply: rtuFrame(0x01, []byte{0x04, 0x04, 0x00, 0x0A, 0x00, 0x14}),
			want:  ResultBadResponse,
		},
		{
			name:  "exception",
			reply: rtuFrame(0x01, []byte{0x83, 0x02}),
			want:  ResultException,
			resp:  []byte{0x83, 0x02},
		},
		{
			name:  "exception with bad crc",
			reply: []byte{0x01, 0x83, 0x02, 0x00, 0x00},
			want:  ResultBadResponse,
		},
		{
			name:  "short data",
			reply: []byte{0x01, 0x03, 0x04, 0x00},
			want:  ResultTimeout,
		},
		{
			name: "no reply",
			want: ResultTimeout,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			slave := startTCPSlave(t, func(conn net.Conn) {
				if _, err := readRTURequest(conn, 8); err != nil {
					return
				}
				if len(tc.reply) > 0 {
					conn.Write(tc.reply)
				}
				waitPeerClose(conn)
			})
			tr := newTestRTUOverTCPTransporter(t, slave.port(), 150*time.Millisecond, true)
			tx := NewTransaction(0x01, readTwoRegisters, nil)
			if err := tr.Send(tx); err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			res, err := tr.WaitResponse(tx)
			if err != nil {
				t.Fatalf("WaitResponse failed: %v", err)
			}
			if res != tc.want {
				t.Fatalf("result = %v, want %v", res, tc.want)
			}
			if tc.resp != nil {
				if diff := cmp.Diff(tc.resp, tx.Response()); diff != "" {
					t.Errorf("response mismatch (-want +got):\n%s", diff)
				}
			} else if len(tx.Response()) != 0 {
				t.Errorf("response should be empty, got % X", tx.Response())
			}
		})
	}
}

func TestRTUOverTCPTransporter_BitFlipsNeverOK(t *testing.T) {
	good := rtuFrame(0x01, twoRegistersReply)
	replies := make(chan []byte)
	slave := startTCPSlave(t, func(conn net.Conn) {
		if _, err := readRTURequest(conn, 8); err != nil {
			return
		}
		reply, ok := <-replies
		if !ok {
			return
		}
		conn.Write(reply)
		waitPeerClose(conn)
	})
	t.Cleanup(func() { close(replies) })

	tr := newTestRTUOverTCPTransporter(t, slave.port(), 100*time.Millisecond, false)
	for i := range len(good) - 2 {
		for bit := range 8 {
			corrupt := append([]byte(nil), good...)
			corrupt[i] ^= 1 << bit

			tx := NewTransaction(0x01, readTwoRegisters, nil)
			if err := tr.Send(tx); err != nil {
				t.Fatalf("byte %d bit %d: Send failed: %v", i, bit, err)
			}
			replies <- corrupt
			res, err := tr.WaitResponse(tx)
			if err != nil {
				t.Fatalf("byte %d bit %d: WaitResponse failed: %v", i, bit, err)
			}
			if res == ResultOK {
				t.Fatalf("byte %d bit %d: corrupted frame % X accepted", i, bit, corrupt)
			}
			if i > 0 && res != ResultBadResponse {
				t.Errorf("byte %d bit %d: result = %v, want BAD_RESPONSE", i, bit, res)
			}
		}
	}
}

func TestRTUOverTCPTransporter_CloseAfterWait(t *testing.T) {
	closed := make(chan bool, 1)
	slave := startTCPSlave(t, func(conn net.Conn) {
		if _, err := readRTURequest(conn, 8); err != nil {
			return
		}
		conn.Write(rtuFrame(0x01, twoRegistersReply))
		conn.SetReadDeadline(time.Now().Add(slaveIOTimeout))
		_, err := conn.Read(make([]byte, 1))
		closed <- errors.Is(err, io.EOF)
	})

	tr := newTestRTUOverTCPTransporter(t, slave.port(), 200*time.Millisecond, false)
	tx := NewTransaction(0x01, readTwoRegisters, nil)
	if err := tr.Send(tx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res, err := tr.WaitResponse(tx); err != nil || res != ResultOK {
		t.Fatalf("WaitResponse = %v, %v; want OK", res, err)
	}
	if tr.Connected() {
		t.Error("connection should be closed after the wait")
	}
	if !<-closed {
		t.Error("slave did not observe the close")
	}
}

func TestRTUOverTCPTransporter_DrainsBeforeSend(t *testing.T) {
	slave := startTCPSlave(t, func(conn net.Conn) {
		if _, err := readRTURequest(conn, 8); err != nil {
			return
		}
		// Trailing junk starting with the slave ID would be taken for
		// the next reply if it were not drained.
		junk := []byte{0x01, 0x03, 0xFF}
		conn.Write(append(rtuFrame(0x01, twoRegistersReply), junk...))

		if _, err := readRTURequest(conn, 8); err != nil {
			return
		}
		conn.Write(rtuFrame(0x01, []byte{0x03, 0x04, 0x00, 0x01, 0x00, 0x02}))
		waitPeerClose(conn)
	})

	tr := newTestRTUOverTCPTransporter(t, slave.port(), 200*time.Millisecond, true)
	tx := NewTransaction(0x01, readTwoRegisters, nil)
	if err := tr.Send(tx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res, err := tr.WaitResponse(tx); err != nil || res != ResultOK {
		t.Fatalf("first WaitResponse = %v, %v; want OK", res, err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := tr.Send(tx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res, err := tr.WaitResponse(tx); err != nil || res != ResultOK {
		t.Fatalf("second WaitResponse = %v, %v; want OK", res, err)
	}
	if diff := cmp.Diff([]byte{0x03, 0x04, 0x00, 0x01, 0x00, 0x02}, tx.Response()); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestRTUOverTCPTransporter_PhaseDeadlines(t *testing.T) {
	frame := rtuFrame(0x01, twoRegistersReply)
	slave := startTCPSlave(t, func(conn net.Conn) {
		if _, err := readRTURequest(conn, 8); err != nil {
			return
		}
		conn.Write(frame[:1])
		time.Sleep(120 * time.Millisecond)
		conn.Write(frame[1:2])
		time.Sleep(120 * time.Millisecond)
		conn.Write(frame[2:])
		waitPeerClose(conn)
	})

	// Each phase fits in the timeout even though the whole reply does not.
	tr := newTestRTUOverTCPTransporter(t, slave.port(), 200*time.Millisecond, true)
	tx := NewTransaction(0x01, readTwoRegisters, nil)
	if err := tr.Send(tx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res, err := tr.WaitResponse(tx); err != nil || res != ResultOK {
		t.Fatalf("WaitResponse = %v, %v; want OK", res, err)
	}
}

func TestRTUOverTCPTransporter_RemoteCloseMidReply(t *testing.T) {
	slave := startTCPSlave(t, func(conn net.Conn) {
		if _, err := readRTURequest(conn, 8); err != nil {
			return
		}
		conn.Write([]byte{0x01, 0x03})
	})

	tr := newTestRTUOverTCPTransporter(t, slave.port(), time.Second, true)
	tx := NewTransaction(0x01, readTwoRegisters, nil)
	if err := tr.Send(tx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_, err := tr.WaitResponse(tx)
	if !IsConnError(err) || !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("WaitResponse error = %v, want connection closed", err)
	}
	if tr.Connected() {
		t.Error("connection should be dropped after a connection error")
	}
}

func TestRTUOverTCPTransporter_ReconnectsAfterIdleClose(t *testing.T) {
	slave := startTCPSlave(t, func(conn net.Conn) {
		if _, err := readRTURequest(conn, 8); err != nil {
			return
		}
		conn.Write(rtuFrame(0x01, twoRegistersReply))
		// close right away, the next request arrives on a new connection
	})

	tr := newTestRTUOverTCPTransporter(t, slave.port(), 200*time.Millisecond, true)
	tx := NewTransaction(0x01, readTwoRegisters, nil)
	for i := range 2 {
		if err := tr.Send(tx); err != nil {
			t.Fatalf("request %d: Send failed: %v", i, err)
		}
		if res, err := tr.WaitResponse(tx); err != nil || res != ResultOK {
			t.Fatalf("request %d: WaitResponse = %v, %v; want OK", i, res, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRTUOverTCPTransporter_CloseUnblocksWait(t *testing.T) {
	slave := startTCPSlave(t, func(conn net.Conn) {
		readRTURequest(conn, 8)
		waitPeerClose(conn)
	})

	tr := newTestRTUOverTCPTransporter(t, slave.port(), 5*time.Second, true)
	tx := NewTransaction(0x01, readTwoRegisters, nil)
	if err := tr.Send(tx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		tr.Close()
	}()
	start := time.Now()
	_, err := tr.WaitResponse(tx)
	if !IsConnError(err) || !errors.Is(err, net.ErrClosed) {
		t.Fatalf("WaitResponse error = %v, want closed connection", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Close took %v to unblock the wait", elapsed)
	}
}

func TestRTUOverTCPTransporter_RequiresPort(t *testing.T) {
	tr := NewRTUOverTCPTransporter(RTUOverTCPConfig{Address: "127.0.0.1"})
	err := tr.Send(NewTransaction(0x01, readTwoRegisters, nil))
	if !errors.Is(err, ErrNoRemotePort) || !IsConnError(err) {
		t.Fatalf("Send error = %v, want ErrNoRemotePort", err)
	}
}

func TestRTUOverTCPTransporter_DrainGivesUpOnEndlessInput(t *testing.T) {
	slave := startTCPSlave(t, func(conn net.Conn) {
		conn.SetWriteDeadline(time.Now().Add(slaveIOTimeout))
		junk := []byte{0x01, 0x03, 0xFF, 0x00}
		for {
			if _, err := conn.Write(junk); err != nil {
				return
			}
		}
	})

	tr := newTestRTUOverTCPTransporter(t, slave.port(), 100*time.Millisecond, true)
	start := time.Now()
	err := tr.Send(NewTransaction(0x01, readTwoRegisters, nil))
	if !errors.Is(err, ErrDrainOverrun) || !IsConnError(err) {
		t.Fatalf("Send error = %v, want ErrDrainOverrun", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send took %v, want about one timeout", elapsed)
	}
	if tr.Connected() {
		t.Error("connection should be dropped after a failed drain")
	}
}
