package modbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildRequestPDU(t *testing.T) {
	pdu, err := ReadHoldingRegistersRequest(0x000A, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegistersRequest failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x03, 0x00, 0x0A, 0x00, 0x01}, pdu); diff != "" {
		t.Errorf("request PDU mismatch (-want +got):\n%s", diff)
	}

	if _, err := ReadHoldingRegistersRequest(0, 0); err == nil {
		t.Error("zero quantity should be rejected")
	}
	if _, err := ReadCoilsRequest(0, MaxReadBits+1); err == nil {
		t.Error("oversize coil quantity should be rejected")
	}

	coils, err := WriteMultipleCoilsRequest(0x0013, []bool{true, false, true, true, false, false, true, true, true, false})
	if err != nil {
		t.Fatalf("WriteMultipleCoilsRequest failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}, coils); diff != "" {
		t.Errorf("coil request mismatch (-want +got):\n%s", diff)
	}

	regs, err := WriteMultipleRegistersRequest(0x0001, []uint16{0x000A, 0x0102})
	if err != nil {
		t.Fatalf("WriteMultipleRegistersRequest failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}, regs); diff != "" {
		t.Errorf("register request mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]byte{0x05, 0x00, 0xAC, 0xFF, 0x00}, WriteSingleCoilRequest(0xAC, true)); diff != "" {
		t.Errorf("single coil request mismatch (-want +got):\n%s", diff)
	}
}

func TestStandardResponseSize(t *testing.T) {
	mustRead := func(pdu []byte, err error) []byte {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return pdu
	}
	testCases := []struct {
		name    string
		request []byte
		want    int
	}{
		{"read 2 holding", mustRead(ReadHoldingRegistersRequest(0, 2)), 6},
		{"read 10 inputs", mustRead(ReadInputRegistersRequest(0, 10)), 22},
		{"read 9 coils", mustRead(ReadCoilsRequest(0, 9)), 4},
		{"read 8 discrete", mustRead(ReadDiscreteInputsRequest(0, 8)), 3},
		{"write single register", WriteSingleRegisterRequest(1, 2), 5},
		{"exception status", ReadExceptionStatusRequest(), 2},
		{"unknown function", []byte{0x2B, 0x0E, 0x01, 0x00}, -1},
		{"truncated read", []byte{0x03, 0x00}, -1},
		{"empty", nil, -1},
	}
	for _, tc := range testCases {
		if got := StandardResponseSize(tc.request); got != tc.want {
			t.Errorf("%s: StandardResponseSize = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDecodeResponses(t *testing.T) {
	regs, err := DecodeRegisters([]byte{0x03, 0x04, 0x00, 0x0A, 0x00, 0x14})
	if err != nil {
		t.Fatalf("DecodeRegisters failed: %v", err)
	}
	if diff := cmp.Diff([]uint16{0x000A, 0x0014}, regs); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	if _, err := DecodeRegisters([]byte{0x03, 0x04, 0x00}); err == nil {
		t.Error("DecodeRegisters should fail on byte count mismatch")
	}

	bits, err := DecodeBits([]byte{0x01, 0x01, 0x05}, 3)
	if err != nil {
		t.Fatalf("DecodeBits failed: %v", err)
	}
	if diff := cmp.Diff([]bool{true, false, true}, bits); diff != "" {
		t.Errorf("bits mismatch (-want +got):\n%s", diff)
	}
	if _, err := DecodeBits([]byte{0x01, 0x01, 0x05}, 9); err == nil {
		t.Error("DecodeBits should fail when the response is short of bits")
	}
}
