package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function codes of the public Modbus function set.
const (
	FuncCodeReadCoils                  uint8 = 0x01
	FuncCodeReadDiscreteInputs         uint8 = 0x02
	FuncCodeReadHoldingRegisters       uint8 = 0x03
	FuncCodeReadInputRegisters         uint8 = 0x04
	FuncCodeWriteSingleCoil            uint8 = 0x05
	FuncCodeWriteSingleRegister        uint8 = 0x06
	FuncCodeReadExceptionStatus        uint8 = 0x07
	FuncCodeWriteMultipleCoils         uint8 = 0x0F
	FuncCodeWriteMultipleRegisters     uint8 = 0x10
	FuncCodeMaskWriteRegister          uint8 = 0x16
	FuncCodeReadWriteMultipleRegisters uint8 = 0x17

	exceptionBit uint8 = 0x80
)

// Quantity limits imposed by the maximum PDU size.
const (
	MaxReadBits       = 2000
	MaxReadRegisters  = 125
	MaxWriteBits      = 1968
	MaxWriteRegisters = 123
)

// Standard Response PDU Lengths (Including Function Code)
const (
	RespPDULenWriteSingleCoil        = 1 + 2 + 2 // FuncCode (1) + Address (2) + Value (2)
	RespPDULenWriteSingleRegister    = 1 + 2 + 2 // FuncCode (1) + Address (2) + Value (2)
	RespPDULenWriteMultipleCoils     = 1 + 2 + 2 // FuncCode (1) + Address (2) + Quantity (2)
	RespPDULenWriteMultipleRegisters = 1 + 2 + 2 // FuncCode (1) + Address (2) + Quantity (2)
	RespPDULenReadExceptionStatus    = 1 + 1     // FuncCode (1) + Status Byte (1)
	RespPDULenMaskWriteRegister      = 1 + 2 + 2 + 2
)

// buildRequestPDU constructs a Modbus request PDU from a function code and data.
func buildRequestPDU(functionCode uint8, data ...uint16) []byte {
	pdu := make([]byte, 1+2*len(data))
	pdu[0] = functionCode
	for i, v := range data {
		binary.BigEndian.PutUint16(pdu[1+2*i:], v)
	}
	return pdu
}

func readRequest(functionCode uint8, startAddress, quantity uint16, limit int) ([]byte, error) {
	if quantity < 1 || int(quantity) > limit {
		return nil, fmt.Errorf("modbus: quantity %d out of range for func %02X (must be 1-%d)", quantity, functionCode, limit)
	}
	return buildRequestPDU(functionCode, startAddress, quantity), nil
}

// ReadCoilsRequest builds a function 0x01 request.
func ReadCoilsRequest(startAddress, quantity uint16) ([]byte, error) {
	return readRequest(FuncCodeReadCoils, startAddress, quantity, MaxReadBits)
}

// ReadDiscreteInputsRequest builds a function 0x02 request.
func ReadDiscreteInputsRequest(startAddress, quantity uint16) ([]byte, error) {
	return readRequest(FuncCodeReadDiscreteInputs, startAddress, quantity, MaxReadBits)
}

// ReadHoldingRegistersRequest builds a function 0x03 request.
func ReadHoldingRegistersRequest(startAddress, quantity uint16) ([]byte, error) {
	return readRequest(FuncCodeReadHoldingRegisters, startAddress, quantity, MaxReadRegisters)
}

// ReadInputRegistersRequest builds a function 0x04 request.
func ReadInputRegistersRequest(startAddress, quantity uint16) ([]byte, error) {
	return readRequest(FuncCodeReadInputRegisters, startAddress, quantity, MaxReadRegisters)
}

// WriteSingleCoilRequest builds a function 0x05 request.
func WriteSingleCoilRequest(address uint16, value bool) []byte {
	var v uint16
	if value {
		v = 0xFF00
	}
	return buildRequestPDU(FuncCodeWriteSingleCoil, address, v)
}

// WriteSingleRegisterRequest builds a function 0x06 request.
func WriteSingleRegisterRequest(address, value uint16) []byte {
	return buildRequestPDU(FuncCodeWriteSingleRegister, address, value)
}

// ReadExceptionStatusRequest builds a function 0x07 request.
func ReadExceptionStatusRequest() []byte {
	return []byte{FuncCodeReadExceptionStatus}
}

// WriteMultipleCoilsRequest builds a function 0x0F request.
func WriteMultipleCoilsRequest(startAddress uint16, values []bool) ([]byte, error) {
	if len(values) < 1 || len(values) > MaxWriteBits {
		return nil, fmt.Errorf("modbus: quantity %d out of range for func %02X (must be 1-%d)", len(values), FuncCodeWriteMultipleCoils, MaxWriteBits)
	}
	byteCount := (len(values) + 7) / 8
	pdu := make([]byte, 6+byteCount)
	copy(pdu, buildRequestPDU(FuncCodeWriteMultipleCoils, startAddress, uint16(len(values))))
	pdu[5] = byte(byteCount)
	for i, v := range values {
		if v {
			pdu[6+i/8] |= 1 << (i % 8)
		}
	}
	return pdu, nil
}

// WriteMultipleRegistersRequest builds a function 0x10 request.
func WriteMultipleRegistersRequest(startAddress uint16, values []uint16) ([]byte, error) {
	if len(values) < 1 || len(values) > MaxWriteRegisters {
		return nil, fmt.Errorf("modbus: quantity %d out of range for func %02X (must be 1-%d)", len(values), FuncCodeWriteMultipleRegisters, MaxWriteRegisters)
	}
	pdu := make([]byte, 6+2*len(values))
	copy(pdu, buildRequestPDU(FuncCodeWriteMultipleRegisters, startAddress, uint16(len(values))))
	pdu[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+2*i:], v)
	}
	return pdu, nil
}

// StandardResponseSize returns the normal response PDU size for a request
// of the public function set, or -1 when the request is not recognised.
func StandardResponseSize(request []byte) int {
	if len(request) == 0 {
		return -1
	}
	switch request[0] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		if len(request) < 5 {
			return -1
		}
		quantity := int(binary.BigEndian.Uint16(request[3:5]))
		return 2 + (quantity+7)/8 // FuncCode + ByteCount + packed bits
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if len(request) < 5 {
			return -1
		}
		return 2 + 2*int(binary.BigEndian.Uint16(request[3:5]))
	case FuncCodeReadWriteMultipleRegisters:
		if len(request) < 5 {
			return -1
		}
		return 2 + 2*int(binary.BigEndian.Uint16(request[3:5])) // read quantity
	case FuncCodeWriteSingleCoil:
		return RespPDULenWriteSingleCoil
	case FuncCodeWriteSingleRegister:
		return RespPDULenWriteSingleRegister
	case FuncCodeWriteMultipleCoils:
		return RespPDULenWriteMultipleCoils
	case FuncCodeWriteMultipleRegisters:
		return RespPDULenWriteMultipleRegisters
	case FuncCodeReadExceptionStatus:
		return RespPDULenReadExceptionStatus
	case FuncCodeMaskWriteRegister:
		return RespPDULenMaskWriteRegister
	}
	return -1
}

// DecodeBits unpacks quantity bits from a read coils/discrete inputs response.
func DecodeBits(response []byte, quantity int) ([]bool, error) {
	data, err := byteCountData(response)
	if err != nil {
		return nil, err
	}
	if len(data)*8 < quantity {
		return nil, fmt.Errorf("modbus: response carries %d bits, need %d", len(data)*8, quantity)
	}
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}

// DecodeRegisters unpacks the registers of a read registers response.
func DecodeRegisters(response []byte) ([]uint16, error) {
	data, err := byteCountData(response)
	if err != nil {
		return nil, err
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("modbus: invalid register data length: expected even number of bytes, got %d", len(data))
	}
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return regs, nil
}

// byteCountData returns the data following the byte count of a read response.
func byteCountData(response []byte) ([]byte, error) {
	if len(response) < 2 {
		return nil, fmt.Errorf("modbus: invalid response length: expected at least 2 bytes, got %d", len(response))
	}
	byteCount := int(response[1])
	if len(response)-2 != byteCount {
		return nil, fmt.Errorf("modbus: invalid response data length: expected %d bytes, got %d", byteCount, len(response)-2)
	}
	return response[2:], nil
}
