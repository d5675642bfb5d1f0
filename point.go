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
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPoint is returned for a point whose definition cannot be read.
var ErrInvalidPoint = errors.New("modbus: invalid point")

// Point names a typed value held in one or more consecutive registers or
// bits of a device.
type Point struct {
	Name        string  `yaml:"name"`
	ServerID    uint8   `yaml:"unit"`
	Function    uint8   `yaml:"function"`     // 1-4
	Address     uint16  `yaml:"address"`      // First register or bit
	Quantity    uint16  `yaml:"quantity"`     // Registers or bits, 0 derives it from DataType
	DataType    string  `yaml:"data_type"`    // e.g. uint16, int32, float32, bool, bitfield, string, float32[4]
	ByteOrder   string  `yaml:"byte_order"`   // e.g. ABCD, DCBA, BADC, CDAB; empty keeps wire order
	BitPosition uint16  `yaml:"bit_position"` // bool in a register
	BitMask     uint16  `yaml:"bit_mask"`     // bitfield
	Scale       float64 `yaml:"scale"`        // Applied to Float64, 0 means 1
}

// PointValue is a decoded point.
type PointValue struct {
	Name    string  `yaml:"name"`
	Type    string  `yaml:"type"`
	Raw     []byte  `yaml:"-"`
	Value   any     `yaml:"value"`   // Native value, a []any for arrays
	Float64 float64 `yaml:"float64"` // Scaled value, the sum of the elements for arrays
}

var arrayTypePattern = regexp.MustCompile(`^(\w+)\[(\d+)\]$`)

var validByteOrders = map[string]struct{}{
	"": {}, "A": {}, "AB": {}, "BA": {}, "ABCD": {}, "DCBA": {},
	"BADC": {}, "CDAB": {}, "ABCDEFGH": {}, "HGFEDCBA": {},
	"BADCFEHG": {}, "GHEFCDAB": {},
}

// parseDataType splits "float32[4]" into "float32" and 4. A plain type
// has count 1.
func parseDataType(dataType string) (string, int, error) {
	dataType = strings.TrimSpace(dataType)
	if dataType == "" {
		return "", 0, errors.New("empty data type")
	}
	if !strings.ContainsAny(dataType, "[]") {
		return dataType, 1, nil
	}
	m := arrayTypePattern.FindStringSubmatch(dataType)
	if m == nil {
		return "", 0, fmt.Errorf("invalid array type %q (expected type[count])", dataType)
	}
	count, err := strconv.Atoi(m[2])
	if err != nil || count < 1 {
		return "", 0, fmt.Errorf("invalid array length in %q", dataType)
	}
	return m[1], count, nil
}

// typeSize returns the bytes taken by one element, 0 for string.
func typeSize(base string) (int, error) {
	switch base {
	case "byte", "uint8", "int8":
		return 1, nil
	case "bool", "bitfield", "uint16", "int16":
		return 2, nil
	case "uint32", "int32", "float32":
		return 4, nil
	case "uint64", "int64", "float64":
		return 8, nil
	case "string":
		return 0, nil
	}
	return 0, fmt.Errorf("unknown data type %q", base)
}

func isBitFunction(function uint8) bool {
	return function == FuncCodeReadCoils || function == FuncCodeReadDiscreteInputs
}

// Normalize fills in defaults and checks the definition. DataType defaults
// to bool for coils and discrete inputs and to uint16 otherwise; Quantity
// is derived from DataType when zero.
func (p *Point) Normalize() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPoint)
	}
	limit := MaxReadRegisters
	switch p.Function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		limit = MaxReadBits
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
	default:
		return fmt.Errorf("%w: %s: function %d cannot be read as a point", ErrInvalidPoint, p.Name, p.Function)
	}
	if p.DataType == "" {
		p.DataType = "uint16"
		if isBitFunction(p.Function) {
			p.DataType = "bool"
		}
	}
	base, count, err := parseDataType(p.DataType)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPoint, p.Name, err)
	}
	size, err := typeSize(base)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPoint, p.Name, err)
	}
	if isBitFunction(p.Function) && base != "bool" {
		return fmt.Errorf("%w: %s: bits decode only as bool, not %s", ErrInvalidPoint, p.Name, base)
	}
	if p.Quantity == 0 {
		switch {
		case isBitFunction(p.Function):
			p.Quantity = uint16(count)
		case size == 0:
			return fmt.Errorf("%w: %s: string needs an explicit quantity", ErrInvalidPoint, p.Name)
		default:
			p.Quantity = uint16((count*size + 1) / 2)
		}
	}
	if int(p.Quantity) > limit {
		return fmt.Errorf("%w: %s: quantity %d exceeds %d", ErrInvalidPoint, p.Name, p.Quantity, limit)
	}
	if _, ok := validByteOrders[p.ByteOrder]; !ok {
		return fmt.Errorf("%w: %s: invalid byte order %q", ErrInvalidPoint, p.Name, p.ByteOrder)
	}
	if p.BitPosition > 15 {
		return fmt.Errorf("%w: %s: bit position %d (must be 0-15)", ErrInvalidPoint, p.Name, p.BitPosition)
	}
	if p.Scale == 0 {
		p.Scale = 1
	}
	return nil
}

// Decode interprets raw as the point's value. For registers raw is the
// register data as sent on the wire, two bytes per register; for coils
// and discrete inputs it holds one byte (0 or 1) per bit.
func (p Point) Decode(raw []byte) (PointValue, error) {
	v := PointValue{Name: p.Name, Type: p.DataType, Raw: raw}
	if len(raw) == 0 {
		return v, fmt.Errorf("modbus: point %s: empty value", p.Name)
	}
	base, count, err := parseDataType(p.DataType)
	if err != nil {
		return v, fmt.Errorf("modbus: point %s: %w", p.Name, err)
	}
	scale := p.Scale
	if scale == 0 {
		scale = 1
	}

	if isBitFunction(p.Function) {
		if len(raw) < count {
			return v, fmt.Errorf("modbus: point %s: have %d bits, need %d", p.Name, len(raw), count)
		}
		bits := make([]any, count)
		var sum float64
		for i := range bits {
			bits[i] = raw[i] != 0
			if raw[i] != 0 {
				sum++
			}
		}
		v.Value, v.Float64 = bits[0], sum*scale
		if count > 1 {
			v.Value = bits
		}
		return v, nil
	}

	switch base {
	case "string":
		s := string(raw)
		if i := strings.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}
		v.Value = strings.TrimSpace(s)
		return v, nil
	case "bool":
		if len(raw) < 2 {
			return v, fmt.Errorf("modbus: point %s: have %d bytes, need 2", p.Name, len(raw))
		}
		b := CheckBit(binary.BigEndian.Uint16(reorderBytes(raw[:2], p.ByteOrder)), p.BitPosition)
		v.Value = b
		if b {
			v.Float64 = 1
		}
		return v, nil
	case "bitfield":
		if len(raw) < 2 {
			return v, fmt.Errorf("modbus: point %s: have %d bytes, need 2", p.Name, len(raw))
		}
		field := binary.BigEndian.Uint16(reorderBytes(raw[:2], p.ByteOrder)) & p.BitMask
		v.Value, v.Float64 = field, float64(field)*scale
		return v, nil
	}

	size, err := typeSize(base)
	if err != nil {
		return v, fmt.Errorf("modbus: point %s: %w", p.Name, err)
	}
	if len(raw) < size*count {
		return v, fmt.Errorf("modbus: point %s: have %d bytes, need %d for %s", p.Name, len(raw), size*count, p.DataType)
	}
	elems := make([]any, count)
	var sum float64
	for i := range elems {
		elem, f, err := decodeNumber(reorderBytes(raw[i*size:(i+1)*size], p.ByteOrder), base)
		if err != nil {
			return v, fmt.Errorf("modbus: point %s: %w", p.Name, err)
		}
		elems[i] = elem
		sum += f
	}
	v.Value, v.Float64 = elems[0], sum*scale
	if count > 1 {
		v.Value = elems
	}
	return v, nil
}

// decodeNumber decodes one big-endian element.
func decodeNumber(b []byte, base string) (any, float64, error) {
	switch base {
	case "byte", "uint8":
		return b[0], float64(b[0]), nil
	case "int8":
		return int8(b[0]), float64(int8(b[0])), nil
	case "uint16":
		u := binary.BigEndian.Uint16(b)
		return u, float64(u), nil
	case "int16":
		i := int16(binary.BigEndian.Uint16(b))
		return i, float64(i), nil
	case "uint32":
		u := binary.BigEndian.Uint32(b)
		return u, float64(u), nil
	case "int32":
		i := int32(binary.BigEndian.Uint32(b))
		return i, float64(i), nil
	case "float32":
		f := math.Float32frombits(binary.BigEndian.Uint32(b))
		return f, float64(f), nil
	case "uint64":
		u := binary.BigEndian.Uint64(b)
		return u, float64(u), nil
	case "int64":
		i := int64(binary.BigEndian.Uint64(b))
		return i, float64(i), nil
	case "float64":
		f := math.Float64frombits(binary.BigEndian.Uint64(b))
		return f, f, nil
	}
	return nil, 0, fmt.Errorf("unsupported element type %s", base)
}

// CheckBit checks if a specific bit is set in a uint16 value
func CheckBit(num uint16, index uint16) bool {
	if index > 15 {
		return false
	}
	return num&(1<<index) != 0
}

// reorderBytes puts data into big-endian order according to order, where
// A names the most significant byte. An order that does not fit the data
// leaves it unchanged.
func reorderBytes(data []byte, order string) []byte {
	if len(order) != len(data) || len(data) < 2 {
		return data
	}
	out := make([]byte, len(data))
	for i, c := range []byte(order) {
		if c < 'A' || int(c-'A') >= len(data) {
			return data
		}
		out[c-'A'] = data[i]
	}
	return out
}

// Round returns Float64 rounded to places decimal places.
func (v PointValue) Round(places int) float64 {
	if places <= 0 {
		return v.Float64
	}
	pow := math.Pow(10, float64(places))
	return math.Round(v.Float64*pow) / pow
}

func (v PointValue) String() string {
	return fmt.Sprintf("%s=%v (%s)", v.Name, v.Value, v.Type)
}
