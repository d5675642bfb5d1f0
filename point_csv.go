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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// pointCSVHeader is the column set written by WritePointsCSV. ParsePointsCSV
// accepts the columns in any order and needs only name, unit, function and
// address.
var pointCSVHeader = []string{
	"name", "unit", "function", "address", "quantity",
	"data_type", "byte_order", "bit_position", "bit_mask", "scale",
}

// ParsePointsCSV reads point definitions, one per row after a header row.
// Every point is normalized; the first invalid row fails the parse.
func ParsePointsCSV(r io.Reader) ([]Point, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty CSV file")
	}

	columns := make(map[string]int)
	for i, h := range records[0] {
		columns[strings.TrimSpace(h)] = i
	}
	for _, field := range []string{"name", "unit", "function", "address"} {
		if _, ok := columns[field]; !ok {
			return nil, fmt.Errorf("missing required field in CSV header: %s", field)
		}
	}

	points := make([]Point, 0, len(records)-1)
	for i, record := range records[1:] {
		row := i + 2
		p, err := parsePointRecord(record, columns)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		if err := p.Normalize(); err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		points = append(points, p)
	}
	return points, nil
}

func parsePointRecord(record []string, columns map[string]int) (Point, error) {
	field := func(name string) string {
		if i, ok := columns[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	// Base 0 accepts 0x.. as well as decimal.
	uintField := func(name string, bits int, required bool) (uint64, error) {
		s := field(name)
		if s == "" {
			if required {
				return 0, fmt.Errorf("'%s' is required", name)
			}
			return 0, nil
		}
		v, err := strconv.ParseUint(s, 0, bits)
		if err != nil {
			return 0, fmt.Errorf("invalid '%s': %w", name, err)
		}
		return v, nil
	}

	p := Point{
		Name:      field("name"),
		DataType:  field("data_type"),
		ByteOrder: strings.ToUpper(field("byte_order")),
	}
	unit, err := uintField("unit", 8, true)
	if err != nil {
		return p, err
	}
	function, err := uintField("function", 8, true)
	if err != nil {
		return p, err
	}
	address, err := uintField("address", 16, true)
	if err != nil {
		return p, err
	}
	quantity, err := uintField("quantity", 16, false)
	if err != nil {
		return p, err
	}
	bitPosition, err := uintField("bit_position", 16, false)
	if err != nil {
		return p, err
	}
	bitMask, err := uintField("bit_mask", 16, false)
	if err != nil {
		return p, err
	}
	p.ServerID, p.Function, p.Address = uint8(unit), uint8(function), uint16(address)
	p.Quantity, p.BitPosition, p.BitMask = uint16(quantity), uint16(bitPosition), uint16(bitMask)

	if s := field("scale"); s != "" {
		if p.Scale, err = strconv.ParseFloat(s, 64); err != nil {
			return p, fmt.Errorf("invalid 'scale': %w", err)
		}
	}
	return p, nil
}

// WritePointsCSV writes points in the format read by ParsePointsCSV.
func WritePointsCSV(w io.Writer, points []Point) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(pointCSVHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, p := range points {
		record := []string{
			p.Name,
			strconv.FormatUint(uint64(p.ServerID), 10),
			strconv.FormatUint(uint64(p.Function), 10),
			strconv.FormatUint(uint64(p.Address), 10),
			strconv.FormatUint(uint64(p.Quantity), 10),
			p.DataType,
			p.ByteOrder,
			strconv.FormatUint(uint64(p.BitPosition), 10),
			fmt.Sprintf("0x%04X", p.BitMask),
			strconv.FormatFloat(p.Scale, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record for point %s: %w", p.Name, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
