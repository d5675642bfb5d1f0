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
	"context"
	"errors"
	"fmt"
	"sort"
)

// PointGroup is a run of address-contiguous points of one server and
// function, read with a single request.
type PointGroup struct {
	ServerID uint8
	Function uint8
	Address  uint16
	Quantity uint16
	Points   []Point
}

// GroupPoints normalizes a copy of points and groups them by server and
// function into runs of contiguous addresses. A run is split where it
// would exceed the read limit of its function. Groups are ordered by
// server, function and address.
func GroupPoints(points []Point) ([]PointGroup, error) {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	seen := make(map[string]struct{}, len(sorted))
	for i := range sorted {
		if err := sorted[i].Normalize(); err != nil {
			return nil, err
		}
		if _, dup := seen[sorted[i].Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %s", ErrInvalidPoint, sorted[i].Name)
		}
		seen[sorted[i].Name] = struct{}{}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ServerID != b.ServerID {
			return a.ServerID < b.ServerID
		}
		if a.Function != b.Function {
			return a.Function < b.Function
		}
		return a.Address < b.Address
	})

	var groups []PointGroup
	for _, p := range sorted {
		if n := len(groups); n > 0 && groups[n-1].canAppend(p) {
			g := &groups[n-1]
			g.Points = append(g.Points, p)
			g.Quantity += p.Quantity
			continue
		}
		groups = append(groups, PointGroup{
			ServerID: p.ServerID,
			Function: p.Function,
			Address:  p.Address,
			Quantity: p.Quantity,
			Points:   []Point{p},
		})
	}
	return groups, nil
}

// canAppend reports whether p continues g without exceeding the read limit.
func (g PointGroup) canAppend(p Point) bool {
	if p.ServerID != g.ServerID || p.Function != g.Function {
		return false
	}
	if int(p.Address) != int(g.Address)+int(g.Quantity) {
		return false
	}
	limit := MaxReadRegisters
	if isBitFunction(g.Function) {
		limit = MaxReadBits
	}
	return int(g.Quantity)+int(p.Quantity) <= limit
}

// Request builds the read request PDU covering the group.
func (g PointGroup) Request() ([]byte, error) {
	switch g.Function {
	case FuncCodeReadCoils:
		return ReadCoilsRequest(g.Address, g.Quantity)
	case FuncCodeReadDiscreteInputs:
		return ReadDiscreteInputsRequest(g.Address, g.Quantity)
	case FuncCodeReadHoldingRegisters:
		return ReadHoldingRegistersRequest(g.Address, g.Quantity)
	case FuncCodeReadInputRegisters:
		return ReadInputRegistersRequest(g.Address, g.Quantity)
	}
	return nil, fmt.Errorf("modbus: unsupported function code %d for a point group", g.Function)
}

// Name identifies the group in poll results.
func (g PointGroup) Name() string {
	return fmt.Sprintf("unit%d/fc%d/%d+%d", g.ServerID, g.Function, g.Address, g.Quantity)
}

// Decode splits the response PDU to the group's request into point values.
// Points that fail to decode are skipped and their errors joined.
func (g PointGroup) Decode(response []byte) ([]PointValue, error) {
	var raw []byte
	if isBitFunction(g.Function) {
		bits, err := DecodeBits(response, int(g.Quantity))
		if err != nil {
			return nil, err
		}
		raw = make([]byte, len(bits))
		for i, b := range bits {
			if b {
				raw[i] = 1
			}
		}
	} else {
		data, err := byteCountData(response)
		if err != nil {
			return nil, err
		}
		if len(data) < 2*int(g.Quantity) {
			return nil, fmt.Errorf("modbus: response carries %d registers, need %d", len(data)/2, g.Quantity)
		}
		raw = append([]byte(nil), data...)
	}

	values := make([]PointValue, 0, len(g.Points))
	var errs []error
	offset := 0
	for _, p := range g.Points {
		width := int(p.Quantity)
		if !isBitFunction(g.Function) {
			width *= 2
		}
		v, err := p.Decode(raw[offset : offset+width])
		offset += width
		if err != nil {
			errs = append(errs, err)
			continue
		}
		values = append(values, v)
	}
	return values, errors.Join(errs...)
}

// ReadPoints reads the groups one after another on c and decodes them.
// A failed group does not stop the others; the values read so far are
// returned with the joined errors.
func ReadPoints(ctx context.Context, c *Client, groups []PointGroup) ([]PointValue, error) {
	var (
		values []PointValue
		errs   []error
	)
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return values, errors.Join(append(errs, err)...)
		}
		pdu, err := g.Request()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resp, err := c.do(ctx, g.ServerID, pdu)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
			continue
		}
		v, err := g.Decode(resp)
		values = append(values, v...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		}
	}
	return values, errors.Join(errs...)
}
