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
	"io"
)

// Client drives one Transporter through the request cycle:
// SetRequest, Send, WaitResponse, then Response or Exception.
// A Client carries one transaction at a time and is not safe for
// concurrent use, except for Close.
type Client struct {
	transporter Transporter
	logger      io.Writer

	tx     Transaction
	ready  bool
	result Result

	lastModbusError *ModbusError
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger io.Writer) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient returns a Client using t.
func NewClient(t Transporter, opts ...ClientOption) *Client {
	c := &Client{transporter: t}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transporter returns the underlying transport.
func (c *Client) Transporter() Transporter {
	return c.transporter
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger io.Writer) {
	c.logger = logger
}

// SetRequest prepares the next transaction. responseSize may be nil for
// function codes with a standard response size.
func (c *Client) SetRequest(serverID byte, pdu []byte, responseSize ResponseSizeFunc) error {
	c.ready = false
	if len(pdu) == 0 || len(pdu) > MaxPDUSize {
		return fmt.Errorf("%w: length %d (must be 1-%d)", ErrInvalidPDU, len(pdu), MaxPDUSize)
	}
	if responseSize == nil && StandardResponseSize(pdu) < 0 {
		return fmt.Errorf("%w: func %02X", ErrUnknownResponseSize, pdu[0])
	}
	c.tx.ServerID = serverID
	c.tx.PDU = append(c.tx.PDU[:0], pdu...)
	c.tx.ResponseSize = responseSize
	c.tx.responseSize = 0
	c.ready = true
	return nil
}

// Send transmits the current request.
func (c *Client) Send() error {
	if !c.ready {
		return ErrNoRequest
	}
	c.result = ResultTimeout
	c.lastModbusError = nil
	if err := c.transporter.Send(&c.tx); err != nil {
		logf(c.logger, LevelError, "modbus client: send failed: %v", err)
		return err
	}
	return nil
}

// WaitResponse waits for the reply to the last Send.
func (c *Client) WaitResponse() (Result, error) {
	if !c.ready {
		return ResultTimeout, ErrNoRequest
	}
	result, err := c.transporter.WaitResponse(&c.tx)
	if err != nil {
		logf(c.logger, LevelError, "modbus client: wait failed: %v", err)
		c.result = ResultTimeout
		return ResultTimeout, err
	}
	c.result = result
	if result == ResultException {
		resp := c.tx.Response()
		c.lastModbusError = &ModbusError{FunctionCode: resp[0] &^ exceptionBit, ExceptionCode: resp[1]}
		logf(c.logger, LevelDebug, "modbus client: %v", c.lastModbusError)
	} else if result != ResultOK {
		logf(c.logger, LevelDebug, "modbus client: unit %d func %02X: %v", c.tx.ServerID, c.tx.Function(), result)
	}
	return result, nil
}

// Execute runs Send then WaitResponse.
func (c *Client) Execute() (Result, error) {
	if err := c.Send(); err != nil {
		return ResultTimeout, err
	}
	return c.WaitResponse()
}

// ExecuteContext runs Execute and closes the transporter if ctx is done
// before the transaction completes. The error then joins ctx.Err() with the
// connection error reported by the aborted call. The next Send reopens.
func (c *Client) ExecuteContext(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return ResultTimeout, err
	}

	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			logf(c.logger, LevelInfo, "modbus client: %v, aborting transaction", ctx.Err())
			c.Close()
		case <-done:
		}
	}()

	result, err := c.Execute()
	close(done)
	<-watcherDone

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return ResultTimeout, errors.Join(ctxErr, err)
	}
	return result, err
}

// Result returns the outcome of the last WaitResponse.
func (c *Client) Result() Result {
	return c.result
}

// Response returns the response PDU after ResultOK or ResultException.
// It is empty otherwise and aliases the client's buffer.
func (c *Client) Response() []byte {
	return c.tx.Response()
}

// Exception returns the exception of the last transaction, or nil unless
// its result was ResultException.
func (c *Client) Exception() *ModbusError {
	return c.lastModbusError
}

// Close closes the transporter. It may be called from any goroutine.
func (c *Client) Close() error {
	return c.transporter.Close()
}

// do runs one request and converts any non-OK outcome into an error.
func (c *Client) do(ctx context.Context, serverID byte, pdu []byte) ([]byte, error) {
	if err := c.SetRequest(serverID, pdu, nil); err != nil {
		return nil, err
	}
	result, err := c.ExecuteContext(ctx)
	if err != nil {
		return nil, err
	}
	switch result {
	case ResultOK:
		return c.Response(), nil
	case ResultException:
		return nil, c.lastModbusError
	case ResultBadResponse:
		return nil, ErrBadResponse
	default:
		return nil, ErrTimeout
	}
}

// ReadCoils reads quantity coils starting at address.
func (c *Client) ReadCoils(ctx context.Context, serverID byte, address, quantity uint16) ([]bool, error) {
	pdu, err := ReadCoilsRequest(address, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, serverID, pdu)
	if err != nil {
		return nil, err
	}
	return DecodeBits(resp, int(quantity))
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address.
func (c *Client) ReadDiscreteInputs(ctx context.Context, serverID byte, address, quantity uint16) ([]bool, error) {
	pdu, err := ReadDiscreteInputsRequest(address, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, serverID, pdu)
	if err != nil {
		return nil, err
	}
	return DecodeBits(resp, int(quantity))
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (c *Client) ReadHoldingRegisters(ctx context.Context, serverID byte, address, quantity uint16) ([]uint16, error) {
	pdu, err := ReadHoldingRegistersRequest(address, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, serverID, pdu)
	if err != nil {
		return nil, err
	}
	return DecodeRegisters(resp)
}

// ReadInputRegisters reads quantity input registers starting at address.
func (c *Client) ReadInputRegisters(ctx context.Context, serverID byte, address, quantity uint16) ([]uint16, error) {
	pdu, err := ReadInputRegistersRequest(address, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, serverID, pdu)
	if err != nil {
		return nil, err
	}
	return DecodeRegisters(resp)
}

// WriteSingleCoil writes one coil.
func (c *Client) WriteSingleCoil(ctx context.Context, serverID byte, address uint16, value bool) error {
	_, err := c.do(ctx, serverID, WriteSingleCoilRequest(address, value))
	return err
}

// WriteSingleRegister writes one holding register.
func (c *Client) WriteSingleRegister(ctx context.Context, serverID byte, address, value uint16) error {
	_, err := c.do(ctx, serverID, WriteSingleRegisterRequest(address, value))
	return err
}

// WriteMultipleCoils writes consecutive coils starting at address.
func (c *Client) WriteMultipleCoils(ctx context.Context, serverID byte, address uint16, values []bool) error {
	pdu, err := WriteMultipleCoilsRequest(address, values)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, serverID, pdu)
	return err
}

// WriteMultipleRegisters writes consecutive holding registers starting at address.
func (c *Client) WriteMultipleRegisters(ctx context.Context, serverID byte, address uint16, values []uint16) error {
	pdu, err := WriteMultipleRegistersRequest(address, values)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, serverID, pdu)
	return err
}

// ReadExceptionStatus reads the device's eight exception status outputs.
func (c *Client) ReadExceptionStatus(ctx context.Context, serverID byte) (byte, error) {
	resp, err := c.do(ctx, serverID, ReadExceptionStatusRequest())
	if err != nil {
		return 0, err
	}
	return resp[1], nil
}
