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
	"sync"
	"sync/atomic"
	"time"
)

// PollRequest is one request executed on every poll pass.
type PollRequest struct {
	Name         string
	ServerID     byte
	PDU          []byte
	ResponseSize ResponseSizeFunc // nil selects StandardResponseSize
}

// PollResult is the outcome of one PollRequest in one pass.
type PollResult struct {
	Name      string
	ServerID  byte
	Result    Result
	Response  []byte       // Copy of the response PDU, empty unless OK or EXCEPTION
	Exception *ModbusError // Set for ResultException
	Time      time.Time
}

// OnDataFunc is a callback type for pushing poll results
type OnDataFunc func(PollResult)

// OnErrorFunc is a callback type for error reporting
type OnErrorFunc func(error)

// Poller executes a fixed list of requests on one Client at a fixed
// interval. Requests run strictly one after another; a connection error
// is reported and polling continues, the next Send reopening the transport.
type Poller struct {
	client   *Client
	interval time.Duration

	mu       sync.Mutex // Protects requests
	requests []PollRequest

	onData  atomic.Value // Stores OnDataFunc callback
	onError atomic.Value // Stores OnErrorFunc callback

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a Poller running one pass every interval.
func NewPoller(client *Client, interval time.Duration) *Poller {
	return &Poller{
		client:   client,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Add appends a request with a standard response size.
func (p *Poller) Add(name string, serverID byte, pdu []byte) error {
	return p.AddRequest(PollRequest{Name: name, ServerID: serverID, PDU: pdu})
}

// AddRequest validates and appends req. Names must be unique.
func (p *Poller) AddRequest(req PollRequest) error {
	if len(req.PDU) == 0 || len(req.PDU) > MaxPDUSize {
		return fmt.Errorf("%w: %s: length %d", ErrInvalidPDU, req.Name, len(req.PDU))
	}
	if req.ResponseSize == nil && StandardResponseSize(req.PDU) < 0 {
		return fmt.Errorf("%w: %s: func %02X", ErrUnknownResponseSize, req.Name, req.PDU[0])
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.requests {
		if r.Name == req.Name {
			return fmt.Errorf("duplicate request name: %s", req.Name)
		}
	}
	req.PDU = append([]byte(nil), req.PDU...)
	p.requests = append(p.requests, req)
	return nil
}

// SetOnData sets the callback for results
func (p *Poller) SetOnData(fn OnDataFunc) {
	p.onData.Store(fn)
}

// SetOnError sets the callback for error events
func (p *Poller) SetOnError(fn OnErrorFunc) {
	p.onError.Store(fn)
}

// Run polls until Stop is called or ctx is done. The first pass starts
// immediately. It returns nil after Stop and ctx.Err() otherwise.
func (p *Poller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			select {
			case <-p.stopCh:
				return nil
			default:
				return ctx.Err()
			}
		case <-ticker.C:
		}
	}
}

// pollOnce runs every request once, in order.
func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	requests := append([]PollRequest(nil), p.requests...)
	p.mu.Unlock()

	for _, req := range requests {
		if ctx.Err() != nil {
			return
		}
		if err := p.client.SetRequest(req.ServerID, req.PDU, req.ResponseSize); err != nil {
			p.reportError(fmt.Errorf("poll %s: %w", req.Name, err))
			continue
		}
		result, err := p.client.ExecuteContext(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.reportError(fmt.Errorf("poll %s: %w", req.Name, err))
			}
			continue
		}
		p.reportData(PollResult{
			Name:      req.Name,
			ServerID:  req.ServerID,
			Result:    result,
			Response:  append([]byte(nil), p.client.Response()...),
			Exception: p.client.Exception(),
			Time:      time.Now(),
		})
	}
}

func (p *Poller) reportData(r PollResult) {
	if cb, ok := p.onData.Load().(OnDataFunc); ok && cb != nil {
		cb(r)
	}
}

func (p *Poller) reportError(err error) {
	logf(p.client.logger, LevelWarning, "modbus poller: %v", err)
	if cb, ok := p.onError.Load().(OnErrorFunc); ok && cb != nil {
		cb(err)
	}
}

// Stop stops a running Run. It is safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}
