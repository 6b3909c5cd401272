// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the host side of the bootloader protocol: it frames
// requests, matches responses by counter and uploads bitstreams block by
// block.
package client

import (
	"errors"
	"fmt"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/internal/frame"
	"github.com/ZaparooProject/go-fabricboot/protocol"
)

// DefaultBlockSize leaves room in a 4 KiB frame for the request header and
// compression overhead.
const DefaultBlockSize = 4096 - 32

// DefaultResponseTimeout bounds the wait for each response. Flash saves
// happen after the response is sent, so the next request may wait on them.
const DefaultResponseTimeout = 5 * time.Second

// ErrCommandFailed is returned when the bootloader answers with a non-zero
// error code.
var ErrCommandFailed = errors.New("bootloader reported failure")

// ErrNoResponse is returned when no matching response arrives in time.
var ErrNoResponse = errors.New("no response from bootloader")

// CommandError carries the failing response.
type CommandError struct {
	Cmd  protocol.Command
	Code uint32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed with code %d", e.Cmd, e.Code)
}

func (*CommandError) Unwrap() error { return ErrCommandFailed }

// Option configures a Client.
type Option func(*Client)

// WithResponseTimeout sets how long each request waits for its response.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBlockSize sets the raw size of each uploaded block.
func WithBlockSize(n int) Option {
	return func(c *Client) { c.blockSize = n }
}

// WithProgress registers a callback run after every block with the bytes
// sent so far and the total.
func WithProgress(f func(done, total int)) Option {
	return func(c *Client) { c.progress = f }
}

// Client talks to one bootloader. It is not safe for concurrent use.
type Client struct {
	stream    fabricboot.ByteStream
	reader    *frame.Reader
	progress  func(done, total int)
	timeout   time.Duration
	blockSize int
	counter   byte
	buf       [frame.MaxPacketSize]byte
}

// New creates a client on stream.
func New(stream fabricboot.ByteStream, opts ...Option) *Client {
	c := &Client{
		stream:    stream,
		timeout:   DefaultResponseTimeout,
		blockSize: DefaultBlockSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reader = frame.NewReader(stream, "")
	c.reader.PollTimeout = c.timeout
	return c
}

// Send writes req with the next counter value and returns its header.
func (c *Client) Send(req protocol.Request) (protocol.Header, error) {
	c.counter++
	h := protocol.Header{Cmd: req.Command(), Counter: c.counter}
	if err := frame.Write(c.stream, protocol.EncodeRequest(c.counter, req)); err != nil {
		return h, fmt.Errorf("send %s: %w", h.Cmd, err)
	}
	return h, nil
}

// Do sends req and waits for the response carrying the same counter.
// Unrelated frames, such as a DeviceStartup message, are skipped.
func (c *Client) Do(req protocol.Request) (protocol.Response, error) {
	h, err := c.Send(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	for time.Now().Before(deadline) {
		n, err := c.reader.ReadFrame(c.buf[:])
		if fabricboot.IsNoFrame(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("await %s: %w", h.Cmd, err)
		}

		resp, err := protocol.DecodeResponse(c.buf[:n])
		if err != nil {
			fabricboot.Debugf("client: undecodable response: %v", err)
			continue
		}
		got := resp.ResponseHeader()
		if got.Counter != h.Counter || (got.Cmd != h.Cmd && got.Cmd != protocol.CmdError) {
			fabricboot.Debugf("client: skipping %s #%d while waiting for %s #%d",
				got.Cmd, got.Counter, h.Cmd, h.Counter)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s #%d: %w", h.Cmd, h.Counter, ErrNoResponse)
}

func (c *Client) doGeneric(req protocol.Request) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	g, ok := resp.(protocol.GenericResponse)
	if !ok {
		return fmt.Errorf("%s: unexpected response %T", req.Command(), resp)
	}
	if g.ErrorCode != protocol.ErrorCodeOK {
		return &CommandError{Cmd: g.Header.Cmd, Code: g.ErrorCode}
	}
	return nil
}

// Echo round-trips payload through the bootloader.
func (c *Client) Echo(payload []byte) ([]byte, error) {
	resp, err := c.Do(protocol.EchoRequest{Payload: payload})
	if err != nil {
		return nil, err
	}
	e, ok := resp.(protocol.EchoResponse)
	if !ok {
		return nil, fmt.Errorf("echo: unexpected response %T", resp)
	}
	return e.Packet[protocol.HeaderSize:], nil
}

// QueryDevice returns the FPGA IDCODE and programmer unique ID.
func (c *Client) QueryDevice() (protocol.QueryDeviceResponse, error) {
	resp, err := c.Do(protocol.QueryDeviceRequest{})
	if err != nil {
		return protocol.QueryDeviceResponse{}, err
	}
	q, ok := resp.(protocol.QueryDeviceResponse)
	if !ok {
		return protocol.QueryDeviceResponse{}, fmt.Errorf("query device: unexpected response %T", resp)
	}
	return q, nil
}

// QueryFlash returns the stored bitstream's descriptor. A missing or
// corrupt bitstream is reported as a *CommandError.
func (c *Client) QueryFlash() (protocol.QueryFlashResponse, error) {
	resp, err := c.Do(protocol.QueryFlashRequest{})
	if err != nil {
		return protocol.QueryFlashResponse{}, err
	}
	q, ok := resp.(protocol.QueryFlashResponse)
	if !ok {
		return protocol.QueryFlashResponse{}, fmt.Errorf("query flash: unexpected response %T", resp)
	}
	if q.ErrorCode != protocol.ErrorCodeOK {
		return q, &CommandError{Cmd: q.Header.Cmd, Code: q.ErrorCode}
	}
	return q, nil
}

// Program uploads bitstream in one session, optionally saving it to flash.
func (c *Client) Program(bitstream []byte, save bool) error {
	if c.blockSize <= 0 {
		return fmt.Errorf("invalid block size %d", c.blockSize)
	}
	blocks := (len(bitstream) + c.blockSize - 1) / c.blockSize

	err := c.doGeneric(protocol.ProgramDeviceRequest{
		SaveToFlash: save,
		TotalSize:   uint32(len(bitstream)), //nolint:gosec // bitstreams are far below 4 GiB
		BlockCount:  uint32(blocks),         //nolint:gosec // bounded by the size above
	})
	if err != nil {
		return fmt.Errorf("begin program: %w", err)
	}

	for id := range blocks {
		start := id * c.blockSize
		raw := bitstream[start:min(start+c.blockSize, len(bitstream))]

		req, err := protocol.NewProgramBlock(uint16(id), raw) //nolint:gosec // block ids fit the wire field
		if err != nil {
			return fmt.Errorf("block %d: %w", id, err)
		}
		if err := c.doGeneric(req); err != nil {
			return fmt.Errorf("block %d: %w", id, err)
		}
		if c.progress != nil {
			c.progress(start+len(raw), len(bitstream))
		}
	}

	if err := c.doGeneric(protocol.ProgramCompleteRequest{}); err != nil {
		return fmt.Errorf("complete program: %w", err)
	}
	return nil
}

// ProgramFromFlash loads the stored bitstream into the FPGA.
func (c *Client) ProgramFromFlash() error {
	return c.doGeneric(protocol.ProgramFromFlashRequest{})
}

// ClearFlash invalidates the stored bitstream.
func (c *Client) ClearFlash() error {
	return c.doGeneric(protocol.ClearFlashRequest{})
}

// Reboot asks the programmer to reset. No response is expected.
func (c *Client) Reboot() error {
	_, err := c.Send(protocol.RebootRequest{})
	return err
}
