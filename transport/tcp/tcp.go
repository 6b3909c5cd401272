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

// Package tcp carries the bootloader link over a TCP socket, so a simulated
// board can be driven by the same host tooling that talks to a serial port.
package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// minPoll stands in for a zero timeout. A read whose deadline has already
// passed fails without looking at data the kernel has queued.
const minPoll = time.Millisecond

// Conn is a fabricboot.ByteStream over a TCP connection.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	addr   string
}

// Dial connects to a listening bootloader.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewConn(c), nil
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReader(c),
		addr:   c.RemoteAddr().String(),
	}
}

// ReadByte implements fabricboot.ByteStream.
func (c *Conn) ReadByte(timeout time.Duration) (byte, error) {
	if c.reader.Buffered() == 0 {
		if timeout < minPoll {
			timeout = minPoll
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, fabricboot.NewTransportError("setDeadline", c.addr, err)
		}
	}

	b, err := c.reader.ReadByte()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, fabricboot.ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, fabricboot.NewTransportError("read", c.addr,
				fmt.Errorf("%w: %w", fabricboot.ErrTransportClosed, err))
		}
		return 0, fabricboot.NewTransportError("read", c.addr,
			fmt.Errorf("%w: %w", fabricboot.ErrTransportRead, err))
	}
	return b, nil
}

// Write implements fabricboot.ByteStream.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	if err != nil {
		return n, fabricboot.NewTransportError("write", c.addr,
			fmt.Errorf("%w: %w", fabricboot.ErrTransportWrite, err))
	}
	return n, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("tcp close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Conn) Type() fabricboot.TransportType {
	return fabricboot.TransportTCP
}

// String returns the peer address.
func (c *Conn) String() string {
	return c.addr
}

// Listener accepts host connections one at a time.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next host.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept failed: %w", err)
	}
	fabricboot.Debugf("tcp: host connected from %s", c.RemoteAddr())
	return NewConn(c), nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening.
func (l *Listener) Close() error {
	if err := l.ln.Close(); err != nil {
		return fmt.Errorf("listener close failed: %w", err)
	}
	return nil
}

var _ fabricboot.ByteStream = (*Conn)(nil)
