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

// Package uart provides a serial-port byte stream for the bootloader link.
package uart

import (
	"errors"
	"fmt"
	"strings"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/internal/syncutil"
	"go.bug.st/serial"
)

// DefaultBaudRate is used when no rate is configured. USB CDC links ignore it.
const DefaultBaudRate = 115200

// Transport is a fabricboot.ByteStream over a serial port.
type Transport struct {
	port        serial.Port
	portName    string
	readTimeout time.Duration
	mu          syncutil.Mutex
	timeoutSet  bool
}

// New opens portName at 8N1 and discards anything already buffered.
func New(portName string, baud int) (*Transport, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to reset UART input buffer: %w", err)
	}

	fabricboot.Debugf("uart: opened %s at %d baud", portName, baud)
	return newTransport(port, portName), nil
}

func newTransport(port serial.Port, portName string) *Transport {
	return &Transport{port: port, portName: portName}
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// ReadByte waits up to timeout for one byte. The port's read timeout is only
// reprogrammed when it differs from the previous call, since the idle poll
// and the in-frame reads alternate between two values.
func (t *Transport) ReadByte(timeout time.Duration) (byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return 0, fabricboot.NewTransportError("read", t.portName, fabricboot.ErrTransportClosed)
	}

	if !t.timeoutSet || timeout != t.readTimeout {
		if err := t.port.SetReadTimeout(timeout); err != nil {
			return 0, fabricboot.NewTransportError("setReadTimeout", t.portName,
				t.classify(err, fabricboot.ErrTransportRead))
		}
		t.readTimeout = timeout
		t.timeoutSet = true
	}

	var buf [1]byte
	n, err := t.port.Read(buf[:])
	if err != nil {
		return 0, fabricboot.NewTransportError("read", t.portName, t.classify(err, fabricboot.ErrTransportRead))
	}
	if n == 0 {
		return 0, fabricboot.ErrTimeout
	}
	return buf[0], nil
}

// Write sends p and waits for the OS to drain it to the wire.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return 0, fabricboot.NewTransportError("write", t.portName, fabricboot.ErrTransportClosed)
	}

	total := 0
	for total < len(p) {
		n, err := t.port.Write(p[total:])
		total += n
		if err != nil {
			return total, fabricboot.NewTransportError("write", t.portName,
				t.classify(err, fabricboot.ErrTransportWrite))
		}
		if n == 0 {
			return total, fabricboot.NewTransportWriteError("write", t.portName)
		}
	}

	if err := t.drainWithRetry("write"); err != nil {
		return total, err
	}
	return total, nil
}

// Close closes the port. Further reads and writes fail with
// fabricboot.ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() fabricboot.TransportType {
	return fabricboot.TransportUART
}

// String returns the port name.
func (t *Transport) String() string {
	return t.portName
}

// classify maps go.bug.st/serial's closed-port error onto
// fabricboot.ErrTransportClosed and tags anything else with kind, so the main
// loop can tell a vanished device from a bad frame.
func (*Transport) classify(err, kind error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
		return fmt.Errorf("%w: %w", fabricboot.ErrTransportClosed, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry drains the port, retrying EINTR with 2, 4, 8 ms backoff.
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := range maxRetries {
		err := t.port.Drain()
		if err == nil {
			return nil
		}
		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt))
			continue
		}
		return fabricboot.NewTransportError(operation+" drain", t.portName, err)
	}

	return fabricboot.NewTransportError(operation+" drain", t.portName,
		fmt.Errorf("failed after %d retries", maxRetries))
}

var _ fabricboot.ByteStream = (*Transport)(nil)
