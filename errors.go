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

package fabricboot

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Error categories shared by the transport, the FPGA sequencer, the flash
// store and the command dispatcher.
var (
	// Transport errors
	ErrTimeout         = errors.New("transport timeout")
	ErrTransportWrite  = errors.New("transport write failed")
	ErrTransportRead   = errors.New("transport read failed")
	ErrTransportClosed = errors.New("transport is closed")

	// Framing errors - the frame is dropped and the caller keeps polling
	ErrBadMagic         = errors.New("frame magic not found")
	ErrFrameTooLarge    = errors.New("frame exceeds buffer")
	ErrFrameTruncated   = errors.New("frame truncated")
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// FPGA errors
	ErrDeviceBusy        = errors.New("fpga busy")
	ErrUnsupportedDevice = errors.New("fpga device id not supported")
	ErrInvalidState      = errors.New("fpga sequencer in wrong state")

	// Flash errors
	ErrDescriptorNotFound = errors.New("bitstream descriptor not found")
	ErrDescriptorInvalid  = errors.New("bitstream descriptor invalid")
	ErrFlashReadback      = errors.New("flash readback mismatch")
	ErrBlockTooLarge      = errors.New("block does not fit in sector")
	ErrBlockOutOfRange    = errors.New("block index outside flash region")

	// Request errors - reported to the host as a generic error response
	ErrMalformedRequest  = errors.New("malformed request")
	ErrDecompress        = errors.New("block decompression failed")
	ErrBlockSizeMismatch = errors.New("decompressed block size mismatch")
	ErrBlockChecksum     = errors.New("block checksum mismatch")
)

// TransportError wraps byte-stream and framing failures with the operation
// and port that produced them.
type TransportError struct {
	Err  error  // Underlying error
	Op   string // Operation that failed
	Port string // Port or device identifier
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a transport error with consistent formatting
func NewTransportError(op, port string, err error) *TransportError {
	return &TransportError{Op: op, Port: port, Err: err}
}

// NewTimeoutError creates a timeout error for a byte read
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTimeout)
}

// NewChecksumMismatchError creates a frame checksum error
func NewChecksumMismatchError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrChecksumMismatch)
}

// NewFrameTooLargeError creates an oversized frame error
func NewFrameTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrFrameTooLarge)
}

// NewTransportWriteError creates a short-write error
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite)
}

// IsNoFrame reports whether err means "no complete frame arrived". Timeouts,
// a missing magic byte, oversized lengths, truncation and checksum failures
// all collapse into this one outcome for the dispatcher.
func IsNoFrame(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrBadMagic),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrFrameTruncated),
		errors.Is(err, ErrChecksumMismatch):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the byte stream is gone and the
// main loop should stop.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if isDeviceGoneError(err) {
		return true
	}
	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return true
	default:
		return false
	}
}

// isDeviceGoneError checks for OS-level errors indicating device disconnection.
// These show up when the USB cable is pulled during I/O, or when a TCP host
// resets the connection or goes away mid-write.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case syscall.EIO, syscall.ENXIO, syscall.ENODEV,
			syscall.ECONNRESET, syscall.EPIPE:
			return true
		}
	}
	return false
}
