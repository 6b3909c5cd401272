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

// Package fabricboot is the host-facing half of an FPGA bitstream bootloader.
//
// A host streams a compressed bitstream over a serial link; the bootloader
// drives the FPGA's SPI configuration port to program it, and can persist the
// bitstream to a fixed flash region so it is replayed on the next boot.
//
// The root package holds the pieces shared by every layer: the ByteStream
// contract the packet transport is built on, error values, and logging.
// The layers themselves live in sub-packages:
//
//	internal/frame  packet framing and additive checksums
//	fpga            SPI programming primitive and configuration sequencer
//	flash           bitstream persistence across erase sectors
//	protocol        request/response payload formats
//	bootloader      the command dispatcher
package fabricboot

import "time"

// ByteStream is the transport boundary: an ordered, reliable byte stream such
// as a USB CDC serial link.
type ByteStream interface {
	// ReadByte waits up to timeout for a single byte. A zero timeout checks
	// for an already-buffered byte without blocking. When nothing arrives
	// the returned error satisfies errors.Is(err, ErrTimeout).
	ReadByte(timeout time.Duration) (byte, error)

	// Write sends p unbuffered.
	Write(p []byte) (int, error)
}

// TransportType represents the type of byte stream
type TransportType string

const (
	// TransportUART represents a UART or USB CDC serial port.
	TransportUART TransportType = "uart"
	// TransportTCP represents a TCP socket, used for simulation.
	TransportTCP TransportType = "tcp"
	// TransportMock represents an in-memory stream for testing
	TransportMock TransportType = "mock"
)
