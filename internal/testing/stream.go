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

// Package testing provides in-memory stand-ins for the bootloader's hardware:
// a byte stream for the host link and a virtual ECP5 on the SPI bus.
package testing

import (
	"io"
	"sync"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// MemStream is an in-memory fabricboot.ByteStream. Reads never block: an
// empty input queue times out immediately regardless of the timeout asked
// for, which keeps tests fast while still exercising every timeout path.
type MemStream struct {
	input    []byte
	output   []byte
	timeouts []time.Duration
	mu       sync.Mutex
	closed   bool
}

// NewMemStream creates a stream with the given bytes queued for reading.
func NewMemStream(input ...byte) *MemStream {
	return &MemStream{input: append([]byte(nil), input...)}
}

// Feed queues more bytes for reading.
func (s *MemStream) Feed(data ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = append(s.input, data...)
}

// ReadByte implements fabricboot.ByteStream.
func (s *MemStream) ReadByte(timeout time.Duration) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timeouts = append(s.timeouts, timeout)
	if len(s.input) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		return 0, fabricboot.ErrTimeout
	}
	b := s.input[0]
	s.input = s.input[1:]
	return b, nil
}

// Write implements fabricboot.ByteStream.
func (s *MemStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fabricboot.ErrTransportClosed
	}
	s.output = append(s.output, p...)
	return len(p), nil
}

// Close makes further reads of an empty queue return io.EOF.
func (s *MemStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Written returns a copy of everything written so far.
func (s *MemStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.output...)
}

// ResetWritten discards the recorded output.
func (s *MemStream) ResetWritten() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = nil
}

// Pending returns how many queued input bytes have not been read yet.
func (s *MemStream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.input)
}

// Timeouts returns the timeout passed to each ReadByte call, in order.
func (s *MemStream) Timeouts() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.timeouts...)
}

var _ fabricboot.ByteStream = (*MemStream)(nil)
