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

package frame

import (
	"errors"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// OpPoll is the TransportError op reported when the idle poll for the magic
// byte comes back empty.
const OpPoll = "pollMagic"

// IsIdle reports whether err only means nothing has arrived yet, as opposed
// to a frame that started and was then dropped.
func IsIdle(err error) bool {
	var te *fabricboot.TransportError
	if errors.As(err, &te) && te.Op == OpPoll {
		return errors.Is(err, fabricboot.ErrTimeout)
	}
	return errors.Is(err, fabricboot.ErrBadMagic)
}

// Reader pulls frames off a byte stream.
//
// There is no resynchronisation: bytes consumed before a timeout are gone, so
// a frame cut short mid-stream can leave the next read misaligned until a
// byte happens to match Magic again. Hosts recover by retrying after a quiet
// period.
type Reader struct {
	Stream      fabricboot.ByteStream
	Port        string
	PollTimeout time.Duration
	ByteTimeout time.Duration
}

// NewReader returns a Reader with the default poll and byte timeouts.
func NewReader(stream fabricboot.ByteStream, port string) *Reader {
	return &Reader{
		Stream:      stream,
		Port:        port,
		PollTimeout: DefaultPollTimeout,
		ByteTimeout: DefaultByteTimeout,
	}
}

// ReadFrame reads one frame into buf and returns the payload length. The
// payload occupies buf[:n]; buf[n] holds the received checksum byte.
//
// Any error for which fabricboot.IsNoFrame is true means "no frame"; the
// caller should simply poll again.
func (r *Reader) ReadFrame(buf []byte) (int, error) {
	header, err := r.Stream.ReadByte(r.PollTimeout)
	if err != nil {
		return 0, r.wrap(OpPoll, err)
	}
	if header != Magic {
		return 0, fabricboot.NewTransportError("readFrame", r.Port, fabricboot.ErrBadMagic)
	}

	lo, err := r.Stream.ReadByte(r.ByteTimeout)
	if err != nil {
		return 0, r.wrap("readLength", err)
	}
	hi, err := r.Stream.ReadByte(r.ByteTimeout)
	if err != nil {
		return 0, r.wrap("readLength", err)
	}

	length := int(lo) | int(hi)<<8
	if length > len(buf) {
		return 0, fabricboot.NewFrameTooLargeError("readFrame", r.Port)
	}
	if length == 0 {
		return 0, fabricboot.NewTransportError("readFrame", r.Port, fabricboot.ErrFrameTruncated)
	}

	var sum byte
	for i := range length {
		b, err := r.Stream.ReadByte(r.ByteTimeout)
		if err != nil {
			return 0, r.wrap("readBody", err)
		}
		if i < length-1 {
			sum += b
		}
		buf[i] = b
	}

	if sum != buf[length-1] {
		return 0, fabricboot.NewChecksumMismatchError("readFrame", r.Port)
	}
	return length - 1, nil
}

func (r *Reader) wrap(op string, err error) error {
	if errors.Is(err, fabricboot.ErrTimeout) {
		return fabricboot.NewTimeoutError(op, r.Port)
	}
	return fabricboot.NewTransportError(op, r.Port, err)
}
