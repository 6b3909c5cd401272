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
	"encoding/binary"
	"fmt"
	"io"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// Encode builds a complete frame around payload:
//
//	[magic][length u16 LE][payload...][checksum]
//
// where length is len(payload)+1.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, fabricboot.NewFrameTooLargeError("encodeFrame", "")
	}

	frm := make([]byte, HeaderLength+len(payload)+1)
	frm[0] = Magic
	binary.LittleEndian.PutUint16(frm[1:3], uint16(len(payload)+1)) //nolint:gosec // bounded above
	copy(frm[HeaderLength:], payload)
	frm[len(frm)-1] = Checksum(payload)
	return frm, nil
}

// Write encodes payload and writes the frame to w in one call.
func Write(w io.Writer, payload []byte) error {
	frm, err := Encode(payload)
	if err != nil {
		return err
	}

	n, err := w.Write(frm)
	if err != nil {
		return fmt.Errorf("frame write failed: %w", err)
	} else if n != len(frm) {
		return fabricboot.NewTransportWriteError("writeFrame", "")
	}
	return nil
}

// Decode validates a complete frame and returns its payload. It is the
// in-memory counterpart of Reader.ReadFrame, used by host-side code and tests.
func Decode(frm []byte) ([]byte, error) {
	if len(frm) < HeaderLength {
		return nil, fabricboot.NewTransportError("decodeFrame", "", fabricboot.ErrFrameTruncated)
	}
	if frm[0] != Magic {
		return nil, fabricboot.NewTransportError("decodeFrame", "", fabricboot.ErrBadMagic)
	}

	length := int(binary.LittleEndian.Uint16(frm[1:3]))
	if length > MaxPacketSize {
		return nil, fabricboot.NewFrameTooLargeError("decodeFrame", "")
	}
	if length == 0 || len(frm) < HeaderLength+length {
		return nil, fabricboot.NewTransportError("decodeFrame", "", fabricboot.ErrFrameTruncated)
	}

	body := frm[HeaderLength : HeaderLength+length]
	payload := body[:length-1]
	if Checksum(payload) != body[length-1] {
		return nil, fabricboot.NewChecksumMismatchError("decodeFrame", "")
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}
