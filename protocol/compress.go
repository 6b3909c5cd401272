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

package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/internal/frame"
)

// RawSizePrefix is the big-endian uncompressed length ahead of the zlib
// stream in a compressed block.
const RawSizePrefix = 2

// CompressBlock encodes raw into the compressed block format at zlib's best
// compression level. The result's length is what hosts send as
// CompressedSize.
func CompressBlock(raw []byte) ([]byte, error) {
	if len(raw) > math.MaxUint16 {
		return nil, fmt.Errorf("block of %d bytes exceeds 16-bit size", len(raw))
	}
	var buf bytes.Buffer
	var prefix [RawSizePrefix]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(raw)))
	buf.Write(prefix[:])

	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress block: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish zlib stream: %w", err)
	}
	return buf.Bytes(), nil
}

// NewProgramBlock compresses raw and fills in the sizes and checksum a
// ProgramBlock request needs.
func NewProgramBlock(id uint16, raw []byte) (ProgramBlockRequest, error) {
	c, err := CompressBlock(raw)
	if err != nil {
		return ProgramBlockRequest{}, err
	}
	if len(c) > math.MaxUint16 {
		return ProgramBlockRequest{}, fmt.Errorf("compressed block of %d bytes exceeds 16-bit size", len(c))
	}
	return ProgramBlockRequest{
		BlockID:        id,
		CompressedSize: uint16(len(c)),
		BlockSize:      uint16(len(raw)), //nolint:gosec // checked by CompressBlock
		BlockChecksum:  frame.Checksum(raw),
		Data:           c,
	}, nil
}

// DecompressBlock inflates a compressed block into dst and returns the
// filled prefix of dst. The raw size prefix is skipped, not trusted: callers
// compare the result's length against the size they expect. The zlib stream
// is read from at most compressedSize bytes after the prefix. Output that
// does not fit in dst is an error.
func DecompressBlock(dst, data []byte, compressedSize int) ([]byte, error) {
	if len(data) < RawSizePrefix {
		return nil, fmt.Errorf("%d byte block has no size prefix: %w", len(data), fabricboot.ErrDecompress)
	}
	end := min(RawSizePrefix+max(compressedSize, 0), len(data))

	zr, err := zlib.NewReader(bytes.NewReader(data[RawSizePrefix:end]))
	if err != nil {
		return nil, fmt.Errorf("open zlib stream: %w: %w", fabricboot.ErrDecompress, err)
	}
	defer func() { _ = zr.Close() }()

	n := 0
	for n < len(dst) {
		m, err := zr.Read(dst[n:])
		n += m
		if errors.Is(err, io.EOF) {
			return dst[:n], nil
		}
		if err != nil {
			return nil, fmt.Errorf("inflate after %d bytes: %w: %w", n, fabricboot.ErrDecompress, err)
		}
	}

	// dst is full; anything left in the stream overflows it.
	var extra [1]byte
	m, err := zr.Read(extra[:])
	if m > 0 {
		return nil, fmt.Errorf("stream exceeds %d byte buffer: %w", len(dst), fabricboot.ErrDecompress)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("finish stream: %w: %w", fabricboot.ErrDecompress, err)
	}
	return dst, nil
}
