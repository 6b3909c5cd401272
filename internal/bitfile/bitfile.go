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

// Package bitfile reads and writes ECP5 bitstreams as raw .bit images or as
// Intel HEX PROM files (.mcs, .hex).
package bitfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Format is an on-disk bitstream encoding.
type Format int

const (
	// Raw is the bitstream byte for byte.
	Raw Format = iota
	// IntelHex is an Intel HEX PROM image.
	IntelHex
)

func (f Format) String() string {
	switch f {
	case Raw:
		return "raw"
	case IntelHex:
		return "ihex"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Fill pads gaps between HEX segments, matching erased flash.
const Fill = 0xFF

// ErrEmpty is returned for a file that holds no bitstream bytes.
var ErrEmpty = errors.New("bitstream is empty")

// DetectFormat picks a format from the file extension, falling back to
// sniffing for a HEX record mark.
func DetectFormat(path string, head []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mcs", ".hex", ".ihex":
		return IntelHex
	case ".bit", ".bin":
		return Raw
	}
	if len(head) > 0 && head[0] == ':' {
		return IntelHex
	}
	return Raw
}

// Load reads the bitstream at path in whichever format it is stored.
func Load(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitstream: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	head, _ := r.Peek(1)
	return Read(r, DetectFormat(path, head))
}

// Read decodes a bitstream from r.
func Read(r io.Reader, format Format) ([]byte, error) {
	switch format {
	case IntelHex:
		return ParseHex(r)
	case Raw:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read bitstream: %w", err)
		}
		if len(data) == 0 {
			return nil, ErrEmpty
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported bitstream format %v", format)
	}
}

// ParseHex flattens an Intel HEX image into one contiguous bitstream that
// starts at the lowest address present.
func ParseHex(r io.Reader) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("failed to parse hex: %w", err)
	}
	return Flatten(mem.GetDataSegments())
}

// Flatten joins segments in address order, padding gaps with Fill.
func Flatten(segments []gohex.DataSegment) ([]byte, error) {
	if len(segments) == 0 {
		return nil, ErrEmpty
	}
	segs := make([]gohex.DataSegment, len(segments))
	copy(segs, segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })

	base := segs[0].Address
	last := segs[len(segs)-1]
	out := bytes.Repeat([]byte{Fill}, int(last.Address-base)+len(last.Data))
	for _, s := range segs {
		copy(out[s.Address-base:], s.Data)
	}
	return out, nil
}

// WriteHex writes data as an Intel HEX image loaded at base.
func WriteHex(w io.Writer, data []byte, base uint32) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(base, data); err != nil {
		return fmt.Errorf("failed to add segment: %w", err)
	}
	if err := mem.DumpIntelHex(w, 16); err != nil {
		return fmt.Errorf("failed to write hex: %w", err)
	}
	return nil
}

// Save writes data to path, choosing the format from the extension.
func Save(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if DetectFormat(path, nil) == IntelHex {
		err = WriteHex(bw, data, 0)
	} else {
		_, err = bw.Write(data)
	}
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
