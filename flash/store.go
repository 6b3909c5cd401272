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

package flash

import (
	"bytes"
	"errors"
	"fmt"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/internal/frame"
)

// DescriptorBlock is the Block value used in errors about the descriptor.
const DescriptorBlock = -1

// WriteError is returned when persisting a sector fails. The dispatcher uses
// it to decide to stop saving the current session.
type WriteError struct {
	Err   error
	Op    string
	Block int
}

func (e *WriteError) Error() string {
	if e.Block == DescriptorBlock {
		return fmt.Sprintf("flash %s descriptor: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("flash %s block %d: %v", e.Op, e.Block, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Check names the verification step that failed.
type Check int

const (
	CheckMagic Check = iota + 1
	CheckReplica
	CheckBlockCount
	CheckSizeBound
	CheckIndex
	CheckBlockChecksum
	CheckBitstreamChecksum
	CheckRead
)

func (c Check) String() string {
	switch c {
	case CheckMagic:
		return "magic"
	case CheckReplica:
		return "checksum replica"
	case CheckBlockCount:
		return "block count"
	case CheckSizeBound:
		return "size bound"
	case CheckIndex:
		return "index mismatch"
	case CheckBlockChecksum:
		return "block checksum"
	case CheckBitstreamChecksum:
		return "bitstream checksum"
	case CheckRead:
		return "read"
	default:
		return fmt.Sprintf("check(%d)", int(c))
	}
}

// VerifyError reports the first inconsistency Verify found.
type VerifyError struct {
	Detail string
	Check  Check
	Block  int
}

func (e *VerifyError) Error() string {
	if e.Block == DescriptorBlock {
		return fmt.Sprintf("flash verify: %s: %s", e.Check, e.Detail)
	}
	return fmt.Sprintf("flash verify block %d: %s: %s", e.Block, e.Check, e.Detail)
}

func (e *VerifyError) Unwrap() error { return fabricboot.ErrDescriptorInvalid }

// Store reads and writes the bitstream region of a Device.
type Store struct {
	dev    Device
	sector []byte
	layout Layout
}

// NewStore binds layout to dev.
func NewStore(dev Device, layout Layout) (*Store, error) {
	if err := layout.Validate(dev); err != nil {
		return nil, err
	}
	return &Store{dev: dev, layout: layout, sector: make([]byte, layout.SectorSize)}, nil
}

// Layout returns the region geometry.
func (s *Store) Layout() Layout { return s.layout }

// FindDescriptor reads the descriptor sector and returns it if the magic
// matches. Replicas are not checked here.
func (s *Store) FindDescriptor() (Descriptor, error) {
	var d Descriptor
	raw := make([]byte, DescriptorSize)
	if _, err := s.dev.ReadAt(raw, s.layout.DescriptorOffset()); err != nil {
		return d, fmt.Errorf("read descriptor: %w", err)
	}
	if err := d.UnmarshalBinary(raw); err != nil {
		return d, err
	}
	if !d.HasMagic() {
		return Descriptor{}, fabricboot.ErrDescriptorNotFound
	}
	return d, nil
}

// WriteDescriptor persists d. Nothing is erased when the stored bytes are
// already identical.
func (s *Store) WriteDescriptor(d Descriptor) error {
	want, _ := d.MarshalBinary()
	off := s.layout.DescriptorOffset()

	have := make([]byte, DescriptorSize)
	if _, err := s.dev.ReadAt(have, off); err != nil {
		return &WriteError{Op: "read", Block: DescriptorBlock, Err: err}
	}
	if bytes.Equal(have, want) {
		fabricboot.Debugf("flash: descriptor unchanged, skipping write")
		return nil
	}

	buf := s.blankSector()
	copy(buf, want)
	if err := s.eraseAndProgram(off, buf, DescriptorBlock); err != nil {
		return err
	}

	if _, err := s.dev.ReadAt(have, off); err != nil {
		return &WriteError{Op: "readback", Block: DescriptorBlock, Err: err}
	}
	if !bytes.Equal(have, want) {
		return &WriteError{Op: "readback", Block: DescriptorBlock, Err: fabricboot.ErrFlashReadback}
	}
	return nil
}

// Clear overwrites the descriptor with zeros so FindDescriptor reports
// nothing stored. Block sectors are left as they are.
func (s *Store) Clear() error {
	return s.WriteDescriptor(Descriptor{})
}

// WriteBlock stores data as block id and folds it into running. The
// checksum is accumulated before the sector is touched, so a failed write
// still counts towards the total; callers drop the session on failure.
func (s *Store) WriteBlock(id int, data []byte, running *Checksum) error {
	if len(data) > s.layout.MaxBlockSize() {
		return &WriteError{Op: "write", Block: id, Err: fmt.Errorf("%w: %d > %d bytes",
			fabricboot.ErrBlockTooLarge, len(data), s.layout.MaxBlockSize())}
	}
	if id < 0 || id >= s.layout.MaxBlocks() {
		return &WriteError{Op: "write", Block: id, Err: fmt.Errorf("%w: %d of %d",
			fabricboot.ErrBlockOutOfRange, id, s.layout.MaxBlocks())}
	}

	if running != nil {
		running.Add(data)
	}

	hdr := BlockHeader{ID: uint32(id), Size: uint32(len(data)), Checksum: frame.Checksum(data)} //nolint:gosec // bounded above
	rawHdr, _ := hdr.MarshalBinary()

	buf := s.blankSector()
	copy(buf, rawHdr)
	copy(buf[BlockHeaderSize:], data)

	off := s.layout.BlockOffset(id)
	if err := s.eraseAndProgram(off, buf, id); err != nil {
		return err
	}

	have := s.sector[:BlockHeaderSize+len(data)]
	if _, err := s.dev.ReadAt(have, off); err != nil {
		return &WriteError{Op: "readback", Block: id, Err: err}
	}
	if !bytes.Equal(have[:BlockHeaderSize], rawHdr) {
		return &WriteError{Op: "readback header", Block: id, Err: fabricboot.ErrFlashReadback}
	}
	if !bytes.Equal(have[BlockHeaderSize:], data) {
		return &WriteError{Op: "readback data", Block: id, Err: fabricboot.ErrFlashReadback}
	}
	return nil
}

// ReadBlock returns block id's header and payload. The payload is only
// returned when the header's size fits the sector.
func (s *Store) ReadBlock(id int) (BlockHeader, []byte, error) {
	var hdr BlockHeader
	if id < 0 || id >= s.layout.MaxBlocks() {
		return hdr, nil, fmt.Errorf("%w: %d", fabricboot.ErrBlockOutOfRange, id)
	}

	off := s.layout.BlockOffset(id)
	raw := make([]byte, BlockHeaderSize)
	if _, err := s.dev.ReadAt(raw, off); err != nil {
		return hdr, nil, fmt.Errorf("read block %d header: %w", id, err)
	}
	_ = hdr.UnmarshalBinary(raw)
	if hdr.Size > uint32(s.layout.MaxBlockSize()) { //nolint:gosec // sector sizes are small
		return hdr, nil, fmt.Errorf("%w: block %d claims %d bytes", fabricboot.ErrBlockTooLarge, id, hdr.Size)
	}

	data := make([]byte, hdr.Size)
	if _, err := s.dev.ReadAt(data, off+BlockHeaderSize); err != nil {
		return hdr, nil, fmt.Errorf("read block %d: %w", id, err)
	}
	return hdr, data, nil
}

// Verify walks every block d describes, checking size, index and block
// checksum, then the whole-bitstream checksum. It stops at the first
// failure and returns a *VerifyError.
func (s *Store) Verify(d Descriptor) error {
	if !d.HasMagic() {
		return &VerifyError{Check: CheckMagic, Block: DescriptorBlock, Detail: fmt.Sprintf("%08X", d.Magic)}
	}
	if !d.ReplicasValid() {
		return &VerifyError{Check: CheckReplica, Block: DescriptorBlock,
			Detail: fmt.Sprintf("checksum %d replicas %d %d", d.Checksum, d.Replica1, d.Replica2)}
	}
	if d.BlockCount > uint32(s.layout.MaxBlocks()) { //nolint:gosec // sector counts are small
		return &VerifyError{Check: CheckBlockCount, Block: DescriptorBlock,
			Detail: fmt.Sprintf("%d > %d", d.BlockCount, s.layout.MaxBlocks())}
	}

	var total Checksum
	for i := range int(d.BlockCount) {
		hdr, data, err := s.ReadBlock(i)
		switch {
		case errors.Is(err, fabricboot.ErrBlockTooLarge):
			return &VerifyError{Check: CheckSizeBound, Block: i,
				Detail: fmt.Sprintf("%d > %d", hdr.Size, s.layout.MaxBlockSize())}
		case err != nil:
			return &VerifyError{Check: CheckRead, Block: i, Detail: err.Error()}
		}
		if hdr.ID != uint32(i) { //nolint:gosec // i < MaxBlocks
			return &VerifyError{Check: CheckIndex, Block: i, Detail: fmt.Sprintf("stored id %d", hdr.ID)}
		}
		if sum := frame.Checksum(data); sum != hdr.Checksum {
			return &VerifyError{Check: CheckBlockChecksum, Block: i,
				Detail: fmt.Sprintf("stored %d computed %d", hdr.Checksum, sum)}
		}
		total.Add(data)
	}

	if total.Byte() != d.Checksum {
		return &VerifyError{Check: CheckBitstreamChecksum, Block: DescriptorBlock,
			Detail: fmt.Sprintf("stored %d computed %d", d.Checksum, total.Byte())}
	}
	return nil
}

func (s *Store) blankSector() []byte {
	for i := range s.sector {
		s.sector[i] = Erased
	}
	return s.sector
}

// eraseAndProgram erases the sector at off and programs buf into it, each
// step inside the device's critical section.
func (s *Store) eraseAndProgram(off int64, buf []byte, block int) error {
	release := enter(s.dev)
	err := s.dev.EraseSector(off)
	release()
	if err != nil {
		return &WriteError{Op: "erase", Block: block, Err: err}
	}

	release = enter(s.dev)
	err = s.dev.Program(off, buf)
	release()
	if err != nil {
		return &WriteError{Op: "program", Block: block, Err: err}
	}
	return nil
}
