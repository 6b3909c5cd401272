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
	"encoding/binary"
	"fmt"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// Region geometry
const (
	DefaultSectorSize = 4096
	DefaultSectors    = 256
)

// Magic marks a descriptor sector that has been written at least once.
const Magic uint32 = 0xF1F0DE0E

// Record sizes on flash. All fields are little-endian and packed.
const (
	DescriptorSize  = 19
	BlockHeaderSize = 9
)

// Layout places the bitstream region on a device: the descriptor in the
// first sector and block i in sector i+1.
type Layout struct {
	Offset     int64
	SectorSize int
	Sectors    int
}

// DefaultLayout is 256 sectors of 4 KiB starting at offset 0.
func DefaultLayout() Layout {
	return Layout{SectorSize: DefaultSectorSize, Sectors: DefaultSectors}
}

// TopOfDevice places the default region at the end of a device of size
// bytes, where the firmware keeps it.
func TopOfDevice(size int64) Layout {
	l := DefaultLayout()
	l.Offset = size - int64(l.SectorSize*l.Sectors)
	return l
}

// Size returns the region size in bytes.
func (l Layout) Size() int64 { return int64(l.SectorSize) * int64(l.Sectors) }

// MaxBlocks is the number of block sectors after the descriptor.
func (l Layout) MaxBlocks() int { return l.Sectors - 1 }

// MaxBlockSize is the largest payload a block sector can hold.
func (l Layout) MaxBlockSize() int { return l.SectorSize - BlockHeaderSize }

// DescriptorOffset returns the device offset of the descriptor sector.
func (l Layout) DescriptorOffset() int64 { return l.Offset }

// BlockOffset returns the device offset of block id's sector.
func (l Layout) BlockOffset(id int) int64 {
	return l.Offset + int64(id+1)*int64(l.SectorSize)
}

// Validate checks the layout fits dev.
func (l Layout) Validate(dev Device) error {
	switch {
	case l.Sectors < 2:
		return fmt.Errorf("flash layout needs at least 2 sectors, have %d", l.Sectors)
	case l.SectorSize != dev.SectorSize():
		return fmt.Errorf("flash layout sector size %d does not match device %d", l.SectorSize, dev.SectorSize())
	case l.Offset < 0 || l.Offset%int64(l.SectorSize) != 0:
		return fmt.Errorf("flash layout offset %d is not sector aligned", l.Offset)
	case l.Offset+l.Size() > dev.Size():
		return fmt.Errorf("flash layout ends at %d beyond device size %d", l.Offset+l.Size(), dev.Size())
	}
	return nil
}

// Descriptor is the persisted record describing the stored bitstream.
//
// Flash starts out as arbitrary data, so a descriptor is only trusted when
// Magic matches and both replicas equal Checksum+1 and Checksum+2.
type Descriptor struct {
	Magic            uint32
	ProgramOnStartup uint32
	BlockCount       uint32
	BitstreamSize    uint32
	Checksum         byte
	Replica1         byte
	Replica2         byte
}

// NewDescriptor returns an unsealed descriptor carrying the magic.
func NewDescriptor(blockCount, bitstreamSize uint32, programOnStartup bool) Descriptor {
	d := Descriptor{Magic: Magic, BlockCount: blockCount, BitstreamSize: bitstreamSize}
	if programOnStartup {
		d.ProgramOnStartup = 1
	}
	return d
}

// Seal stores the whole-bitstream checksum and its replicas.
func (d *Descriptor) Seal(sum byte) {
	d.Checksum = sum
	d.Replica1 = sum + 1
	d.Replica2 = sum + 2
}

// HasMagic reports whether the magic field matches.
func (d Descriptor) HasMagic() bool { return d.Magic == Magic }

// ReplicasValid reports whether both replica fields match the checksum.
func (d Descriptor) ReplicasValid() bool {
	return d.Replica1 == d.Checksum+1 && d.Replica2 == d.Checksum+2
}

// Valid reports whether the header itself is trustworthy. It does not look
// at the blocks; see Store.Verify.
func (d Descriptor) Valid() bool { return d.HasMagic() && d.ReplicasValid() }

// AutoProgram reports whether the bitstream should be loaded at boot.
func (d Descriptor) AutoProgram() bool { return d.ProgramOnStartup != 0 }

// MarshalBinary encodes the 19-byte on-flash form.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	b := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(b[0:], d.Magic)
	binary.LittleEndian.PutUint32(b[4:], d.ProgramOnStartup)
	binary.LittleEndian.PutUint32(b[8:], d.BlockCount)
	binary.LittleEndian.PutUint32(b[12:], d.BitstreamSize)
	b[16] = d.Checksum
	b[17] = d.Replica1
	b[18] = d.Replica2
	return b, nil
}

// UnmarshalBinary decodes the on-flash form. It does not check the magic.
func (d *Descriptor) UnmarshalBinary(b []byte) error {
	if len(b) < DescriptorSize {
		return fmt.Errorf("%w: %d bytes", fabricboot.ErrDescriptorInvalid, len(b))
	}
	d.Magic = binary.LittleEndian.Uint32(b[0:])
	d.ProgramOnStartup = binary.LittleEndian.Uint32(b[4:])
	d.BlockCount = binary.LittleEndian.Uint32(b[8:])
	d.BitstreamSize = binary.LittleEndian.Uint32(b[12:])
	d.Checksum = b[16]
	d.Replica1 = b[17]
	d.Replica2 = b[18]
	return nil
}

// BlockHeader precedes each block's payload in its sector.
type BlockHeader struct {
	ID       uint32
	Size     uint32
	Checksum byte
}

// MarshalBinary encodes the 9-byte on-flash form.
func (h BlockHeader) MarshalBinary() ([]byte, error) {
	b := make([]byte, BlockHeaderSize)
	binary.LittleEndian.PutUint32(b[0:], h.ID)
	binary.LittleEndian.PutUint32(b[4:], h.Size)
	b[8] = h.Checksum
	return b, nil
}

// UnmarshalBinary decodes the on-flash form.
func (h *BlockHeader) UnmarshalBinary(b []byte) error {
	if len(b) < BlockHeaderSize {
		return fmt.Errorf("block header: short buffer of %d bytes", len(b))
	}
	h.ID = binary.LittleEndian.Uint32(b[0:])
	h.Size = binary.LittleEndian.Uint32(b[4:])
	h.Checksum = b[8]
	return nil
}

// Checksum accumulates the additive checksum of a bitstream as its blocks
// stream past.
type Checksum struct {
	sum uint64
}

// Add folds p into the running total.
func (c *Checksum) Add(p []byte) {
	for _, b := range p {
		c.sum += uint64(b)
	}
}

// Byte returns the low eight bits of the total.
func (c *Checksum) Byte() byte { return byte(c.sum) }

// Reset clears the total.
func (c *Checksum) Reset() { c.sum = 0 }
