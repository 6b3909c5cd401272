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

// Package flash keeps one FPGA bitstream in a fixed region of NOR flash:
// a descriptor sector followed by one sector per block.
package flash

import (
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-fabricboot/internal/syncutil"
)

// Erased is the value of every byte after a sector erase.
const Erased = 0xFF

var errOutOfBounds = errors.New("flash access out of bounds")

// Device is the flash primitive set: memory-mapped style reads plus sector
// erase and page program. Offsets are absolute within the device.
type Device interface {
	Size() int64
	SectorSize() int
	ReadAt(p []byte, off int64) (int, error)
	EraseSector(off int64) error
	Program(off int64, data []byte) error
}

// Critical is implemented by devices that need erase and program bracketed
// by an exclusive section. Enter blocks until the section is held and
// returns its release.
type Critical interface {
	Enter() func()
}

// enter opens the device's critical section, if it has one.
func enter(dev Device) func() {
	if c, ok := dev.(Critical); ok {
		return c.Enter()
	}
	return func() {}
}

// MemDevice is a RAM-backed NOR flash. Program can only clear bits, like
// the real part, so writing over unerased data fails readback.
type MemDevice struct {
	faults     map[int64]byte
	data       []byte
	sectorSize int
	erases     int
	programs   int
	mu         syncutil.Mutex
	critical   syncutil.Mutex
}

// NewMemDevice creates an erased device of sectors*sectorSize bytes.
func NewMemDevice(sectorSize, sectors int) *MemDevice {
	data := make([]byte, sectorSize*sectors)
	for i := range data {
		data[i] = Erased
	}
	return &MemDevice{data: data, sectorSize: sectorSize, faults: make(map[int64]byte)}
}

// Size returns the device size in bytes.
func (m *MemDevice) Size() int64 { return int64(len(m.data)) }

// SectorSize returns the erase granularity.
func (m *MemDevice) SectorSize() int { return m.sectorSize }

// Enter implements Critical.
func (m *MemDevice) Enter() func() {
	return syncutil.Guard(&m.critical)
}

func (m *MemDevice) bounds(off int64, n int) error {
	if off < 0 || off+int64(n) > int64(len(m.data)) {
		return fmt.Errorf("%w: offset %d length %d", errOutOfBounds, off, n)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.bounds(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// EraseSector sets the sector containing off to Erased.
func (m *MemDevice) EraseSector(off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := off - off%int64(m.sectorSize)
	if err := m.bounds(start, m.sectorSize); err != nil {
		return err
	}
	for i := start; i < start+int64(m.sectorSize); i++ {
		m.data[i] = Erased
	}
	m.erases++
	return nil
}

// Program ANDs data into the array at off.
func (m *MemDevice) Program(off int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.bounds(off, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		pos := off + int64(i)
		if mask, ok := m.faults[pos]; ok {
			b ^= mask
		}
		m.data[pos] &= b
	}
	m.programs++
	return nil
}

// InjectFault makes every later program of the byte at off flip the bits
// in mask, simulating a worn cell.
func (m *MemDevice) InjectFault(off int64, mask byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[off] = mask
}

// Poke overwrites raw bytes without erase semantics, for corrupting stored
// data in tests.
func (m *MemDevice) Poke(off int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[off:], data)
}

// Erases returns how many sector erases have been performed.
func (m *MemDevice) Erases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}

// Programs returns how many program operations have been performed.
func (m *MemDevice) Programs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.programs
}
