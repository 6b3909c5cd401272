//go:build unix

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
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice is a flash region backed by a memory-mapped image file. Reads
// go straight to the mapping; erase and program are done under an exclusive
// flock so a second process inspecting the image never sees a half-written
// sector.
type FileDevice struct {
	file       *os.File
	mem        []byte
	path       string
	sectorSize int
}

// OpenFile maps path as a device of size bytes, creating an erased image if
// the file does not exist. An existing file must already be size bytes.
func OpenFile(path string, size int64, sectorSize int) (*FileDevice, error) {
	if sectorSize <= 0 || size <= 0 || size%int64(sectorSize) != 0 {
		return nil, fmt.Errorf("flash image size %d is not a multiple of sector size %d", size, sectorSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	switch info.Size() {
	case 0:
		if err := initImage(f, size); err != nil {
			_ = f.Close()
			return nil, err
		}
	case size:
	default:
		_ = f.Close()
		return nil, fmt.Errorf("flash image %s is %d bytes, want %d", path, info.Size(), size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to map flash image: %w", err)
	}

	return &FileDevice{file: f, mem: mem, path: path, sectorSize: sectorSize}, nil
}

func initImage(f *os.File, size int64) error {
	erased := make([]byte, size)
	for i := range erased {
		erased[i] = Erased
	}
	if _, err := f.WriteAt(erased, 0); err != nil {
		return fmt.Errorf("failed to initialise flash image: %w", err)
	}
	return nil
}

// Size returns the image size.
func (d *FileDevice) Size() int64 { return int64(len(d.mem)) }

// SectorSize returns the erase granularity.
func (d *FileDevice) SectorSize() int { return d.sectorSize }

// Path returns the image file path.
func (d *FileDevice) Path() string { return d.path }

// Enter takes an exclusive flock on the image.
func (d *FileDevice) Enter() func() {
	fd := int(d.file.Fd())
	for {
		err := unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
	}
}

func (d *FileDevice) bounds(off int64, n int) error {
	if d.mem == nil {
		return os.ErrClosed
	}
	if off < 0 || off+int64(n) > int64(len(d.mem)) {
		return fmt.Errorf("%w: offset %d length %d", errOutOfBounds, off, n)
	}
	return nil
}

// ReadAt copies from the mapping.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := d.bounds(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, d.mem[off:]), nil
}

// EraseSector fills the sector containing off with Erased and syncs it.
func (d *FileDevice) EraseSector(off int64) error {
	start := off - off%int64(d.sectorSize)
	if err := d.bounds(start, d.sectorSize); err != nil {
		return err
	}
	sector := d.mem[start : start+int64(d.sectorSize)]
	for i := range sector {
		sector[i] = Erased
	}
	return d.sync(start, d.sectorSize)
}

// Program ANDs data into the mapping and syncs the touched range.
func (d *FileDevice) Program(off int64, data []byte) error {
	if err := d.bounds(off, len(data)); err != nil {
		return err
	}
	dst := d.mem[off : off+int64(len(data))]
	for i, b := range data {
		dst[i] &= b
	}
	return d.sync(off, len(data))
}

// sync flushes the pages covering [off, off+n). Msync wants a page-aligned
// start.
func (d *FileDevice) sync(off int64, n int) error {
	page := int64(os.Getpagesize())
	start := off / page * page
	end := off + int64(n)
	if err := unix.Msync(d.mem[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync flash image: %w", err)
	}
	return nil
}

// Sync flushes the whole mapping to the image file.
func (d *FileDevice) Sync() error {
	if d.mem == nil {
		return os.ErrClosed
	}
	if err := unix.Msync(d.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync flash image: %w", err)
	}
	return nil
}

// Close unmaps and closes the image.
func (d *FileDevice) Close() error {
	if d.mem == nil {
		return nil
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to close flash image: %w", err)
	}
	return nil
}
