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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDevice_Persists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flash.img")
	size := int64(testSectorSize * testSectors)
	layout := Layout{SectorSize: testSectorSize, Sectors: testSectors}

	dev, err := OpenFile(path, size, testSectorSize)
	require.NoError(t, err)

	probe := make([]byte, 4)
	_, err = dev.ReadAt(probe, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{Erased, Erased, Erased, Erased}, probe, "new image starts erased")

	store, err := NewStore(dev, layout)
	require.NoError(t, err)
	d := storeBitstream(t, store, testBlocks(), true)
	require.NoError(t, dev.Sync())
	require.NoError(t, dev.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, size, info.Size())

	dev, err = OpenFile(path, size, testSectorSize)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	store, err = NewStore(dev, layout)
	require.NoError(t, err)
	got, err := store.FindDescriptor()
	require.NoError(t, err)
	assert.Equal(t, d, got)
	require.NoError(t, store.Verify(got))
}

func TestFileDevice_WrongSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flash.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o600))

	_, err := OpenFile(path, testSectorSize*testSectors, testSectorSize)
	require.Error(t, err)
}

func TestFileDevice_ClosedAccess(t *testing.T) {
	t.Parallel()

	dev, err := OpenFile(filepath.Join(t.TempDir(), "flash.img"), testSectorSize*2, testSectorSize)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	_, err = dev.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, os.ErrClosed)
	require.NoError(t, dev.Close())
}
