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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDevice_NORSemantics(t *testing.T) {
	t.Parallel()

	dev := NewMemDevice(16, 2)
	require.NoError(t, dev.Program(0, []byte{0x0F}))
	require.NoError(t, dev.Program(0, []byte{0xF1}))

	b := make([]byte, 1)
	_, err := dev.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b[0], "program only clears bits")

	require.NoError(t, dev.EraseSector(5))
	_, err = dev.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(Erased), b[0])

	assert.Equal(t, 1, dev.Erases())
	assert.Equal(t, 2, dev.Programs())
}

func TestMemDevice_Bounds(t *testing.T) {
	t.Parallel()

	dev := NewMemDevice(16, 2)
	_, err := dev.ReadAt(make([]byte, 4), 30)
	require.ErrorIs(t, err, errOutOfBounds)
	require.ErrorIs(t, dev.Program(-1, []byte{0}), errOutOfBounds)
	require.ErrorIs(t, dev.EraseSector(32), errOutOfBounds)
}
