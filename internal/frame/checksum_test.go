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

import "testing"

func TestChecksum(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{
			name: "empty data",
			data: []byte{},
			want: 0,
		},
		{
			name: "single byte",
			data: []byte{0x42},
			want: 0x42,
		},
		{
			name: "overflow wraps",
			data: []byte{0xFF, 0x01},
			want: 0x00,
		},
		{
			name: "multiple bytes",
			data: []byte{0x01, 0x02, 0x03, 0x04},
			want: 0x0A,
		},
		{
			name: "generic response header",
			data: []byte{0xFE, 0x01, 0x00, 0x00, 0x00, 0x00},
			want: 0xFF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestAccumulate(t *testing.T) {
	t.Parallel()

	data := []byte{0x80, 0x90, 0xA0, 0xB0, 0xC0}
	sum := Accumulate(0, data[:2])
	sum = Accumulate(sum, data[2:])
	if sum != Checksum(data) {
		t.Errorf("split accumulate = %#x, whole = %#x", sum, Checksum(data))
	}
}
