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

import "time"

// Magic marks the start of every frame in both directions.
const Magic = 0x1B

// Frame size limits
const (
	// HeaderLength is the magic byte plus the 16-bit length field.
	HeaderLength = 3
	// MaxPacketSize bounds the length field (payload plus checksum byte).
	// It matches the bootloader's request buffer.
	MaxPacketSize = 4090
	// MaxPayloadLength is the largest payload a frame can carry.
	MaxPayloadLength = MaxPacketSize - 1
)

// Read timeouts
const (
	// DefaultPollTimeout is used for the magic byte. Zero makes the idle
	// poll a non-blocking check.
	DefaultPollTimeout time.Duration = 0
	// DefaultByteTimeout bounds every byte after the magic.
	DefaultByteTimeout = 100 * time.Millisecond
)
