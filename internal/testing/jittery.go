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

package testing

import (
	"math/rand/v2"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// JitterConfig configures the behavior of JitteryStream.
type JitterConfig struct {
	// StallAfterBytes injects a single timeout once this many bytes have
	// been delivered. Zero disables the stall.
	StallAfterBytes int
	// DropRate is the probability (0..1) that any read times out spuriously.
	DropRate float64
	Seed     uint64
}

// JitteryStream wraps a ByteStream to simulate a USB-serial link that stalls
// mid-frame. It is used to demonstrate the frame reader's lack of
// resynchronisation.
type JitteryStream struct {
	backend        fabricboot.ByteStream
	rng            *rand.Rand
	config         JitterConfig
	delivered      int
	stallTriggered bool
}

// NewJitteryStream wraps backend with stall simulation.
func NewJitteryStream(backend fabricboot.ByteStream, config JitterConfig) *JitteryStream {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // Test code, not crypto
	}
	return &JitteryStream{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // Test code, not crypto
	}
}

// ReadByte delegates to the backend unless a stall or drop is due.
func (j *JitteryStream) ReadByte(timeout time.Duration) (byte, error) {
	if j.config.StallAfterBytes > 0 && !j.stallTriggered && j.delivered >= j.config.StallAfterBytes {
		j.stallTriggered = true
		return 0, fabricboot.ErrTimeout
	}
	if j.config.DropRate > 0 && j.rng.Float64() < j.config.DropRate {
		return 0, fabricboot.ErrTimeout
	}

	b, err := j.backend.ReadByte(timeout)
	if err != nil {
		return b, err //nolint:wrapcheck // Pass-through wrapper
	}
	j.delivered++
	return b, nil
}

// Write passes writes through to the backend without modification.
func (j *JitteryStream) Write(p []byte) (int, error) {
	return j.backend.Write(p) //nolint:wrapcheck // Pass-through wrapper
}
