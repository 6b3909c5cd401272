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

package bootloader

import (
	"time"

	"github.com/ZaparooProject/go-fabricboot/internal/frame"
)

// ReconnectConfig configures reopening the host link after it goes away,
// for example when a USB serial adapter re-enumerates.
type ReconnectConfig struct {
	// Enabled turns reconnection on. A ReopenFunc must also be supplied
	// with WithReconnect.
	Enabled bool

	// MaxAttempts is the number of reopen attempts before Run gives up.
	// Default: 5
	MaxAttempts int

	// Backoff is the delay between attempts.
	Backoff time.Duration
}

// DefaultReconnectConfig returns sensible defaults for reconnection
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:     true,
		MaxAttempts: 5,
		Backoff:     500 * time.Millisecond,
	}
}

// Config holds the dispatcher's timing and boot options
type Config struct {
	// PollTimeout bounds the wait for a frame's magic byte. Zero makes the
	// idle poll non-blocking.
	PollTimeout time.Duration
	// ByteTimeout bounds every later byte of a frame.
	ByteTimeout time.Duration
	// IdleBackoff is how long Run sleeps after a poll that found nothing.
	IdleBackoff time.Duration
	// ForceEndSettle is waited after an interrupted session is closed.
	ForceEndSettle time.Duration
	// Reconnect configures recovery from a lost host link.
	Reconnect ReconnectConfig
	// AutoProgramOnBoot makes Start load a stored bitstream flagged for
	// startup.
	AutoProgramOnBoot bool
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() *Config {
	return &Config{
		PollTimeout:    frame.DefaultPollTimeout,
		ByteTimeout:    frame.DefaultByteTimeout,
		IdleBackoff:    time.Millisecond,
		ForceEndSettle: 100 * time.Millisecond,
		Reconnect:      DefaultReconnectConfig(),
	}
}
