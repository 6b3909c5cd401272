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
	"context"
	"errors"
	"io"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// ErrReconnectDisabled is returned by Reconnector.Reconnect when no reopen
// function was configured.
var ErrReconnectDisabled = errors.New("reconnect disabled")

// ReopenFunc opens a fresh host link.
type ReopenFunc func() (fabricboot.ByteStream, error)

// Reconnector reopens the host link with a fixed backoff between attempts.
type Reconnector struct {
	reopen      ReopenFunc
	backoff     time.Duration
	maxAttempts int
}

// NewReconnector creates a reconnector. Non-positive attempts and backoff
// fall back to the DefaultReconnectConfig values.
func NewReconnector(reopen ReopenFunc, cfg ReconnectConfig) *Reconnector {
	def := DefaultReconnectConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Reconnector{
		reopen:      reopen,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Reconnect closes old when it is an io.Closer, then calls the reopen
// function until it succeeds, the attempts run out or ctx is done. It
// returns the last reopen error on failure.
func (r *Reconnector) Reconnect(ctx context.Context, old fabricboot.ByteStream) (fabricboot.ByteStream, error) {
	if r == nil || r.reopen == nil {
		return nil, ErrReconnectDisabled
	}
	if c, ok := old.(io.Closer); ok {
		_ = c.Close()
	}

	var lastErr error
	for attempt := range r.maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.backoff):
			}
		}

		stream, err := r.reopen()
		if err == nil {
			return stream, nil
		}
		lastErr = err
		fabricboot.Debugf("bootloader: reopen attempt %d/%d failed: %v", attempt+1, r.maxAttempts, err)
	}
	return nil, lastErr
}
