//go:build !unix

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
	"io"
)

var errNoMmap = errors.New("flash image files need a unix host")

// FileDevice is unavailable on this platform.
type FileDevice struct {
	MemDevice
}

// OpenFile always fails on this platform; use MemDevice instead.
func OpenFile(_ string, _ int64, _ int) (*FileDevice, error) {
	return nil, errNoMmap
}

// Path returns an empty string.
func (*FileDevice) Path() string { return "" }

// Sync is a no-op.
func (*FileDevice) Sync() error { return nil }

// Close is a no-op.
func (*FileDevice) Close() error { return nil }

var _ io.Closer = (*FileDevice)(nil)
