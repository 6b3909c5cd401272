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

import "errors"

// ErrRebootRequested is returned by Step and Run after a RebootProgrammer
// request handled by ExitRebooter. The process should exit so its supervisor
// starts a fresh instance.
var ErrRebootRequested = errors.New("reboot requested")

// Rebooter resets the programmer. No response is sent to the host.
type Rebooter interface {
	Reboot() error
}

// RebooterFunc adapts a function to Rebooter.
type RebooterFunc func() error

// Reboot calls f.
func (f RebooterFunc) Reboot() error { return f() }

// ExitRebooter hands the reset to the process supervisor: Reboot returns
// ErrRebootRequested, which stops Run.
type ExitRebooter struct{}

// Reboot implements Rebooter.
func (ExitRebooter) Reboot() error { return ErrRebootRequested }
