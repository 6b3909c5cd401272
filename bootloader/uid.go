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
	"encoding/hex"
	"fmt"

	"github.com/ZaparooProject/go-fabricboot/protocol"
	"github.com/denisbrodbeck/machineid"
)

// DefaultAppID keys the machine ID hash used by MachineUniqueID.
const DefaultAppID = "fabricboot"

// UniqueIDFunc returns the programmer's unique ID reported by QueryDevice.
type UniqueIDFunc func() ([protocol.UniqueIDSize]byte, error)

// MachineUniqueID derives a stable ID from the host's machine ID, hashed with
// appID so the raw machine ID is never sent over the link.
func MachineUniqueID(appID string) UniqueIDFunc {
	return func() ([protocol.UniqueIDSize]byte, error) {
		var id [protocol.UniqueIDSize]byte
		sum, err := machineid.ProtectedID(appID)
		if err != nil {
			return id, fmt.Errorf("machine id: %w", err)
		}
		raw, err := hex.DecodeString(sum)
		if err != nil {
			return id, fmt.Errorf("machine id digest: %w", err)
		}
		if len(raw) < len(id) {
			return id, fmt.Errorf("machine id digest is %d bytes", len(raw))
		}
		copy(id[:], raw)
		return id, nil
	}
}

// StaticUniqueID always returns id.
func StaticUniqueID(id [protocol.UniqueIDSize]byte) UniqueIDFunc {
	return func() ([protocol.UniqueIDSize]byte, error) { return id, nil }
}
