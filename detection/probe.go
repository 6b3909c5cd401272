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

package detection

import (
	"encoding/hex"
	"fmt"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/client"
	"github.com/ZaparooProject/go-fabricboot/protocol"
)

// Probe sends one QueryDevice on stream and fills in the identity fields of
// info. The probe is a single attempt.
func Probe(stream fabricboot.ByteStream, timeout time.Duration, info *DeviceInfo) error {
	c := client.New(stream, client.WithResponseTimeout(timeout))
	r, err := c.QueryDevice()
	if err != nil {
		return fmt.Errorf("probe %s: %w", info.Path, err)
	}
	info.UniqueID = hex.EncodeToString(r.UniqueID[:])
	info.FPGADeviceID = r.FPGADeviceID
	info.FPGARecognised = r.State == protocol.DeviceRecognized
	info.Confidence = High
	return nil
}

// ProbeTimeouts returns the timeouts to try for mode, shortest first.
func ProbeTimeouts(opts *Options) []time.Duration {
	switch opts.Mode {
	case Safe:
		return []time.Duration{opts.FastProbeTimeout}
	case Full:
		return []time.Duration{opts.FastProbeTimeout, opts.ProbeTimeout}
	default:
		return nil
	}
}
