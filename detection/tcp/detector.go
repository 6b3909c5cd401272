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

// Package tcp detects simulated bootloaders at configured TCP addresses.
// Import it for its side effect of registering with the detection package.
package tcp

import (
	"context"

	"github.com/ZaparooProject/go-fabricboot/detection"
	"github.com/ZaparooProject/go-fabricboot/transport/tcp"
)

type detector struct{}

// New creates a new TCP detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "tcp"
}

// Detect probes each of opts.Addresses. Passive mode reports them
// unprobed.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	var devices []detection.DeviceInfo
	for _, addr := range opts.Addresses {
		if detection.IsPathIgnored(addr, opts.IgnorePaths) {
			continue
		}
		info := detection.DeviceInfo{Transport: "tcp", Path: addr, Name: addr, Confidence: detection.Low}
		if opts.Mode == detection.Passive {
			devices = append(devices, info)
			continue
		}

		for _, timeout := range detection.ProbeTimeouts(opts) {
			if ctx.Err() != nil {
				return devices, nil
			}
			conn, err := tcp.Dial(addr, timeout)
			if err != nil {
				break
			}
			err = detection.Probe(conn, timeout, &info)
			_ = conn.Close()
			if err == nil {
				devices = append(devices, info)
				break
			}
		}
		if opts.MinDevices > 0 && len(devices) >= opts.MinDevices {
			break
		}
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}
