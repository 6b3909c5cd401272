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

// Package uart detects bootloaders on serial ports. Import it for its side
// effect of registering with the detection package.
package uart

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ZaparooProject/go-fabricboot/detection"
	"github.com/ZaparooProject/go-fabricboot/transport/uart"
	"go.bug.st/serial/enumerator"
)

// detector implements the Detector interface for serial ports.
type detector struct{}

// New creates a new UART detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "uart"
}

// serialPort represents a serial port with metadata
type serialPort struct {
	Path         string
	VIDPID       string
	Product      string
	SerialNumber string
	IsUSB        bool
}

// listPortsFn and probePortFn are swapped out in tests.
var (
	listPortsFn = listPorts
	probePortFn = probePort
)

func listPorts() ([]serialPort, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	ports := make([]serialPort, 0, len(details))
	for _, d := range details {
		p := serialPort{Path: d.Name, IsUSB: d.IsUSB}
		if d.IsUSB {
			p.VIDPID = detection.FormatVIDPID(d.VID, d.PID)
			p.Product = d.Product
			p.SerialNumber = d.SerialNumber
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func probePort(path string, baud int, timeout time.Duration, info *detection.DeviceInfo) error {
	t, err := uart.New(path, baud)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()
	return detection.Probe(t, timeout, info)
}

// knownBoards are USB ids of programmer boards running the bootloader.
var knownBoards = []string{
	"2E8A:000A", // Raspberry Pi RP2040, pico SDK USB CDC
	"2E8A:0009", // Raspberry Pi RP2350, pico SDK USB CDC
}

// isLikelyBootloader checks the USB descriptors for a known board.
func isLikelyBootloader(port *serialPort) bool {
	for _, id := range knownBoards {
		if port.VIDPID == id {
			return true
		}
	}
	product := strings.ToLower(port.Product)
	return strings.Contains(product, "fabric") || strings.Contains(product, "pico")
}

// Detect searches for bootloaders on serial ports
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := listPortsFn()
	if err != nil {
		return nil, err
	}

	candidates := d.candidates(d.filterPorts(ports, opts), opts)
	if opts.Mode == detection.Passive {
		var likely []detection.DeviceInfo
		for _, c := range candidates {
			if c.Confidence == detection.Medium {
				likely = append(likely, c)
			}
		}
		if len(likely) == 0 {
			return nil, detection.ErrNoDevicesFound
		}
		return likely, nil
	}

	devices := d.probeAll(ctx, candidates, opts)
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// filterPorts removes blocked and ignored ports
func (*detector) filterPorts(ports []serialPort, opts *detection.Options) []serialPort {
	var filtered []serialPort
	for _, port := range ports {
		if detection.IsBlocked(port.VIDPID, opts.Blocklist) {
			continue
		}
		if detection.IsPathIgnored(port.Path, opts.IgnorePaths) {
			continue
		}
		filtered = append(filtered, port)
	}
	return filtered
}

// candidates builds a DeviceInfo per port, preferred ports and known boards
// first.
func (*detector) candidates(ports []serialPort, opts *detection.Options) []detection.DeviceInfo {
	out := make([]detection.DeviceInfo, 0, len(ports))
	rank := make(map[string]int, len(ports))
	for i := range ports {
		port := &ports[i]
		info := detection.DeviceInfo{
			Transport:  "uart",
			Path:       port.Path,
			Name:       port.Path,
			Confidence: detection.Low,
			Metadata:   make(map[string]string),
		}
		r := 2
		if isLikelyBootloader(port) {
			info.Confidence = detection.Medium
			r = 1
		}
		if detection.MatchesAny(port.Path, opts.PreferredPaths) {
			r = 0
		}
		rank[port.Path] = r
		if port.VIDPID != "" {
			info.Metadata["vidpid"] = port.VIDPID
		}
		if port.Product != "" {
			info.Name = port.Product
			info.Metadata["product"] = port.Product
		}
		if port.SerialNumber != "" {
			info.Metadata["serial"] = port.SerialNumber
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i].Path] < rank[out[j].Path] })
	return out
}

// probeAll probes candidates in order, one pass per probe timeout. A port
// that answered is not probed again.
func (*detector) probeAll(ctx context.Context, candidates []detection.DeviceInfo,
	opts *detection.Options,
) []detection.DeviceInfo {
	var found []detection.DeviceInfo
	answered := make([]bool, len(candidates))

	for _, timeout := range detection.ProbeTimeouts(opts) {
		for i := range candidates {
			if answered[i] {
				continue
			}
			select {
			case <-ctx.Done():
				return found
			default:
			}

			if err := probePortFn(candidates[i].Path, opts.Baud, timeout, &candidates[i]); err != nil {
				continue
			}
			answered[i] = true
			found = append(found, candidates[i])
			if opts.MinDevices > 0 && len(found) >= opts.MinDevices {
				return found
			}
		}
	}
	return found
}
