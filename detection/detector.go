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

// Package detection finds bootloaders attached to this host. Transport
// detectors register themselves on import; DetectAll runs them in parallel.
package detection

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/ZaparooProject/go-fabricboot/internal/syncutil"
)

// Mode represents the level of invasiveness for device detection
type Mode int

const (
	// Passive mode only looks at port descriptors without any communication
	Passive Mode = iota
	// Safe mode sends one QueryDevice with a short timeout
	Safe
	// Full mode retries ports that missed the short probe with the normal
	// response timeout
	Full
)

// Confidence represents the confidence level of device detection
type Confidence int

const (
	// Low confidence - port exists but nothing identifies it
	Low Confidence = iota
	// Medium confidence - USB descriptors match a known programmer board
	Medium
	// High confidence - device answered QueryDevice
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo represents a detected bootloader
type DeviceInfo struct {
	// Additional metadata (e.g., VID:PID for USB devices)
	Metadata map[string]string
	// Transport type: "uart" or "tcp"
	Transport string
	// Connection path (e.g., "/dev/ttyACM0", "10.0.0.7:7000")
	Path string
	// Human-readable port name
	Name string
	// UniqueID is the programmer id in hex, set once probed
	UniqueID string
	// FPGADeviceID is the IDCODE reported by the probe
	FPGADeviceID uint32
	// FPGARecognised is true when the bootloader supports the attached part
	FPGARecognised bool
	// Detection confidence level
	Confidence Confidence
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	if d.UniqueID == "" {
		return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
	}
	return fmt.Sprintf("%s device %s at %s (fpga %08X, confidence: %s)",
		d.Transport, d.UniqueID, d.Path, d.FPGADeviceID, d.Confidence)
}

// Options configures the detection behavior
type Options struct {
	// USB VID:PID pairs to skip (e.g., ["1234:5678", "ABCD:EF01"])
	Blocklist []string
	// Device paths to explicitly ignore (e.g., ["/dev/ttyS0", "COM1"])
	IgnorePaths []string
	// Glob patterns probed before any other port
	PreferredPaths []string
	// TCP addresses for the tcp detector
	Addresses []string
	// Which transports to check (empty = all)
	Transports []string
	// Cache TTL duration
	CacheTTL time.Duration
	// Maximum time to wait for detection
	Timeout time.Duration
	// FastProbeTimeout bounds the Safe probe; Full mode falls back to
	// ProbeTimeout
	FastProbeTimeout time.Duration
	ProbeTimeout     time.Duration
	// Baud is used to open serial ports
	Baud int
	// MinDevices stops a detector once it has this many probed devices
	// (0 = probe everything)
	MinDevices int
	// Detection invasiveness level
	Mode Mode
	// Enable result caching
	EnableCache bool
}

// DefaultPreferredPaths returns the ports a bootloader usually enumerates as
// on this platform.
func DefaultPreferredPaths() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{"/dev/ttyACM*"}
	case "darwin":
		return []string{"/dev/cu.usbmodem*"}
	default:
		return nil
	}
}

// DefaultOptions returns sensible default detection options
func DefaultOptions() Options {
	return Options{
		Mode:             Safe,
		Timeout:          10 * time.Second,
		FastProbeTimeout: 100 * time.Millisecond,
		ProbeTimeout:     2500 * time.Millisecond,
		Baud:             115200,
		Blocklist:        DefaultBlocklist(),
		IgnorePaths:      DefaultIgnorePaths(),
		PreferredPaths:   DefaultPreferredPaths(),
		EnableCache:      true,
		CacheTTL:         30 * time.Second,
	}
}

// Detector interface for transport-specific device detection
type Detector interface {
	// Detect searches for devices using the given options
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	// Transport returns the transport type this detector handles
	Transport() string
}

// Errors
var (
	// ErrNoDevicesFound indicates no bootloaders were detected
	ErrNoDevicesFound = errors.New("no bootloader devices found")
	// ErrDetectionTimeout indicates detection timed out
	ErrDetectionTimeout = errors.New("detection timeout")
)

var (
	registryMu syncutil.Mutex
	registry   []Detector
)

// RegisterDetector adds a detector. Transport packages call it from init.
func RegisterDetector(d Detector) {
	defer syncutil.Guard(&registryMu)()
	registry = append(registry, d)
}

func detectorsFor(transports []string) []Detector {
	defer syncutil.Guard(&registryMu)()
	var out []Detector
	for _, d := range registry {
		if len(transports) == 0 || slices.Contains(transports, d.Transport()) {
			out = append(out, d)
		}
	}
	return out
}

type scanResult struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs every selected detector in parallel and merges what they
// find. A detector error is only returned when nothing was found at all.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	detectors := detectorsFor(opts.Transports)
	if len(detectors) == 0 {
		return nil, fmt.Errorf("no detectors for transports %v", opts.Transports)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan scanResult, len(detectors))
	for _, d := range detectors {
		go func() { results <- scan(ctx, d, opts) }()
	}

	var (
		found    []DeviceInfo
		firstErr error
	)
	for range detectors {
		select {
		case r := <-results:
			if r.err != nil {
				if firstErr == nil {
					firstErr = r.err
				}
				continue
			}
			found = append(found, r.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	switch {
	case len(found) > 0:
		return found, nil
	case firstErr != nil:
		return nil, firstErr
	default:
		return nil, ErrNoDevicesFound
	}
}

// scan runs one detector through the cache.
func scan(ctx context.Context, d Detector, opts *Options) scanResult {
	transport := d.Transport()
	if opts.EnableCache {
		if cached, ok := getCached(transport, opts.Mode, opts.CacheTTL); ok {
			return scanResult{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	switch {
	case err != nil && !errors.Is(err, ErrNoDevicesFound):
		return scanResult{err: err}
	case !opts.EnableCache:
	case len(devices) > 0:
		setCached(transport, opts.Mode, devices)
	default:
		// A stale entry would send callers to a port that is gone.
		clearCacheForTransport(transport)
	}
	return scanResult{devices: devices}
}

// filterDevices applies IgnorePaths and Blocklist to cached results, which
// never went through Detect.
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}

	var filtered []DeviceInfo
	for _, device := range devices {
		if IsPathIgnored(device.Path, opts.IgnorePaths) {
			continue
		}
		if vidpid, ok := device.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		filtered = append(filtered, device)
	}
	return filtered
}

// First returns the best device found: the first with High confidence, else
// the first of any confidence.
func First(devices []DeviceInfo) (DeviceInfo, error) {
	if len(devices) == 0 {
		return DeviceInfo{}, ErrNoDevicesFound
	}
	for _, d := range devices {
		if d.Confidence == High {
			return d, nil
		}
	}
	return devices[0], nil
}

// ClearDetectionCache removes all cached detection results
func ClearDetectionCache() {
	clearCache()
}
