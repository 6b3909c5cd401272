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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZaparooProject/go-fabricboot/fpga"
	"github.com/ZaparooProject/go-fabricboot/internal/frame"
	virt "github.com/ZaparooProject/go-fabricboot/internal/testing"
	"github.com/ZaparooProject/go-fabricboot/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	err       error
	transport string
	devices   []DeviceInfo
	calls     int
}

func (f *fakeDetector) Detect(context.Context, *Options) ([]DeviceInfo, error) {
	f.calls++
	return f.devices, f.err
}

func (f *fakeDetector) Transport() string { return f.transport }

// withRegistry swaps the global registry for the duration of a test.
func withRegistry(t *testing.T, dets ...Detector) {
	t.Helper()
	orig := registry
	registry = dets
	clearCache()
	t.Cleanup(func() {
		registry = orig
		clearCache()
	})
}

func TestConfidence_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "unknown", Confidence(99).String())
}

func TestDeviceInfo_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expected string
		device   DeviceInfo
	}{
		{
			name:     "unprobed",
			device:   DeviceInfo{Transport: "uart", Path: "/dev/ttyACM0", Confidence: Medium},
			expected: "uart device at /dev/ttyACM0 (confidence: medium)",
		},
		{
			name: "probed",
			device: DeviceInfo{
				Transport:    "tcp",
				Path:         "127.0.0.1:7000",
				UniqueID:     "e6605838833b2c2e",
				FPGADeviceID: fpga.DeviceLFE5U85,
				Confidence:   High,
			},
			expected: "tcp device e6605838833b2c2e at 127.0.0.1:7000 (fpga 01113043, confidence: high)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, tc.device.String())
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	assert.Equal(t, Safe, opts.Mode)
	assert.Equal(t, 115200, opts.Baud)
	assert.True(t, opts.EnableCache)
	assert.Less(t, opts.FastProbeTimeout, opts.ProbeTimeout)
	assert.Contains(t, opts.Blocklist, "1D50:6018")
}

func TestProbeTimeouts(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Mode = Passive
	assert.Empty(t, ProbeTimeouts(&opts))
	opts.Mode = Safe
	assert.Equal(t, []time.Duration{opts.FastProbeTimeout}, ProbeTimeouts(&opts))
	opts.Mode = Full
	assert.Equal(t, []time.Duration{opts.FastProbeTimeout, opts.ProbeTimeout}, ProbeTimeouts(&opts))
}

func queryDeviceFrame(t *testing.T, counter byte) []byte {
	t.Helper()
	payload, err := protocol.QueryDeviceResponse{
		Header:       protocol.Header{Cmd: protocol.CmdQueryDevice, Counter: counter},
		FPGADeviceID: fpga.DeviceLFE5U25,
		UniqueID:     [protocol.UniqueIDSize]byte{1, 2, 3, 4, 5, 6, 7, 8},
		State:        protocol.DeviceRecognized,
	}.MarshalBinary()
	require.NoError(t, err)
	f, err := frame.Encode(payload)
	require.NoError(t, err)
	return f
}

func TestProbe(t *testing.T) {
	t.Parallel()

	stream := virt.NewMemStream(queryDeviceFrame(t, 1)...)
	info := DeviceInfo{Transport: "uart", Path: "/dev/ttyACM0", Confidence: Medium}
	require.NoError(t, Probe(stream, 50*time.Millisecond, &info))

	assert.Equal(t, High, info.Confidence)
	assert.Equal(t, "0102030405060708", info.UniqueID)
	assert.Equal(t, fpga.DeviceLFE5U25, info.FPGADeviceID)
	assert.True(t, info.FPGARecognised)
}

func TestProbe_Silent(t *testing.T) {
	t.Parallel()

	info := DeviceInfo{Path: "/dev/ttyS0", Confidence: Low}
	err := Probe(virt.NewMemStream(), 10*time.Millisecond, &info)
	require.Error(t, err)
	assert.Equal(t, Low, info.Confidence)
	assert.Empty(t, info.UniqueID)
}

func TestFirst(t *testing.T) {
	t.Parallel()

	_, err := First(nil)
	assert.ErrorIs(t, err, ErrNoDevicesFound)

	got, err := First([]DeviceInfo{{Path: "a", Confidence: Medium}, {Path: "b", Confidence: High}})
	require.NoError(t, err)
	assert.Equal(t, "b", got.Path)

	got, err = First([]DeviceInfo{{Path: "a", Confidence: Low}, {Path: "b", Confidence: Medium}})
	require.NoError(t, err)
	assert.Equal(t, "a", got.Path)
}

func TestCache(t *testing.T) {
	withRegistry(t)

	devices := []DeviceInfo{{Transport: "uart", Path: "/dev/ttyACM0", Confidence: High}}

	_, found := getCached("uart", Safe, time.Minute)
	assert.False(t, found)

	setCached("uart", Safe, devices)
	cached, found := getCached("uart", Safe, time.Minute)
	require.True(t, found)
	assert.Equal(t, devices, cached)

	_, found = getCached("uart", Full, time.Minute)
	assert.False(t, found, "other modes keep their own entries")

	cached[0].Path = "changed"
	again, _ := getCached("uart", Safe, time.Minute)
	assert.Equal(t, "/dev/ttyACM0", again[0].Path)

	_, found = getCached("uart", Safe, 0)
	assert.False(t, found, "expired")

	setCached("uart", Passive, devices)
	clearCacheForTransport("uart")
	_, found = getCached("uart", Safe, time.Minute)
	assert.False(t, found)
	_, found = getCached("uart", Passive, time.Minute)
	assert.False(t, found)
}

func TestDetectAll_PassiveResultsNotReusedWhenProbing(t *testing.T) {
	det := &modeDetector{transport: "uart"}
	withRegistry(t, det)

	opts := DefaultOptions()
	opts.Mode = Passive
	devices, err := DetectAll(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, Medium, devices[0].Confidence)

	opts.Mode = Safe
	devices, err = DetectAll(context.Background(), &opts)
	require.ErrorIs(t, err, ErrNoDevicesFound)
	assert.Empty(t, devices)
	assert.Equal(t, []Mode{Passive, Safe}, det.modes)
}

// modeDetector lists one port when passive and finds nothing when probing,
// like a known board whose bootloader is not running.
type modeDetector struct {
	transport string
	modes     []Mode
}

func (m *modeDetector) Detect(_ context.Context, opts *Options) ([]DeviceInfo, error) {
	m.modes = append(m.modes, opts.Mode)
	if opts.Mode == Passive {
		return []DeviceInfo{{Transport: m.transport, Path: "/dev/ttyACM0", Confidence: Medium}}, nil
	}
	return nil, ErrNoDevicesFound
}

func (m *modeDetector) Transport() string { return m.transport }

func TestDetectAll(t *testing.T) {
	serialDet := &fakeDetector{transport: "uart", devices: []DeviceInfo{{Transport: "uart", Path: "/dev/ttyACM0"}}}
	tcpDet := &fakeDetector{transport: "tcp", err: ErrNoDevicesFound}
	withRegistry(t, serialDet, tcpDet)

	opts := DefaultOptions()
	devices, err := DetectAll(context.Background(), &opts)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	// second run comes from the cache
	_, err = DetectAll(context.Background(), &opts)
	require.NoError(t, err)
	assert.Equal(t, 1, serialDet.calls)
	assert.Equal(t, 2, tcpDet.calls)
}

func TestDetectAll_CachedResultsFiltered(t *testing.T) {
	det := &fakeDetector{transport: "uart", devices: []DeviceInfo{
		{Transport: "uart", Path: "/dev/ttyACM0"},
		{Transport: "uart", Path: "/dev/ttyACM1", Metadata: map[string]string{"vidpid": "1D50:6018"}},
	}}
	withRegistry(t, det)

	opts := DefaultOptions()
	opts.Blocklist = nil
	_, err := DetectAll(context.Background(), &opts)
	require.NoError(t, err)

	opts.Blocklist = DefaultBlocklist()
	opts.IgnorePaths = []string{"/dev/ttyACM0"}
	devices, err := DetectAll(context.Background(), &opts)
	require.ErrorIs(t, err, ErrNoDevicesFound)
	assert.Empty(t, devices)
}

func TestDetectAll_Errors(t *testing.T) {
	boom := errors.New("enumeration failed")
	withRegistry(t, &fakeDetector{transport: "uart", err: boom})

	opts := DefaultOptions()
	_, err := DetectAll(context.Background(), &opts)
	assert.ErrorIs(t, err, boom)

	opts.Transports = []string{"bluetooth"}
	_, err = DetectAll(context.Background(), &opts)
	assert.Error(t, err)
}

func TestDetectAll_Cancelled(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	withRegistry(t, blockingDetector{block: block})

	opts := DefaultOptions()
	opts.EnableCache = false
	opts.Timeout = 10 * time.Millisecond
	_, err := DetectAll(context.Background(), &opts)
	assert.ErrorIs(t, err, ErrDetectionTimeout)
}

type blockingDetector struct {
	block chan struct{}
}

func (b blockingDetector) Detect(context.Context, *Options) ([]DeviceInfo, error) {
	<-b.block
	return nil, ErrNoDevicesFound
}

func (blockingDetector) Transport() string { return "blocking" }
