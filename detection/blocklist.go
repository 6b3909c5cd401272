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
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultBlocklist returns USB VID:PID pairs that are never probed. Probing
// writes a frame to the port, which some devices act on.
func DefaultBlocklist() []string {
	return []string{
		"1D50:6018", // Black Magic Probe GDB server
		"0D28:0204", // CMSIS-DAP / DAPLink
	}
}

// DefaultIgnorePaths returns ports that are never a bootloader on this
// platform.
func DefaultIgnorePaths() []string {
	if runtime.GOOS == "windows" {
		return []string{"COM1"}
	}
	return nil
}

// IsBlocked reports whether vidpid is in blocklist. Comparison ignores case
// and surrounding space.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = normaliseVIDPID(vidpid)
	if vidpid == "" {
		return false
	}
	for _, blocked := range blocklist {
		if normaliseVIDPID(blocked) == vidpid {
			return true
		}
	}
	return false
}

func normaliseVIDPID(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// FormatVIDPID renders USB ids the way blocklists are written.
func FormatVIDPID(vid, pid string) string {
	if vid == "" || pid == "" {
		return ""
	}
	return normaliseVIDPID(vid + ":" + pid)
}

// IsPathIgnored checks if a device path should be ignored. Paths are
// compared cleaned and case-insensitively.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" {
		return false
	}
	want := normalisedPath(devicePath)
	for _, p := range ignorePaths {
		if p != "" && normalisedPath(p) == want {
			return true
		}
	}
	return false
}

// MatchesAny reports whether path matches one of the glob patterns.
func MatchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

func normalisedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
