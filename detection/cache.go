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
	"slices"
	"time"

	"github.com/ZaparooProject/go-fabricboot/internal/syncutil"
)

type cacheEntry struct {
	stored  time.Time
	devices []DeviceInfo
}

// cacheKey separates scans by mode: a Passive scan holds unprobed ports that
// a Safe or Full caller must not see.
type cacheKey struct {
	transport string
	mode      Mode
}

// resultCache remembers the last successful scan per transport and mode, so
// a programming run right after a listing does not probe every port again.
type resultCache struct {
	entries map[cacheKey]cacheEntry
	mu      syncutil.RWMutex
}

var cache = &resultCache{entries: make(map[cacheKey]cacheEntry)}

func (c *resultCache) get(key cacheKey, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Since(e.stored) > ttl {
		return nil, false
	}
	return slices.Clone(e.devices), true
}

func (c *resultCache) put(key cacheKey, devices []DeviceInfo) {
	defer syncutil.Guard(&c.mu)()
	c.entries[key] = cacheEntry{stored: time.Now(), devices: slices.Clone(devices)}
}

// forget drops every mode's entry for transport.
func (c *resultCache) forget(transport string) {
	defer syncutil.Guard(&c.mu)()
	for key := range c.entries {
		if key.transport == transport {
			delete(c.entries, key)
		}
	}
}

func (c *resultCache) reset() {
	defer syncutil.Guard(&c.mu)()
	c.entries = make(map[cacheKey]cacheEntry)
}

func getCached(transport string, mode Mode, ttl time.Duration) ([]DeviceInfo, bool) {
	return cache.get(cacheKey{transport: transport, mode: mode}, ttl)
}

func setCached(transport string, mode Mode, devices []DeviceInfo) {
	cache.put(cacheKey{transport: transport, mode: mode}, devices)
}

func clearCacheForTransport(transport string) { cache.forget(transport) }

func clearCache() { cache.reset() }
