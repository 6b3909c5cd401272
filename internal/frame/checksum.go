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

package frame

// Checksum computes the 8-bit additive checksum used on the wire and in flash:
// the low 8 bits of the sum of all bytes. It is not a CRC.
func Checksum(data []byte) byte {
	return Accumulate(0, data)
}

// Accumulate adds data to a running additive checksum. Summing blocks one at
// a time gives the same result as summing their concatenation.
func Accumulate(sum byte, data []byte) byte {
	for _, b := range data {
		sum += b
	}
	return sum
}
