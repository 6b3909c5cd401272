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

// Package protocol defines the bootloader's request and response payloads.
// Every payload starts with a two-byte header (command tag, counter); the
// fixed-size bodies that follow are little-endian and packed.
package protocol

import "fmt"

// Command is the tag in the first header byte.
type Command byte

const (
	CmdEcho             Command = 0x00
	CmdQueryDevice      Command = 0x01
	CmdProgramDevice    Command = 0x02
	CmdProgramBlock     Command = 0x03
	CmdProgramComplete  Command = 0x04
	CmdQueryFlash       Command = 0x05
	CmdProgramFromFlash Command = 0x06
	CmdClearFlash       Command = 0x07
	CmdReboot           Command = 0x08
	// CmdDeviceStartup is only sent, unsolicited, once after boot.
	CmdDeviceStartup Command = 0xFE
	// CmdError replaces the tag of a request whose body was too short.
	CmdError Command = 0xFF
)

func (c Command) String() string {
	switch c {
	case CmdEcho:
		return "Echo"
	case CmdQueryDevice:
		return "QueryDevice"
	case CmdProgramDevice:
		return "ProgramDevice"
	case CmdProgramBlock:
		return "ProgramBlock"
	case CmdProgramComplete:
		return "ProgramComplete"
	case CmdQueryFlash:
		return "QueryBitstreamFlash"
	case CmdProgramFromFlash:
		return "ProgramBitstreamFromFlash"
	case CmdClearFlash:
		return "ClearBitstreamFlash"
	case CmdReboot:
		return "RebootProgrammer"
	case CmdDeviceStartup:
		return "DeviceStartup"
	case CmdError:
		return "ErrorCmd"
	default:
		return fmt.Sprintf("Command(%#02x)", byte(c))
	}
}

// HeaderSize is the size of Header on the wire.
const HeaderSize = 2

// Header is carried by every request and echoed by its response.
type Header struct {
	Cmd     Command
	Counter byte
}

func (h Header) put(b []byte) {
	b[0] = byte(h.Cmd)
	b[1] = h.Counter
}

func parseHeader(b []byte) Header {
	return Header{Cmd: Command(b[0]), Counter: b[1]}
}

// Error codes carried in responses.
const (
	ErrorCodeOK     uint32 = 0
	ErrorCodeFailed uint32 = 1
)

// ErrorCode maps a boolean outcome onto the wire error code.
func ErrorCode(ok bool) uint32 {
	if ok {
		return ErrorCodeOK
	}
	return ErrorCodeFailed
}

// Device states reported by QueryDevice.
const (
	DeviceUnrecognized byte = 0
	DeviceRecognized   byte = 1
)
