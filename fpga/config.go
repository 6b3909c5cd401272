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

// Package fpga drives the slave SPI configuration port of a Lattice ECP5:
// single-shot register reads, ISC mode and the burst bitstream write.
package fpga

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Board identifies the carrier board, which selects the default wiring.
type Board int

const (
	// BoardAny is a generic ECP5 wired with the default pin map.
	BoardAny Board = 0x0
	// BoardFabric12k is the Fabric 12k board.
	BoardFabric12k Board = 0x1
)

func (b Board) String() string {
	switch b {
	case BoardAny:
		return "any"
	case BoardFabric12k:
		return "fabric12k"
	default:
		return fmt.Sprintf("board(%d)", int(b))
	}
}

// Default wiring
const (
	DefaultCSN      = 13
	DefaultSCK      = 10
	DefaultMOSI     = 11
	DefaultMISO     = 12
	DefaultProgramN = 15
	DefaultSPIBus   = 1
	DefaultClock    = 1 * physic.MegaHertz
)

// Config is the pin and bus assignment for one FPGA. It is fixed at startup.
type Config struct {
	// SPIPort is the periph spireg name. Empty derives "SPI<bus>.0".
	SPIPort  string
	Board    Board
	CSN      int
	SCK      int
	MOSI     int
	MISO     int
	ProgramN int
	SPIBus   int
	Clock    physic.Frequency
}

// DefaultConfig returns the default wiring for board.
func DefaultConfig(board Board) Config {
	return Config{
		Board:    board,
		CSN:      DefaultCSN,
		SCK:      DefaultSCK,
		MOSI:     DefaultMOSI,
		MISO:     DefaultMISO,
		ProgramN: DefaultProgramN,
		SPIBus:   DefaultSPIBus,
		Clock:    DefaultClock,
	}
}

// PortName returns the spireg name to open.
func (c Config) PortName() string {
	if c.SPIPort != "" {
		return c.SPIPort
	}
	return fmt.Sprintf("SPI%d.0", c.SPIBus)
}

var errInvalidConfig = errors.New("invalid fpga config")

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Clock <= 0 {
		return fmt.Errorf("%w: clock must be positive", errInvalidConfig)
	}
	if c.CSN == c.ProgramN {
		return fmt.Errorf("%w: CSN and PROGRAMN share GPIO%d", errInvalidConfig, c.CSN)
	}
	if c.CSN < 0 || c.ProgramN < 0 {
		return fmt.Errorf("%w: negative GPIO number", errInvalidConfig)
	}
	return nil
}

// ECP5 slave SPI opcodes
const (
	CmdReadID         byte = 0xE0
	CmdReadStatus     byte = 0x3C
	CmdUserCode       byte = 0xC0
	CmdISCEnable      byte = 0xC6
	CmdISCDisable     byte = 0x26
	CmdCheckBusy      byte = 0xF0
	CmdBitstreamBurst byte = 0x7A
)

// ReplyOffset is where register data starts in a raw reply: the device
// clocks out dummy bytes first.
const ReplyOffset = 3

// IDCODEs reported by READ_ID. The 12k and 25k parts share one IDCODE.
const (
	DeviceLFE5U12 uint32 = 0x01111043
	DeviceLFE5U25 uint32 = 0x01111043
	DeviceLFE5U45 uint32 = 0x01112043
	DeviceLFE5U85 uint32 = 0x01113043
)

// idMask drops the version nibble.
const idMask = 0x0FFFFFFF

// IsSupported reports whether id is a part the bootloader will program.
func IsSupported(id uint32) bool {
	switch id & idMask {
	case DeviceLFE5U25, DeviceLFE5U85:
		return true
	default:
		return false
	}
}

// DeviceName returns a human readable part name for id.
func DeviceName(id uint32) string {
	switch id & idMask {
	case DeviceLFE5U25:
		return "LFE5U-12/25"
	case DeviceLFE5U45:
		return "LFE5U-45"
	case DeviceLFE5U85:
		return "LFE5U-85"
	default:
		return fmt.Sprintf("unknown(%08X)", id)
	}
}
