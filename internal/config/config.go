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

// Package config loads the bootloader daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ZaparooProject/go-fabricboot/bootloader"
	"github.com/ZaparooProject/go-fabricboot/flash"
	"github.com/ZaparooProject/go-fabricboot/fpga"
	"gopkg.in/yaml.v2"
	"periph.io/x/conn/v3/physic"
)

// Reboot modes
const (
	RebootExit   = "exit"
	RebootSystem = "system"
)

// Serial is the host link.
type Serial struct {
	Port string `yaml:"port"`
	// Listen serves the protocol on a TCP address instead of a serial port.
	Listen string `yaml:"listen"`
	Baud   int    `yaml:"baud"`
}

// FPGA is the SPI wiring.
type FPGA struct {
	Board    string `yaml:"board"`
	SPIPort  string `yaml:"spi_port"`
	Clock    string `yaml:"clock"`
	SPIBus   int    `yaml:"spi_bus"`
	CSN      int    `yaml:"csn"`
	ProgramN int    `yaml:"programn"`
}

// Flash is the bitstream store.
type Flash struct {
	Image      string `yaml:"image"`
	Size       int64  `yaml:"size"`
	Offset     int64  `yaml:"offset"`
	SectorSize int    `yaml:"sector_size"`
	Sectors    int    `yaml:"sectors"`
}

// Bootloader is the dispatcher's behaviour.
type Bootloader struct {
	Reboot            string        `yaml:"reboot"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	ByteTimeout       time.Duration `yaml:"byte_timeout"`
	IdleBackoff       time.Duration `yaml:"idle_backoff"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	AutoProgramOnBoot bool          `yaml:"auto_program_on_boot"`
	Reconnect         bool          `yaml:"reconnect"`
}

// Log controls daemon logging.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// Config is the whole daemon configuration.
type Config struct {
	Serial     Serial     `yaml:"serial"`
	Log        Log        `yaml:"log"`
	FPGA       FPGA       `yaml:"fpga"`
	Flash      Flash      `yaml:"flash"`
	Bootloader Bootloader `yaml:"bootloader"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	bl := bootloader.DefaultConfig()
	return &Config{
		Serial: Serial{Baud: 115200},
		FPGA: FPGA{
			Board:    fpga.BoardAny.String(),
			Clock:    fpga.DefaultClock.String(),
			SPIBus:   fpga.DefaultSPIBus,
			CSN:      fpga.DefaultCSN,
			ProgramN: fpga.DefaultProgramN,
		},
		Flash: Flash{
			Image:      "fabricboot-flash.img",
			Size:       flash.DefaultLayout().Size(),
			SectorSize: flash.DefaultSectorSize,
			Sectors:    flash.DefaultSectors,
		},
		Bootloader: Bootloader{
			Reboot:            RebootExit,
			PollTimeout:       bl.PollTimeout,
			ByteTimeout:       bl.ByteTimeout,
			IdleBackoff:       bl.IdleBackoff,
			Reconnect:         bl.Reconnect.Enabled,
			ReconnectAttempts: bl.Reconnect.MaxAttempts,
			ReconnectBackoff:  bl.Reconnect.Backoff,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path on top of the defaults. An empty path returns the
// defaults. The result is not validated, so command-line overrides can fill
// in what the file leaves out; call Validate once they are applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Example returns the defaults rendered as YAML, for -help output.
func Example() string {
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	_ = enc.Encode(Default())
	_ = enc.Close()
	return buf.String()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Serial.Port == "" && c.Serial.Listen == "" {
		errs = append(errs, errors.New("serial: port or listen address required"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial: invalid baud %d", c.Serial.Baud))
	}
	if _, err := c.FPGAConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Flash.Image == "" {
		errs = append(errs, errors.New("flash: image path required"))
	}
	if c.Flash.Offset+c.FlashLayout().Size() > c.Flash.Size {
		errs = append(errs, fmt.Errorf("flash: region of %d sectors at %d exceeds image size %d",
			c.Flash.Sectors, c.Flash.Offset, c.Flash.Size))
	}
	switch c.Bootloader.Reboot {
	case RebootExit, RebootSystem:
	default:
		errs = append(errs, fmt.Errorf("bootloader: unknown reboot mode %q", c.Bootloader.Reboot))
	}
	return errors.Join(errs...)
}

// ParseBoard maps a board name onto fpga.Board.
func ParseBoard(name string) (fpga.Board, error) {
	switch strings.ToLower(name) {
	case "", fpga.BoardAny.String():
		return fpga.BoardAny, nil
	case fpga.BoardFabric12k.String():
		return fpga.BoardFabric12k, nil
	default:
		return fpga.BoardAny, fmt.Errorf("fpga: unknown board %q", name)
	}
}

// FPGAConfig returns the sequencer configuration.
func (c *Config) FPGAConfig() (fpga.Config, error) {
	board, err := ParseBoard(c.FPGA.Board)
	if err != nil {
		return fpga.Config{}, err
	}
	cfg := fpga.DefaultConfig(board)
	cfg.SPIPort = c.FPGA.SPIPort
	cfg.SPIBus = c.FPGA.SPIBus
	cfg.CSN = c.FPGA.CSN
	cfg.ProgramN = c.FPGA.ProgramN
	if c.FPGA.Clock != "" {
		var f physic.Frequency
		if err := f.Set(c.FPGA.Clock); err != nil {
			return fpga.Config{}, fmt.Errorf("fpga: clock %q: %w", c.FPGA.Clock, err)
		}
		cfg.Clock = f
	}
	if err := cfg.Validate(); err != nil {
		return fpga.Config{}, err
	}
	return cfg, nil
}

// FlashLayout returns the bitstream region inside the image.
func (c *Config) FlashLayout() flash.Layout {
	return flash.Layout{Offset: c.Flash.Offset, SectorSize: c.Flash.SectorSize, Sectors: c.Flash.Sectors}
}

// EngineConfig returns the dispatcher configuration.
func (c *Config) EngineConfig() *bootloader.Config {
	cfg := bootloader.DefaultConfig()
	cfg.PollTimeout = c.Bootloader.PollTimeout
	cfg.ByteTimeout = c.Bootloader.ByteTimeout
	cfg.IdleBackoff = c.Bootloader.IdleBackoff
	cfg.AutoProgramOnBoot = c.Bootloader.AutoProgramOnBoot
	cfg.Reconnect = bootloader.ReconnectConfig{
		Enabled:     c.Bootloader.Reconnect,
		MaxAttempts: c.Bootloader.ReconnectAttempts,
		Backoff:     c.Bootloader.ReconnectBackoff,
	}
	return cfg
}

// Rebooter returns the Rebooter for the configured mode.
func (c *Config) Rebooter() bootloader.Rebooter {
	if c.Bootloader.Reboot == RebootSystem {
		return bootloader.SystemRebooter{}
	}
	return bootloader.ExitRebooter{}
}
