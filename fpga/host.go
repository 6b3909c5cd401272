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

package fpga

import (
	"fmt"
	"io"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Open binds cfg to real hardware through periph: the SPI port in mode 0 at
// cfg.Clock, and GPIO lines for chip select and PROGRAMN. SCK, MOSI and MISO
// belong to the SPI controller and are not touched. The returned closer
// releases the SPI port.
func Open(cfg Config, opts ...Option) (*Sequencer, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(cfg.PortName())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open SPI port %s: %w", cfg.PortName(), err)
	}

	conn, err := port.Connect(cfg.Clock, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	cs, err := outputPin(cfg.CSN)
	if err != nil {
		_ = port.Close()
		return nil, nil, err
	}
	programN, err := outputPin(cfg.ProgramN)
	if err != nil {
		_ = port.Close()
		return nil, nil, err
	}

	seq := NewSequencer(cfg, conn, cs, programN, opts...)
	if err := seq.Init(); err != nil {
		_ = port.Close()
		return nil, nil, err
	}
	return seq, port, nil
}

func outputPin(n int) (gpio.PinOut, error) {
	name := fmt.Sprintf("GPIO%d", n)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %s not found", name)
	}
	if err := p.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("failed to drive %s: %w", name, err)
	}
	return p, nil
}
