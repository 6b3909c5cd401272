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
	"encoding/binary"
	"fmt"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Bus is the SPI transfer primitive. periph's spi.Conn satisfies it.
type Bus interface {
	Tx(w, r []byte) error
}

// Pin is an output GPIO line. periph's gpio.PinOut satisfies it.
type Pin interface {
	Out(l gpio.Level) error
}

// Settle delays
const (
	ProgramNSettle  = 100 * time.Millisecond
	InitCSSettle    = 50 * time.Millisecond
	BurstEndSettle  = 100 * time.Millisecond
	readRegisterLen = ReplyOffset + 4
	readBusyLen     = ReplyOffset + 1
	classCLen       = ReplyOffset
)

// State is the sequencer's position in the streaming programming path.
type State int

const (
	StateIdle State = iota
	StateISCEnabled
	StateBurstOpen
	StateBurstClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateISCEnabled:
		return "isc-enabled"
	case StateBurstOpen:
		return "burst-open"
	case StateBurstClosed:
		return "burst-closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sequencer issues ECP5 configuration commands over a Bus. Chip select is
// driven by hand so a burst write can span many transfers.
//
// A Sequencer is not safe for concurrent use; the dispatcher owns it.
type Sequencer struct {
	bus      Bus
	cs       Pin
	programN Pin
	sleep    func(time.Duration)
	cfg      Config
	state    State
	maxTx    int
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithSleep replaces time.Sleep for the settle delays.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Sequencer) {
		s.sleep = sleep
	}
}

// WithMaxTransfer caps the bytes sent per Tx call. By default the bus's own
// limit is used when it reports one.
func WithMaxTransfer(n int) Option {
	return func(s *Sequencer) {
		s.maxTx = n
	}
}

// NewSequencer builds a sequencer over an already opened bus and pins.
func NewSequencer(cfg Config, bus Bus, cs, programN Pin, opts ...Option) *Sequencer {
	s := &Sequencer{
		cfg:      cfg,
		bus:      bus,
		cs:       cs,
		programN: programN,
		sleep:    time.Sleep,
	}
	if l, ok := bus.(conn.Limits); ok {
		s.maxTx = l.MaxTxSize()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the configuration the sequencer was built with.
func (s *Sequencer) Config() Config { return s.cfg }

// State returns the current streaming state.
func (s *Sequencer) State() State { return s.state }

// Init puts the pins in their run state: PROGRAMN high, CS deasserted.
func (s *Sequencer) Init() error {
	if err := s.programN.Out(gpio.High); err != nil {
		return fmt.Errorf("fpga init PROGRAMN: %w", err)
	}
	s.sleep(ProgramNSettle)
	if err := s.cs.Out(gpio.High); err != nil {
		return fmt.Errorf("fpga init CS: %w", err)
	}
	s.sleep(InitCSSettle)
	s.state = StateIdle
	fabricboot.Debugf("fpga: initialised %s on %s", s.cfg.Board, s.cfg.PortName())
	return nil
}

// ReadCommand sends cmd and clocks out n reply bytes inside one chip-select
// window. Register data starts at ReplyOffset.
func (s *Sequencer) ReadCommand(cmd byte, n int) ([]byte, error) {
	if err := s.cs.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("fpga cmd %#02x CS: %w", cmd, err)
	}

	reply := make([]byte, n)
	err := s.bus.Tx([]byte{cmd}, nil)
	if err == nil && n > 0 {
		err = s.bus.Tx(make([]byte, n), reply)
	}

	if csErr := s.cs.Out(gpio.High); err == nil && csErr != nil {
		err = csErr
	}
	if err != nil {
		return nil, fmt.Errorf("fpga cmd %#02x: %w", cmd, err)
	}
	return reply, nil
}

func (s *Sequencer) readRegister(cmd byte) (uint32, error) {
	reply, err := s.ReadCommand(cmd, readRegisterLen)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(reply[ReplyOffset:]), nil
}

// ReadID returns the IDCODE.
func (s *Sequencer) ReadID() (uint32, error) {
	return s.readRegister(CmdReadID)
}

// ReadStatus returns the status register.
func (s *Sequencer) ReadStatus() (uint32, error) {
	return s.readRegister(CmdReadStatus)
}

// ReadUserCode returns the USERCODE register.
func (s *Sequencer) ReadUserCode() (uint32, error) {
	return s.readRegister(CmdUserCode)
}

// PollBusy returns the busy flag byte; zero means ready.
func (s *Sequencer) PollBusy() (byte, error) {
	reply, err := s.ReadCommand(CmdCheckBusy, readBusyLen)
	if err != nil {
		return 0, err
	}
	return reply[ReplyOffset], nil
}

// Busy reports whether the device is busy.
func (s *Sequencer) Busy() (bool, error) {
	b, err := s.PollBusy()
	return b != 0, err
}

// EnterISC enables configuration mode. Whether it took effect is only
// visible through a later PollBusy.
func (s *Sequencer) EnterISC() error {
	if _, err := s.ReadCommand(CmdISCEnable, classCLen); err != nil {
		return err
	}
	s.state = StateISCEnabled
	return nil
}

// EnterISCChecked polls busy first and returns fabricboot.ErrDeviceBusy
// without issuing ISC_ENABLE when the device is busy.
func (s *Sequencer) EnterISCChecked() error {
	busy, err := s.Busy()
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("enter ISC: %w", fabricboot.ErrDeviceBusy)
	}
	return s.EnterISC()
}

// ExitISC leaves configuration mode.
func (s *Sequencer) ExitISC() error {
	if _, err := s.ReadCommand(CmdISCDisable, classCLen); err != nil {
		return err
	}
	s.state = StateIdle
	return nil
}

// BeginBitstream asserts chip select and sends the burst opcode. CS stays
// low until EndBitstream.
func (s *Sequencer) BeginBitstream() error {
	if err := s.cs.Out(gpio.Low); err != nil {
		return fmt.Errorf("fpga burst CS: %w", err)
	}
	if err := s.bus.Tx([]byte{CmdBitstreamBurst, 0, 0, 0}, nil); err != nil {
		return fmt.Errorf("fpga burst begin: %w", err)
	}
	s.state = StateBurstOpen
	return nil
}

// CheckState returns fabricboot.ErrInvalidState when the sequencer is not in
// want.
func (s *Sequencer) CheckState(want State) error {
	if s.state != want {
		return fmt.Errorf("%w: %s, want %s", fabricboot.ErrInvalidState, s.state, want)
	}
	return nil
}

// WriteBitstreamBlock streams raw configuration bytes into the open burst.
// Outside a burst the bytes are still clocked out; the dispatcher relies on
// that for blocks sent without a session.
func (s *Sequencer) WriteBitstreamBlock(data []byte) error {
	if err := s.CheckState(StateBurstOpen); err != nil {
		fabricboot.Debugf("fpga: burst write: %v", err)
	}
	for len(data) > 0 {
		chunk := data
		if s.maxTx > 0 && len(chunk) > s.maxTx {
			chunk = chunk[:s.maxTx]
		}
		if err := s.bus.Tx(chunk, nil); err != nil {
			return fmt.Errorf("fpga burst write: %w", err)
		}
		data = data[len(chunk):]
	}
	return nil
}

// EndBitstream deasserts chip select and waits for the device to settle.
func (s *Sequencer) EndBitstream() error {
	if err := s.CheckState(StateBurstOpen); err != nil {
		fabricboot.Debugf("fpga: burst end: %v", err)
	}
	if err := s.cs.Out(gpio.High); err != nil {
		return fmt.Errorf("fpga burst end: %w", err)
	}
	s.sleep(BurstEndSettle)
	s.state = StateBurstClosed
	return nil
}

// Reset pulses PROGRAMN, clearing the current configuration.
func (s *Sequencer) Reset() error {
	if err := s.programN.Out(gpio.Low); err != nil {
		return fmt.Errorf("fpga PROGRAMN low: %w", err)
	}
	s.sleep(ProgramNSettle)
	if err := s.programN.Out(gpio.High); err != nil {
		return fmt.Errorf("fpga PROGRAMN high: %w", err)
	}
	s.sleep(ProgramNSettle)
	s.state = StateIdle
	return nil
}

// ProgramDevice performs a complete one-shot configuration: reset, IDCODE
// check, busy check, ISC enable, one burst of the whole bitstream, ISC
// disable and a final busy check.
func (s *Sequencer) ProgramDevice(bitstream []byte) error {
	fabricboot.Debugf("fpga: toggle PROGRAMN")
	if err := s.Reset(); err != nil {
		return err
	}

	id, err := s.ReadID()
	if err != nil {
		return err
	}
	fabricboot.Debugf("fpga: device id %08X (%s)", id, DeviceName(id))
	if !IsSupported(id) {
		return fmt.Errorf("%w: %08X", fabricboot.ErrUnsupportedDevice, id)
	}

	if err := s.EnterISCChecked(); err != nil {
		return err
	}
	if err := s.BeginBitstream(); err != nil {
		return err
	}
	if err := s.WriteBitstreamBlock(bitstream); err != nil {
		return err
	}
	if err := s.EndBitstream(); err != nil {
		return err
	}
	if err := s.ExitISC(); err != nil {
		return err
	}

	busy, err := s.Busy()
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("after programming: %w", fabricboot.ErrDeviceBusy)
	}
	fabricboot.Debugf("fpga: programmed %d bytes", len(bitstream))
	return nil
}
