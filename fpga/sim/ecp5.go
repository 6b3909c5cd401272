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

// Package sim simulates a Lattice ECP5 on the SPI bus, with its chip select
// and PROGRAMN pins, for running the bootloader without hardware.
package sim

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// ECP5 SPI opcodes understood by VirtualECP5.
const (
	opReadID       = 0xE0
	opReadStatus   = 0x3C
	opUserCode     = 0xC0
	opISCEnable    = 0xC6
	opISCDisable   = 0x26
	opCheckBusy    = 0xF0
	opBurst        = 0x7A
	replyDummySize = 3
)

// ErrBusFault is returned by VirtualECP5 when FailTx is set.
var ErrBusFault = errors.New("virtual spi bus fault")

// EventKind identifies a recorded bus event.
type EventKind int

const (
	// EventCommand is a complete CS-framed command/read transaction.
	EventCommand EventKind = iota
	// EventBurstBegin is the burst opcode being clocked in.
	EventBurstBegin
	// EventBurstWrite is one bitstream chunk inside an open burst.
	EventBurstWrite
	// EventBurstEnd is CS rising on an open burst.
	EventBurstEnd
	// EventProgramN is a level change on the PROGRAMN pin.
	EventProgramN
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventBurstBegin:
		return "burst-begin"
	case EventBurstWrite:
		return "burst-write"
	case EventBurstEnd:
		return "burst-end"
	case EventProgramN:
		return "programn"
	default:
		return "unknown"
	}
}

// Event is one observation made by VirtualECP5.
type Event struct {
	Data  []byte
	Kind  EventKind
	Cmd   byte
	Level gpio.Level
}

// VirtualECP5 emulates the SPI slave configuration port of a Lattice ECP5. It
// satisfies the fpga package's Bus contract and hands out the two GPIO lines
// (chip select and PROGRAMN) the sequencer drives.
type VirtualECP5 struct {
	// FailTx makes every transfer fail with ErrBusFault.
	FailTx bool

	events      []Event
	busyReplies []byte
	bitstream   []byte
	cs          *VirtualPin
	programN    *VirtualPin
	mu          sync.Mutex
	id          uint32
	status      uint32
	userCode    uint32
	busy        byte
	pendingCmd  int
	csLow       bool
	inBurst     bool
	iscEnabled  bool
}

// NewVirtualECP5 creates a device reporting the given IDCODE, not busy.
func NewVirtualECP5(id uint32) *VirtualECP5 {
	v := &VirtualECP5{id: id, pendingCmd: -1}
	v.cs = &VirtualPin{name: "CSN", level: gpio.High, onChange: v.chipSelect}
	v.programN = &VirtualPin{name: "PROGRAMN", level: gpio.High, onChange: v.programLine}
	return v
}

// CS returns the chip-select line.
func (v *VirtualECP5) CS() *VirtualPin { return v.cs }

// ProgramN returns the PROGRAMN line.
func (v *VirtualECP5) ProgramN() *VirtualPin { return v.programN }

// SetBusy sets the value returned by LSC_CHECK_BUSY once queued replies run out.
func (v *VirtualECP5) SetBusy(busy bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.busy = 0
	if busy {
		v.busy = 1
	}
}

// QueueBusy queues one-shot replies for LSC_CHECK_BUSY, consumed in order.
func (v *VirtualECP5) QueueBusy(replies ...byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.busyReplies = append(v.busyReplies, replies...)
}

// SetStatus sets the LSC_READ_STATUS register value.
func (v *VirtualECP5) SetStatus(status uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = status
}

// SetUserCode sets the USERCODE register value.
func (v *VirtualECP5) SetUserCode(code uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.userCode = code
}

// Tx implements the half-duplex transfer used by the sequencer: the first
// write after CS falls carries the opcode, a following read clocks out the
// reply with three dummy bytes in front of the register value.
func (v *VirtualECP5) Tx(w, r []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.FailTx {
		return ErrBusFault
	}
	if !v.csLow {
		// Bytes clocked without CS are ignored by the device.
		for i := range r {
			r[i] = 0xFF
		}
		return nil
	}

	if v.inBurst {
		if len(w) > 0 {
			v.bitstream = append(v.bitstream, w...)
			v.record(Event{Kind: EventBurstWrite, Cmd: opBurst, Data: append([]byte(nil), w...)})
		}
		return nil
	}

	if v.pendingCmd < 0 && len(w) > 0 {
		v.pendingCmd = int(w[0])
		if w[0] == opBurst {
			v.inBurst = true
			v.record(Event{Kind: EventBurstBegin, Cmd: opBurst, Data: append([]byte(nil), w...)})
			return nil
		}
		v.applyCommand(w[0])
		if len(r) > 0 {
			r = r[1:]
		}
	}

	if len(r) > 0 {
		v.fillReply(byte(v.pendingCmd), r)
	}
	return nil
}

func (v *VirtualECP5) applyCommand(cmd byte) {
	switch cmd {
	case opISCEnable:
		v.iscEnabled = true
	case opISCDisable:
		v.iscEnabled = false
	}
}

func (v *VirtualECP5) fillReply(cmd byte, r []byte) {
	var payload []byte
	switch cmd {
	case opReadID:
		payload = be32(v.id)
	case opReadStatus:
		payload = be32(v.status)
	case opUserCode:
		payload = be32(v.userCode)
	case opCheckBusy:
		b := v.busy
		if len(v.busyReplies) > 0 {
			b = v.busyReplies[0]
			v.busyReplies = v.busyReplies[1:]
		}
		payload = []byte{b}
	}
	for i := range r {
		r[i] = 0
		if i >= replyDummySize && i-replyDummySize < len(payload) {
			r[i] = payload[i-replyDummySize]
		}
	}
}

func (v *VirtualECP5) chipSelect(level gpio.Level) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if level == gpio.Low {
		v.csLow = true
		v.pendingCmd = -1
		return
	}
	if !v.csLow {
		return
	}
	v.csLow = false
	switch {
	case v.inBurst:
		v.inBurst = false
		v.record(Event{Kind: EventBurstEnd, Cmd: opBurst})
	case v.pendingCmd >= 0:
		v.record(Event{Kind: EventCommand, Cmd: byte(v.pendingCmd)})
	}
	v.pendingCmd = -1
}

func (v *VirtualECP5) programLine(level gpio.Level) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if level == gpio.Low {
		v.iscEnabled = false
		v.bitstream = nil
	}
	v.record(Event{Kind: EventProgramN, Level: level})
}

func (v *VirtualECP5) record(e Event) {
	v.events = append(v.events, e)
}

// Events returns every recorded event in order.
func (v *VirtualECP5) Events() []Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Event(nil), v.events...)
}

// EventsOf returns the recorded events of one kind.
func (v *VirtualECP5) EventsOf(kind EventKind) []Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []Event
	for _, e := range v.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Commands returns the opcodes of completed command transactions.
func (v *VirtualECP5) Commands() []byte {
	var cmds []byte
	for _, e := range v.EventsOf(EventCommand) {
		cmds = append(cmds, e.Cmd)
	}
	return cmds
}

// Bitstream returns all bytes received inside burst writes since the last
// PROGRAMN pulse.
func (v *VirtualECP5) Bitstream() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.bitstream...)
}

// ISCEnabled reports whether the device is in configuration mode.
func (v *VirtualECP5) ISCEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.iscEnabled
}

// BurstOpen reports whether a burst write is in progress.
func (v *VirtualECP5) BurstOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inBurst
}

// Reset clears recorded events and bitstream data.
func (v *VirtualECP5) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = nil
	v.bitstream = nil
}

// VirtualPin is an output GPIO line that records its level.
type VirtualPin struct {
	onChange func(gpio.Level)
	name     string
	mu       sync.Mutex
	level    gpio.Level
	changes  int
}

// Out sets the line level.
func (p *VirtualPin) Out(l gpio.Level) error {
	p.mu.Lock()
	p.level = l
	p.changes++
	p.mu.Unlock()
	if p.onChange != nil {
		p.onChange(l)
	}
	return nil
}

// Read returns the current level.
func (p *VirtualPin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Changes returns how many times Out was called.
func (p *VirtualPin) Changes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changes
}

func (p *VirtualPin) String() string { return p.name }

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
