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

package flash

import (
	"errors"
	"fmt"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// Programmer is the streaming half of the FPGA sequencer.
type Programmer interface {
	Busy() (bool, error)
	EnterISC() error
	BeginBitstream() error
	WriteBitstreamBlock(data []byte) error
	EndBitstream() error
	ExitISC() error
}

// AutoResult says what AutoProgram did.
type AutoResult int

const (
	// AutoFailed means an error was returned.
	AutoFailed AutoResult = iota
	// AutoNothingStored means there is no descriptor in flash.
	AutoNothingStored
	// AutoNotFlagged means a valid bitstream is stored but not marked for
	// startup and force was not set.
	AutoNotFlagged
	// AutoProgrammed means the stored bitstream was sent to the FPGA.
	AutoProgrammed
)

func (r AutoResult) String() string {
	switch r {
	case AutoFailed:
		return "failed"
	case AutoNothingStored:
		return "nothing stored"
	case AutoNotFlagged:
		return "not flagged"
	case AutoProgrammed:
		return "programmed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// AutoProgram loads the stored bitstream into the FPGA when it verifies and
// is flagged for startup, or unconditionally when force is set. Blocks are
// read straight from flash into the open burst write.
func (s *Store) AutoProgram(prog Programmer, force bool) (AutoResult, error) {
	d, err := s.FindDescriptor()
	if errors.Is(err, fabricboot.ErrDescriptorNotFound) {
		fabricboot.Debugf("flash: no stored bitstream")
		return AutoNothingStored, nil
	}
	if err != nil {
		return AutoFailed, err
	}
	fabricboot.Debugf("flash: found bitstream, %d blocks, %d bytes", d.BlockCount, d.BitstreamSize)

	if err := s.Verify(d); err != nil {
		return AutoFailed, err
	}
	if !d.AutoProgram() && !force {
		return AutoNotFlagged, nil
	}

	busy, err := prog.Busy()
	if err != nil {
		return AutoFailed, err
	}
	if busy {
		return AutoFailed, fmt.Errorf("auto program: %w", fabricboot.ErrDeviceBusy)
	}

	if err := prog.EnterISC(); err != nil {
		return AutoFailed, err
	}
	if err := prog.BeginBitstream(); err != nil {
		return AutoFailed, err
	}
	for i := range int(d.BlockCount) {
		_, data, err := s.ReadBlock(i)
		if err == nil {
			err = prog.WriteBitstreamBlock(data)
		}
		if err != nil {
			_ = prog.EndBitstream()
			_ = prog.ExitISC()
			return AutoFailed, fmt.Errorf("auto program block %d: %w", i, err)
		}
	}
	if err := prog.EndBitstream(); err != nil {
		return AutoFailed, err
	}
	if err := prog.ExitISC(); err != nil {
		return AutoFailed, err
	}

	busy, err = prog.Busy()
	if err != nil {
		return AutoFailed, err
	}
	if busy {
		return AutoFailed, fmt.Errorf("after auto program: %w", fabricboot.ErrDeviceBusy)
	}
	fabricboot.Debugf("flash: auto programmed %d bytes", d.BitstreamSize)
	return AutoProgrammed, nil
}
