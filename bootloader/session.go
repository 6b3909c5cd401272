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

package bootloader

import (
	"github.com/ZaparooProject/go-fabricboot/flash"
	"github.com/sirupsen/logrus"
)

// session is the state between ProgramDevice and ProgramComplete.
type session struct {
	running    flash.Checksum
	blockCount uint32
	totalSize  uint32
	blocks     int
	active     bool
	save       bool
}

func (s *session) begin(save bool, blockCount, totalSize uint32) {
	*s = session{active: true, save: save, blockCount: blockCount, totalSize: totalSize}
}

func (s *session) reset() { *s = session{} }

// forceEnd closes an open session without committing anything to flash.
// Blocks already saved stay in flash, unreferenced.
func (e *Engine) forceEnd(reason string) {
	if !e.session.active {
		return
	}
	log := e.log.WithFields(logrus.Fields{"reason": reason, "blocks": e.session.blocks})
	if err := e.fpga.EndBitstream(); err != nil {
		log = log.WithError(err)
	}
	if err := e.fpga.ExitISC(); err != nil {
		log = log.WithError(err)
	}
	e.sleep(e.config.ForceEndSettle)
	e.session.reset()
	e.count(func(s *Stats) { s.Interrupted++ })
	log.Info("programming session interrupted")
}

// downgradeSession keeps the FPGA programming going but stops saving, so
// ProgramComplete will not write a descriptor for a partial bitstream.
func (e *Engine) downgradeSession(err *flash.WriteError) {
	e.session.save = false
	e.count(func(s *Stats) { s.Downgraded++ })
	e.log.WithError(err).WithField("block", err.Block).Warn("flash save failed, continuing without saving")
}
