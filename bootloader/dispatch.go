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
	"errors"
	"fmt"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/flash"
	"github.com/ZaparooProject/go-fabricboot/fpga"
	"github.com/ZaparooProject/go-fabricboot/internal/frame"
	"github.com/ZaparooProject/go-fabricboot/protocol"
	"github.com/sirupsen/logrus"
)

func (e *Engine) dispatch(packet []byte) error {
	h, req, err := protocol.DecodeRequest(packet)
	if errors.Is(err, fabricboot.ErrFrameTruncated) {
		// Shorter than a header: nothing to answer.
		return nil
	}
	log := e.log.WithFields(logrus.Fields{"cmd": h.Cmd, "counter": h.Counter})
	if err != nil {
		log.WithError(err).Debug("malformed request")
		return e.fail(protocol.Header{Cmd: protocol.CmdError, Counter: h.Counter})
	}
	log.Debug("dispatch")

	switch r := req.(type) {
	case protocol.EchoRequest:
		return e.send(protocol.EchoResponse{Packet: packet})
	case protocol.QueryDeviceRequest:
		return e.queryDevice(h)
	case protocol.ProgramDeviceRequest:
		return e.programDevice(h, r)
	case protocol.ProgramBlockRequest:
		return e.programBlock(h, r)
	case protocol.ProgramCompleteRequest:
		return e.programComplete(h)
	case protocol.QueryFlashRequest:
		return e.queryFlash(h)
	case protocol.ProgramFromFlashRequest:
		return e.programFromFlash(h)
	case protocol.ClearFlashRequest:
		return e.clearFlash(h)
	case protocol.RebootRequest:
		return e.reboot()
	case protocol.UnknownRequest:
		return e.fail(h)
	default:
		return fmt.Errorf("unhandled request type %T", req)
	}
}

func (e *Engine) reply(h protocol.Header, ok bool) error {
	if !ok {
		return e.fail(h)
	}
	return e.send(protocol.GenericResponse{Header: h, ErrorCode: protocol.ErrorCodeOK})
}

func (e *Engine) fail(h protocol.Header) error {
	e.count(func(s *Stats) { s.Errors++ })
	return e.send(protocol.GenericResponse{Header: h, ErrorCode: protocol.ErrorCodeFailed})
}

// rejectBlock answers a ProgramBlock whose payload could not be used. The
// session carries on.
func (e *Engine) rejectBlock(h protocol.Header, err error) error {
	e.log.WithError(err).WithField("counter", h.Counter).Warn("block rejected")
	return e.fail(protocol.Header{Cmd: protocol.CmdError, Counter: h.Counter})
}

func (e *Engine) queryDevice(h protocol.Header) error {
	e.forceEnd(h.Cmd.String())

	resp := protocol.QueryDeviceResponse{Header: h, State: protocol.DeviceUnrecognized}
	id, err := e.fpga.ReadID()
	if err != nil {
		e.log.WithError(err).Warn("read fpga id")
	} else {
		resp.FPGADeviceID = id
		if fpga.IsSupported(id) {
			resp.State = protocol.DeviceRecognized
		}
	}

	if uid, err := e.uniqueID(); err != nil {
		e.log.WithError(err).Warn("read unique id")
	} else {
		resp.UniqueID = uid
	}

	e.log.WithFields(logrus.Fields{
		"fpga_id": fmt.Sprintf("%08X", resp.FPGADeviceID),
		"device":  fpga.DeviceName(resp.FPGADeviceID),
		"uid":     fmt.Sprintf("%X", resp.UniqueID),
	}).Debug("query device")
	return e.send(resp)
}

func (e *Engine) programDevice(h protocol.Header, r protocol.ProgramDeviceRequest) error {
	e.forceEnd(h.Cmd.String())
	e.log.WithFields(logrus.Fields{
		"save":   r.SaveToFlash,
		"size":   r.TotalSize,
		"blocks": r.BlockCount,
	}).Info("program device")

	busy, err := e.fpga.Busy()
	switch {
	case err != nil:
		e.log.WithError(err).Warn("poll busy")
		return e.fail(h)
	case busy:
		e.log.Warn("fpga busy, session not started")
		return e.fail(h)
	}

	if err := e.fpga.EnterISC(); err != nil {
		e.log.WithError(err).Warn("enter ISC")
		return e.fail(h)
	}
	if err := e.fpga.BeginBitstream(); err != nil {
		e.log.WithError(err).Warn("begin bitstream")
		_ = e.fpga.ExitISC()
		return e.fail(h)
	}

	e.session.begin(r.SaveToFlash, r.BlockCount, r.TotalSize)
	return e.reply(h, true)
}

func (e *Engine) programBlock(h protocol.Header, r protocol.ProgramBlockRequest) error {
	raw, err := protocol.DecompressBlock(e.scratch[:], r.Data, int(r.CompressedSize))
	if err != nil {
		return e.rejectBlock(h, err)
	}
	if len(raw) != int(r.BlockSize) {
		return e.rejectBlock(h, fmt.Errorf("%w: got %d, header says %d",
			fabricboot.ErrBlockSizeMismatch, len(raw), r.BlockSize))
	}
	if sum := frame.Checksum(raw); sum != r.BlockChecksum {
		return e.rejectBlock(h, fmt.Errorf("%w: got %d, header says %d",
			fabricboot.ErrBlockChecksum, sum, r.BlockChecksum))
	}

	if !e.session.active {
		e.log.WithField("block", r.BlockID).Debug("block outside a session")
	}
	werr := e.fpga.WriteBitstreamBlock(raw)
	if werr != nil {
		e.log.WithError(werr).WithField("block", r.BlockID).Warn("fpga block write")
	}
	if err := e.reply(h, werr == nil); err != nil {
		return err
	}
	e.session.blocks++

	if e.session.active && e.session.save {
		err := e.store.WriteBlock(int(r.BlockID), raw, &e.session.running)
		var wErr *flash.WriteError
		if errors.As(err, &wErr) {
			e.downgradeSession(wErr)
		} else if err != nil {
			e.downgradeSession(&flash.WriteError{Op: "write", Block: int(r.BlockID), Err: err})
		}
	}
	return nil
}

func (e *Engine) programComplete(h protocol.Header) error {
	if err := e.fpga.EndBitstream(); err != nil {
		e.log.WithError(err).Warn("end bitstream")
	}
	if err := e.fpga.ExitISC(); err != nil {
		e.log.WithError(err).Warn("exit ISC")
	}
	busy, err := e.fpga.Busy()
	if err != nil {
		e.log.WithError(err).Warn("poll busy")
	}
	ok := err == nil && !busy

	sess := e.session
	e.session.reset()
	if sess.active {
		e.count(func(s *Stats) { s.Sessions++ })
	}
	e.log.WithFields(logrus.Fields{"ok": ok, "blocks": sess.blocks}).Info("program complete")

	if err := e.reply(h, ok); err != nil {
		return err
	}

	if sess.active && sess.save && ok {
		if sess.blocks != int(sess.blockCount) {
			e.log.WithFields(logrus.Fields{"received": sess.blocks, "declared": sess.blockCount}).
				Warn("block count differs from ProgramDevice")
		}
		d := flash.NewDescriptor(sess.blockCount, sess.totalSize, true)
		d.Seal(sess.running.Byte())
		if err := e.store.WriteDescriptor(d); err != nil {
			e.log.WithError(err).Warn("descriptor write failed")
		}
	}
	return nil
}

func (e *Engine) queryFlash(h protocol.Header) error {
	e.forceEnd(h.Cmd.String())

	resp := protocol.QueryFlashResponse{Header: h, ErrorCode: protocol.ErrorCodeFailed}
	d, err := e.store.FindDescriptor()
	if err == nil {
		err = e.store.Verify(d)
	}
	if err != nil {
		e.log.WithError(err).Debug("query flash")
		e.count(func(s *Stats) { s.Errors++ })
		return e.send(resp)
	}

	resp.ErrorCode = protocol.ErrorCodeOK
	resp.ProgramOnStartup = d.ProgramOnStartup
	resp.BlockCount = d.BlockCount
	resp.BitstreamSize = d.BitstreamSize
	resp.Checksum = d.Checksum
	return e.send(resp)
}

func (e *Engine) programFromFlash(h protocol.Header) error {
	e.forceEnd(h.Cmd.String())

	res, err := e.store.AutoProgram(e.fpga, true)
	if err != nil {
		e.log.WithError(err).Warn("program from flash")
	}
	e.log.WithField("result", res).Info("program from flash")
	return e.reply(h, res == flash.AutoProgrammed)
}

func (e *Engine) clearFlash(h protocol.Header) error {
	e.forceEnd(h.Cmd.String())

	err := e.store.Clear()
	if err != nil {
		e.log.WithError(err).Warn("clear flash")
	}
	return e.reply(h, err == nil)
}

func (e *Engine) reboot() error {
	e.log.Info("reboot requested")
	return e.rebooter.Reboot()
}
