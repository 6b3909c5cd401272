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

package protocol

import (
	"encoding/binary"
	"fmt"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

// Fixed request sizes including the header.
const (
	QueryDeviceRequestSize   = HeaderSize + 1
	ProgramDeviceRequestSize = HeaderSize + 1 + 4 + 4 + 2
	ProgramBlockRequestSize  = HeaderSize + 2 + 2 + 2 + 1
)

// Request is a decoded request body. The set of implementations is closed.
type Request interface {
	Command() Command
	appendBody(b []byte) []byte
}

// EchoRequest asks for its payload to be sent back unchanged.
type EchoRequest struct {
	Payload []byte
}

// QueryDeviceRequest asks for the FPGA IDCODE and the board's unique ID.
type QueryDeviceRequest struct {
	Reserved byte
}

// ProgramDeviceRequest opens a streaming programming session.
type ProgramDeviceRequest struct {
	TotalSize  uint32
	BlockCount uint32
	// BitstreamCRC is sent by hosts but not checked.
	BitstreamCRC uint16
	SaveToFlash  bool
}

// ProgramBlockRequest carries one compressed bitstream block. Data is the
// compressed block format: a big-endian raw size followed by a zlib stream.
// CompressedSize is the host's length of Data.
type ProgramBlockRequest struct {
	Data           []byte
	BlockID        uint16
	CompressedSize uint16
	BlockSize      uint16
	BlockChecksum  byte
}

// ProgramCompleteRequest closes the session and commits to flash.
type ProgramCompleteRequest struct{}

// QueryFlashRequest asks for the stored bitstream's descriptor.
type QueryFlashRequest struct{}

// ProgramFromFlashRequest loads the stored bitstream into the FPGA.
type ProgramFromFlashRequest struct{}

// ClearFlashRequest invalidates the stored bitstream.
type ClearFlashRequest struct{}

// RebootRequest resets the bootloader.
type RebootRequest struct{}

// UnknownRequest carries a tag this bootloader does not implement.
type UnknownRequest struct {
	Body []byte
	Cmd  Command
}

func (EchoRequest) Command() Command             { return CmdEcho }
func (QueryDeviceRequest) Command() Command      { return CmdQueryDevice }
func (ProgramDeviceRequest) Command() Command    { return CmdProgramDevice }
func (ProgramBlockRequest) Command() Command     { return CmdProgramBlock }
func (ProgramCompleteRequest) Command() Command  { return CmdProgramComplete }
func (QueryFlashRequest) Command() Command       { return CmdQueryFlash }
func (ProgramFromFlashRequest) Command() Command { return CmdProgramFromFlash }
func (ClearFlashRequest) Command() Command       { return CmdClearFlash }
func (RebootRequest) Command() Command           { return CmdReboot }
func (r UnknownRequest) Command() Command        { return r.Cmd }

func (r EchoRequest) appendBody(b []byte) []byte        { return append(b, r.Payload...) }
func (r QueryDeviceRequest) appendBody(b []byte) []byte { return append(b, r.Reserved) }

func (r ProgramDeviceRequest) appendBody(b []byte) []byte {
	save := byte(0)
	if r.SaveToFlash {
		save = 1
	}
	b = append(b, save)
	b = binary.LittleEndian.AppendUint32(b, r.TotalSize)
	b = binary.LittleEndian.AppendUint32(b, r.BlockCount)
	return binary.LittleEndian.AppendUint16(b, r.BitstreamCRC)
}

func (r ProgramBlockRequest) appendBody(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, r.BlockID)
	b = binary.LittleEndian.AppendUint16(b, r.CompressedSize)
	b = binary.LittleEndian.AppendUint16(b, r.BlockSize)
	b = append(b, r.BlockChecksum)
	return append(b, r.Data...)
}

func (ProgramCompleteRequest) appendBody(b []byte) []byte  { return b }
func (QueryFlashRequest) appendBody(b []byte) []byte       { return b }
func (ProgramFromFlashRequest) appendBody(b []byte) []byte { return b }
func (ClearFlashRequest) appendBody(b []byte) []byte       { return b }
func (RebootRequest) appendBody(b []byte) []byte           { return b }
func (r UnknownRequest) appendBody(b []byte) []byte        { return append(b, r.Body...) }

// MalformedError reports a request body shorter than its fixed layout.
type MalformedError struct {
	Header Header
	Need   int
	Have   int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s request is %d bytes, need %d", e.Header.Cmd, e.Have, e.Need)
}

func (*MalformedError) Unwrap() error { return fabricboot.ErrMalformedRequest }

// DecodeRequest parses a frame payload. Payloads shorter than the header
// return fabricboot.ErrFrameTruncated and get no response. Short bodies
// return a *MalformedError alongside the parsed header; unknown tags decode
// to UnknownRequest.
//
// Data in a ProgramBlockRequest aliases p.
func DecodeRequest(p []byte) (Header, Request, error) {
	if len(p) < HeaderSize {
		return Header{}, nil, fmt.Errorf("request of %d bytes: %w", len(p), fabricboot.ErrFrameTruncated)
	}
	h := parseHeader(p)

	if need := minRequestSize(h.Cmd); need > len(p) {
		return h, nil, &MalformedError{Header: h, Need: need, Have: len(p)}
	}

	body := p[HeaderSize:]
	switch h.Cmd {
	case CmdEcho:
		return h, EchoRequest{Payload: body}, nil
	case CmdQueryDevice:
		return h, QueryDeviceRequest{Reserved: body[0]}, nil
	case CmdProgramDevice:
		return h, ProgramDeviceRequest{
			SaveToFlash:  body[0] != 0,
			TotalSize:    binary.LittleEndian.Uint32(body[1:]),
			BlockCount:   binary.LittleEndian.Uint32(body[5:]),
			BitstreamCRC: binary.LittleEndian.Uint16(body[9:]),
		}, nil
	case CmdProgramBlock:
		return h, ProgramBlockRequest{
			BlockID:        binary.LittleEndian.Uint16(body[0:]),
			CompressedSize: binary.LittleEndian.Uint16(body[2:]),
			BlockSize:      binary.LittleEndian.Uint16(body[4:]),
			BlockChecksum:  body[6],
			Data:           body[7:],
		}, nil
	case CmdProgramComplete:
		return h, ProgramCompleteRequest{}, nil
	case CmdQueryFlash:
		return h, QueryFlashRequest{}, nil
	case CmdProgramFromFlash:
		return h, ProgramFromFlashRequest{}, nil
	case CmdClearFlash:
		return h, ClearFlashRequest{}, nil
	case CmdReboot:
		return h, RebootRequest{}, nil
	default:
		return h, UnknownRequest{Cmd: h.Cmd, Body: body}, nil
	}
}

func minRequestSize(c Command) int {
	switch c {
	case CmdQueryDevice:
		return QueryDeviceRequestSize
	case CmdProgramDevice:
		return ProgramDeviceRequestSize
	case CmdProgramBlock:
		return ProgramBlockRequestSize
	default:
		return HeaderSize
	}
}

// EncodeRequest builds the payload for req with the given counter.
func EncodeRequest(counter byte, req Request) []byte {
	b := make([]byte, HeaderSize, HeaderSize+ProgramBlockRequestSize)
	Header{Cmd: req.Command(), Counter: counter}.put(b)
	return req.appendBody(b)
}
