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

// Response sizes on the wire, including the header.
const (
	GenericResponseSize     = 15
	QueryDeviceResponseSize = 15
	QueryFlashResponseSize  = 19
	UniqueIDSize            = 8
)

// Response is an encodable response payload. The set of implementations is
// closed.
type Response interface {
	MarshalBinary() ([]byte, error)
	ResponseHeader() Header
}

// GenericResponse carries only an error code. It is padded with zeros to
// GenericResponseSize.
type GenericResponse struct {
	Header    Header
	ErrorCode uint32
}

// QueryDeviceResponse reports the FPGA IDCODE and board unique ID.
type QueryDeviceResponse struct {
	Header       Header
	FPGADeviceID uint32
	UniqueID     [UniqueIDSize]byte
	State        byte
}

// QueryFlashResponse mirrors the stored descriptor. Fields other than the
// header are zero when ErrorCode is ErrorCodeFailed.
type QueryFlashResponse struct {
	Header           Header
	ErrorCode        uint32
	ProgramOnStartup uint32
	BlockCount       uint32
	BitstreamSize    uint32
	Checksum         byte
}

// EchoResponse returns an Echo request packet verbatim, header included.
type EchoResponse struct {
	Packet []byte
}

func (r GenericResponse) ResponseHeader() Header     { return r.Header }
func (r QueryDeviceResponse) ResponseHeader() Header { return r.Header }
func (r QueryFlashResponse) ResponseHeader() Header  { return r.Header }

func (r EchoResponse) ResponseHeader() Header {
	if len(r.Packet) < HeaderSize {
		return Header{Cmd: CmdEcho}
	}
	return parseHeader(r.Packet)
}

func (r GenericResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, GenericResponseSize)
	r.Header.put(b)
	binary.LittleEndian.PutUint32(b[2:], r.ErrorCode)
	return b, nil
}

func (r QueryDeviceResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, QueryDeviceResponseSize)
	r.Header.put(b)
	b[2] = r.State
	binary.LittleEndian.PutUint32(b[3:], r.FPGADeviceID)
	copy(b[7:], r.UniqueID[:])
	return b, nil
}

func (r QueryFlashResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, QueryFlashResponseSize)
	r.Header.put(b)
	binary.LittleEndian.PutUint32(b[2:], r.ErrorCode)
	binary.LittleEndian.PutUint32(b[6:], r.ProgramOnStartup)
	binary.LittleEndian.PutUint32(b[10:], r.BlockCount)
	binary.LittleEndian.PutUint32(b[14:], r.BitstreamSize)
	b[18] = r.Checksum
	return b, nil
}

func (r EchoResponse) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), r.Packet...), nil
}

// DecodeResponse parses a response payload by its tag. Tags without a
// dedicated layout decode as GenericResponse.
func DecodeResponse(p []byte) (Response, error) {
	if len(p) < HeaderSize {
		return nil, fmt.Errorf("response of %d bytes: %w", len(p), fabricboot.ErrFrameTruncated)
	}
	h := parseHeader(p)

	short := func(need int) error {
		return fmt.Errorf("%s response is %d bytes, need %d: %w",
			h.Cmd, len(p), need, fabricboot.ErrFrameTruncated)
	}

	switch h.Cmd {
	case CmdEcho:
		return EchoResponse{Packet: append([]byte(nil), p...)}, nil
	case CmdQueryDevice:
		if len(p) < QueryDeviceResponseSize {
			return nil, short(QueryDeviceResponseSize)
		}
		r := QueryDeviceResponse{
			Header:       h,
			State:        p[2],
			FPGADeviceID: binary.LittleEndian.Uint32(p[3:]),
		}
		copy(r.UniqueID[:], p[7:])
		return r, nil
	case CmdQueryFlash:
		if len(p) < QueryFlashResponseSize {
			return nil, short(QueryFlashResponseSize)
		}
		return QueryFlashResponse{
			Header:           h,
			ErrorCode:        binary.LittleEndian.Uint32(p[2:]),
			ProgramOnStartup: binary.LittleEndian.Uint32(p[6:]),
			BlockCount:       binary.LittleEndian.Uint32(p[10:]),
			BitstreamSize:    binary.LittleEndian.Uint32(p[14:]),
			Checksum:         p[18],
		}, nil
	default:
		if len(p) < HeaderSize+4 {
			return nil, short(HeaderSize + 4)
		}
		return GenericResponse{Header: h, ErrorCode: binary.LittleEndian.Uint32(p[2:])}, nil
	}
}
