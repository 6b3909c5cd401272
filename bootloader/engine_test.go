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
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/flash"
	"github.com/ZaparooProject/go-fabricboot/fpga"
	"github.com/ZaparooProject/go-fabricboot/fpga/sim"
	"github.com/ZaparooProject/go-fabricboot/internal/frame"
	virt "github.com/ZaparooProject/go-fabricboot/internal/testing"
	"github.com/ZaparooProject/go-fabricboot/protocol"
	"github.com/ZaparooProject/go-fabricboot/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSectorSize = 256
	testSectors    = 8
)

var testUID = [protocol.UniqueIDSize]byte{0xE6, 0x60, 0x58, 0x38, 0x83, 0x3B, 0x2C, 0x2E}

type harness struct {
	engine  *Engine
	stream  *virt.MemStream
	dev     *sim.VirtualECP5
	store   *flash.Store
	mem     *flash.MemDevice
	counter byte
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	dev := sim.NewVirtualECP5(fpga.DeviceLFE5U85)
	seq := fpga.NewSequencer(fpga.DefaultConfig(fpga.BoardAny), dev, dev.CS(), dev.ProgramN(),
		fpga.WithSleep(func(time.Duration) {}))

	mem := flash.NewMemDevice(testSectorSize, testSectors)
	store, err := flash.NewStore(mem, flash.Layout{SectorSize: testSectorSize, Sectors: testSectors})
	require.NoError(t, err)

	stream := virt.NewMemStream()
	base := []Option{
		WithUniqueID(StaticUniqueID(testUID)),
		WithSleep(func(time.Duration) {}),
		WithIdleBackoff(0),
	}
	engine := New(stream, seq, store, append(base, opts...)...)

	return &harness{engine: engine, stream: stream, dev: dev, store: store, mem: mem}
}

// feed frames req with the next counter value and queues it.
func (h *harness) feed(t *testing.T, req protocol.Request) protocol.Header {
	t.Helper()
	h.counter++
	hdr := protocol.Header{Cmd: req.Command(), Counter: h.counter}
	h.feedRaw(t, protocol.EncodeRequest(h.counter, req))
	return hdr
}

func (h *harness) feedRaw(t *testing.T, payload []byte) {
	t.Helper()
	frm, err := frame.Encode(payload)
	require.NoError(t, err)
	h.stream.Feed(frm...)
}

// responses decodes and clears everything the engine has written.
func (h *harness) responses(t *testing.T) []protocol.Response {
	t.Helper()
	out := virt.NewMemStream(h.stream.Written()...)
	h.stream.ResetWritten()

	r := frame.NewReader(out, "out")
	buf := make([]byte, frame.MaxPacketSize)
	var resps []protocol.Response
	for out.Pending() > 0 {
		n, err := r.ReadFrame(buf)
		require.NoError(t, err)
		resp, err := protocol.DecodeResponse(buf[:n])
		require.NoError(t, err)
		resps = append(resps, resp)
	}
	return resps
}

// call sends one request, runs one step and returns the single response.
func (h *harness) call(t *testing.T, req protocol.Request) (protocol.Header, protocol.Response) {
	t.Helper()
	hdr := h.feed(t, req)
	handled, err := h.engine.Step()
	require.NoError(t, err)
	require.True(t, handled)
	resps := h.responses(t)
	require.Len(t, resps, 1)
	return hdr, resps[0]
}

func (h *harness) expectOK(t *testing.T, req protocol.Request) {
	t.Helper()
	hdr, resp := h.call(t, req)
	assert.Equal(t, protocol.GenericResponse{Header: hdr, ErrorCode: protocol.ErrorCodeOK}, resp)
}

func testBlocks() [][]byte {
	a := make([]byte, 200)
	b := make([]byte, 120)
	for i := range a {
		a[i] = byte(i * 3)
	}
	for i := range b {
		b[i] = byte(0xC0 + i)
	}
	return [][]byte{a, b}
}

func blockRequest(t *testing.T, id int, raw []byte) protocol.ProgramBlockRequest {
	t.Helper()
	req, err := protocol.NewProgramBlock(uint16(id), raw) //nolint:gosec // test ids
	require.NoError(t, err)
	return req
}

// runSession programs blocks through a full session.
func (h *harness) runSession(t *testing.T, blocks [][]byte, save bool) {
	t.Helper()
	total := len(bytes.Join(blocks, nil))
	h.expectOK(t, protocol.ProgramDeviceRequest{
		SaveToFlash: save,
		TotalSize:   uint32(total),       //nolint:gosec // test sizes
		BlockCount:  uint32(len(blocks)), //nolint:gosec // test sizes
	})
	for i, b := range blocks {
		h.expectOK(t, blockRequest(t, i, b))
	}
	h.expectOK(t, protocol.ProgramCompleteRequest{})
}

func burstKinds(dev *sim.VirtualECP5) []sim.EventKind {
	var kinds []sim.EventKind
	for _, e := range dev.Events() {
		switch e.Kind {
		case sim.EventBurstBegin, sim.EventBurstWrite, sim.EventBurstEnd:
			kinds = append(kinds, e.Kind)
		case sim.EventCommand, sim.EventProgramN:
		}
	}
	return kinds
}

func TestStart_SendsDeviceStartup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.engine.Start())

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, protocol.GenericResponse{
		Header:    protocol.Header{Cmd: protocol.CmdDeviceStartup, Counter: 1},
		ErrorCode: protocol.ErrorCodeOK,
	}, resps[0])
	assert.Empty(t, h.dev.Events(), "no auto program by default")
}

func TestStart_AutoProgramOnBoot(t *testing.T) {
	t.Parallel()

	blocks := testBlocks()
	h := newHarness(t, WithAutoProgramOnBoot(true))
	h.runSession(t, blocks, true)
	h.dev.Reset()

	require.NoError(t, h.engine.Start())
	assert.Equal(t, bytes.Join(blocks, nil), h.dev.Bitstream())
	require.Len(t, h.responses(t), 1)
}

func TestStep_Idle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	handled, err := h.engine.Step()
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, h.stream.Written())
	assert.Equal(t, Stats{}, h.engine.Stats())
}

func TestStep_CorruptFrameDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	frm, err := frame.Encode([]byte{byte(protocol.CmdEcho), 1, 'x'})
	require.NoError(t, err)
	frm[len(frm)-1]++
	h.stream.Feed(frm...)

	handled, err := h.engine.Step()
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, h.stream.Written(), "no signal to the host")
	assert.Equal(t, 1, h.engine.Stats().Dropped)
}

func TestStep_ClosedStreamIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.stream.Close())

	_, err := h.engine.Step()
	require.Error(t, err)
	assert.True(t, fabricboot.IsFatal(err))
}

func TestEcho(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hdr, resp := h.call(t, protocol.EchoRequest{Payload: []byte("hello fpga")})

	want := append([]byte{byte(protocol.CmdEcho), hdr.Counter}, "hello fpga"...)
	assert.Equal(t, protocol.EchoResponse{Packet: want}, resp)
}

func TestQueryDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		id    uint32
		state byte
	}{
		{name: "LFE5U-85", id: fpga.DeviceLFE5U85, state: protocol.DeviceRecognized},
		{name: "LFE5U-25 with version nibble", id: 0x41111043, state: protocol.DeviceRecognized},
		{name: "LFE5U-45", id: fpga.DeviceLFE5U45, state: protocol.DeviceUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.dev = sim.NewVirtualECP5(tt.id)
			seq := fpga.NewSequencer(fpga.DefaultConfig(fpga.BoardAny), h.dev, h.dev.CS(), h.dev.ProgramN(),
				fpga.WithSleep(func(time.Duration) {}))
			h.engine.fpga = seq

			hdr, resp := h.call(t, protocol.QueryDeviceRequest{})
			assert.Equal(t, protocol.QueryDeviceResponse{
				Header:       hdr,
				State:        tt.state,
				FPGADeviceID: tt.id,
				UniqueID:     testUID,
			}, resp)
		})
	}
}

func TestQueryDevice_UniqueIDError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithUniqueID(func() ([protocol.UniqueIDSize]byte, error) {
		return [protocol.UniqueIDSize]byte{}, errors.New("no machine id")
	}))
	_, resp := h.call(t, protocol.QueryDeviceRequest{})
	qd, ok := resp.(protocol.QueryDeviceResponse)
	require.True(t, ok)
	assert.Equal(t, [protocol.UniqueIDSize]byte{}, qd.UniqueID)
	assert.Equal(t, protocol.DeviceRecognized, qd.State)
}

func TestFullSession_SavesToFlash(t *testing.T) {
	t.Parallel()

	blocks := testBlocks()
	joined := bytes.Join(blocks, nil)
	h := newHarness(t)

	h.runSession(t, blocks, true)

	assert.Equal(t, []sim.EventKind{
		sim.EventBurstBegin, sim.EventBurstWrite, sim.EventBurstWrite, sim.EventBurstEnd,
	}, burstKinds(h.dev))
	writes := h.dev.EventsOf(sim.EventBurstWrite)
	assert.Equal(t, blocks[0], writes[0].Data)
	assert.Equal(t, blocks[1], writes[1].Data)
	assert.False(t, h.dev.ISCEnabled())

	d, err := h.store.FindDescriptor()
	require.NoError(t, err)
	sum := frame.Checksum(joined)
	assert.Equal(t, uint32(2), d.BlockCount)
	assert.Equal(t, uint32(len(joined)), d.BitstreamSize) //nolint:gosec // test sizes
	assert.Equal(t, sum, d.Checksum)
	assert.Equal(t, sum+1, d.Replica1)
	assert.Equal(t, sum+2, d.Replica2)
	assert.True(t, d.AutoProgram())
	require.NoError(t, h.store.Verify(d))

	stats := h.engine.Stats()
	assert.Equal(t, 1, stats.Sessions)
	assert.Equal(t, 0, stats.Errors)
	assert.False(t, h.engine.Programming())
}

func TestFullSession_WithoutSave(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runSession(t, testBlocks(), false)

	assert.Equal(t, bytes.Join(testBlocks(), nil), h.dev.Bitstream())
	assert.Zero(t, h.mem.Programs(), "flash untouched")
	_, err := h.store.FindDescriptor()
	require.ErrorIs(t, err, fabricboot.ErrDescriptorNotFound)
}

func TestSession_InterruptedByQueryDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runSession(t, testBlocks(), true)
	before, err := h.store.FindDescriptor()
	require.NoError(t, err)

	next := [][]byte{bytes.Repeat([]byte{0x11}, 64), bytes.Repeat([]byte{0x22}, 64)}
	h.dev.Reset()
	h.expectOK(t, protocol.ProgramDeviceRequest{SaveToFlash: true, TotalSize: 128, BlockCount: 2})
	h.expectOK(t, blockRequest(t, 0, next[0]))
	require.True(t, h.dev.BurstOpen())

	_, resp := h.call(t, protocol.QueryDeviceRequest{})
	assert.IsType(t, protocol.QueryDeviceResponse{}, resp)

	assert.False(t, h.dev.BurstOpen(), "burst closed")
	assert.False(t, h.dev.ISCEnabled(), "ISC exited")
	assert.Equal(t, []sim.EventKind{
		sim.EventBurstBegin, sim.EventBurstWrite, sim.EventBurstEnd,
	}, burstKinds(h.dev))
	assert.False(t, h.engine.Programming())

	after, err := h.store.FindDescriptor()
	require.NoError(t, err)
	assert.Equal(t, before, after, "committed descriptor unchanged")
	assert.Equal(t, 1, h.engine.Stats().Interrupted)

	// The session is gone: completing now writes no descriptor.
	h.expectOK(t, protocol.ProgramCompleteRequest{})
	after, err = h.store.FindDescriptor()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSession_InterruptedByEachControlCommand(t *testing.T) {
	t.Parallel()

	for _, req := range []protocol.Request{
		protocol.QueryFlashRequest{},
		protocol.ProgramFromFlashRequest{},
		protocol.ClearFlashRequest{},
		protocol.ProgramDeviceRequest{},
	} {
		t.Run(req.Command().String(), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.expectOK(t, protocol.ProgramDeviceRequest{SaveToFlash: true, BlockCount: 1, TotalSize: 8})
			h.expectOK(t, blockRequest(t, 0, []byte("bitbytes")))

			h.call(t, req)
			assert.Equal(t, 1, h.engine.Stats().Interrupted)
			assert.Len(t, h.dev.EventsOf(sim.EventBurstEnd), 1)
		})
	}
}

func TestProgramDevice_Busy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dev.SetBusy(true)

	hdr, resp := h.call(t, protocol.ProgramDeviceRequest{SaveToFlash: true, BlockCount: 1})
	assert.Equal(t, protocol.GenericResponse{Header: hdr, ErrorCode: protocol.ErrorCodeFailed}, resp)
	assert.Equal(t, []byte{fpga.CmdCheckBusy}, h.dev.Commands(), "ISC not entered")
	assert.False(t, h.engine.Programming())
}

func TestProgramBlock_Rejected(t *testing.T) {
	t.Parallel()

	good := bytes.Repeat([]byte{0x5A, 0xA5, 0x0F}, 30)

	tests := []struct {
		mutate func(*protocol.ProgramBlockRequest)
		name   string
	}{
		{name: "checksum mismatch", mutate: func(r *protocol.ProgramBlockRequest) { r.BlockChecksum++ }},
		{name: "size mismatch", mutate: func(r *protocol.ProgramBlockRequest) { r.BlockSize-- }},
		{name: "corrupt stream", mutate: func(r *protocol.ProgramBlockRequest) {
			r.Data = append([]byte(nil), r.Data...)
			r.Data[len(r.Data)-1] ^= 0xFF
		}},
		{name: "no size prefix", mutate: func(r *protocol.ProgramBlockRequest) {
			r.Data = r.Data[:1]
			r.CompressedSize = 1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.expectOK(t, protocol.ProgramDeviceRequest{SaveToFlash: true, BlockCount: 1, TotalSize: 90})
			programs := h.mem.Programs()

			req := blockRequest(t, 0, good)
			tt.mutate(&req)
			hdr, resp := h.call(t, req)

			assert.Equal(t, protocol.GenericResponse{
				Header:    protocol.Header{Cmd: protocol.CmdError, Counter: hdr.Counter},
				ErrorCode: protocol.ErrorCodeFailed,
			}, resp)
			assert.Empty(t, h.dev.EventsOf(sim.EventBurstWrite), "no FPGA write")
			assert.Equal(t, programs, h.mem.Programs(), "no flash write")
			assert.True(t, h.engine.Programming(), "session continues")

			// A good retry of the same block goes through.
			h.expectOK(t, blockRequest(t, 0, good))
			assert.Len(t, h.dev.EventsOf(sim.EventBurstWrite), 1)
		})
	}
}

func TestProgramBlock_OutsideSessionStillWritesFPGA(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.expectOK(t, blockRequest(t, 0, []byte("stray")))
	assert.Zero(t, h.mem.Programs(), "nothing saved without a session")
}

func TestProgramBlock_FlashFailureDowngradesSession(t *testing.T) {
	t.Parallel()

	blocks := testBlocks()
	h := newHarness(t)
	layout := h.store.Layout()
	h.mem.InjectFault(layout.BlockOffset(1)+flash.BlockHeaderSize, 0x01)

	h.runSession(t, blocks, true)

	assert.Equal(t, bytes.Join(blocks, nil), h.dev.Bitstream(), "FPGA programming unaffected")
	_, err := h.store.FindDescriptor()
	require.ErrorIs(t, err, fabricboot.ErrDescriptorNotFound, "no descriptor for a partial save")

	stats := h.engine.Stats()
	assert.Equal(t, 1, stats.Downgraded)
	assert.Equal(t, 0, stats.Errors, "flash failures are not reported to the host")
}

func TestProgramComplete_BusyDoesNotCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.expectOK(t, protocol.ProgramDeviceRequest{SaveToFlash: true, BlockCount: 1, TotalSize: 8})
	h.expectOK(t, blockRequest(t, 0, []byte("bitbytes")))
	h.dev.SetBusy(true)

	hdr, resp := h.call(t, protocol.ProgramCompleteRequest{})
	assert.Equal(t, protocol.GenericResponse{Header: hdr, ErrorCode: protocol.ErrorCodeFailed}, resp)
	_, err := h.store.FindDescriptor()
	require.ErrorIs(t, err, fabricboot.ErrDescriptorNotFound)
	assert.False(t, h.engine.Programming())
}

func TestQueryFlash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hdr, resp := h.call(t, protocol.QueryFlashRequest{})
	assert.Equal(t, protocol.QueryFlashResponse{Header: hdr, ErrorCode: protocol.ErrorCodeFailed}, resp)

	blocks := testBlocks()
	joined := bytes.Join(blocks, nil)
	h.runSession(t, blocks, true)

	hdr, resp = h.call(t, protocol.QueryFlashRequest{})
	assert.Equal(t, protocol.QueryFlashResponse{
		Header:           hdr,
		ErrorCode:        protocol.ErrorCodeOK,
		ProgramOnStartup: 1,
		BlockCount:       2,
		BitstreamSize:    uint32(len(joined)), //nolint:gosec // test sizes
		Checksum:         frame.Checksum(joined),
	}, resp)
}

func TestQueryFlash_CorruptBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runSession(t, testBlocks(), true)
	off := h.store.Layout().BlockOffset(0) + flash.BlockHeaderSize
	h.mem.Poke(off, []byte{0x5A})

	hdr, resp := h.call(t, protocol.QueryFlashRequest{})
	assert.Equal(t, protocol.QueryFlashResponse{Header: hdr, ErrorCode: protocol.ErrorCodeFailed}, resp)
}

func TestClearFlash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runSession(t, testBlocks(), true)

	h.expectOK(t, protocol.ClearFlashRequest{})
	_, err := h.store.FindDescriptor()
	require.ErrorIs(t, err, fabricboot.ErrDescriptorNotFound)

	_, resp := h.call(t, protocol.QueryFlashRequest{})
	qf, ok := resp.(protocol.QueryFlashResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorCodeFailed, qf.ErrorCode)
}

func TestProgramFromFlash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hdr, resp := h.call(t, protocol.ProgramFromFlashRequest{})
	assert.Equal(t, protocol.GenericResponse{Header: hdr, ErrorCode: protocol.ErrorCodeFailed}, resp,
		"nothing stored")

	blocks := testBlocks()
	h.runSession(t, blocks, true)
	h.dev.Reset()

	h.expectOK(t, protocol.ProgramFromFlashRequest{})
	assert.Equal(t, bytes.Join(blocks, nil), h.dev.Bitstream())
	assert.Equal(t, []sim.EventKind{
		sim.EventBurstBegin, sim.EventBurstWrite, sim.EventBurstWrite, sim.EventBurstEnd,
	}, burstKinds(h.dev))
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feedRaw(t, []byte{0x42, 9, 1, 2, 3})
	handled, err := h.engine.Step()
	require.NoError(t, err)
	require.True(t, handled)

	resps := h.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, protocol.GenericResponse{
		Header:    protocol.Header{Cmd: 0x42, Counter: 9},
		ErrorCode: protocol.ErrorCodeFailed,
	}, resps[0])
}

func TestMalformedRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "query device", payload: []byte{byte(protocol.CmdQueryDevice), 3}},
		{name: "program device", payload: []byte{byte(protocol.CmdProgramDevice), 3, 1, 0, 0}},
		{name: "program block", payload: []byte{byte(protocol.CmdProgramBlock), 3, 0, 0, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.feedRaw(t, tt.payload)
			handled, err := h.engine.Step()
			require.NoError(t, err)
			require.True(t, handled)

			resps := h.responses(t)
			require.Len(t, resps, 1)
			assert.Equal(t, protocol.GenericResponse{
				Header:    protocol.Header{Cmd: protocol.CmdError, Counter: 3},
				ErrorCode: protocol.ErrorCodeFailed,
			}, resps[0])
			assert.Empty(t, h.dev.Events())
		})
	}
}

func TestPacketShorterThanHeaderIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feedRaw(t, []byte{byte(protocol.CmdQueryDevice)})
	handled, err := h.engine.Step()
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Empty(t, h.stream.Written())
}

func TestResponsesInRequestOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var want []protocol.Header
	want = append(want, h.feed(t, protocol.EchoRequest{Payload: []byte{1}}))
	want = append(want, h.feed(t, protocol.QueryDeviceRequest{}))
	want = append(want, h.feed(t, protocol.QueryFlashRequest{}))

	for range want {
		handled, err := h.engine.Step()
		require.NoError(t, err)
		require.True(t, handled)
	}

	resps := h.responses(t)
	require.Len(t, resps, len(want))
	for i, r := range resps {
		assert.Equal(t, want[i], r.ResponseHeader())
	}
}

func TestReboot(t *testing.T) {
	t.Parallel()

	t.Run("exit rebooter stops the loop", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.feed(t, protocol.RebootRequest{})

		err := h.engine.Run(context.Background())
		require.ErrorIs(t, err, ErrRebootRequested)
		assert.Empty(t, h.stream.Written(), "no response to a reboot")
	})

	t.Run("custom rebooter", func(t *testing.T) {
		t.Parallel()
		calls := 0
		h := newHarness(t, WithRebooter(RebooterFunc(func() error {
			calls++
			return nil
		})))
		h.feed(t, protocol.RebootRequest{})

		handled, err := h.engine.Step()
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Equal(t, 1, calls)
		assert.Empty(t, h.stream.Written())
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithIdleBackoff(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, h.engine.Run(ctx))
}

func TestRun_FatalWithoutReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.stream.Close())

	err := h.engine.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fabricboot.IsFatal(err))
}

func TestRun_Reconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.stream.Close())

	fresh := virt.NewMemStream()
	echo, err := frame.Encode(protocol.EncodeRequest(1, protocol.EchoRequest{Payload: []byte("again")}))
	require.NoError(t, err)
	reboot, err := frame.Encode(protocol.EncodeRequest(2, protocol.RebootRequest{}))
	require.NoError(t, err)
	fresh.Feed(append(echo, reboot...)...)

	attempts := 0
	h.engine.reopen = func() (fabricboot.ByteStream, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("port not back yet")
		}
		return fresh, nil
	}
	h.engine.config.Reconnect.Backoff = time.Millisecond

	err = h.engine.Run(context.Background())
	require.ErrorIs(t, err, ErrRebootRequested)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, h.engine.Stats().Reconnects)
	assert.NotEmpty(t, fresh.Written(), "echo answered on the new link")
}

// resetConn returns the board side of a TCP connection whose host sent a
// partial frame and then aborted with a reset.
func resetConn(t *testing.T) *tcp.Conn {
	t.Helper()

	ln, err := tcp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	hostDone := make(chan error, 1)
	go func() {
		c, dialErr := net.Dial("tcp", ln.Addr().String())
		if dialErr != nil {
			hostDone <- dialErr
			return
		}
		if _, writeErr := c.Write([]byte{frame.Magic, 0x05}); writeErr != nil {
			hostDone <- writeErr
			return
		}
		if lingerErr := c.(*net.TCPConn).SetLinger(0); lingerErr != nil {
			hostDone <- lingerErr
			return
		}
		hostDone <- c.Close()
	}()

	board, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = board.Close() })
	require.NoError(t, <-hostDone)
	return board
}

func TestRun_ReconnectsAfterPeerReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	board := resetConn(t)
	h.engine.stream = board
	h.engine.reader = h.engine.newReader(board)

	fresh := virt.NewMemStream()
	reboot, err := frame.Encode(protocol.EncodeRequest(1, protocol.RebootRequest{}))
	require.NoError(t, err)
	fresh.Feed(reboot...)

	attempts := 0
	h.engine.reopen = func() (fabricboot.ByteStream, error) {
		attempts++
		return fresh, nil
	}
	h.engine.config.Reconnect.Backoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = h.engine.Run(ctx)
	require.ErrorIs(t, err, ErrRebootRequested)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, h.engine.Stats().Reconnects)
}
