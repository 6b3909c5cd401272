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

// Package bootloader is the command dispatcher: a single-threaded loop that
// reads framed requests off the host link, drives the FPGA sequencer and the
// flash store, and writes one response per request in arrival order.
package bootloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/flash"
	"github.com/ZaparooProject/go-fabricboot/internal/frame"
	"github.com/ZaparooProject/go-fabricboot/internal/syncutil"
	"github.com/ZaparooProject/go-fabricboot/protocol"
	"github.com/sirupsen/logrus"
)

// ScratchSize is the decompression buffer size. It matches the largest
// request frame.
const ScratchSize = frame.MaxPacketSize

// FPGA is the part of the sequencer the dispatcher drives.
type FPGA interface {
	flash.Programmer
	ReadID() (uint32, error)
}

// Stats counts what the engine has done since it was created.
type Stats struct {
	Frames      int // requests dispatched
	Dropped     int // frames that started but failed to arrive intact
	Errors      int // failure responses sent
	Sessions    int // programming sessions completed with ProgramComplete
	Interrupted int // sessions force-ended by another command
	Downgraded  int // sessions that stopped saving after a flash failure
	Reconnects  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. The default is fabricboot.Logger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithUniqueID sets the unique ID source for QueryDevice.
func WithUniqueID(f UniqueIDFunc) Option {
	return func(e *Engine) { e.uniqueID = f }
}

// WithRebooter sets what RebootProgrammer does. The default is ExitRebooter.
func WithRebooter(r Rebooter) Option {
	return func(e *Engine) { e.rebooter = r }
}

// WithAutoProgramOnBoot makes Start load a stored bitstream flagged for
// startup.
func WithAutoProgramOnBoot(enabled bool) Option {
	return func(e *Engine) { e.config.AutoProgramOnBoot = enabled }
}

// WithIdleBackoff sets how long Run sleeps after an empty poll.
func WithIdleBackoff(d time.Duration) Option {
	return func(e *Engine) { e.config.IdleBackoff = d }
}

// WithPollTimeout sets the wait for a frame's magic byte.
func WithPollTimeout(d time.Duration) Option {
	return func(e *Engine) { e.config.PollTimeout = d }
}

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg *Config) Option {
	return func(e *Engine) {
		if cfg != nil {
			c := *cfg
			e.config = &c
		}
	}
}

// WithReconnect lets Run reopen the host link after a fatal transport error,
// using the Reconnect section of the configuration.
func WithReconnect(reopen ReopenFunc) Option {
	return func(e *Engine) { e.reopen = reopen }
}

// WithSleep replaces time.Sleep for the force-end settle delay.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// Engine dispatches requests from one host link. Apart from Stats, its
// methods must be called from a single goroutine.
type Engine struct {
	stream   fabricboot.ByteStream
	fpga     FPGA
	store    *flash.Store
	log      logrus.FieldLogger
	uniqueID UniqueIDFunc
	rebooter Rebooter
	reopen   ReopenFunc
	sleep    func(time.Duration)
	config   *Config
	reader   *frame.Reader
	session  session
	stats    Stats
	statsMu  syncutil.Mutex
	packet   [frame.MaxPacketSize]byte
	scratch  [ScratchSize]byte
}

// New creates an engine serving stream.
func New(stream fabricboot.ByteStream, fpga FPGA, store *flash.Store, opts ...Option) *Engine {
	e := &Engine{
		stream:   stream,
		fpga:     fpga,
		store:    store,
		log:      fabricboot.Logger(),
		uniqueID: MachineUniqueID(DefaultAppID),
		rebooter: ExitRebooter{},
		sleep:    time.Sleep,
		config:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reader = e.newReader(stream)
	return e
}

func (e *Engine) newReader(stream fabricboot.ByteStream) *frame.Reader {
	r := frame.NewReader(stream, portName(stream))
	r.PollTimeout = e.config.PollTimeout
	r.ByteTimeout = e.config.ByteTimeout
	return r
}

func portName(stream fabricboot.ByteStream) string {
	if s, ok := stream.(fmt.Stringer); ok {
		return s.String()
	}
	return ""
}

// Stats returns a snapshot of the counters. It is safe to call from any
// goroutine.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) count(f func(*Stats)) {
	e.statsMu.Lock()
	f(&e.stats)
	e.statsMu.Unlock()
}

// Programming reports whether a programming session is open.
func (e *Engine) Programming() bool { return e.session.active }

// Start runs the boot sequence: the optional auto-program from flash, then
// the unsolicited DeviceStartup message.
func (e *Engine) Start() error {
	if e.config.AutoProgramOnBoot {
		res, err := e.store.AutoProgram(e.fpga, false)
		if err != nil {
			e.log.WithError(err).Warn("auto program on boot failed")
		} else {
			e.log.WithField("result", res).Info("auto program on boot")
		}
	}

	return e.send(protocol.GenericResponse{
		Header:    protocol.Header{Cmd: protocol.CmdDeviceStartup, Counter: 1},
		ErrorCode: protocol.ErrorCodeOK,
	})
}

// Step polls for one frame and dispatches it. handled is false when no
// complete frame arrived. A non-nil error means the link is unusable or a
// reboot was requested.
func (e *Engine) Step() (handled bool, err error) {
	n, err := e.reader.ReadFrame(e.packet[:])
	if err != nil {
		if !fabricboot.IsNoFrame(err) {
			return false, err
		}
		if !frame.IsIdle(err) {
			e.count(func(s *Stats) { s.Dropped++ })
			e.log.WithError(err).Debug("frame dropped")
		}
		return false, nil
	}

	e.count(func(s *Stats) { s.Frames++ })
	return true, e.dispatch(e.packet[:n])
}

// Run calls Step until ctx is done. It returns nil on cancellation,
// ErrRebootRequested after a reboot request, or the transport error that
// ended the loop once reconnection, if enabled, has given up.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		handled, err := e.Step()
		if err != nil {
			if errors.Is(err, ErrRebootRequested) || !fabricboot.IsFatal(err) {
				return err
			}
			if rerr := e.reconnect(ctx, err); rerr != nil {
				return rerr
			}
			continue
		}
		if handled || e.config.IdleBackoff <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.config.IdleBackoff):
		}
	}
}

func (e *Engine) reconnect(ctx context.Context, cause error) error {
	if e.reopen == nil || !e.config.Reconnect.Enabled {
		return cause
	}
	e.log.WithError(cause).Warn("host link lost, reconnecting")

	stream, err := NewReconnector(e.reopen, e.config.Reconnect).Reconnect(ctx, e.stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reconnect after %w: %w", cause, err)
	}

	e.stream = stream
	e.reader = e.newReader(stream)
	e.count(func(s *Stats) { s.Reconnects++ })
	e.log.WithField("port", e.reader.Port).Info("host link reopened")
	return nil
}

// send frames and writes one response.
func (e *Engine) send(resp protocol.Response) error {
	b, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	if err := frame.Write(e.stream, b); err != nil {
		return fmt.Errorf("send %s response: %w", resp.ResponseHeader().Cmd, err)
	}
	return nil
}
