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

// Command fabricboot is the on-board bootloader daemon. It listens for host
// commands on a serial port (or a TCP address when simulating), programs the
// FPGA over SPI and keeps the last bitstream in a flash image.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/bootloader"
	"github.com/ZaparooProject/go-fabricboot/flash"
	"github.com/ZaparooProject/go-fabricboot/fpga"
	"github.com/ZaparooProject/go-fabricboot/fpga/sim"
	"github.com/ZaparooProject/go-fabricboot/internal/config"
	"github.com/ZaparooProject/go-fabricboot/transport/tcp"
	"github.com/ZaparooProject/go-fabricboot/transport/uart"
	log "github.com/sirupsen/logrus"
)

// Package-level flag variables
var (
	flagConfig   string
	flagPort     string
	flagListen   string
	flagImage    string
	flagLogFile  string
	flagDebugDir string
	flagBaud     int
	flagDebug    bool
	flagSimulate bool
)

func init() {
	flag.StringVar(&flagConfig, "config", "", "YAML config file. Example:\n\n"+config.Example())
	flag.StringVar(&flagPort, "port", "", "Serial port to the host (overrides config)")
	flag.StringVar(&flagListen, "listen", "", "Serve on a TCP address instead of a serial port")
	flag.StringVar(&flagImage, "flash", "", "Flash image file (overrides config)")
	flag.StringVar(&flagLogFile, "log-file", "", "Append logs to this file")
	flag.StringVar(&flagDebugDir, "debug-log", "", "Write a debug session log into this directory")
	flag.IntVar(&flagBaud, "baud", 0, "Serial baud rate (overrides config)")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagSimulate, "simulate", false, "Drive a simulated LFE5U-85 instead of real SPI hardware")
}

type options struct {
	cfg      *config.Config
	debugDir string
	simulate bool
}

func parseConfig() (*options, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	if flagPort != "" {
		cfg.Serial.Port = flagPort
	}
	if flagListen != "" {
		cfg.Serial.Listen = flagListen
	}
	if flagBaud != 0 {
		cfg.Serial.Baud = flagBaud
	}
	if flagImage != "" {
		cfg.Flash.Image = flagImage
	}
	if flagLogFile != "" {
		cfg.Log.File = flagLogFile
	}
	if flagDebug {
		cfg.Log.Level = log.DebugLevel.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &options{cfg: cfg, debugDir: flagDebugDir, simulate: flagSimulate}, nil
}

// newLogger builds the daemon logger. The returned closer releases the log
// file, if any.
func newLogger(c config.Log, stderr io.Writer) (*log.Logger, io.Closer, error) {
	l := log.New()
	l.SetOutput(stderr)

	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	l.SetLevel(level)

	if c.JSON {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if c.File == "" {
		return l, noClose{}, nil
	}
	f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.SetOutput(io.MultiWriter(stderr, f))
	return l, f, nil
}

type noClose struct{}

func (noClose) Close() error { return nil }

// link hands out host connections. A serial link reopens the port; a TCP
// link waits for the next client.
type link interface {
	open(ctx context.Context) (fabricboot.ByteStream, error)
	Close() error
}

type serialLink struct {
	port string
	baud int
}

func (s serialLink) open(context.Context) (fabricboot.ByteStream, error) {
	t, err := uart.New(s.port, s.baud)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial link: %w", err)
	}
	return t, nil
}

func (serialLink) Close() error { return nil }

type listenLink struct {
	ln *tcp.Listener
}

func (l listenLink) open(ctx context.Context) (fabricboot.ByteStream, error) {
	type accepted struct {
		conn *tcp.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- accepted{conn: c, err: err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return nil, a.err
		}
		return a.conn, nil
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	}
}

func (l listenLink) Close() error { return l.ln.Close() }

func newLink(cfg config.Serial) (link, error) {
	if cfg.Listen == "" {
		return serialLink{port: cfg.Port, baud: cfg.Baud}, nil
	}
	ln, err := tcp.Listen(cfg.Listen)
	if err != nil {
		return nil, err
	}
	return listenLink{ln: ln}, nil
}

func openFPGA(cfg *config.Config, simulate bool, logger log.FieldLogger) (*fpga.Sequencer, io.Closer, error) {
	fc, err := cfg.FPGAConfig()
	if err != nil {
		return nil, nil, err
	}
	if !simulate {
		return fpga.Open(fc)
	}

	logger.Warn("using simulated FPGA")
	dev := sim.NewVirtualECP5(fpga.DeviceLFE5U85)
	seq := fpga.NewSequencer(fc, dev, dev.CS(), dev.ProgramN(), fpga.WithSleep(func(time.Duration) {}))
	if err := seq.Init(); err != nil {
		return nil, nil, err
	}
	return seq, noClose{}, nil
}

func openStore(cfg config.Flash, layout flash.Layout) (*flash.Store, io.Closer, error) {
	dev, err := flash.OpenFile(cfg.Image, cfg.Size, cfg.SectorSize)
	if err != nil {
		return nil, nil, err
	}
	store, err := flash.NewStore(dev, layout)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	return store, dev, nil
}

// serve runs the engine on the link until ctx is cancelled or the host asks for
// a reboot.
func serve(ctx context.Context, opts *options, lk link, logger *log.Logger) error {
	cfg := opts.cfg

	seq, fpgaCloser, err := openFPGA(cfg, opts.simulate, logger)
	if err != nil {
		return err
	}
	defer func() { _ = fpgaCloser.Close() }()

	store, flashCloser, err := openStore(cfg.Flash, cfg.FlashLayout())
	if err != nil {
		return err
	}
	defer func() {
		if err := flashCloser.Close(); err != nil {
			logger.Errorf("failed to close flash image: %v", err)
		}
	}()

	logger.Infof("waiting for host link")
	stream, err := lk.open(ctx)
	if err != nil {
		return err
	}

	engineOpts := []bootloader.Option{
		bootloader.WithLogger(logger),
		bootloader.WithConfig(cfg.EngineConfig()),
		bootloader.WithUniqueID(bootloader.MachineUniqueID(bootloader.DefaultAppID)),
		bootloader.WithRebooter(cfg.Rebooter()),
	}
	if cfg.Bootloader.Reconnect {
		engineOpts = append(engineOpts, bootloader.WithReconnect(func() (fabricboot.ByteStream, error) {
			return lk.open(ctx)
		}))
	}
	engine := bootloader.New(stream, seq, store, engineOpts...)
	defer func() {
		if c, ok := stream.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start bootloader: %w", err)
	}
	logger.WithFields(log.Fields{
		"link":  fmt.Sprint(stream),
		"flash": cfg.Flash.Image,
	}).Info("bootloader ready")

	err = engine.Run(ctx)
	st := engine.Stats()
	logger.WithFields(log.Fields{
		"frames":   st.Frames,
		"sessions": st.Sessions,
		"errors":   st.Errors,
	}).Info("bootloader stopped")
	return err
}

func run(ctx context.Context, opts *options) error {
	logger, logCloser, err := newLogger(opts.cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	fabricboot.SetLogger(logger)

	if opts.debugDir != "" {
		path, err := fabricboot.InitSessionLog(opts.debugDir)
		if err != nil {
			return err
		}
		defer func() { _ = fabricboot.CloseSessionLog() }()
		logger.Infof("debug session log: %s", path)
	}

	lk, err := newLink(opts.cfg.Serial)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Close() }()

	return serve(ctx, opts, lk, logger)
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	opts, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", strings.TrimSpace(err.Error()))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, opts)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, bootloader.ErrRebootRequested):
		// The supervisor restarts the daemon, which re-runs the boot path.
		return 0
	default:
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}
