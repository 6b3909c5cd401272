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

// Command fabricprog is the host side of the bootloader: it uploads
// bitstreams over a serial port or TCP, inspects the stored image, and can
// also program an FPGA wired straight to this machine's SPI bus.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
	"github.com/ZaparooProject/go-fabricboot/client"
	"github.com/ZaparooProject/go-fabricboot/detection"
	_ "github.com/ZaparooProject/go-fabricboot/detection/tcp"
	_ "github.com/ZaparooProject/go-fabricboot/detection/uart"
	"github.com/ZaparooProject/go-fabricboot/fpga"
	"github.com/ZaparooProject/go-fabricboot/internal/bitfile"
	"github.com/ZaparooProject/go-fabricboot/internal/config"
	"github.com/ZaparooProject/go-fabricboot/protocol"
	"github.com/ZaparooProject/go-fabricboot/transport/tcp"
	"github.com/ZaparooProject/go-fabricboot/transport/uart"
	log "github.com/sirupsen/logrus"
)

// Package-level flag variables
var (
	flagPort    string
	flagAddr    string
	flagConfig  string
	flagBaud    int
	flagTimeout time.Duration
	flagSave    bool
	flagVerbose bool
)

func init() {
	flag.StringVar(&flagPort, "port", "", "Serial port of the bootloader (auto-detect if empty)")
	flag.StringVar(&flagAddr, "addr", "", "TCP address of a simulated bootloader")
	flag.StringVar(&flagConfig, "config", "", "YAML config with the fpga section, for the local command")
	flag.IntVar(&flagBaud, "baud", 115200, "Baud rate")
	flag.DurationVar(&flagTimeout, "timeout", client.DefaultResponseTimeout, "Per-response timeout")
	flag.BoolVar(&flagSave, "save", true, "Store uploaded bitstreams in flash and boot them on startup")
	flag.BoolVar(&flagVerbose, "v", false, "Enable verbose logging")
}

// env is what a command runs against.
type env struct {
	client *client.Client
	out    io.Writer
	save   bool
}

type command struct {
	run   func(e *env, args []string) error
	usage string
}

var commands = map[string]command{
	"query":   {run: cmdQuery, usage: "query                 show the FPGA id and programmer id"},
	"program": {run: cmdProgram, usage: "program <file>        upload a .bit or .mcs bitstream"},
	"flash":   {run: cmdFlash, usage: "flash                 show the stored bitstream"},
	"boot":    {run: cmdBoot, usage: "boot                  program the FPGA from flash"},
	"clear":   {run: cmdClear, usage: "clear                 erase the stored bitstream"},
	"reboot":  {run: cmdReboot, usage: "reboot                restart the programmer"},
	"echo":    {run: cmdEcho, usage: "echo <text>           round-trip a packet"},
}

// offline commands do not talk to a bootloader.
var offline = map[string]func(args []string) error{
	"list":    cmdList,
	"local":   cmdLocal,
	"convert": cmdConvert,
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <command> [args]\n\nCommands:\n", os.Args[0])
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
	_, _ = fmt.Fprintln(out, "  list                  probe serial ports for bootloaders")
	_, _ = fmt.Fprintln(out, "  local <file>          program an FPGA on this machine's SPI bus")
	_, _ = fmt.Fprintln(out, "  convert <in> <out>    convert between .bit and .mcs")
	_, _ = fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func cmdQuery(e *env, _ []string) error {
	r, err := e.client.QueryDevice()
	if err != nil {
		return err
	}
	state := "unrecognised"
	if r.State == protocol.DeviceRecognized {
		state = "recognised"
	}
	_, _ = fmt.Fprintf(e.out, "FPGA:       %08X %s (%s)\n", r.FPGADeviceID, fpga.DeviceName(r.FPGADeviceID), state)
	_, _ = fmt.Fprintf(e.out, "Programmer: %s\n", hex.EncodeToString(r.UniqueID[:]))
	return nil
}

func cmdProgram(e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("program needs a bitstream file")
	}
	data, err := bitfile.Load(args[0])
	if err != nil {
		return err
	}
	log.Infof("uploading %d bytes from %s (save=%v)", len(data), args[0], e.save)
	start := time.Now()
	if err := e.client.Program(data, e.save); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.out, "programmed %d bytes in %s\n", len(data), time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdFlash(e *env, _ []string) error {
	r, err := e.client.QueryFlash()
	if errors.Is(err, client.ErrCommandFailed) {
		_, _ = fmt.Fprintln(e.out, "no valid bitstream in flash")
		return nil
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.out, "Size:       %d bytes in %d blocks\n", r.BitstreamSize, r.BlockCount)
	_, _ = fmt.Fprintf(e.out, "Checksum:   %02X\n", r.Checksum)
	_, _ = fmt.Fprintf(e.out, "On startup: %v\n", r.ProgramOnStartup != 0)
	return nil
}

func cmdBoot(e *env, _ []string) error {
	if err := e.client.ProgramFromFlash(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(e.out, "programmed from flash")
	return nil
}

func cmdClear(e *env, _ []string) error {
	return e.client.ClearFlash()
}

func cmdReboot(e *env, _ []string) error {
	return e.client.Reboot()
}

func cmdEcho(e *env, args []string) error {
	got, err := e.client.Echo([]byte(strings.Join(args, " ")))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.out, "%s\n", got)
	return nil
}

// programLocal loads path into an FPGA the caller has opened.
func programLocal(seq *fpga.Sequencer, path string) error {
	data, err := bitfile.Load(path)
	if err != nil {
		return err
	}
	log.Infof("programming %d bytes directly over SPI", len(data))
	return seq.ProgramDevice(data)
}

func cmdLocal(args []string) error {
	if len(args) != 1 {
		return errors.New("local needs a bitstream file")
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	fc, err := cfg.FPGAConfig()
	if err != nil {
		return err
	}
	seq, closer, err := fpga.Open(fc)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	return programLocal(seq, args[0])
}

func cmdConvert(args []string) error {
	if len(args) != 2 {
		return errors.New("convert needs an input and an output file")
	}
	data, err := bitfile.Load(args[0])
	if err != nil {
		return err
	}
	return bitfile.Save(args[1], data)
}

func detectOptions(mode detection.Mode) *detection.Options {
	opts := detection.DefaultOptions()
	opts.Mode = mode
	opts.Baud = flagBaud
	if flagAddr != "" {
		opts.Addresses = []string{flagAddr}
	}
	return &opts
}

func cmdList(_ []string) error {
	devices, err := detection.DetectAll(context.Background(), detectOptions(detection.Full))
	if err != nil {
		return err
	}
	for _, d := range devices {
		_, _ = fmt.Println(d)
	}
	return nil
}

// autoPort returns the first serial port that answers a probe.
func autoPort() (string, error) {
	opts := detectOptions(detection.Safe)
	opts.Transports = []string{"uart"}
	opts.MinDevices = 1
	devices, err := detection.DetectAll(context.Background(), opts)
	if err != nil {
		return "", fmt.Errorf("auto-detect: %w", err)
	}
	d, err := detection.First(devices)
	if err != nil {
		return "", err
	}
	log.Infof("using %s", d)
	return d.Path, nil
}

func dial() (fabricboot.ByteStream, io.Closer, error) {
	if flagPort == "" && flagAddr == "" {
		port, err := autoPort()
		if err != nil {
			return nil, nil, err
		}
		flagPort = port
	}

	switch {
	case flagAddr != "":
		c, err := tcp.Dial(flagAddr, flagTimeout)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case flagPort != "":
		t, err := uart.New(flagPort, flagBaud)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	default:
		return nil, nil, errors.New("no bootloader port")
	}
}

func progress(done, total int) {
	log.Debugf("block %d/%d", done, total)
	if done == total {
		_, _ = fmt.Fprintln(os.Stderr)
		return
	}
	_, _ = fmt.Fprintf(os.Stderr, "\r%3d%%", done*100/total)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flagVerbose {
		log.SetLevel(log.DebugLevel)
		fabricboot.SetDebugEnabled(true)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	name, rest := args[0], args[1:]

	if f, ok := offline[name]; ok {
		if err := f(rest); err != nil {
			log.Fatal(err)
		}
		return
	}

	cmd, ok := commands[name]
	if !ok {
		log.Fatalf("unknown command %q", name)
	}

	stream, closer, err := dial()
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer func() { _ = closer.Close() }()

	c := client.New(stream,
		client.WithResponseTimeout(flagTimeout),
		client.WithProgress(progress))
	if err := cmd.run(&env{client: c, out: os.Stdout, save: flagSave}, rest); err != nil {
		_ = closer.Close()
		log.Fatal(err)
	}
}
