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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZaparooProject/go-fabricboot/client"
	"github.com/ZaparooProject/go-fabricboot/internal/config"
	"github.com/ZaparooProject/go-fabricboot/transport/tcp"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The parseConfig tests set package-level flag variables and therefore do
// not run in parallel.

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabricboot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseConfig_FlagsOverrideFile(t *testing.T) {
	t.Cleanup(func() {
		flagConfig, flagPort, flagBaud, flagDebug = "", "", 0, false
	})
	flagConfig = writeYAML(t, "log:\n  level: warn\n")
	flagPort = "/dev/ttyGS0"
	flagBaud = 921600
	flagDebug = true

	opts, err := parseConfig()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyGS0", opts.cfg.Serial.Port)
	assert.Equal(t, 921600, opts.cfg.Serial.Baud)
	assert.Equal(t, "debug", opts.cfg.Log.Level)
}

func TestParseConfig_StillNeedsALink(t *testing.T) {
	t.Cleanup(func() { flagConfig = "" })
	flagConfig = writeYAML(t, "log:\n  level: warn\n")

	_, err := parseConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port or listen")
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "fabricboot.log")
	l, closer, err := newLogger(config.Log{Level: "debug", File: path, JSON: true}, &stderr)
	require.NoError(t, err)

	l.Debug("hello")
	require.NoError(t, closer.Close())

	assert.Equal(t, log.DebugLevel, l.GetLevel())
	assert.Contains(t, stderr.String(), `"msg":"hello"`)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewLogger_BadLevel(t *testing.T) {
	t.Parallel()

	_, _, err := newLogger(config.Log{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNewLink(t *testing.T) {
	t.Parallel()

	lk, err := newLink(config.Serial{Port: "/dev/ttyACM0", Baud: 115200})
	require.NoError(t, err)
	assert.Equal(t, serialLink{port: "/dev/ttyACM0", baud: 115200}, lk)

	lk, err = newLink(config.Serial{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.IsType(t, listenLink{}, lk)
	require.NoError(t, lk.Close())
}

func TestListenLink_OpenCancelled(t *testing.T) {
	t.Parallel()

	ln, err := tcp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	lk := listenLink{ln: ln}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lk.open(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServe_Simulated(t *testing.T) {
	t.Parallel()

	ln, err := tcp.Listen("127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Serial.Listen = ln.Addr().String()
	cfg.Flash.Image = filepath.Join(t.TempDir(), "flash.img")
	cfg.Bootloader.Reconnect = false
	require.NoError(t, cfg.Validate())

	logger := log.New()
	logger.SetOutput(&bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, &options{cfg: cfg, simulate: true}, listenLink{ln: ln}, logger)
	}()

	conn, err := tcp.Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	c := client.New(conn)
	payload := []byte("hello")
	got, err := c.Echo(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	bitstream := bytes.Repeat([]byte{0xFF, 0x00, 0x3B, 0xBD}, 3000)
	require.NoError(t, c.Program(bitstream, true))

	desc, err := c.QueryFlash()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(bitstream)), desc.BitstreamSize)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
