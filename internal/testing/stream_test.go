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

package testing

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	fabricboot "github.com/ZaparooProject/go-fabricboot"
)

func TestMemStream_ReadsInOrderThenTimesOut(t *testing.T) {
	t.Parallel()

	s := NewMemStream(0x01, 0x02)
	s.Feed(0x03)

	for _, want := range []byte{0x01, 0x02, 0x03} {
		got, err := s.ReadByte(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReadByte failed: %v", err)
		}
		if got != want {
			t.Errorf("got %#x, want %#x", got, want)
		}
	}

	if _, err := s.ReadByte(0); !errors.Is(err, fabricboot.ErrTimeout) {
		t.Fatalf("expected ErrTimeout on empty stream, got %v", err)
	}

	timeouts := s.Timeouts()
	if len(timeouts) != 4 || timeouts[3] != 0 {
		t.Errorf("unexpected timeouts recorded: %v", timeouts)
	}
}

func TestMemStream_WriteAndClose(t *testing.T) {
	t.Parallel()

	s := NewMemStream()
	if _, err := s.Write([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(s.Written(), []byte{0xAA, 0xBB}) {
		t.Errorf("Written() = %X", s.Written())
	}
	s.ResetWritten()
	if len(s.Written()) != 0 {
		t.Errorf("ResetWritten left %X", s.Written())
	}

	_ = s.Close()
	if _, err := s.ReadByte(0); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after Close, got %v", err)
	}
	if _, err := s.Write([]byte{0x00}); !errors.Is(err, fabricboot.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed after Close, got %v", err)
	}
}

func TestJitteryStream_StallsOnce(t *testing.T) {
	t.Parallel()

	j := NewJitteryStream(NewMemStream(1, 2, 3, 4), JitterConfig{StallAfterBytes: 2, Seed: 7})

	var got []byte
	var stalls int
	for range 6 {
		b, err := j.ReadByte(time.Millisecond)
		if errors.Is(err, fabricboot.ErrTimeout) {
			stalls++
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, b)
	}

	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("delivered %v", got)
	}
	// One injected stall plus one real timeout once the backend is empty.
	if stalls != 2 {
		t.Errorf("stalls = %d, want 2", stalls)
	}
}
