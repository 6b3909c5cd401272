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

package fabricboot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ZaparooProject/go-fabricboot/internal/syncutil"
)

const sessionStamp = "15:04:05.000"

// session is the optional debug session log. Every Debugf line is appended
// unbuffered, so the file is complete up to a crash or a power cut.
var session struct {
	w    io.Writer
	file *os.File
	path string
	mu   syncutil.Mutex
}

// InitSessionLog opens fabricboot_<timestamp>.log in dir (the current
// directory when empty) and returns its path.
func InitSessionLog(dir string) (string, error) {
	name := filepath.Join(dir, "fabricboot_"+time.Now().Format("20060102_150405")+".log")
	f, err := os.Create(name) //nolint:gosec // name is built here from a timestamp
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	defer syncutil.Guard(&session.mu)()
	if session.file != nil {
		_ = session.file.Close()
	}
	session.file, session.w, session.path = f, f, name

	_, _ = fmt.Fprintf(f, "# fabricboot debug session\n# started  %s\n# pid      %d\n# platform %s/%s %s\n# args     %s\n\n",
		time.Now().Format(time.RFC3339), os.Getpid(), runtime.GOOS, runtime.GOARCH, runtime.Version(),
		strings.Join(os.Args, " "))
	return name, nil
}

// CloseSessionLog closes the session log, if one is open.
func CloseSessionLog() error {
	defer syncutil.Guard(&session.mu)()
	if session.file == nil {
		return nil
	}
	_, _ = fmt.Fprintf(session.w, "%s session closed\n", time.Now().Format(sessionStamp))

	err := session.file.Close()
	session.file, session.w, session.path = nil, nil, ""
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the open session log path, or "".
func GetSessionLogPath() string {
	defer syncutil.Guard(&session.mu)()
	return session.path
}

func writeSessionLog(format string, args ...any) {
	defer syncutil.Guard(&session.mu)()
	if session.w == nil {
		return
	}
	_, _ = fmt.Fprintf(session.w, "%s DEBUG: %s\n", time.Now().Format(sessionStamp), fmt.Sprintf(format, args...))
}
