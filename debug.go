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
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// pkgLog is the logger used by every package in this module. Library code only
// logs at debug level; the binaries decide where the output goes.
var pkgLog logrus.FieldLogger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	// Enable debug logging if the FABRICBOOT_DEBUG environment variable is set
	if os.Getenv("FABRICBOOT_DEBUG") != "" {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// SetLogger replaces the package logger. Passing nil restores the default
// discarding logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		pkgLog = newDefaultLogger()
		return
	}
	pkgLog = l
}

// Logger returns the logger shared by the module's packages.
func Logger() logrus.FieldLogger {
	return pkgLog
}

// Debugf logs a debug message. It is also written to the session log when one
// has been opened with InitSessionLog.
func Debugf(format string, args ...any) {
	writeSessionLog(format, args...)
	pkgLog.Debugf(format, args...)
}

// SetDebugEnabled switches the default logger to debug output on stderr.
// It has no effect once a custom logger has been installed.
func SetDebugEnabled(enabled bool) {
	l, ok := pkgLog.(*logrus.Logger)
	if !ok {
		return
	}
	if enabled {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.DebugLevel)
		return
	}
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.InfoLevel)
}
