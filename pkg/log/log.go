// Copyright 2024 The SVA Authors.
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

// Package log provides the leveled logging interface used throughout the
// SVA subsystem. Production code never calls the standard library's log
// package directly; it goes through a Logger so that the surrounding IOMMU
// driver can redirect output (dmesg-style ring buffer, structured sink,
// /dev/null in unit tests) without touching call sites.
package log

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level is a logging verbosity level, ordered least to most verbose.
type Level int32

const (
	Warning Level = iota
	Info
	Debug
)

// Logger is the interface every SVA component logs through.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	IsLogging(level Level) bool
}

// stdLogger writes to a standard library *log.Logger, gated by level.
type stdLogger struct {
	level Level
	inner *log.Logger
}

func (s *stdLogger) IsLogging(level Level) bool { return level <= s.level }

func (s *stdLogger) Debugf(format string, v ...any) {
	if s.IsLogging(Debug) {
		s.inner.Output(2, "DEBUG: "+fmt.Sprintf(format, v...))
	}
}

func (s *stdLogger) Infof(format string, v ...any) {
	if s.IsLogging(Info) {
		s.inner.Output(2, "INFO: "+fmt.Sprintf(format, v...))
	}
}

func (s *stdLogger) Warningf(format string, v ...any) {
	if s.IsLogging(Warning) {
		s.inner.Output(2, "WARNING: "+fmt.Sprintf(format, v...))
	}
}

// BasicLogger returns a Logger that writes to os.Stderr at the given level.
func BasicLogger(level Level) Logger {
	return &stdLogger{level: level, inner: log.New(os.Stderr, "sva: ", log.LstdFlags|log.Lmicroseconds)}
}

var global atomic.Pointer[Logger]

func init() {
	l := BasicLogger(Info)
	global.Store(&l)
}

// SetTarget replaces the process-wide default logger, e.g. so the IOMMU
// driver embedding this subsystem can route it into its own dmesg sink.
func SetTarget(l Logger) { global.Store(&l) }

// Log returns the process-wide default logger.
func Log() Logger { return *global.Load() }

func Debugf(format string, v ...any)   { Log().Debugf(format, v...) }
func Infof(format string, v ...any)    { Log().Infof(format, v...) }
func Warningf(format string, v ...any) { Log().Warningf(format, v...) }
func IsLogging(level Level) bool       { return Log().IsLogging(level) }
