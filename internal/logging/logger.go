/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging provides the leveled, colored logger every other package
// in this module logs through, plus a JSON dump helper for dumping
// allocator/queue state during debugging.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Level selects the minimum severity a Logger emits.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{magenta, green, blue, yellow, red}

	levelName = []string{"Trace", "Debug", "Info", "Warn", "Error"}
)

// Logger is a small leveled logger; each topic/component gets its own
// named instance so log lines can be filtered or grepped by origin.
type Logger struct {
	name      string
	out       io.Writer
	level     Level
	callDepth int
}

// Default is the package-wide logger used when a component hasn't been
// given a dedicated one. Its level is controlled by HAZCAT_LOG_LEVEL.
var Default = New("hazcat")

func init() {
	if v := os.Getenv("HAZCAT_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && Level(n) <= LevelNoPrint {
			Default.level = Level(n)
		}
	}
}

// New creates a Logger writing to stdout at LevelWarn.
func New(name string) *Logger {
	return &Logger{name: name, out: os.Stdout, level: LevelWarn, callDepth: 3}
}

// SetLevel changes the minimum severity this logger emits.
func (l *Logger) SetLevel(level Level) { l.level = level }

func (l *Logger) Tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.logf(LevelInfo, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.logf(LevelWarn, format, a...) }
func (l *Logger) Errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }

func (l *Logger) logf(level Level, format string, a ...interface{}) {
	if l.level > level {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(level)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logging: write failed: %v\n", err)
	}
}

func (l *Logger) prefix(level Level) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
