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

// Package logger is the leveled logger shared by the rpmsg components.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// EnvLogLevel overrides the default level at process start.
const EnvLogLevel = "RPMSG_LOG_LEVEL"

var (
	level atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors    = []string{magenta, green, blue, yellow, red}
	levelName = []string{"Trace", "Debug", "Info", "Warn", "Error"}
)

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv(EnvLogLevel); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= LevelTrace && n <= LevelNoPrint {
			level.Store(int32(n))
		}
	}
}

// SetLevel changes the level of every logger. The default level is Warn.
func SetLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// Level returns the current level.
func Level() int {
	return int(level.Load())
}

// ParseLevel maps a level name ("trace", "debug", "info", "warn", "error", "none") to its value.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "none", "off":
		return LevelNoPrint, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Logger writes leveled lines prefixed with its name.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
}

// New returns a logger writing to out, or stdout when out is nil.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{name: name, out: out, callDepth: 4}
}

// With returns a logger sharing the output whose name is suffixed by tag.
func (l *Logger) With(tag string) *Logger {
	return &Logger{name: l.name + "[" + tag + "]", out: l.out, callDepth: l.callDepth}
}

// Name returns the logger name.
func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.printf(LevelError, format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.printf(LevelWarn, format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.printf(LevelInfo, format, a...)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.printf(LevelDebug, format, a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.printf(LevelTrace, format, a...)
}

func (l *Logger) printf(lv int, format string, a ...interface{}) {
	if int(level.Load()) > lv {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger %s failed: %v\n", levelName[lv], err)
	}
}

func (l *Logger) prefix(lv int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
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
