/*
Mailboat - self-hosted mail server.
Copyright © 2020-2024 Mailboat contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log implements the logging layer shared by all server
// components: named loggers writing either plain lines or
// machine-readable event messages to a pluggable Output sink.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/mailboat/framework/exterrors"
)

// Logger writes formatted messages to Out. It is a plain value and can
// be copied freely; the Output behind it is shared, and any
// goroutine-safety is the Output's job.
//
// Every message is prefixed with the logger name. Fields, when set, are
// merged into the key-value part of event messages.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	Fields map[string]interface{}
}

// Sublogger derives a logger for a component: the name gets a
// "parent/child" path, everything else is inherited.
func (l Logger) Sublogger(name string) Logger {
	if l.Name != "" {
		name = l.Name + "/" + name
	}
	l.Name = name
	return l
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.emit(false, fmt.Sprintf(format, val...), nil)
}

func (l Logger) Println(val ...interface{}) {
	l.emit(false, strings.TrimRight(fmt.Sprintln(val...), "\n"), nil)
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, fmt.Sprintf(format, val...), nil)
}

// Msg writes an event message: a short kind string followed by
// key-value pairs given as alternating keys and values.
//
//	name: kind\t{"key":"value"}
//
// Values implementing LogFormatter, fmt.Stringer or error are rendered
// through those interfaces; time.Time becomes an ISO 8601 string.
func (l Logger) Msg(kind string, fields ...interface{}) {
	l.emit(false, kind, pairsToMap(fields))
}

// DebugMsg is Msg gated on the Debug flag.
func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, kind, pairsToMap(fields))
}

// Error writes an event message describing a handled error. Structured
// fields attached via exterrors are included; msg names the operation
// that failed, not the error itself.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	m := make(map[string]interface{}, len(fields)/2+2)
	for k, v := range exterrors.Fields(err) {
		m[k] = v
	}
	// An attached reason field usually explains more than the error
	// text, keep it when present.
	if m["reason"] == nil {
		m["reason"] = err.Error()
	}
	for k, v := range pairsToMap(fields) {
		m[k] = v
	}
	l.emit(false, msg, m)
}

// Write lets the Logger stand in for an io.Writer, e.g. as a protocol
// trace sink. Each call becomes one message, no line buffering.
func (l Logger) Write(s []byte) (int, error) {
	l.emit(false, strings.TrimRight(string(s), "\n"), nil)
	return len(s), nil
}

// DebugWriter returns a sink for debug-level line output. With Debug
// unset it discards everything.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return &l
}

// Zap wraps the logger in a zap core for code that expects the zap API.
func (l Logger) Zap() *zap.Logger {
	return zap.New(loggerCore{l: l})
}

// LogFormatter overrides how a field value is rendered in event
// messages.
type LogFormatter interface {
	FormatLog() string
}

func pairsToMap(fields []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(fields)/2)
	var key string
	for i, val := range fields {
		if i%2 == 0 {
			var ok bool
			if key, ok = val.(string); !ok {
				// Odd arguments, salvage what we can.
				m[fmt.Sprint("field", i)] = val
				key = ""
			}
			continue
		}
		if key != "" {
			m[key] = val
		}
	}
	return m
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	b.WriteRune('\t')

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{}, len(l.Fields))
		}
		for k, v := range l.Fields {
			fields[k] = v
		}
		if err := marshalOrderedJSON(&b, fields); err != nil {
			return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
		}
	}
	return b.String()
}

func (l Logger) emit(debug bool, msg string, fields map[string]interface{}) {
	l.log(debug, l.formatMsg(msg, fields))
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		return
	}
	out.Write(time.Now(), debug, s)
}

// DefaultLogger is the fallback sink for loggers constructed without an
// Output, and the logger of last resort for code with no better one.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}
