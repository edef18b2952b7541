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

package log

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerCore adapts a Logger into a zapcore.Core so code written
// against the zap API logs through the same Output as everything else.
type loggerCore struct {
	l Logger
}

func (c loggerCore) Enabled(lvl zapcore.Level) bool {
	return c.l.Debug || lvl > zapcore.DebugLevel
}

func (c loggerCore) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	merged := make(map[string]interface{}, len(c.l.Fields)+len(enc.Fields))
	for k, v := range c.l.Fields {
		merged[k] = v
	}
	for k, v := range enc.Fields {
		merged[k] = v
	}
	c.l.Fields = merged
	return c
}

func (c loggerCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c loggerCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	l := c.l
	if ent.LoggerName != "" {
		l = l.Sublogger(ent.LoggerName)
	}
	l.emit(ent.Level == zapcore.DebugLevel, ent.Message, enc.Fields)
	return nil
}

func (loggerCore) Sync() error { return nil }

// zapOutput is the reverse adapter: an Output that hands formatted
// messages to a zap core, used for the structured log format.
type zapOutput struct {
	core zapcore.Core
}

// ZapOutput returns an Output writing every message as an entry on the
// given zap core. Debug messages map to zap's debug level.
func ZapOutput(core zapcore.Core) Output {
	return zapOutput{core: core}
}

// ZapJSONOutput returns an Output emitting one JSON object per message,
// encoded by zap's production encoder, for log collectors that ingest
// structured lines.
func ZapJSONOutput(w io.Writer) Output {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zapOutput{core: zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)}
}

func (z zapOutput) Write(stamp time.Time, debug bool, msg string) {
	lvl := zapcore.InfoLevel
	if debug {
		lvl = zapcore.DebugLevel
	}
	ce := z.core.Check(zapcore.Entry{Level: lvl, Time: stamp, Message: msg}, nil)
	if ce != nil {
		ce.Write()
	}
}

func (z zapOutput) Close() error {
	return z.core.Sync()
}
