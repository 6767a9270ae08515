// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package builder

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/olr-project/redoflow/redo/lob"
	"github.com/olr-project/redoflow/redo/metrics"
	"github.com/olr-project/redoflow/redo/parser"
	"github.com/olr-project/redoflow/redo/schema"
)

// Value is one rendered column cell. Num values are written without quotes.
type Value struct {
	Null bool
	Num  bool
	S    string
}

// renderColumn turns raw column bytes into an output value per the column
// type and the format options. Decode failures degrade to the unknown-value
// policy and bump the recoverable counter.
func (b *Builder) renderColumn(col *schema.Column, data []byte, chunks []lob.Chunk) Value {
	if chunks != nil {
		return b.renderLob(col, chunks)
	}
	switch col.Type {
	case schema.TypeNumber:
		dec, err := parser.DecodeNumber(data)
		if err != nil {
			return b.unknownValue(col, data, err)
		}
		return Value{Num: true, S: dec.String()}

	case schema.TypeChar:
		return b.renderChar(data)

	case schema.TypeRaw:
		return Value{S: strings.ToUpper(hex.EncodeToString(data))}

	case schema.TypeFloat:
		if len(data) != 4 {
			return b.unknownValue(col, data, nil)
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(data))
		return Value{Num: true, S: strconv.FormatFloat(float64(f), 'g', -1, 32)}

	case schema.TypeDouble:
		if len(data) != 8 {
			return b.unknownValue(col, data, nil)
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(data))
		return Value{Num: true, S: strconv.FormatFloat(f, 'g', -1, 64)}

	case schema.TypeDate:
		ts, err := parser.DecodeDate(data)
		if err != nil {
			return b.unknownValue(col, data, err)
		}
		return b.renderTimestamp(ts, b.opts.Timestamp, false)

	case schema.TypeTimestamp:
		ts, err := parser.DecodeTimestamp(data)
		if err != nil {
			return b.unknownValue(col, data, err)
		}
		return b.renderTimestamp(ts, b.opts.Timestamp, false)

	case schema.TypeTimestampTz:
		ts, err := parser.DecodeTimestampTz(data)
		if err != nil {
			return b.unknownValue(col, data, err)
		}
		return b.renderTimestamp(ts, b.opts.TimestampTz+4, true)

	case schema.TypeIntervalDts:
		nanos, err := parser.DecodeIntervalDts(data)
		if err != nil {
			return b.unknownValue(col, data, err)
		}
		return b.renderIntervalDts(nanos)

	case schema.TypeIntervalYtm:
		months, err := parser.DecodeIntervalYtm(data)
		if err != nil {
			return b.unknownValue(col, data, err)
		}
		return b.renderIntervalYtm(months)

	case schema.TypeRowID:
		return Value{S: string(data)}
	}
	return b.unknownValue(col, data, nil)
}

func (b *Builder) renderChar(data []byte) Value {
	switch b.opts.Char {
	case CharNoMapping:
		return Value{S: string(data)}
	case CharHex, CharHexAlways:
		return Value{S: hex.EncodeToString(data)}
	default:
		return Value{S: parser.Convert(b.charset, data, b.policy)}
	}
}

func (b *Builder) renderLob(col *schema.Column, chunks []lob.Chunk) Value {
	var sb strings.Builder
	for _, c := range chunks {
		if col.Type == schema.TypeBlob {
			sb.WriteString(hex.EncodeToString(c.Data))
			continue
		}
		sb.WriteString(parser.Convert(b.charset, c.Data, b.policy))
	}
	return Value{S: sb.String()}
}

// unknownValue applies the unknown-value policy: question mark or hex dump.
func (b *Builder) unknownValue(col *schema.Column, data []byte, err error) Value {
	metrics.RecoverableErrors.WithLabelValues("bad-value").Inc()
	if err != nil {
		log.Warn("undecodable column value",
			zap.String("column", col.Name), zap.Error(err))
	}
	if b.opts.Unknown == UnknownDump {
		return Value{S: "0x" + hex.EncodeToString(data)}
	}
	return Value{S: "?"}
}

// renderTimestamp formats per the shared timestamp enumeration; tz selects
// the timestamp-tz variant block (no plain unix-number forms).
func (b *Builder) renderTimestamp(ts parser.Timestamp, format uint64, tz bool) Value {
	switch format {
	case TmUnixNano:
		return Value{Num: true, S: strconv.FormatInt(ts.Epoch*1000000000+int64(ts.Nanos), 10)}
	case TmUnixMicro:
		return Value{Num: true, S: strconv.FormatInt(ts.Epoch*1000000+int64(ts.Nanos)/1000, 10)}
	case TmUnixMilli:
		return Value{Num: true, S: strconv.FormatInt(ts.Epoch*1000+int64(ts.Nanos)/1000000, 10)}
	case TmUnix:
		return Value{Num: true, S: strconv.FormatInt(ts.Epoch, 10)}
	case TmUnixNanoString:
		return Value{S: strconv.FormatInt(ts.Epoch*1000000000+int64(ts.Nanos), 10)}
	case TmUnixMicroString:
		return Value{S: strconv.FormatInt(ts.Epoch*1000000+int64(ts.Nanos)/1000, 10)}
	case TmUnixMilliString:
		return Value{S: strconv.FormatInt(ts.Epoch*1000+int64(ts.Nanos)/1000000, 10)}
	case TmUnixString:
		return Value{S: strconv.FormatInt(ts.Epoch, 10)}
	}

	iso, err := parser.EpochToISO8601(ts.Epoch, true, false)
	if err != nil {
		return Value{S: "?"}
	}
	var frac string
	switch format {
	case TmISO8601NanoTz, TmISO8601Nano:
		frac = fmt.Sprintf(".%09d", ts.Nanos)
	case TmISO8601MicroTz, TmISO8601Micro:
		frac = fmt.Sprintf(".%06d", ts.Nanos/1000)
	case TmISO8601MilliTz, TmISO8601Milli:
		frac = fmt.Sprintf(".%03d", ts.Nanos/1000000)
	}
	suffix := ""
	switch format {
	case TmISO8601NanoTz, TmISO8601MicroTz, TmISO8601MilliTz, TmISO8601Tz:
		if tz {
			suffix = parser.TimezoneToString(int64(ts.TzOffset))
		} else {
			suffix = "Z"
		}
	}
	return Value{S: iso + frac + suffix}
}

func (b *Builder) renderIntervalDts(nanos int64) Value {
	switch b.opts.IntervalDts {
	case DtsUnixNano:
		return Value{Num: true, S: strconv.FormatInt(nanos, 10)}
	case DtsUnixMicro:
		return Value{Num: true, S: strconv.FormatInt(nanos/1000, 10)}
	case DtsUnixMilli:
		return Value{Num: true, S: strconv.FormatInt(nanos/1000000, 10)}
	case DtsUnix:
		return Value{Num: true, S: strconv.FormatInt(nanos/1000000000, 10)}
	case DtsUnixNanoString:
		return Value{S: strconv.FormatInt(nanos, 10)}
	case DtsUnixMicroString:
		return Value{S: strconv.FormatInt(nanos/1000, 10)}
	case DtsUnixMilliString:
		return Value{S: strconv.FormatInt(nanos/1000000, 10)}
	case DtsUnixString:
		return Value{S: strconv.FormatInt(nanos/1000000000, 10)}
	}
	sep := " "
	switch b.opts.IntervalDts {
	case DtsISO8601Comma:
		sep = ","
	case DtsISO8601Dash:
		sep = "-"
	}
	sign := ""
	if nanos < 0 {
		sign = "-"
		nanos = -nanos
	}
	days := nanos / (24 * 3600 * 1000000000)
	rem := nanos % (24 * 3600 * 1000000000)
	h := rem / 3600000000000
	rem %= 3600000000000
	m := rem / 60000000000
	rem %= 60000000000
	s := rem / 1000000000
	ns := rem % 1000000000
	return Value{S: fmt.Sprintf("%s%d%s%02d:%02d:%02d.%09d", sign, days, sep, h, m, s, ns)}
}

func (b *Builder) renderIntervalYtm(months int32) Value {
	switch b.opts.IntervalYtm {
	case YtmMonths:
		return Value{Num: true, S: strconv.FormatInt(int64(months), 10)}
	case YtmMonthsString:
		return Value{S: strconv.FormatInt(int64(months), 10)}
	}
	sep := " "
	switch b.opts.IntervalYtm {
	case YtmStringYmComma:
		sep = ","
	case YtmStringYmDash:
		sep = "-"
	}
	sign := ""
	if months < 0 {
		sign = "-"
		months = -months
	}
	return Value{S: fmt.Sprintf("%s%d%s%d", sign, months/12, sep, months%12)}
}
