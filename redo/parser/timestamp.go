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

package parser

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	cerror "github.com/olr-project/redoflow/pkg/errors"
)

// Supported timestamp range, seconds since the unix epoch.
var (
	minTimestamp = time.Date(-4711, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	maxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// EpochToISO8601 renders seconds since the unix epoch. addT replaces the
// date/time separator space with 'T', addZ appends the zulu marker. Years
// before 1 render with a leading minus.
func EpochToISO8601(epoch int64, addT, addZ bool) (string, error) {
	if epoch < minTimestamp || epoch > maxTimestamp {
		return "", cerror.ErrInvalidTimestamp.GenWithStackByArgs(epoch)
	}
	t := time.Unix(epoch, 0).UTC()
	sep := " "
	if addT {
		sep = "T"
	}
	year := t.Year()
	sign := ""
	if year < 0 {
		sign = "-"
		year = -year
	}
	s := fmt.Sprintf("%s%04d-%02d-%02d%s%02d:%02d:%02d",
		sign, year, int(t.Month()), t.Day(), sep, t.Hour(), t.Minute(), t.Second())
	if addZ {
		s += "Z"
	}
	return s, nil
}

// TimezoneToString renders a second offset as ±hh:mm.
func TimezoneToString(tz int64) string {
	sign := "+"
	if tz < 0 {
		sign = "-"
		tz = -tz
	}
	tz /= 60
	return fmt.Sprintf("%s%02d:%02d", sign, tz/60, tz%60)
}

// Named timezone aliases accepted in the reader config next to the literal
// ±hh:mm form.
var timezoneAliases = map[string]string{
	"HST": "-10:00", "PST": "-08:00", "PST8PDT": "-08:00",
	"MST": "-07:00", "MST7MDT": "-07:00", "CST": "-06:00", "CST6CDT": "-06:00",
	"EST": "-05:00", "EST5EDT": "-05:00",
	"GMT": "+00:00", "GMT0": "+00:00", "Greenwich": "+00:00",
	"UTC": "+00:00", "UCT": "+00:00", "Universal": "+00:00", "WET": "+00:00",
	"Etc/GMT": "+00:00", "Etc/UTC": "+00:00", "Etc/UCT": "+00:00",
	"Etc/Greenwich": "+00:00", "Etc/Universal": "+00:00",
	"MET": "+01:00", "CET": "+01:00", "EET": "+02:00",
	"PRC": "+08:00", "ROC": "+08:00",
}

// ParseTimezone converts a config timezone string into a second offset.
func ParseTimezone(s string) (int64, bool) {
	if alias, ok := timezoneAliases[s]; ok {
		s = alias
	}
	if strings.HasPrefix(s, "Etc/GMT") {
		// Etc/GMT±N has inverted sign semantics.
		rest := strings.TrimPrefix(s, "Etc/GMT")
		if rest == "" {
			return 0, true
		}
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || v < -14 || v > 14 {
			return 0, false
		}
		return -v * 3600, true
	}
	if len(s) != 6 || (s[0] != '+' && s[0] != '-') || s[3] != ':' {
		return 0, false
	}
	hh, err1 := strconv.ParseInt(s[1:3], 10, 64)
	mm, err2 := strconv.ParseInt(s[4:6], 10, 64)
	if err1 != nil || err2 != nil || hh > 14 || mm > 59 {
		return 0, false
	}
	off := hh*3600 + mm*60
	if s[0] == '-' {
		off = -off
	}
	return off, true
}

// Timestamp is a decoded timestamp column value.
type Timestamp struct {
	Epoch    int64 // seconds since the unix epoch, UTC
	Nanos    uint32
	TzOffset int32 // seconds east; only set for timestamp-tz values
}

// DecodeDate reads an 8-byte date value.
func DecodeDate(data []byte) (Timestamp, error) {
	if len(data) != 8 {
		return Timestamp{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}
	return Timestamp{Epoch: int64(binary.LittleEndian.Uint64(data))}, nil
}

// DecodeTimestamp reads a 12-byte timestamp value: epoch seconds + nanos.
func DecodeTimestamp(data []byte) (Timestamp, error) {
	if len(data) != 12 {
		return Timestamp{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}
	return Timestamp{
		Epoch: int64(binary.LittleEndian.Uint64(data)),
		Nanos: binary.LittleEndian.Uint32(data[8:]),
	}, nil
}

// DecodeTimestampTz reads a 16-byte timestamp-with-timezone value.
func DecodeTimestampTz(data []byte) (Timestamp, error) {
	if len(data) != 16 {
		return Timestamp{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}
	return Timestamp{
		Epoch:    int64(binary.LittleEndian.Uint64(data)),
		Nanos:    binary.LittleEndian.Uint32(data[8:]),
		TzOffset: int32(binary.LittleEndian.Uint32(data[12:])),
	}, nil
}

// DecodeIntervalDts reads a day-to-second interval as signed nanoseconds.
func DecodeIntervalDts(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// DecodeIntervalYtm reads a year-to-month interval as signed months.
func DecodeIntervalYtm(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}
