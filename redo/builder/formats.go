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
	"github.com/olr-project/redoflow/pkg/config"
)

// Message format bits.
const (
	MsgFull         = 1 << 0
	MsgAddSequences = 1 << 1
	MsgSkipBegin    = 1 << 2
	MsgSkipCommit   = 1 << 3
	MsgAddOffset    = 1 << 4
)

// db format bits.
const (
	DbAddDml = 1 << 0
	DbAddDdl = 1 << 1
)

// attributes format bits.
const (
	AttrBegin  = 1 << 0
	AttrDml    = 1 << 1
	AttrCommit = 1 << 2
)

// rid formats.
const (
	RidSkip = 0
	RidText = 1
)

// xid formats.
const (
	XidTextHex = 0
	XidTextDec = 1
	XidNumeric = 2
)

// scn formats.
const (
	ScnNumeric = 0
	ScnTextHex = 1
)

// scn-type bits.
const (
	ScnAllPayloads = 1 << 0
	ScnCommitValue = 1 << 1
)

// schema format bits.
const (
	SchemaFull     = 1 << 0
	SchemaRepeated = 1 << 1
	SchemaObj      = 1 << 2
)

// column formats.
const (
	ColumnChanged    = 0 // only changed columns for update, or PK
	ColumnFullInsDel = 1 // full nulls from insert and delete
	ColumnFullUpd    = 2 // everything present in the redo record
)

// char formats.
const (
	CharUTF8      = 0
	CharNoMapping = 1
	CharHex       = 2
	CharHexAlways = 3
)

// unknown value policies.
const (
	UnknownQuestionMark = 0
	UnknownDump         = 1
)

// unknown-type policies.
const (
	UnknownTypeHide = 0
	UnknownTypeShow = 1
)

// timestamp formats.
const (
	TmUnixNano = iota
	TmUnixMicro
	TmUnixMilli
	TmUnix
	TmUnixNanoString
	TmUnixMicroString
	TmUnixMilliString
	TmUnixString
	TmISO8601NanoTz
	TmISO8601MicroTz
	TmISO8601MilliTz
	TmISO8601Tz
	TmISO8601Nano
	TmISO8601Micro
	TmISO8601Milli
	TmISO8601
)

// timestamp-all values.
const (
	TmJustBegin   = 0
	TmAllPayloads = 1
)

// interval day-to-second formats.
const (
	DtsUnixNano = iota
	DtsUnixMicro
	DtsUnixMilli
	DtsUnix
	DtsUnixNanoString
	DtsUnixMicroString
	DtsUnixMilliString
	DtsUnixString
	DtsISO8601Space
	DtsISO8601Comma
	DtsISO8601Dash
)

// interval year-to-month formats.
const (
	YtmMonths = iota
	YtmMonthsString
	YtmStringYmSpace
	YtmStringYmComma
	YtmStringYmDash
)

// Options is the decoded, typed form of the format config section.
type Options struct {
	DbName string

	DbFormat     uint64
	Attributes   uint64
	IntervalDts  uint64
	IntervalYtm  uint64
	Message      uint64
	Rid          uint64
	Xid          uint64
	Timestamp    uint64
	TimestampTz  uint64
	TimestampAll uint64
	Char         uint64
	Scn          uint64
	ScnType      uint64
	Unknown      uint64
	Schema       uint64
	Column       uint64
	UnknownType  uint64
	FlushBuffer  uint64
	Protobuf     bool
}

// OptionsFromConfig lifts the validated config section.
func OptionsFromConfig(dbName string, f *config.FormatConfig) Options {
	return Options{
		DbName:       dbName,
		DbFormat:     f.Db,
		Attributes:   f.Attributes,
		IntervalDts:  f.IntervalDts,
		IntervalYtm:  f.IntervalYtm,
		Message:      f.Message,
		Rid:          f.Rid,
		Xid:          f.Xid,
		Timestamp:    f.Timestamp,
		TimestampTz:  f.TimestampTz,
		TimestampAll: f.TimestampAll,
		Char:         f.Char,
		Scn:          f.Scn,
		ScnType:      f.ScnType,
		Unknown:      f.Unknown,
		Schema:       f.Schema,
		Column:       f.Column,
		UnknownType:  f.UnknownType,
		FlushBuffer:  f.FlushBuffer,
		Protobuf:     f.Type == "protobuf",
	}
}
