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

package errors

import (
	"github.com/pingcap/errors"
)

// Configuration errors. Fatal at startup; logged and ignored during a
// runtime config reload.
var (
	ErrConfigOpen = errors.Normalize(
		"config code 10001: opening config file failed: %s",
		errors.RFCCodeText("OLR:ErrConfigOpen"),
	)
	ErrConfigStat = errors.Normalize(
		"config code 10002: reading config file metadata failed: %s",
		errors.RFCCodeText("OLR:ErrConfigStat"),
	)
	ErrConfigSize = errors.Normalize(
		"config code 10003: config file is too big: %d bytes",
		errors.RFCCodeText("OLR:ErrConfigSize"),
	)
	ErrConfigParse = errors.Normalize(
		"config code 10004: parsing config file failed: %s",
		errors.RFCCodeText("OLR:ErrConfigParse"),
	)
	ErrConfigField = errors.Normalize(
		"config code 10005: bad config field %s: %s",
		errors.RFCCodeText("OLR:ErrConfigField"),
	)
	ErrConfigSemantic = errors.Normalize(
		"config code 30001: invalid config: %s",
		errors.RFCCodeText("OLR:ErrConfigSemantic"),
	)
)

// Data errors: parse failures in persisted state or catalog snapshots.
var (
	ErrStateOpen = errors.Normalize(
		"data code 20001: opening state file failed: %s",
		errors.RFCCodeText("OLR:ErrStateOpen"),
	)
	ErrStateWrite = errors.Normalize(
		"data code 20002: writing state failed: %s",
		errors.RFCCodeText("OLR:ErrStateWrite"),
	)
	ErrStateParse = errors.Normalize(
		"data code 20003: file %s: parse error, %s",
		errors.RFCCodeText("OLR:ErrStateParse"),
	)
	ErrStateMissing = errors.Normalize(
		"data code 20004: no valid checkpoint found under %s",
		errors.RFCCodeText("OLR:ErrStateMissing"),
	)
	ErrSchemaParse = errors.Normalize(
		"data code 20005: schema snapshot: %s",
		errors.RFCCodeText("OLR:ErrSchemaParse"),
	)
	ErrStateList = errors.Normalize(
		"data code 20006: listing state store failed: %s",
		errors.RFCCodeText("OLR:ErrStateList"),
	)
	ErrStateDelete = errors.Normalize(
		"data code 20007: deleting old checkpoint failed: %s",
		errors.RFCCodeText("OLR:ErrStateDelete"),
	)
)

// Runtime errors: resource exhaustion and broken internal invariants. Fatal.
var (
	ErrThreadSpawn = errors.Normalize(
		"runtime code 10013: spawning worker failed: %s",
		errors.RFCCodeText("OLR:ErrThreadSpawn"),
	)
	ErrMemoryAlloc = errors.Normalize(
		"runtime code 10016: couldn't allocate %d bytes memory for: %s",
		errors.RFCCodeText("OLR:ErrMemoryAlloc"),
	)
	ErrOutOfMemory = errors.Normalize(
		"runtime code 10017: out of memory",
		errors.RFCCodeText("OLR:ErrOutOfMemory"),
	)
	ErrShutdownDuringAlloc = errors.Normalize(
		"runtime code 10018: shutdown during memory allocation",
		errors.RFCCodeText("OLR:ErrShutdownDuringAlloc"),
	)
	ErrInvalidTimestamp = errors.Normalize(
		"runtime code 10069: invalid timestamp value: %d",
		errors.RFCCodeText("OLR:ErrInvalidTimestamp"),
	)
	ErrMessageTooBig = errors.Normalize(
		"runtime code 10072: size limit of %d MB is too small to fit a message with size: %d",
		errors.RFCCodeText("OLR:ErrMessageTooBig"),
	)
	ErrFreeUnknownChunk = errors.Normalize(
		"runtime code 50001: trying to free unknown memory block for: %s",
		errors.RFCCodeText("OLR:ErrFreeUnknownChunk"),
	)
	ErrEmptyCommitMessage = errors.Normalize(
		"runtime code 50058: output buffer - commit of empty message",
		errors.RFCCodeText("OLR:ErrEmptyCommitMessage"),
	)
	ErrSwapChunkMissing = errors.Normalize(
		"runtime code 50070: swap chunk not found for xid: %s during %s",
		errors.RFCCodeText("OLR:ErrSwapChunkMissing"),
	)
	ErrWriterStopped = errors.Normalize(
		"runtime code 50071: writer %s stopped: %s",
		errors.RFCCodeText("OLR:ErrWriterStopped"),
	)
)

// Redo log errors. Block/LWN level ones halt replication; record level ones
// are contained, the affected value is replaced per policy and a counter is
// incremented.
var (
	ErrRedoBadBlock = errors.Normalize(
		"redo code 50009: bad block header at seq %d block %d",
		errors.RFCCodeText("OLR:ErrRedoBadBlock"),
	)
	ErrRedoSequenceGap = errors.Normalize(
		"redo code 50010: log sequence gap, expected %d found %d",
		errors.RFCCodeText("OLR:ErrRedoSequenceGap"),
	)
	ErrRedoBadChecksum = errors.Normalize(
		"redo code 50011: block checksum mismatch at seq %d block %d: expected 0x%04x found 0x%04x",
		errors.RFCCodeText("OLR:ErrRedoBadChecksum"),
	)
	ErrRedoMissingLog = errors.Normalize(
		"redo code 50012: no redo log found for sequence %d",
		errors.RFCCodeText("OLR:ErrRedoMissingLog"),
	)
	ErrRedoBadNumeric = errors.Normalize(
		"redo code 60002: corrupted numeric value at offset %d",
		errors.RFCCodeText("OLR:ErrRedoBadNumeric"),
	)
	ErrRedoBadLob = errors.Normalize(
		"redo code 60003: bad LOB data for lob %s: %s",
		errors.RFCCodeText("OLR:ErrRedoBadLob"),
	)
	ErrRedoUnknownChar = errors.Normalize(
		"redo code 60004: unknown character 0x%02x",
		errors.RFCCodeText("OLR:ErrRedoUnknownChar"),
	)
	ErrRedoPartialRow = errors.Normalize(
		"redo code 60005: partial row left at end of transaction %s",
		errors.RFCCodeText("OLR:ErrRedoPartialRow"),
	)
	ErrRedoUnknownOpcode = errors.Normalize(
		"redo code 60006: unknown opcode 0x%04x at seq %d offset %d",
		errors.RFCCodeText("OLR:ErrRedoUnknownOpcode"),
	)
	ErrRedoLobSizeMismatch = errors.Normalize(
		"redo code 60007: lob %s size mismatch: declared %d assembled %d",
		errors.RFCCodeText("OLR:ErrRedoLobSizeMismatch"),
	)
	ErrRedoTruncatedRecord = errors.Normalize(
		"redo code 60008: truncated record in LWN at scn %d",
		errors.RFCCodeText("OLR:ErrRedoTruncatedRecord"),
	)
)
