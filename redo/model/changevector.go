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

package model

import (
	"encoding/binary"

	cerror "github.com/olr-project/redoflow/pkg/errors"
)

// OpCode identifies one change vector type as (layer << 8) | code.
type OpCode uint16

// Change vector opcodes.
const (
	OpUndo        OpCode = 0x0501 // undo record, prior image for updates
	OpBegin       OpCode = 0x0502 // transaction start
	OpCommit      OpCode = 0x0504 // commit or rollback, per FlagRollback
	OpCheckpoint  OpCode = 0x0701 // checkpoint marker
	OpInsert      OpCode = 0x0B02 // single row insert
	OpDelete      OpCode = 0x0B03 // single row delete
	OpUpdate      OpCode = 0x0B05 // single row update
	OpMultiInsert OpCode = 0x0B0B // multi-row insert
	OpMultiDelete OpCode = 0x0B0C // multi-row delete
	OpSupplement  OpCode = 0x0B10 // supplemental logging data
	OpLobData     OpCode = 0x1301 // LOB data page write
	OpDdl         OpCode = 0x1801 // schema change
	OpLobIndex    OpCode = 0x1A01 // LOB index page
)

// Layer returns the opcode class, Code the sub-code within it.
func (o OpCode) Layer() uint8 { return uint8(o >> 8) }

// Code returns the low byte of the opcode.
func (o OpCode) Code() uint8 { return uint8(o) }

// String renders the dotted decimal form, e.g. "11.2".
func (o OpCode) String() string {
	return itoa(uint64(o.Layer())) + "." + itoa(uint64(o.Code()))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Row part flags. A row change split across records carries FB_P (a prior
// part exists) and/or FB_N (a next part follows); parts are fused in replay.
const (
	FbP uint8 = 0x01
	FbN uint8 = 0x02
)

// Change vector flags.
const (
	FlagRollback uint8 = 0x01 // on OpCommit: transaction rolled back
	FlagDdl      uint8 = 0x02 // payload carries a catalog mutation
)

// NullColumn marks an absent value in a column payload.
const NullColumn = 0xFFFF

// ChangeVector is one decoded redo sub-record. Payload layout is owned by
// the producer of the vector; the transaction buffer treats it as opaque.
type ChangeVector struct {
	Op      OpCode
	Xid     Xid
	Scn     Scn // of the containing LWN
	Seq     Seq
	LwnIdx  uint64
	Obj     Obj
	DataObj DataObj
	Dba     Dba
	Slot    Slot
	Fb      uint8
	Flags   uint8
	Payload []byte
}

const changeVectorHeaderSize = 2 + 8 + 8 + 4 + 8 + 4 + 4 + 4 + 2 + 1 + 1 + 4

// EncodedSize returns the number of bytes EncodeTo will write.
func (v *ChangeVector) EncodedSize() int {
	return changeVectorHeaderSize + len(v.Payload)
}

// EncodeTo serializes the vector into buf, which must be at least
// EncodedSize() bytes, and returns the bytes written.
func (v *ChangeVector) EncodeTo(buf []byte) int {
	binary.LittleEndian.PutUint16(buf[0:], uint16(v.Op))
	binary.LittleEndian.PutUint64(buf[2:], v.Xid.Raw())
	binary.LittleEndian.PutUint64(buf[10:], uint64(v.Scn))
	binary.LittleEndian.PutUint32(buf[18:], uint32(v.Seq))
	binary.LittleEndian.PutUint64(buf[22:], v.LwnIdx)
	binary.LittleEndian.PutUint32(buf[30:], uint32(v.Obj))
	binary.LittleEndian.PutUint32(buf[34:], uint32(v.DataObj))
	binary.LittleEndian.PutUint32(buf[38:], uint32(v.Dba))
	binary.LittleEndian.PutUint16(buf[42:], uint16(v.Slot))
	buf[44] = v.Fb
	buf[45] = v.Flags
	binary.LittleEndian.PutUint32(buf[46:], uint32(len(v.Payload)))
	copy(buf[changeVectorHeaderSize:], v.Payload)
	return changeVectorHeaderSize + len(v.Payload)
}

// DecodeChangeVector reads one vector from buf and returns it together with
// the bytes consumed. The payload aliases buf.
func DecodeChangeVector(buf []byte) (*ChangeVector, int, error) {
	if len(buf) < changeVectorHeaderSize {
		return nil, 0, cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(0)
	}
	v := &ChangeVector{
		Op:      OpCode(binary.LittleEndian.Uint16(buf[0:])),
		Xid:     XidFromRaw(binary.LittleEndian.Uint64(buf[2:])),
		Scn:     Scn(binary.LittleEndian.Uint64(buf[10:])),
		Seq:     Seq(binary.LittleEndian.Uint32(buf[18:])),
		LwnIdx:  binary.LittleEndian.Uint64(buf[22:]),
		Obj:     Obj(binary.LittleEndian.Uint32(buf[30:])),
		DataObj: DataObj(binary.LittleEndian.Uint32(buf[34:])),
		Dba:     Dba(binary.LittleEndian.Uint32(buf[38:])),
		Slot:    Slot(binary.LittleEndian.Uint16(buf[42:])),
		Fb:      buf[44],
		Flags:   buf[45],
	}
	size := int(binary.LittleEndian.Uint32(buf[46:]))
	if len(buf) < changeVectorHeaderSize+size {
		return nil, 0, cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(uint64(v.Scn))
	}
	v.Payload = buf[changeVectorHeaderSize : changeVectorHeaderSize+size]
	return v, changeVectorHeaderSize + size, nil
}

// ColumnValue is one column cell within a row payload. Null cells carry a
// nil Data with Null set.
type ColumnValue struct {
	ColNo uint16
	Null  bool
	Data  []byte
}

// EncodeColumns builds the canonical row payload: a count followed by
// (colNo, size, bytes) cells. A size of NullColumn encodes SQL NULL.
func EncodeColumns(cols []ColumnValue) []byte {
	size := 2
	for i := range cols {
		size += 4
		if !cols[i].Null {
			size += len(cols[i].Data)
		}
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf, uint16(len(cols)))
	pos := 2
	for i := range cols {
		binary.LittleEndian.PutUint16(buf[pos:], cols[i].ColNo)
		pos += 2
		if cols[i].Null {
			binary.LittleEndian.PutUint16(buf[pos:], NullColumn)
			pos += 2
			continue
		}
		binary.LittleEndian.PutUint16(buf[pos:], uint16(len(cols[i].Data)))
		pos += 2
		copy(buf[pos:], cols[i].Data)
		pos += len(cols[i].Data)
	}
	return buf
}

// DecodeColumns parses a row payload produced by EncodeColumns. Cell data
// aliases buf.
func DecodeColumns(buf []byte) ([]ColumnValue, error) {
	if len(buf) < 2 {
		return nil, cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(0)
	}
	count := int(binary.LittleEndian.Uint16(buf))
	cols := make([]ColumnValue, 0, count)
	pos := 2
	for i := 0; i < count; i++ {
		if len(buf) < pos+4 {
			return nil, cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(0)
		}
		colNo := binary.LittleEndian.Uint16(buf[pos:])
		size := binary.LittleEndian.Uint16(buf[pos+2:])
		pos += 4
		if size == NullColumn {
			cols = append(cols, ColumnValue{ColNo: colNo, Null: true})
			continue
		}
		if len(buf) < pos+int(size) {
			return nil, cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(0)
		}
		cols = append(cols, ColumnValue{ColNo: colNo, Data: buf[pos : pos+int(size)]})
		pos += int(size)
	}
	return cols, nil
}
