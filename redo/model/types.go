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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Scn is the system change number, the monotonically non-decreasing commit
// ordering key of the source database.
type Scn uint64

// ScnNone marks an unset SCN, e.g. the commit SCN of a still-open transaction.
const ScnNone Scn = 0

// Seq is the sequence number of one redo log file.
type Seq uint32

// Obj identifies a database object, DataObj its physical segment.
type (
	Obj     uint32
	DataObj uint32
)

// Dba is a data block address (file number in the top 10 bits, block number
// in the low 22).
type Dba uint32

// File extracts the file number part of the address.
func (d Dba) File() uint32 { return uint32(d) >> 22 }

// Block extracts the block number part of the address.
func (d Dba) Block() uint32 { return uint32(d) & 0x3FFFFF }

// Slot addresses a row within a block.
type Slot uint16

// Xid is a transaction identifier: undo segment number, undo slot and
// wrap sequence.
type Xid struct {
	Usn      uint16
	Slot     uint16
	Sequence uint32
}

// XidFromRaw rebuilds an Xid from its packed 64-bit form.
func XidFromRaw(raw uint64) Xid {
	return Xid{
		Usn:      uint16(raw >> 48),
		Slot:     uint16(raw >> 32),
		Sequence: uint32(raw),
	}
}

// Raw packs the Xid into 64 bits, usn highest.
func (x Xid) Raw() uint64 {
	return uint64(x.Usn)<<48 | uint64(x.Slot)<<32 | uint64(x.Sequence)
}

// IsZero reports whether the Xid is unset.
func (x Xid) IsZero() bool { return x.Usn == 0 && x.Slot == 0 && x.Sequence == 0 }

// String renders the canonical hex form, e.g. "0x0001.001.00000001".
func (x Xid) String() string {
	return fmt.Sprintf("0x%04x.%03x.%08x", x.Usn, x.Slot, x.Sequence)
}

// ParseXid accepts both the hex form "0x0001.001.00000001" and the decimal
// form "1.1.1".
func ParseXid(s string) (Xid, error) {
	base := 10
	if strings.HasPrefix(s, "0x") {
		base = 16
		s = s[2:]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("bad xid %q", s)
	}
	usn, err := strconv.ParseUint(parts[0], base, 16)
	if err != nil {
		return Xid{}, fmt.Errorf("bad xid %q", s)
	}
	slot, err := strconv.ParseUint(parts[1], base, 16)
	if err != nil {
		return Xid{}, fmt.Errorf("bad xid %q", s)
	}
	seq, err := strconv.ParseUint(parts[2], base, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("bad xid %q", s)
	}
	return Xid{Usn: uint16(usn), Slot: uint16(slot), Sequence: uint32(seq)}, nil
}

// StringDec renders the decimal form used by XID_TEXT_DEC output.
func (x Xid) StringDec() string {
	return fmt.Sprintf("%d.%d.%d", x.Usn, x.Slot, x.Sequence)
}

// LobID identifies one large object value.
type LobID [10]byte

// IsZero reports whether the id is unset.
func (l LobID) IsZero() bool { return l == LobID{} }

func (l LobID) String() string { return hex.EncodeToString(l[:]) }

const rowIDMap = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// RowID identifies one row instance.
type RowID struct {
	DataObj DataObj
	Dba     Dba
	Slot    Slot
}

// String renders the 18-character text rowid: 6 characters of object number,
// 3 of file number, 6 of block number, 3 of row number, base-64 encoded from
// the most significant digit.
func (r RowID) String() string {
	var buf [18]byte
	obj := uint64(r.DataObj)
	for i := 5; i >= 0; i-- {
		buf[i] = rowIDMap[obj&0x3F]
		obj >>= 6
	}
	file := uint64(r.Dba.File())
	for i := 8; i >= 6; i-- {
		buf[i] = rowIDMap[file&0x3F]
		file >>= 6
	}
	block := uint64(r.Dba.Block())
	for i := 14; i >= 9; i-- {
		buf[i] = rowIDMap[block&0x3F]
		block >>= 6
	}
	slot := uint64(r.Slot)
	for i := 17; i >= 15; i-- {
		buf[i] = rowIDMap[slot&0x3F]
		slot >>= 6
	}
	return string(buf[:])
}
