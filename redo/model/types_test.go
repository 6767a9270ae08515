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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXidString(t *testing.T) {
	t.Parallel()
	xid := Xid{Usn: 1, Slot: 1, Sequence: 1}
	require.Equal(t, "0x0001.001.00000001", xid.String())
	require.Equal(t, "1.1.1", xid.StringDec())
	require.Equal(t, xid, XidFromRaw(xid.Raw()))
}

func TestParseXid(t *testing.T) {
	t.Parallel()
	xid, err := ParseXid("0x0001.001.00000001")
	require.NoError(t, err)
	require.Equal(t, Xid{Usn: 1, Slot: 1, Sequence: 1}, xid)

	xid, err = ParseXid("3.15.42")
	require.NoError(t, err)
	require.Equal(t, Xid{Usn: 3, Slot: 15, Sequence: 42}, xid)

	_, err = ParseXid("1.2")
	require.Error(t, err)
	_, err = ParseXid("0xzz.001.00000001")
	require.Error(t, err)
}

func TestDbaParts(t *testing.T) {
	t.Parallel()
	dba := Dba(3<<22 | 12345)
	require.Equal(t, uint32(3), dba.File())
	require.Equal(t, uint32(12345), dba.Block())
}

func TestRowIDString(t *testing.T) {
	t.Parallel()
	rid := RowID{DataObj: 0, Dba: 0, Slot: 0}
	require.Equal(t, "AAAAAAAAAAAAAAAAAA", rid.String())
	rid = RowID{DataObj: 101, Dba: Dba(1<<22 | 2), Slot: 5}
	require.Len(t, rid.String(), 18)
}

func TestChangeVectorRoundTrip(t *testing.T) {
	t.Parallel()
	vec := &ChangeVector{
		Op:      OpInsert,
		Xid:     Xid{Usn: 1, Slot: 2, Sequence: 3},
		Scn:     1000,
		Seq:     7,
		LwnIdx:  42,
		Obj:     101,
		DataObj: 102,
		Dba:     Dba(555),
		Slot:    3,
		Fb:      FbN,
		Flags:   0,
		Payload: []byte{1, 2, 3, 4, 5},
	}
	buf := make([]byte, vec.EncodedSize())
	n := vec.EncodeTo(buf)
	require.Equal(t, vec.EncodedSize(), n)

	got, consumed, err := DecodeChangeVector(buf)
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.Equal(t, vec, got)

	_, _, err = DecodeChangeVector(buf[:10])
	require.Error(t, err)
}

func TestColumnsRoundTrip(t *testing.T) {
	t.Parallel()
	cols := []ColumnValue{
		{ColNo: 1, Data: []byte("A")},
		{ColNo: 2, Null: true},
		{ColNo: 5, Data: []byte{}},
	}
	buf := EncodeColumns(cols)
	got, err := DecodeColumns(buf)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint16(1), got[0].ColNo)
	require.Equal(t, []byte("A"), got[0].Data)
	require.True(t, got[1].Null)
	require.Equal(t, uint16(5), got[2].ColNo)
	require.False(t, got[2].Null)

	_, err = DecodeColumns(buf[:3])
	require.Error(t, err)
}
