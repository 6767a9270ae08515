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

package lob

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/model"
)

var testXid = model.Xid{Usn: 1, Slot: 1, Sequence: 1}

func testLobID(b byte) model.LobID {
	var id model.LobID
	for i := range id {
		id[i] = b
	}
	return id
}

// indexPayload builds an AddIndex payload: id, geometry and ordered pages.
func indexPayload(id model.LobID, pageSize, sizePages, sizeRest uint32, dbas []model.Dba) []byte {
	buf := make([]byte, 10+16+8*len(dbas))
	copy(buf, id[:])
	binary.LittleEndian.PutUint32(buf[10:], pageSize)
	binary.LittleEndian.PutUint32(buf[14:], sizePages)
	binary.LittleEndian.PutUint32(buf[18:], sizeRest)
	binary.LittleEndian.PutUint32(buf[22:], uint32(len(dbas)))
	pos := 26
	for i, dba := range dbas {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(i))
		binary.LittleEndian.PutUint32(buf[pos+4:], uint32(dba))
		pos += 8
	}
	return buf
}

func dataPayload(id model.LobID, page []byte) []byte {
	return append(append([]byte(nil), id[:]...), page...)
}

func page(fill byte, size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestAssembleInIndex(t *testing.T) {
	t.Parallel()
	a := NewAssembler()
	id := testLobID(0xAA)

	// 3 full pages of 8192 plus a 500-byte rest page.
	dbas := []model.Dba{10, 11, 12, 13}
	require.NoError(t, a.AddIndex(testXid, indexPayload(id, 8192, 3, 500, dbas)))
	for i, dba := range dbas[:3] {
		require.NoError(t, a.AddData(testXid, dba, dataPayload(id, page(byte(i+1), 8192))))
	}
	require.NoError(t, a.AddData(testXid, 13, dataPayload(id, page(9, 500))))

	chunks, complete, err := a.Assemble(id)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, chunks, 4)
	require.Equal(t, PosFirst, chunks[0].Position)
	require.Equal(t, PosMiddle, chunks[1].Position)
	require.Equal(t, PosMiddle, chunks[2].Position)
	require.Equal(t, PosLast, chunks[3].Position)

	total := 0
	for _, c := range chunks {
		total += len(c.Data)
	}
	require.Equal(t, 3*8192+500, total)
}

func TestAssembleIncompleteThenComplete(t *testing.T) {
	t.Parallel()
	a := NewAssembler()
	id := testLobID(0xBB)
	require.NoError(t, a.AddIndex(testXid, indexPayload(id, 100, 2, 0, []model.Dba{20, 21})))
	require.NoError(t, a.AddData(testXid, 20, dataPayload(id, page(1, 100))))

	_, complete, err := a.Assemble(id)
	require.NoError(t, err)
	require.False(t, complete)

	// The trailing page arrives later within the same transaction.
	require.NoError(t, a.AddData(testXid, 21, dataPayload(id, page(2, 100))))
	chunks, complete, err := a.Assemble(id)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, chunks, 2)
}

func TestAssembleSizeMismatch(t *testing.T) {
	t.Parallel()
	a := NewAssembler()
	id := testLobID(0xCC)
	require.NoError(t, a.AddIndex(testXid, indexPayload(id, 100, 1, 0, []model.Dba{30})))
	require.NoError(t, a.AddData(testXid, 30, dataPayload(id, page(1, 40))))

	_, _, err := a.Assemble(id)
	require.Error(t, err)
	require.True(t, cerror.ErrRedoLobSizeMismatch.Equal(err))
}

func TestLocatorInlineEmpty(t *testing.T) {
	t.Parallel()
	id := testLobID(0xDD)
	val := make([]byte, locatorHeaderSize)
	binary.LittleEndian.PutUint16(val, FlgInline)
	copy(val[3:], id[:])

	l, err := ParseLocator(val)
	require.NoError(t, err)
	a := NewAssembler()
	chunks, complete, err := a.Materialize(l)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, chunks, 1)
	require.Equal(t, PosOnly, chunks[0].Position)
	require.Empty(t, chunks[0].Data)
}

func TestLocatorInValueRuns(t *testing.T) {
	t.Parallel()
	id := testLobID(0xEE)
	// two runs: (40,2 pages) and (50,1 page); 2 full pages + 64-byte rest
	body := make([]byte, 2+8*2)
	binary.LittleEndian.PutUint16(body, 2)
	binary.LittleEndian.PutUint32(body[2:], 40)
	binary.LittleEndian.PutUint32(body[6:], 2)
	binary.LittleEndian.PutUint32(body[10:], 50)
	binary.LittleEndian.PutUint32(body[14:], 1)

	val := make([]byte, locatorHeaderSize+len(body))
	binary.LittleEndian.PutUint16(val, FlgInValue|FlgModern)
	val[2] = flg3RunsInline
	copy(val[3:], id[:])
	binary.LittleEndian.PutUint32(val[13:], 128) // page size
	binary.LittleEndian.PutUint32(val[17:], 2)   // full pages
	binary.LittleEndian.PutUint32(val[21:], 64)  // rest
	copy(val[locatorHeaderSize:], body)

	l, err := ParseLocator(val)
	require.NoError(t, err)
	require.Len(t, l.Runs, 2)

	a := NewAssembler()
	require.NoError(t, a.AddData(testXid, 40, dataPayload(id, page(1, 128))))
	require.NoError(t, a.AddData(testXid, 41, dataPayload(id, page(2, 128))))
	require.NoError(t, a.AddData(testXid, 50, dataPayload(id, page(3, 64))))

	chunks, complete, err := a.Materialize(l)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, chunks, 3)
	require.Equal(t, PosFirst, chunks[0].Position)
	require.Equal(t, PosLast, chunks[2].Position)
	require.True(t, bytes.Equal(page(3, 64), chunks[2].Data))
}

func TestLocatorInRowDirect(t *testing.T) {
	t.Parallel()
	id := testLobID(0xF3)
	// Bare in-row locator: no inline/in-value/in-index bits; one full page
	// of 8 plus a 3-byte rest page, referenced directly in the body.
	body := make([]byte, 2+4*2)
	binary.LittleEndian.PutUint16(body, 2)
	binary.LittleEndian.PutUint32(body[2:], 90)
	binary.LittleEndian.PutUint32(body[6:], 91)

	val := make([]byte, locatorHeaderSize+len(body))
	copy(val[3:], id[:])
	binary.LittleEndian.PutUint32(val[13:], 8) // page size
	binary.LittleEndian.PutUint32(val[17:], 1) // full pages
	binary.LittleEndian.PutUint32(val[21:], 3) // rest
	copy(val[locatorHeaderSize:], body)

	l, err := ParseLocator(val)
	require.NoError(t, err)
	require.Len(t, l.Runs, 2)

	a := NewAssembler()
	require.NoError(t, a.AddData(testXid, 90, dataPayload(id, page(1, 8))))
	require.NoError(t, a.AddData(testXid, 91, dataPayload(id, page(2, 3))))

	chunks, complete, err := a.Materialize(l)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, chunks, 2)
	require.Equal(t, PosFirst, chunks[0].Position)
	require.Equal(t, PosLast, chunks[1].Position)
	require.Equal(t, 8+3, len(chunks[0].Data)+len(chunks[1].Data))
}

func TestLocatorInRowChain(t *testing.T) {
	t.Parallel()
	id := testLobID(0xF4)
	val := make([]byte, locatorHeaderSize+4)
	val[2] = flg3RunsChain
	copy(val[3:], id[:])
	binary.LittleEndian.PutUint32(val[13:], 16)
	binary.LittleEndian.PutUint32(val[17:], 1)
	binary.LittleEndian.PutUint32(val[21:], 0)
	binary.LittleEndian.PutUint32(val[locatorHeaderSize:], 92) // chain root

	// list page at 92: next=0, one run (93, 1 page)
	list := make([]byte, 6+8)
	binary.LittleEndian.PutUint32(list, 0)
	binary.LittleEndian.PutUint16(list[4:], 1)
	binary.LittleEndian.PutUint32(list[6:], 93)
	binary.LittleEndian.PutUint32(list[10:], 1)

	a := NewAssembler()
	require.NoError(t, a.AddData(testXid, 92, dataPayload(id, list)))
	require.NoError(t, a.AddData(testXid, 93, dataPayload(id, page(5, 16))))

	l, err := ParseLocator(val)
	require.NoError(t, err)
	require.Equal(t, model.Dba(92), l.ChainRoot)
	chunks, complete, err := a.Materialize(l)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, chunks, 1)
	require.Equal(t, PosOnly, chunks[0].Position)
}

func TestLocatorChain(t *testing.T) {
	t.Parallel()
	id := testLobID(0xF1)
	val := make([]byte, locatorHeaderSize+4)
	binary.LittleEndian.PutUint16(val, FlgInValue|FlgModern)
	val[2] = flg3RunsChain
	copy(val[3:], id[:])
	binary.LittleEndian.PutUint32(val[13:], 128)
	binary.LittleEndian.PutUint32(val[17:], 1)
	binary.LittleEndian.PutUint32(val[21:], 0)
	binary.LittleEndian.PutUint32(val[locatorHeaderSize:], 60) // chain root

	// list page at 60: next=0, one run (70, 1 page)
	list := make([]byte, 6+8)
	binary.LittleEndian.PutUint32(list, 0)
	binary.LittleEndian.PutUint16(list[4:], 1)
	binary.LittleEndian.PutUint32(list[6:], 70)
	binary.LittleEndian.PutUint32(list[10:], 1)

	a := NewAssembler()
	require.NoError(t, a.AddData(testXid, 60, dataPayload(id, list)))
	require.NoError(t, a.AddData(testXid, 70, dataPayload(id, page(7, 128))))

	l, err := ParseLocator(val)
	require.NoError(t, err)
	chunks, complete, err := a.Materialize(l)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, chunks, 1)
	require.Equal(t, PosOnly, chunks[0].Position)
}

func TestEndTransactionReapsOrphans(t *testing.T) {
	t.Parallel()
	a := NewAssembler()
	id := testLobID(0xF2)
	require.NoError(t, a.AddData(testXid, 80, dataPayload(id, page(1, 10))))
	a.EndTransaction(testXid)
	require.Nil(t, a.Page(id, 80))
}
