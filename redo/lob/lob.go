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

// Package lob reconstructs large-object values from index and data pages
// spread across the redo stream.
package lob

import (
	"encoding/binary"

	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/model"
)

// Locator discriminator bits within flg2.
const (
	FlgInValue uint16 = 0x0100
	FlgInIndex uint16 = 0x0400
	FlgInline  uint16 = 0x0800
	FlgModern  uint16 = 0x4000
)

// flg3 high-nibble values selecting how an in-value LOB lists its pages.
const (
	flg3RunsInline uint8 = 0x20
	flg3RunsChain  uint8 = 0x40
)

// Position marks where a chunk sits within its LOB so the output builder
// can stream values without buffering them whole.
type Position int

// Chunk positions.
const (
	PosOnly Position = iota
	PosFirst
	PosMiddle
	PosLast
)

// Chunk is one contiguous piece of an assembled LOB.
type Chunk struct {
	Data     []byte
	Position Position
}

type indexEntry struct {
	ord uint32
	dba model.Dba
}

// Data is the per-LobId assembly state: a page-ordinal index and the data
// pages keyed by block address.
type Data struct {
	PageSize  uint32
	SizePages uint32
	SizeRest  uint32
	index     *btree.BTreeG[indexEntry]
	pages     map[model.Dba][]byte
}

func newData() *Data {
	return &Data{
		index: btree.NewG[indexEntry](8, func(a, b indexEntry) bool { return a.ord < b.ord }),
		pages: make(map[model.Dba][]byte),
	}
}

// DeclaredSize is the byte size the index header promised.
func (d *Data) DeclaredSize() uint64 {
	return uint64(d.SizePages)*uint64(d.PageSize) + uint64(d.SizeRest)
}

// Assembler tracks in-flight LOBs per owning transaction. It runs on the
// parser thread only and needs no lock.
type Assembler struct {
	lobs   map[model.LobID]*Data
	owners map[model.LobID]model.Xid
	byXid  map[model.Xid]map[model.LobID]struct{}
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		lobs:   make(map[model.LobID]*Data),
		owners: make(map[model.LobID]model.Xid),
		byXid:  make(map[model.Xid]map[model.LobID]struct{}),
	}
}

func (a *Assembler) get(xid model.Xid, id model.LobID) *Data {
	d := a.lobs[id]
	if d == nil {
		d = newData()
		a.lobs[id] = d
		a.owners[id] = xid
		set := a.byXid[xid]
		if set == nil {
			set = make(map[model.LobID]struct{})
			a.byXid[xid] = set
		}
		set[id] = struct{}{}
	}
	return d
}

// AddIndex ingests a LOB index vector: the page-ordinal to block-address
// map plus the declared geometry. Payload layout: lobID, pageSize u32,
// sizePages u32, sizeRest u32, count u32, then (ord u32, dba u32) pairs.
func (a *Assembler) AddIndex(xid model.Xid, payload []byte) error {
	if len(payload) < 10+16 {
		return cerror.ErrRedoBadLob.GenWithStackByArgs("?", "short index payload")
	}
	var id model.LobID
	copy(id[:], payload)
	d := a.get(xid, id)
	d.PageSize = binary.LittleEndian.Uint32(payload[10:])
	d.SizePages = binary.LittleEndian.Uint32(payload[14:])
	d.SizeRest = binary.LittleEndian.Uint32(payload[18:])
	count := int(binary.LittleEndian.Uint32(payload[22:]))
	pos := 26
	for i := 0; i < count; i++ {
		if len(payload) < pos+8 {
			return cerror.ErrRedoBadLob.GenWithStackByArgs(id.String(), "truncated index entries")
		}
		ord := binary.LittleEndian.Uint32(payload[pos:])
		dba := model.Dba(binary.LittleEndian.Uint32(payload[pos+4:]))
		d.index.ReplaceOrInsert(indexEntry{ord: ord, dba: dba})
		pos += 8
	}
	return nil
}

// AddData ingests a LOB data-page vector. Payload layout: lobID, then the
// page bytes. The page is keyed by the vector's block address. Data arriving
// before its index is kept as an orphan under the owning transaction and
// reaped at that transaction's end.
func (a *Assembler) AddData(xid model.Xid, dba model.Dba, payload []byte) error {
	if len(payload) < 10 {
		return cerror.ErrRedoBadLob.GenWithStackByArgs("?", "short data payload")
	}
	var id model.LobID
	copy(id[:], payload)
	d := a.get(xid, id)
	page := make([]byte, len(payload)-10)
	copy(page, payload[10:])
	d.pages[dba] = page
	return nil
}

// Assemble materializes the LOB as ordered chunks. complete is false while
// pages are still missing; the caller may retry when later vectors of the
// same transaction arrive.
func (a *Assembler) Assemble(id model.LobID) (chunks []Chunk, complete bool, err error) {
	d := a.lobs[id]
	if d == nil {
		return nil, false, nil
	}
	total := d.index.Len()
	if total == 0 {
		return nil, false, nil
	}
	assembled := uint64(0)
	missing := false
	i := 0
	d.index.Ascend(func(e indexEntry) bool {
		page, ok := d.pages[e.dba]
		if !ok {
			missing = true
			return false
		}
		want := uint64(d.PageSize)
		if uint32(i) >= d.SizePages {
			want = uint64(d.SizeRest)
		}
		if uint64(len(page)) > want {
			page = page[:want]
		}
		chunks = append(chunks, Chunk{Data: page, Position: position(i, total)})
		assembled += uint64(len(page))
		i++
		return true
	})
	if missing {
		return nil, false, nil
	}
	if assembled != d.DeclaredSize() {
		return nil, false, cerror.ErrRedoLobSizeMismatch.GenWithStackByArgs(
			id.String(), d.DeclaredSize(), assembled)
	}
	return chunks, true, nil
}

// Page returns one raw data page, for in-value run traversal.
func (a *Assembler) Page(id model.LobID, dba model.Dba) []byte {
	if d := a.lobs[id]; d != nil {
		return d.pages[dba]
	}
	return nil
}

// Release drops one LOB once its value was emitted.
func (a *Assembler) Release(id model.LobID) {
	if xid, ok := a.owners[id]; ok {
		delete(a.byXid[xid], id)
	}
	delete(a.lobs, id)
	delete(a.owners, id)
}

// EndTransaction reaps every LOB still owned by xid. Unresolved entries are
// dropped with a warning.
func (a *Assembler) EndTransaction(xid model.Xid) {
	for id := range a.byXid[xid] {
		if d := a.lobs[id]; d != nil && d.index.Len() > 0 {
			log.Warn("dropping unresolved lob at transaction end",
				zap.String("lob", id.String()), zap.String("xid", xid.String()))
		}
		delete(a.lobs, id)
		delete(a.owners, id)
	}
	delete(a.byXid, xid)
}

func position(i, total int) Position {
	switch {
	case total == 1:
		return PosOnly
	case i == 0:
		return PosFirst
	case i == total-1:
		return PosLast
	default:
		return PosMiddle
	}
}

// Locator is the decoded LOB column value.
type Locator struct {
	Flg2      uint16
	Flg3      uint8
	ID        model.LobID
	PageSize  uint32
	SizePages uint32
	SizeRest  uint32
	Inline    []byte    // FlgInline
	Runs      []Run     // in-value inline runs, or in-row direct page refs
	ChainRoot model.Dba // list-page chain root (in-value or in-row)
}

// Run is one contiguous range of data pages of an in-value LOB.
type Run struct {
	Dba   model.Dba
	Pages uint32
}

const locatorHeaderSize = 2 + 1 + 10 + 4 + 4 + 4

// ParseLocator decodes a LOB column value. Layout: flg2 u16, flg3 u8,
// lobID, pageSize u32, sizePages u32, sizeRest u32, then the variant body.
// Without any of the inline/in-value/in-index bits the locator is the base
// in-row form: the geometry sits in the header and the trailing bytes
// reference the data pages, directly or through a list-page chain.
func ParseLocator(val []byte) (*Locator, error) {
	if len(val) < locatorHeaderSize {
		return nil, cerror.ErrRedoBadLob.GenWithStackByArgs("?", "short locator")
	}
	l := &Locator{
		Flg2: binary.LittleEndian.Uint16(val),
		Flg3: val[2],
	}
	copy(l.ID[:], val[3:])
	l.PageSize = binary.LittleEndian.Uint32(val[13:])
	l.SizePages = binary.LittleEndian.Uint32(val[17:])
	l.SizeRest = binary.LittleEndian.Uint32(val[21:])
	body := val[locatorHeaderSize:]

	switch {
	case l.Flg2&FlgInline != 0:
		l.Inline = body
	case l.Flg2&FlgInValue != 0:
		switch l.Flg3 & 0xF0 {
		case flg3RunsInline:
			if len(body) < 2 {
				return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "short run list")
			}
			count := int(binary.LittleEndian.Uint16(body))
			pos := 2
			for i := 0; i < count; i++ {
				if len(body) < pos+8 {
					return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "truncated run list")
				}
				l.Runs = append(l.Runs, Run{
					Dba:   model.Dba(binary.LittleEndian.Uint32(body[pos:])),
					Pages: binary.LittleEndian.Uint32(body[pos+4:]),
				})
				pos += 8
			}
		case flg3RunsChain:
			if len(body) < 4 {
				return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "missing chain root")
			}
			l.ChainRoot = model.Dba(binary.LittleEndian.Uint32(body))
		default:
			return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "unknown in-value layout")
		}
	case l.Flg2&FlgInIndex != 0:
		// pages arrive through the index pipeline, nothing in the body
	default:
		// In-row: single data pages enumerated directly, or a chain root.
		if l.Flg3&0xF0 == flg3RunsChain {
			if len(body) < 4 {
				return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "missing chain root")
			}
			l.ChainRoot = model.Dba(binary.LittleEndian.Uint32(body))
			break
		}
		if len(body) < 2 {
			return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "short page list")
		}
		count := int(binary.LittleEndian.Uint16(body))
		pos := 2
		for i := 0; i < count; i++ {
			if len(body) < pos+4 {
				return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "truncated page list")
			}
			l.Runs = append(l.Runs, Run{
				Dba:   model.Dba(binary.LittleEndian.Uint32(body[pos:])),
				Pages: 1,
			})
			pos += 4
		}
	}
	return l, nil
}

// DeclaredSize is the byte size the locator promises.
func (l *Locator) DeclaredSize() uint64 {
	if l.Flg2&FlgInline != 0 {
		return uint64(len(l.Inline))
	}
	return uint64(l.SizePages)*uint64(l.PageSize) + uint64(l.SizeRest)
}

// Materialize resolves the locator against the assembler. complete is false
// while referenced pages are missing.
func (a *Assembler) Materialize(l *Locator) (chunks []Chunk, complete bool, err error) {
	if l.Flg2&FlgInline != 0 {
		// Inline body; a zero size is an empty value, still emitted.
		return []Chunk{{Data: l.Inline, Position: PosOnly}}, true, nil
	}
	if l.Flg2&FlgInIndex != 0 {
		return a.Assemble(l.ID)
	}

	runs := l.Runs
	if l.ChainRoot != 0 {
		if runs, err = a.chaseChain(l); err != nil || runs == nil {
			return nil, false, err
		}
	}
	var flat []model.Dba
	for _, run := range runs {
		for i := uint32(0); i < run.Pages; i++ {
			flat = append(flat, run.Dba+model.Dba(i))
		}
	}
	total := len(flat)
	assembled := uint64(0)
	for i, dba := range flat {
		page := a.Page(l.ID, dba)
		if page == nil {
			return nil, false, nil
		}
		want := uint64(l.PageSize)
		if uint32(i) >= l.SizePages {
			want = uint64(l.SizeRest)
		}
		if uint64(len(page)) > want {
			page = page[:want]
		}
		chunks = append(chunks, Chunk{Data: page, Position: position(i, total)})
		assembled += uint64(len(page))
	}
	if assembled != l.DeclaredSize() {
		return nil, false, cerror.ErrRedoLobSizeMismatch.GenWithStackByArgs(
			l.ID.String(), l.DeclaredSize(), assembled)
	}
	return chunks, true, nil
}

// chaseChain walks the auxiliary list-page chain rooted at the locator.
// Each list page holds: next dba u32 (0 ends the chain), count u16, then
// (dba u32, pages u32) entries. Returns nil runs while a page is missing.
func (a *Assembler) chaseChain(l *Locator) ([]Run, error) {
	var runs []Run
	next := l.ChainRoot
	for hops := 0; next != 0; hops++ {
		if hops > 1024 {
			return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "list-page chain loop")
		}
		page := a.Page(l.ID, next)
		if page == nil {
			return nil, nil
		}
		if len(page) < 6 {
			return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "short list page")
		}
		next = model.Dba(binary.LittleEndian.Uint32(page))
		count := int(binary.LittleEndian.Uint16(page[4:]))
		pos := 6
		for i := 0; i < count; i++ {
			if len(page) < pos+8 {
				return nil, cerror.ErrRedoBadLob.GenWithStackByArgs(l.ID.String(), "truncated list page")
			}
			runs = append(runs, Run{
				Dba:   model.Dba(binary.LittleEndian.Uint32(page[pos:])),
				Pages: binary.LittleEndian.Uint32(page[pos+4:]),
			})
			pos += 8
		}
	}
	return runs, nil
}
