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

// Package schema keeps an in-memory snapshot of the source catalog tables
// with an uncommitted-DDL overlay, so DML arriving before its DDL commits
// still resolves against the right definition.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/model"
)

// ColumnType enumerates the value families the output builder can render.
type ColumnType int

// Column types.
const (
	TypeChar ColumnType = iota
	TypeNumber
	TypeDate
	TypeRaw
	TypeFloat
	TypeDouble
	TypeTimestamp
	TypeTimestampTz
	TypeIntervalDts
	TypeIntervalYtm
	TypeRowID
	TypeClob
	TypeBlob
)

// IsLob reports whether values of this type arrive through the LOB pipeline.
func (t ColumnType) IsLob() bool { return t == TypeClob || t == TypeBlob }

// Object mirrors one row of the objects catalog table.
type Object struct {
	RowID   string        `json:"rowid"`
	Obj     model.Obj     `json:"obj"`
	DataObj model.DataObj `json:"data-obj"`
	UserID  uint32        `json:"user"`
	Name    string        `json:"name"`
}

// Column mirrors one row of the columns catalog table.
type Column struct {
	RowID    string     `json:"rowid"`
	Obj      model.Obj  `json:"obj"`
	ColNo    uint16     `json:"col-no"`
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// User mirrors one row of the users catalog table.
type User struct {
	RowID string `json:"rowid"`
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
}

// Partition maps a partition segment to its base object.
type Partition struct {
	RowID   string        `json:"rowid"`
	Obj     model.Obj     `json:"obj"`
	DataObj model.DataObj `json:"data-obj"`
	BaseObj model.Obj     `json:"base-obj"`
}

// Table is a resolved object: owner, name and ordered columns. What DML
// handling and the output builder consume.
type Table struct {
	Obj     model.Obj
	Owner   string
	Name    string
	Columns []*Column
	Tag     string
}

// ColumnByNo returns the column with the given number or nil.
func (t *Table) ColumnByNo(no uint16) *Column {
	for _, c := range t.Columns {
		if c.ColNo == no {
			return c
		}
	}
	return nil
}

// snapshot is the serializable committed layer.
type snapshot struct {
	Objects    map[string]*Object    `json:"objects"`
	Columns    map[string]*Column    `json:"columns"`
	Users      map[string]*User      `json:"users"`
	Partitions map[string]*Partition `json:"partitions"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Objects:    make(map[string]*Object),
		Columns:    make(map[string]*Column),
		Users:      make(map[string]*User),
		Partitions: make(map[string]*Partition),
	}
}

// overlay collects the uncommitted catalog mutations of one transaction.
// Deletions are tombstoned by rowid.
type overlay struct {
	snap    *snapshot
	deleted map[string]struct{}
}

// Mutation is the decoded payload of a DDL change vector: one catalog row
// inserted, updated or deleted.
type Mutation struct {
	Kind      string     `json:"kind"` // obj, col, user, tabpart
	Op        string     `json:"op"`   // insert, update, delete
	RowID     string     `json:"rowid"`
	Object    *Object    `json:"object,omitempty"`
	Column    *Column    `json:"column,omitempty"`
	User      *User      `json:"user,omitempty"`
	Partition *Partition `json:"partition,omitempty"`
}

// Event is emitted to the output when a DDL transaction commits.
type Event struct {
	Owner string
	Table string
	Obj   model.Obj
	Sql   string
}

// Cache is the two-layer schema store. A single readers/writer lock guards
// it: the parser reads on every DML, writes only on DDL commit and reload.
type Cache struct {
	mu        sync.RWMutex
	committed *snapshot
	overlays  map[model.Xid]*overlay

	filters  []filterRule
	adaptive bool

	// resolution caches, invalidated on any write
	tables map[model.Obj]*Table
	bases  map[model.DataObj]model.Obj
}

type filterRule struct {
	owner string
	table string
	tag   string
}

// NewCache builds an empty cache. adaptive treats the filter as a wildcard
// and fabricates COL_<n> definitions for unseen objects.
func NewCache(adaptive bool) *Cache {
	return &Cache{
		committed: newSnapshot(),
		overlays:  make(map[model.Xid]*overlay),
		adaptive:  adaptive,
		tables:    make(map[model.Obj]*Table),
		bases:     make(map[model.DataObj]model.Obj),
	}
}

// SetFilter installs the replicated-table rules. Atomic with respect to
// concurrent lookups; called at startup and on config reload.
func (c *Cache) SetFilter(rules [][3]string) {
	c.mu.Lock()
	c.filters = c.filters[:0]
	for _, r := range rules {
		c.filters = append(c.filters, filterRule{owner: r[0], table: r[1], tag: r[2]})
	}
	c.tables = make(map[model.Obj]*Table)
	c.mu.Unlock()
}

// Load replaces the committed layer, for checkpoint recovery and the
// database-side bootstrap hook.
func (c *Cache) Load(data []byte) error {
	snap := newSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return cerror.ErrSchemaParse.GenWithStackByArgs(err.Error())
	}
	c.mu.Lock()
	c.committed = snap
	c.tables = make(map[model.Obj]*Table)
	c.bases = make(map[model.DataObj]model.Obj)
	c.mu.Unlock()
	return nil
}

// Dump serializes the committed layer for checkpointing.
func (c *Cache) Dump() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c.committed)
	if err != nil {
		return nil, cerror.ErrSchemaParse.GenWithStackByArgs(err.Error())
	}
	return data, nil
}

// Digest returns a stable hash of the committed layer, written into
// checkpoints so restarts can detect divergence.
func (c *Cache) Digest() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rowids := make([]string, 0,
		len(c.committed.Objects)+len(c.committed.Columns)+
			len(c.committed.Users)+len(c.committed.Partitions))
	for k, v := range c.committed.Objects {
		rowids = append(rowids, "o"+k+v.Name+strconv.FormatUint(uint64(v.Obj), 10))
	}
	for k, v := range c.committed.Columns {
		rowids = append(rowids, "c"+k+v.Name+strconv.FormatUint(uint64(v.ColNo), 10))
	}
	for k, v := range c.committed.Users {
		rowids = append(rowids, "u"+k+v.Name)
	}
	for k, v := range c.committed.Partitions {
		rowids = append(rowids, "p"+k+strconv.FormatUint(uint64(v.BaseObj), 10))
	}
	sort.Strings(rowids)
	h := sha256.New()
	for _, s := range rowids {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ApplyDDL stages one catalog mutation in the transaction's overlay.
func (c *Cache) ApplyDDL(xid model.Xid, payload []byte) error {
	var m Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return cerror.ErrSchemaParse.GenWithStackByArgs(err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ov := c.overlays[xid]
	if ov == nil {
		ov = &overlay{snap: newSnapshot(), deleted: make(map[string]struct{})}
		c.overlays[xid] = ov
	}
	if m.Op == "delete" {
		ov.deleted[m.RowID] = struct{}{}
		return nil
	}
	delete(ov.deleted, m.RowID)
	switch m.Kind {
	case "obj":
		ov.snap.Objects[m.RowID] = m.Object
	case "col":
		ov.snap.Columns[m.RowID] = m.Column
	case "user":
		ov.snap.Users[m.RowID] = m.User
	case "tabpart":
		ov.snap.Partitions[m.RowID] = m.Partition
	default:
		return cerror.ErrSchemaParse.GenWithStackByArgs("unknown catalog kind " + m.Kind)
	}
	return nil
}

// CommitDDL merges the transaction's overlay into the committed layer and
// returns schema events for the touched objects.
func (c *Cache) CommitDDL(xid model.Xid) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ov := c.overlays[xid]
	if ov == nil {
		return nil
	}
	delete(c.overlays, xid)

	touched := make(map[model.Obj]struct{})
	for rowid := range ov.deleted {
		if o, ok := c.committed.Objects[rowid]; ok {
			touched[o.Obj] = struct{}{}
		}
		delete(c.committed.Objects, rowid)
		delete(c.committed.Columns, rowid)
		delete(c.committed.Users, rowid)
		delete(c.committed.Partitions, rowid)
	}
	for rowid, o := range ov.snap.Objects {
		c.committed.Objects[rowid] = o
		touched[o.Obj] = struct{}{}
	}
	for rowid, col := range ov.snap.Columns {
		c.committed.Columns[rowid] = col
		touched[col.Obj] = struct{}{}
	}
	for rowid, u := range ov.snap.Users {
		c.committed.Users[rowid] = u
	}
	for rowid, p := range ov.snap.Partitions {
		c.committed.Partitions[rowid] = p
		touched[p.BaseObj] = struct{}{}
	}
	c.tables = make(map[model.Obj]*Table)
	c.bases = make(map[model.DataObj]model.Obj)

	events := make([]Event, 0, len(touched))
	for obj := range touched {
		t := c.resolveLocked(obj, nil)
		if t == nil {
			continue
		}
		events = append(events, Event{Owner: t.Owner, Table: t.Name, Obj: obj})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Obj < events[j].Obj })
	log.Info("schema change committed",
		zap.String("xid", xid.String()), zap.Int("objects", len(events)))
	return events
}

// RollbackDDL drops the transaction's overlay.
func (c *Cache) RollbackDDL(xid model.Xid) {
	c.mu.Lock()
	delete(c.overlays, xid)
	c.mu.Unlock()
}

// BaseObject maps a partition segment to its base object; identity when the
// segment is not a known partition.
func (c *Cache) BaseObject(dataObj model.DataObj, obj model.Obj) model.Obj {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base, ok := c.bases[dataObj]; ok {
		return base
	}
	for _, p := range c.committed.Partitions {
		if p.DataObj == dataObj {
			c.bases[dataObj] = p.BaseObj
			return p.BaseObj
		}
	}
	c.bases[dataObj] = obj
	return obj
}

// Lookup resolves an object for DML under xid: the transaction's overlay is
// consulted first, then the committed layer. Returns nil when the object is
// not replicated (filtered out and not adaptive).
func (c *Cache) Lookup(xid model.Xid, obj model.Obj, minColumns int) *Table {
	c.mu.RLock()
	if ov := c.overlays[xid]; ov != nil {
		if t := c.resolveLocked(obj, ov); t != nil {
			c.mu.RUnlock()
			return t
		}
	}
	if t, ok := c.tables[obj]; ok {
		c.mu.RUnlock()
		return c.widen(t, minColumns)
	}
	t := c.resolveLocked(obj, nil)
	c.mu.RUnlock()

	if t == nil && c.adaptive {
		t = &Table{Obj: obj, Owner: "", Name: "OBJ_" + strconv.FormatUint(uint64(obj), 10)}
		t = c.widen(t, minColumns)
	}
	if t != nil {
		c.mu.Lock()
		c.tables[obj] = t
		c.mu.Unlock()
	}
	return t
}

// widen extends an adaptive table with generated columns up to minColumns.
func (c *Cache) widen(t *Table, minColumns int) *Table {
	if !c.adaptive || len(t.Columns) >= minColumns {
		return t
	}
	wide := &Table{Obj: t.Obj, Owner: t.Owner, Name: t.Name, Tag: t.Tag,
		Columns: append([]*Column(nil), t.Columns...)}
	for n := len(wide.Columns); n < minColumns; n++ {
		wide.Columns = append(wide.Columns, &Column{
			Obj:      t.Obj,
			ColNo:    uint16(n + 1),
			Name:     "COL_" + strconv.Itoa(n+1),
			Type:     TypeChar,
			Nullable: true,
		})
	}
	return wide
}

// resolveLocked builds a Table from an overlay (if given) layered over the
// committed snapshot. Caller holds at least the read lock.
func (c *Cache) resolveLocked(obj model.Obj, ov *overlay) *Table {
	lookup := func(pick func(s *snapshot) (interface{}, bool)) (interface{}, bool) {
		if ov != nil {
			if v, ok := pick(ov.snap); ok {
				return v, true
			}
		}
		return pick(c.committed)
	}

	var object *Object
	if v, ok := lookup(func(s *snapshot) (interface{}, bool) {
		for rowid, o := range s.Objects {
			if o.Obj == obj {
				if ov != nil {
					if _, dead := ov.deleted[rowid]; dead {
						return nil, false
					}
				}
				return o, true
			}
		}
		return nil, false
	}); ok {
		object = v.(*Object)
	}
	if object == nil {
		return nil
	}

	owner := ""
	if v, ok := lookup(func(s *snapshot) (interface{}, bool) {
		for _, u := range s.Users {
			if u.ID == object.UserID {
				return u, true
			}
		}
		return nil, false
	}); ok {
		owner = v.(*User).Name
	}

	tag, replicated := c.match(owner, object.Name)
	if !replicated && !c.adaptive {
		return nil
	}

	t := &Table{Obj: obj, Owner: owner, Name: object.Name, Tag: tag}
	seen := make(map[uint16]struct{})
	if ov != nil {
		for rowid, col := range ov.snap.Columns {
			if col.Obj != obj {
				continue
			}
			if _, dead := ov.deleted[rowid]; dead {
				continue
			}
			t.Columns = append(t.Columns, col)
			seen[col.ColNo] = struct{}{}
		}
	}
	for rowid, col := range c.committed.Columns {
		if col.Obj != obj {
			continue
		}
		if _, dup := seen[col.ColNo]; dup {
			continue
		}
		if ov != nil {
			if _, dead := ov.deleted[rowid]; dead {
				continue
			}
		}
		t.Columns = append(t.Columns, col)
	}
	sort.Slice(t.Columns, func(i, j int) bool { return t.Columns[i].ColNo < t.Columns[j].ColNo })
	return t
}

// match applies the filter rules; an empty rule set replicates everything.
func (c *Cache) match(owner, table string) (string, bool) {
	if len(c.filters) == 0 {
		return "", true
	}
	for _, f := range c.filters {
		if (f.owner == owner || f.owner == ".*") && (f.table == table || f.table == ".*") {
			return f.tag, true
		}
	}
	return "", false
}
