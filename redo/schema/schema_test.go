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

package schema

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/olr-project/redoflow/redo/model"
)

var (
	ddlXid = model.Xid{Usn: 1, Slot: 0, Sequence: 1}
	dmlXid = model.Xid{Usn: 2, Slot: 0, Sequence: 1}
)

func mutation(t *testing.T, m Mutation) []byte {
	t.Helper()
	data, err := json.Marshal(&m)
	require.NoError(t, err)
	return data
}

func seedTable(t *testing.T, c *Cache, xid model.Xid, obj model.Obj, owner, table string) {
	t.Helper()
	require.NoError(t, c.ApplyDDL(xid, mutation(t, Mutation{
		Kind: "user", Op: "insert", RowID: "u" + table,
		User: &User{RowID: "u" + table, ID: uint32(obj), Name: owner},
	})))
	require.NoError(t, c.ApplyDDL(xid, mutation(t, Mutation{
		Kind: "obj", Op: "insert", RowID: "o" + table,
		Object: &Object{RowID: "o" + table, Obj: obj, DataObj: model.DataObj(obj), UserID: uint32(obj), Name: table},
	})))
	require.NoError(t, c.ApplyDDL(xid, mutation(t, Mutation{
		Kind: "col", Op: "insert", RowID: "c" + table + "1",
		Column: &Column{RowID: "c" + table + "1", Obj: obj, ColNo: 1, Name: "ID", Type: TypeNumber},
	})))
	require.NoError(t, c.ApplyDDL(xid, mutation(t, Mutation{
		Kind: "col", Op: "insert", RowID: "c" + table + "2",
		Column: &Column{RowID: "c" + table + "2", Obj: obj, ColNo: 2, Name: "NAME", Type: TypeChar},
	})))
}

func TestOverlayVisibleToOwnTransaction(t *testing.T) {
	t.Parallel()
	c := NewCache(false)
	seedTable(t, c, ddlXid, 101, "APP", "T1")

	// Uncommitted DDL resolves for its own transaction only.
	require.NotNil(t, c.Lookup(ddlXid, 101, 0))
	require.Nil(t, c.Lookup(dmlXid, 101, 0))

	events := c.CommitDDL(ddlXid)
	require.Len(t, events, 1)
	require.Equal(t, "APP", events[0].Owner)
	require.Equal(t, "T1", events[0].Table)

	table := c.Lookup(dmlXid, 101, 0)
	require.NotNil(t, table)
	require.Equal(t, "T1", table.Name)
	require.Len(t, table.Columns, 2)
	require.Equal(t, "ID", table.Columns[0].Name)
	require.Equal(t, "NAME", table.Columns[1].Name)
}

func TestRollbackDropsOverlay(t *testing.T) {
	t.Parallel()
	c := NewCache(false)
	seedTable(t, c, ddlXid, 102, "APP", "T2")
	c.RollbackDDL(ddlXid)
	require.Nil(t, c.Lookup(dmlXid, 102, 0))
	require.Empty(t, c.CommitDDL(ddlXid))
}

func TestDeleteTombstone(t *testing.T) {
	t.Parallel()
	c := NewCache(false)
	seedTable(t, c, ddlXid, 103, "APP", "T3")
	c.CommitDDL(ddlXid)
	require.NotNil(t, c.Lookup(dmlXid, 103, 0))

	drop := model.Xid{Usn: 3, Slot: 0, Sequence: 1}
	require.NoError(t, c.ApplyDDL(drop, mutation(t, Mutation{
		Kind: "obj", Op: "delete", RowID: "oT3",
	})))
	c.CommitDDL(drop)
	require.Nil(t, c.Lookup(dmlXid, 103, 0))
}

func TestAdaptiveSchema(t *testing.T) {
	t.Parallel()
	c := NewCache(true)
	table := c.Lookup(dmlXid, 999, 3)
	require.NotNil(t, table)
	require.Len(t, table.Columns, 3)
	require.Equal(t, "COL_1", table.Columns[0].Name)
	require.Equal(t, "COL_3", table.Columns[2].Name)

	// A wider row later grows the generated definition.
	table = c.Lookup(dmlXid, 999, 5)
	require.Len(t, table.Columns, 5)
}

func TestFilterRules(t *testing.T) {
	t.Parallel()
	c := NewCache(false)
	c.SetFilter([][3]string{{"APP", "T5", "tagged"}})
	seedTable(t, c, ddlXid, 105, "APP", "T5")
	seedTable(t, c, ddlXid, 106, "APP", "OTHER")
	c.CommitDDL(ddlXid)

	table := c.Lookup(dmlXid, 105, 0)
	require.NotNil(t, table)
	require.Equal(t, "tagged", table.Tag)
	require.Nil(t, c.Lookup(dmlXid, 106, 0))
}

func TestDumpLoadDigest(t *testing.T) {
	t.Parallel()
	c := NewCache(false)
	seedTable(t, c, ddlXid, 107, "APP", "T7")
	c.CommitDDL(ddlXid)
	digest := c.Digest()

	snap, err := c.Dump()
	require.NoError(t, err)

	restored := NewCache(false)
	require.NoError(t, restored.Load(snap))
	require.Equal(t, digest, restored.Digest())
	require.NotNil(t, restored.Lookup(dmlXid, 107, 0))
}

func TestBaseObject(t *testing.T) {
	t.Parallel()
	c := NewCache(false)
	xid := model.Xid{Usn: 9, Slot: 0, Sequence: 9}
	require.NoError(t, c.ApplyDDL(xid, mutation(t, Mutation{
		Kind: "tabpart", Op: "insert", RowID: "p1",
		Partition: &Partition{RowID: "p1", Obj: 201, DataObj: 301, BaseObj: 200},
	})))
	c.CommitDDL(xid)
	require.Equal(t, model.Obj(200), c.BaseObject(301, 201))
	require.Equal(t, model.Obj(77), c.BaseObject(999, 77))
}
