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

package checkpoint

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/olr-project/redoflow/pkg/config"
	"github.com/olr-project/redoflow/redo/model"
)

func testState(t *testing.T, keep uint64) *config.StateConfig {
	t.Helper()
	return &config.StateConfig{
		Type:                "disk",
		Path:                t.TempDir(),
		IntervalS:           600,
		IntervalMb:          500,
		KeepCheckpoints:     keep,
		SchemaForceInterval: 2,
	}
}

func testKeeper(t *testing.T, cfg *config.StateConfig) (*Keeper, Store) {
	t.Helper()
	store, err := NewStore(cfg.Type, cfg.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	k := NewKeeper(store, cfg, "TESTDB", clock.NewMock())
	k.Bind(
		func() ([]byte, string, error) { return []byte(`{"objects":{}}`), "digest", nil },
		func() []OpenXid { return nil },
		func() model.Scn { return 900 },
		nil, nil,
	)
	return k, store
}

func TestTakeAndRecover(t *testing.T) {
	t.Parallel()
	k, _ := testKeeper(t, testState(t, 10))
	k.Offer(1000, 3, 4096, 17, false)
	require.NoError(t, k.TakeFinal())

	rec, err := k.Recover()
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "TESTDB", rec.Database)
	require.EqualValues(t, 1000, rec.Scn)
	require.EqualValues(t, 900, rec.LastCommitScn)
	require.EqualValues(t, 3, rec.Seq)
	require.EqualValues(t, 4096, rec.Offset)
	require.EqualValues(t, 17, rec.LwnIdx)
	require.Equal(t, "digest", rec.SchemaDigest)
	require.NotNil(t, rec.Schema)
}

func TestRecoverWithoutCheckpoints(t *testing.T) {
	t.Parallel()
	k, _ := testKeeper(t, testState(t, 10))
	rec, err := k.Recover()
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestGcKeepsNewest(t *testing.T) {
	t.Parallel()
	k, store := testKeeper(t, testState(t, 3))
	for scn := 100; scn <= 800; scn += 100 {
		k.Offer(model.Scn(scn), 1, uint64(scn), 0, false)
		require.NoError(t, k.TakeFinal())
	}
	names, err := store.List()
	require.NoError(t, err)
	require.Len(t, names, 3)

	rec, err := k.Recover()
	require.NoError(t, err)
	require.EqualValues(t, 800, rec.Scn)
}

func TestSchemaForceInterval(t *testing.T) {
	t.Parallel()
	k, store := testKeeper(t, testState(t, 10))
	// schema-force-interval 2: full snapshots on the 1st and 3rd record.
	for scn := 100; scn <= 300; scn += 100 {
		k.Offer(model.Scn(scn), 1, 0, 0, false)
		require.NoError(t, k.TakeFinal())
	}
	withSchema := 0
	names, err := store.List()
	require.NoError(t, err)
	for _, name := range names {
		data, err := store.Load(name)
		require.NoError(t, err)
		rec := &Record{}
		require.NoError(t, json.Unmarshal(data, rec))
		if rec.Schema != nil {
			withSchema++
		}
	}
	require.Equal(t, 2, withSchema)

	snap, err := k.RecoverSchema()
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestLeveldbStore(t *testing.T) {
	t.Parallel()
	store, err := NewStore("leveldb", t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save("a", []byte("1")))
	require.NoError(t, store.Save("b", []byte("2")))
	data, err := store.Load("a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), data)

	names, err := store.List()
	require.NoError(t, err)
	require.Len(t, names, 2)

	require.NoError(t, store.Delete("a"))
	_, err = store.Load("a")
	require.Error(t, err)
}
