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
	"os"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	cerror "github.com/olr-project/redoflow/pkg/errors"
)

// Store persists checkpoint records under string keys. Writes must be
// atomic: a crashed writer never leaves a half-visible record.
type Store interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, error)
	List() ([]string, error)
	Delete(name string) error
	Close() error
}

// NewStore builds the configured store type rooted at path.
func NewStore(storeType, path string) (Store, error) {
	switch storeType {
	case "leveldb":
		db, err := leveldb.OpenFile(path, nil)
		if err != nil {
			return nil, cerror.ErrStateOpen.GenWithStackByArgs(err.Error())
		}
		return &leveldbStore{db: db}, nil
	default:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, cerror.ErrStateOpen.GenWithStackByArgs(err.Error())
		}
		return &diskStore{dir: path}, nil
	}
}

// diskStore keeps one JSON file per record, replaced atomically via a
// temp file and rename.
type diskStore struct {
	dir string
}

func (s *diskStore) Save(name string, data []byte) error {
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cerror.ErrStateWrite.GenWithStackByArgs(err.Error())
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return cerror.ErrStateWrite.GenWithStackByArgs(err.Error())
	}
	return nil
}

func (s *diskStore) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, cerror.ErrStateOpen.GenWithStackByArgs(err.Error())
	}
	return data, nil
}

func (s *diskStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, cerror.ErrStateList.GenWithStackByArgs(err.Error())
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *diskStore) Delete(name string) error {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return cerror.ErrStateDelete.GenWithStackByArgs(err.Error())
	}
	return nil
}

func (s *diskStore) Close() error { return nil }

// leveldbStore keeps records as keys in one leveldb database; batch writes
// give the same atomicity as the temp-file rename.
type leveldbStore struct {
	db *leveldb.DB
}

func (s *leveldbStore) Save(name string, data []byte) error {
	batch := new(leveldb.Batch)
	batch.Put([]byte(name), data)
	if err := s.db.Write(batch, nil); err != nil {
		return cerror.ErrStateWrite.GenWithStackByArgs(err.Error())
	}
	return nil
}

func (s *leveldbStore) Load(name string) ([]byte, error) {
	data, err := s.db.Get([]byte(name), nil)
	if err == ldberrors.ErrNotFound {
		return nil, cerror.ErrStateOpen.GenWithStackByArgs(name + " not found")
	}
	if err != nil {
		return nil, cerror.ErrStateOpen.GenWithStackByArgs(err.Error())
	}
	return data, nil
}

func (s *leveldbStore) List() ([]string, error) {
	var names []string
	iter := s.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	for iter.Next() {
		names = append(names, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, cerror.ErrStateList.GenWithStackByArgs(err.Error())
	}
	return names, nil
}

func (s *leveldbStore) Delete(name string) error {
	if err := s.db.Delete([]byte(name), nil); err != nil {
		return cerror.ErrStateDelete.GenWithStackByArgs(err.Error())
	}
	return nil
}

func (s *leveldbStore) Close() error { return s.db.Close() }
