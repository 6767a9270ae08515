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

package parser

import (
	"encoding/binary"

	"github.com/olr-project/redoflow/redo/model"
)

// BuildLwn serializes one log-writer batch: the LWN header followed by the
// length-prefixed change vectors. The inverse of what Run consumes; log
// generation tooling and the test suites build streams with it.
func BuildLwn(lwnScn model.Scn, vecs []*model.ChangeVector) []byte {
	total := lwnHeaderSize
	for _, v := range vecs {
		total += 4 + v.EncodedSize()
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out, lwnMagic)
	binary.LittleEndian.PutUint64(out[4:], uint64(lwnScn))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(vecs)))
	binary.LittleEndian.PutUint32(out[16:], uint32(total))
	pos := lwnHeaderSize
	for _, v := range vecs {
		binary.LittleEndian.PutUint32(out[pos:], uint32(v.EncodedSize()))
		pos += 4
		pos += v.EncodeTo(out[pos:])
	}
	return out
}
