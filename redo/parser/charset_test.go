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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertUTF8Passthrough(t *testing.T) {
	t.Parallel()
	require.Equal(t, "hello żółw", Convert(nil, []byte("hello żółw"), UnknownQuestionMark))
}

func TestConvertInvalidUTF8(t *testing.T) {
	t.Parallel()
	data := []byte{'a', 0xFF, 'b'}
	require.Equal(t, "a?b", Convert(nil, data, UnknownQuestionMark))
	require.Equal(t, "a0xffb", Convert(nil, data, UnknownDump))
	require.Equal(t, "ab", Convert(nil, data, UnknownSkip))
}

func TestConvertWithMap(t *testing.T) {
	t.Parallel()
	cmap := CharsetMap{0x41: 'Ä', 0x42: 'B'}
	require.Equal(t, "ÄB", Convert(cmap, []byte{0x41, 0x42}, UnknownQuestionMark))
	require.Equal(t, "Ä?", Convert(cmap, []byte{0x41, 0x43}, UnknownQuestionMark))
}
