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
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/olr-project/redoflow/redo/metrics"
)

// UnknownPolicy selects what happens to bytes the charset map cannot place.
type UnknownPolicy int

// Unknown-character policies.
const (
	UnknownQuestionMark UnknownPolicy = iota
	UnknownDump
	UnknownSkip
)

// CharsetMap converts single source bytes to runes. A nil map passes UTF-8
// input through unchanged.
type CharsetMap map[byte]rune

// Convert renders raw column bytes as a string. Unknown characters are
// skipped, replaced with '?' or emitted as a hex dump per policy; each
// replacement bumps the recoverable-error counter.
func Convert(cmap CharsetMap, data []byte, policy UnknownPolicy) string {
	if cmap == nil {
		if utf8.Valid(data) {
			return string(data)
		}
		var sb strings.Builder
		for len(data) > 0 {
			r, size := utf8.DecodeRune(data)
			if r == utf8.RuneError && size == 1 {
				writeUnknown(&sb, data[:1], policy)
				data = data[1:]
				continue
			}
			sb.WriteRune(r)
			data = data[size:]
		}
		return sb.String()
	}
	var sb strings.Builder
	for _, b := range data {
		if r, ok := cmap[b]; ok {
			sb.WriteRune(r)
			continue
		}
		writeUnknown(&sb, []byte{b}, policy)
	}
	return sb.String()
}

func writeUnknown(sb *strings.Builder, raw []byte, policy UnknownPolicy) {
	metrics.RecoverableErrors.WithLabelValues("unknown-char").Inc()
	switch policy {
	case UnknownSkip:
	case UnknownDump:
		sb.WriteString("0x")
		sb.WriteString(hex.EncodeToString(raw))
	default:
		sb.WriteByte('?')
	}
}
