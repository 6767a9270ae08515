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

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecodeNumberZero(t *testing.T) {
	t.Parallel()
	dec, err := DecodeNumber([]byte{0x80})
	require.NoError(t, err)
	require.True(t, dec.IsZero())
}

func TestNumberRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []string{
		"1", "-1", "10", "100", "99", "123", "-123",
		"123.45", "-123.45", "0.05", "-0.05", "0.005", "1.5",
		"9999999999", "-9999999999", "0.000001", "42",
		"31415926.5358979", "-31415926.5358979",
	}
	for _, s := range cases {
		want, err := decimal.NewFromString(s)
		require.NoError(t, err)
		wire := EncodeNumber(want)
		got, err := DecodeNumber(wire)
		require.NoError(t, err, "value %s wire %x", s, wire)
		require.True(t, want.Equal(got), "value %s decoded as %s", s, got)
	}
}

func TestDecodeNumberErrors(t *testing.T) {
	t.Parallel()
	_, err := DecodeNumber(nil)
	require.Error(t, err)
	// positive indicator with no digit bytes
	_, err = DecodeNumber([]byte{0xC1})
	require.Error(t, err)
	// digit byte out of the base-100+1 range
	_, err = DecodeNumber([]byte{0xC1, 0xFF})
	require.Error(t, err)
}

func TestEncodeNumberTerminator(t *testing.T) {
	t.Parallel()
	// Negative values carry the trailing terminator byte.
	wire := EncodeNumber(decimal.NewFromInt(-7))
	require.Equal(t, byte(0x66), wire[len(wire)-1])
	require.Less(t, wire[0], byte(0x80))
}
