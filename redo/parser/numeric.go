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
	"strings"

	"github.com/shopspring/decimal"

	cerror "github.com/olr-project/redoflow/pkg/errors"
)

// DecodeNumber decodes the base-100 on-wire numeric format into its exact
// decimal text. The first byte is the digits indicator D:
//
//	D == 0x80        zero
//	D >  0x80        positive; D-0xC0 pre-decimal pair count, digit bytes
//	                 are base-100 values plus one
//	D <  0x80        negative; 0x3F-D pre-decimal pair count, digit bytes
//	                 are 101 minus the value; a trailing 0x66 terminator
//	                 byte is stripped
//
// Anything else is a parse error.
func DecodeNumber(data []byte) (decimal.Decimal, error) {
	if len(data) == 0 {
		return decimal.Decimal{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}
	d := data[0]
	if d == 0x80 {
		return decimal.Zero, nil
	}

	var sb strings.Builder
	var exponent int // pre-decimal base-100 pair count
	digits := data[1:]

	switch {
	case d > 0x80:
		exponent = int(d) - 0xC0
		for i, b := range digits {
			if b < 1 || b > 101 {
				return decimal.Decimal{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(i + 1)
			}
			writePair(&sb, b-1)
		}
	case d < 0x80:
		exponent = 0x3F - int(d)
		if n := len(digits); n > 0 && digits[n-1] == 0x66 {
			digits = digits[:n-1]
		}
		sb.WriteByte('-')
		for i, b := range digits {
			v := int(101) - int(b)
			if v < 0 || v > 99 {
				return decimal.Decimal{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(i + 1)
			}
			writePair(&sb, byte(v))
		}
	}

	if len(digits) == 0 {
		return decimal.Decimal{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}

	// sb holds the digit pairs; place the decimal point after exponent
	// pairs, padding with zeros when the pairs run short.
	raw := sb.String()
	neg := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")

	var out strings.Builder
	if neg {
		out.WriteByte('-')
	}
	intDigits := exponent * 2
	switch {
	case exponent <= 0:
		out.WriteString("0.")
		for i := intDigits; i < 0; i++ {
			out.WriteByte('0')
		}
		out.WriteString(raw)
	case len(raw) <= intDigits:
		out.WriteString(raw)
		for i := len(raw); i < intDigits; i++ {
			out.WriteByte('0')
		}
	default:
		out.WriteString(raw[:intDigits])
		out.WriteByte('.')
		out.WriteString(raw[intDigits:])
	}

	dec, err := decimal.NewFromString(trimNumber(out.String()))
	if err != nil {
		return decimal.Decimal{}, cerror.ErrRedoBadNumeric.GenWithStackByArgs(0)
	}
	return dec, nil
}

func writePair(sb *strings.Builder, v byte) {
	sb.WriteByte('0' + v/10)
	sb.WriteByte('0' + v%10)
}

// trimNumber removes the trailing fractional zeros the pair encoding
// introduces, and a dangling decimal point.
func trimNumber(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// EncodeNumber builds the on-wire form of an exact decimal. Inverse of
// DecodeNumber on the domain of representable values; the replicator itself
// only decodes, the encoder feeds tests and the synthetic log tooling.
func EncodeNumber(dec decimal.Decimal) []byte {
	if dec.IsZero() {
		return []byte{0x80}
	}
	neg := dec.IsNegative()
	s := dec.Abs().String()

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	intPart = strings.TrimLeft(intPart, "0")
	if len(intPart)%2 == 1 {
		intPart = "0" + intPart
	}
	if len(fracPart)%2 == 1 {
		fracPart += "0"
	}
	exponent := len(intPart) / 2

	pairs := make([]byte, 0, (len(intPart)+len(fracPart))/2)
	all := intPart + fracPart
	for i := 0; i+2 <= len(all); i += 2 {
		pairs = append(pairs, (all[i]-'0')*10+(all[i+1]-'0'))
	}
	// Leading zero pairs shift the exponent down instead of being stored.
	for len(pairs) > 0 && pairs[0] == 0 {
		pairs = pairs[1:]
		exponent--
	}
	for len(pairs) > 0 && pairs[len(pairs)-1] == 0 {
		pairs = pairs[:len(pairs)-1]
	}

	out := make([]byte, 0, len(pairs)+2)
	if !neg {
		out = append(out, byte(0xC0+exponent))
		for _, p := range pairs {
			out = append(out, p+1)
		}
	} else {
		out = append(out, byte(0x3F-exponent))
		for _, p := range pairs {
			out = append(out, byte(101-int(p)))
		}
		if len(out) < 21 {
			out = append(out, 0x66)
		}
	}
	return out
}
