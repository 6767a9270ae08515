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

package reader

import (
	"encoding/binary"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/model"
)

// Physical redo block geometry. Every block carries a 16-byte header; the
// payload bytes of consecutive blocks form the logical redo stream.
const (
	BlockSize       = 512
	BlockHeaderSize = 16
	BlockDataSize   = BlockSize - BlockHeaderSize

	blockMagic0 = 0x01
	blockMagic1 = 0x22
)

// Header field offsets within a block.
const (
	offMagic    = 0
	offSize     = 2
	offBlockNo  = 4
	offSequence = 8
	offChecksum = 12
	offFlags    = 14
)

// Checksum folds every 16-bit word of the block with XOR, the checksum
// field itself counted as zero.
func Checksum(block []byte) uint16 {
	var sum uint16
	for i := 0; i+1 < BlockSize; i += 2 {
		if i == offChecksum {
			continue
		}
		sum ^= binary.LittleEndian.Uint16(block[i:])
	}
	return sum
}

// IsBlank reports whether the block was never written: the hot tail of an
// online log reads as zeroes past the last flush.
func IsBlank(block []byte) bool {
	return block[offMagic] == 0 && block[offMagic+1] == 0
}

// VerifyBlock checks magic, size, sequence, block number and checksum.
func VerifyBlock(block []byte, seq model.Seq, blockNo uint32) error {
	if block[offMagic] != blockMagic0 || block[offMagic+1] != blockMagic1 ||
		binary.LittleEndian.Uint16(block[offSize:]) != BlockSize ||
		binary.LittleEndian.Uint32(block[offBlockNo:]) != blockNo {
		return cerror.ErrRedoBadBlock.GenWithStackByArgs(uint32(seq), blockNo)
	}
	if gotSeq := model.Seq(binary.LittleEndian.Uint32(block[offSequence:])); gotSeq != seq {
		return cerror.ErrRedoSequenceGap.GenWithStackByArgs(uint32(seq), uint32(gotSeq))
	}
	want := binary.LittleEndian.Uint16(block[offChecksum:])
	if got := Checksum(block); got != want {
		return cerror.ErrRedoBadChecksum.GenWithStackByArgs(uint32(seq), blockNo, want, got)
	}
	return nil
}

// EncodeBlocks packs a logical redo stream into checksummed physical blocks
// of one log file. Block numbering starts at 1; block 0 is reserved for the
// file header written by FileHeader.
func EncodeBlocks(seq model.Seq, stream []byte) []byte {
	blocks := (len(stream) + BlockDataSize - 1) / BlockDataSize
	out := make([]byte, blocks*BlockSize)
	for i := 0; i < blocks; i++ {
		block := out[i*BlockSize : (i+1)*BlockSize]
		block[offMagic] = blockMagic0
		block[offMagic+1] = blockMagic1
		binary.LittleEndian.PutUint16(block[offSize:], BlockSize)
		binary.LittleEndian.PutUint32(block[offBlockNo:], uint32(i+1))
		binary.LittleEndian.PutUint32(block[offSequence:], uint32(seq))
		lo := i * BlockDataSize
		hi := lo + BlockDataSize
		if hi > len(stream) {
			hi = len(stream)
		}
		copy(block[BlockHeaderSize:], stream[lo:hi])
		binary.LittleEndian.PutUint16(block[offChecksum:], Checksum(block))
	}
	return out
}

// FileHeader builds block 0 of a log file: database name and first SCN.
func FileHeader(seq model.Seq, dbName string, firstScn model.Scn) []byte {
	block := make([]byte, BlockSize)
	block[offMagic] = blockMagic0
	block[offMagic+1] = blockMagic1
	binary.LittleEndian.PutUint16(block[offSize:], BlockSize)
	binary.LittleEndian.PutUint32(block[offBlockNo:], 0)
	binary.LittleEndian.PutUint32(block[offSequence:], uint32(seq))
	copy(block[BlockHeaderSize:BlockHeaderSize+8], dbName)
	binary.LittleEndian.PutUint64(block[BlockHeaderSize+8:], uint64(firstScn))
	binary.LittleEndian.PutUint16(block[offChecksum:], Checksum(block))
	return block
}
