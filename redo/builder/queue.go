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

package builder

import (
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/atomic"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/memory"
	"github.com/olr-project/redoflow/redo/metrics"
	"github.com/olr-project/redoflow/redo/model"
)

// Message flags.
const (
	FlagAllocated  uint16 = 1 << 0
	FlagConfirmed  uint16 = 1 << 1
	FlagCheckpoint uint16 = 1 << 2
)

// Fixed message header layout, 8-byte aligned.
const (
	msgOffSize     = 0  // u64 payload bytes
	msgOffID       = 8  // u64 message id
	msgOffScn      = 16 // u64
	msgOffLwnScn   = 24 // u64
	msgOffLwnIdx   = 32 // u64
	msgOffSequence = 40 // u32
	msgOffObj      = 44 // u32
	msgOffFlags    = 48 // u16
	msgOffTagSize  = 50 // u16

	// MsgHeaderSize is the framed header ahead of every payload.
	MsgHeaderSize = 56
)

// node is one ring element backed by an arena chunk. The producer publishes
// bytes via size and seals the node via closed; the consumer advances start.
// The queue mutex is held only around next-pointer linking and head release.
type node struct {
	id     uint64
	size   atomic.Uint64
	start  atomic.Uint64
	closed atomic.Bool
	next   atomic.Pointer[node]
	data   []byte
}

// Queue is the single-producer/single-consumer chunked output ring between
// the parser (during commit replay) and a downstream writer.
type Queue struct {
	arena *memory.Arena

	mu   sync.Mutex
	cond *sync.Cond

	head *node // oldest unreleased
	tail *node // producer target

	nextNodeID  uint64
	nextMsgID   uint64
	flushBuffer uint64
	maxMsgBytes uint64
	unconfirmed uint64

	// producer state for the in-progress message
	msgNodes  []*node  // nodes the message spans, in order
	msgCounts []uint64 // bytes the message occupies in each spanned node
	msgStart  uint64   // header offset within msgNodes[0]
	msgBytes  uint64
	tailUsed  uint64 // bytes written to tail, published or not

	readNode *node

	shutdown bool
}

// NewQueue builds the ring with one initial node. flushBuffer of zero makes
// every message notify the consumer immediately.
func NewQueue(arena *memory.Arena, flushBuffer, maxMessageMb uint64) (*Queue, error) {
	q := &Queue{
		arena:       arena,
		flushBuffer: flushBuffer,
		maxMsgBytes: maxMessageMb << 20,
	}
	q.cond = sync.NewCond(&q.mu)
	first, err := q.newNode()
	if err != nil {
		return nil, err
	}
	q.head = first
	q.tail = first
	q.readNode = first
	return q, nil
}

func (q *Queue) newNode() (*node, error) {
	chunk, err := q.arena.Acquire(memory.ModuleBuilder, false)
	if err != nil {
		return nil, err
	}
	n := &node{id: q.nextNodeID, data: chunk}
	q.nextNodeID++
	return n, nil
}

// Shutdown wakes the consumer; the in-progress partial message is dropped.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// rotate appends a fresh node. With moveMsg, the in-progress message's
// written prefix moves to the fresh node and the old tail seals; otherwise
// the old tail keeps the message's earlier bytes and seals only once the
// message ends.
func (q *Queue) rotate(moveMsg bool) error {
	next, err := q.newNode()
	if err != nil {
		return err
	}
	cur := q.tail
	if moveMsg && q.msgBytes > 0 {
		// The whole in-progress message still fits one node: move it.
		moved := q.msgCounts[0]
		copy(next.data, cur.data[q.msgStart:q.msgStart+moved])
		q.msgNodes[0] = next
		q.msgStart = 0
		q.tailUsed = moved
		cur.closed.Store(true)
	} else {
		if q.msgBytes > 0 {
			// Message continues into the fresh node at offset zero.
			q.msgNodes = append(q.msgNodes, next)
			q.msgCounts = append(q.msgCounts, 0)
		} else {
			cur.closed.Store(true)
		}
		q.tailUsed = 0
	}
	q.mu.Lock()
	cur.next.Store(next)
	q.tail = next
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// BeginMessage opens a framed message.
func (q *Queue) BeginMessage(scn, lwnScn model.Scn, lwnIdx uint64, seq model.Seq, obj model.Obj, flags uint16) error {
	q.msgNodes = q.msgNodes[:0]
	q.msgCounts = q.msgCounts[:0]
	q.msgBytes = 0
	if q.tailUsed+MsgHeaderSize > memory.ChunkSize {
		if err := q.rotate(false); err != nil {
			return err
		}
	}
	q.msgNodes = append(q.msgNodes, q.tail)
	q.msgCounts = append(q.msgCounts, MsgHeaderSize)
	q.msgStart = q.tailUsed
	q.msgBytes = MsgHeaderSize

	hdr := q.tail.data[q.tailUsed : q.tailUsed+MsgHeaderSize]
	for i := range hdr {
		hdr[i] = 0
	}
	binary.LittleEndian.PutUint64(hdr[msgOffID:], q.nextMsgID)
	binary.LittleEndian.PutUint64(hdr[msgOffScn:], uint64(scn))
	binary.LittleEndian.PutUint64(hdr[msgOffLwnScn:], uint64(lwnScn))
	binary.LittleEndian.PutUint64(hdr[msgOffLwnIdx:], lwnIdx)
	binary.LittleEndian.PutUint32(hdr[msgOffSequence:], uint32(seq))
	binary.LittleEndian.PutUint32(hdr[msgOffObj:], uint32(obj))
	binary.LittleEndian.PutUint16(hdr[msgOffFlags:], flags|FlagAllocated)
	q.nextMsgID++
	q.tailUsed += MsgHeaderSize
	return nil
}

// Append adds payload bytes to the open message, rotating nodes as needed.
// A message that cannot fit the writer bound fails hard.
func (q *Queue) Append(b []byte) error {
	for len(b) > 0 {
		if q.maxMsgBytes > 0 && q.msgBytes+uint64(len(b)) > q.maxMsgBytes {
			return cerror.ErrMessageTooBig.GenWithStackByArgs(
				q.maxMsgBytes>>20, q.msgBytes+uint64(len(b)))
		}
		space := uint64(memory.ChunkSize) - q.tailUsed
		if space == 0 {
			// Move the whole message when it can still fit one node.
			moveMsg := q.msgBytes+uint64(len(b)) < memory.ChunkSize && len(q.msgNodes) == 1
			if err := q.rotate(moveMsg); err != nil {
				return err
			}
			continue
		}
		n := uint64(len(b))
		if n > space {
			n = space
		}
		copy(q.tail.data[q.tailUsed:], b[:n])
		q.tailUsed += n
		q.msgBytes += n
		q.msgCounts[len(q.msgCounts)-1] += n
		b = b[n:]
	}
	return nil
}

// EndMessage pads to 8-byte alignment, stamps the payload size and
// publishes every spanned node in order. Nodes the message leaves behind
// seal so the consumer can pass them.
func (q *Queue) EndMessage() error {
	if q.msgBytes == MsgHeaderSize {
		return cerror.ErrEmptyCommitMessage.GenWithStackByArgs()
	}
	payload := q.msgBytes - MsgHeaderSize
	if pad := (8 - q.msgBytes%8) % 8; pad > 0 {
		var zeros [8]byte
		if err := q.Append(zeros[:pad]); err != nil {
			return err
		}
	}
	hdr := q.msgNodes[0].data[q.msgStart:]
	binary.LittleEndian.PutUint64(hdr[msgOffSize:], payload)

	total := uint64(0)
	for i, n := range q.msgNodes {
		n.size.Add(q.msgCounts[i])
		if n != q.tail {
			n.closed.Store(true)
		}
		total += q.msgCounts[i]
	}
	q.msgNodes = q.msgNodes[:0]
	q.msgCounts = q.msgCounts[:0]
	q.msgBytes = 0

	metrics.MessagesEmitted.Inc()
	metrics.BytesEmitted.Add(float64(payload))

	q.mu.Lock()
	q.unconfirmed += total
	if q.flushBuffer == 0 || q.unconfirmed >= q.flushBuffer {
		q.unconfirmed = 0
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	return nil
}

// AbortMessage discards the in-progress message. Published bytes stay; the
// unpublished tail bytes are dropped.
func (q *Queue) AbortMessage() {
	q.msgNodes = q.msgNodes[:0]
	q.msgCounts = q.msgCounts[:0]
	q.msgBytes = 0
	q.tailUsed = q.tail.size.Load()
}

// Flush wakes the consumer regardless of the threshold.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.unconfirmed = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Message is one framed record handed to a writer.
type Message struct {
	ID      uint64
	Scn     model.Scn
	LwnScn  model.Scn
	LwnIdx  uint64
	Seq     model.Seq
	Obj     model.Obj
	Flags   uint16
	Payload []byte

	lastNode *node
	endOff   uint64
}

// IsCheckpoint reports whether this is a checkpoint fence message.
func (m *Message) IsCheckpoint() bool { return m.Flags&FlagCheckpoint != 0 }

// Poll returns the next message, waiting up to timeout. A nil message means
// the timeout elapsed with nothing published; an error means shutdown.
func (q *Queue) Poll(timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if m, ok := q.tryRead(); ok {
			return m, nil
		}
		q.mu.Lock()
		down := q.shutdown
		q.mu.Unlock()
		if down {
			return nil, cerror.ErrWriterStopped.GenWithStackByArgs("queue", "shutdown")
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		q.waitTick()
	}
}

// waitTick blocks on the queue condition with a short timer emulating a
// timed condvar wait.
func (q *Queue) waitTick() {
	t := time.AfterFunc(10*time.Millisecond, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer t.Stop()
	q.mu.Lock()
	if !q.shutdown {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// advance skips sealed, fully-consumed nodes.
func (q *Queue) advance() *node {
	n := q.readNode
	for n.start.Load() >= n.size.Load() && n.closed.Load() {
		next := n.next.Load()
		if next == nil {
			return n
		}
		n = next
		q.readNode = n
	}
	return n
}

// tryRead assembles the next message if it is fully published.
func (q *Queue) tryRead() (*Message, bool) {
	n := q.advance()
	start := n.start.Load()
	if n.size.Load()-start < MsgHeaderSize {
		return nil, false
	}
	hdr := n.data[start : start+MsgHeaderSize]
	payloadSize := binary.LittleEndian.Uint64(hdr[msgOffSize:])
	m := &Message{
		ID:     binary.LittleEndian.Uint64(hdr[msgOffID:]),
		Scn:    model.Scn(binary.LittleEndian.Uint64(hdr[msgOffScn:])),
		LwnScn: model.Scn(binary.LittleEndian.Uint64(hdr[msgOffLwnScn:])),
		LwnIdx: binary.LittleEndian.Uint64(hdr[msgOffLwnIdx:]),
		Seq:    model.Seq(binary.LittleEndian.Uint32(hdr[msgOffSequence:])),
		Obj:    model.Obj(binary.LittleEndian.Uint32(hdr[msgOffObj:])),
		Flags:  binary.LittleEndian.Uint16(hdr[msgOffFlags:]),
	}
	padded := (MsgHeaderSize + payloadSize + 7) &^ 7

	if start+padded <= n.size.Load() {
		m.Payload = n.data[start+MsgHeaderSize : start+MsgHeaderSize+payloadSize]
		m.lastNode = n
		m.endOff = start + padded
		return m, true
	}

	// Spanning message: gather across nodes; every byte must be published.
	payload := make([]byte, 0, payloadSize)
	cur := n
	off := start + MsgHeaderSize
	remaining := padded - MsgHeaderSize
	for remaining > 0 {
		size := cur.size.Load()
		if off >= size {
			if !cur.closed.Load() {
				return nil, false
			}
			next := cur.next.Load()
			if next == nil {
				return nil, false
			}
			cur = next
			off = 0
			continue
		}
		take := size - off
		if take > remaining {
			take = remaining
		}
		payload = append(payload, cur.data[off:off+take]...)
		off += take
		remaining -= take
	}
	m.Payload = payload[:payloadSize]
	m.lastNode = cur
	m.endOff = off
	// Nodes fully covered by this message are consumed outright.
	for p := n; p != cur; {
		p.start.Store(p.size.Load())
		p = p.next.Load()
	}
	q.readNode = cur
	return m, true
}

// Confirm acknowledges a delivered message: the consumer position advances
// and sealed nodes ahead of it return to the arena.
func (q *Queue) Confirm(m *Message) error {
	if m.endOff > m.lastNode.start.Load() {
		m.lastNode.start.Store(m.endOff)
	}
	metrics.MessagesConfirmed.Inc()

	var freed [][]byte
	q.mu.Lock()
	for q.head != q.tail && q.head != m.lastNode {
		h := q.head
		if !h.closed.Load() || h.start.Load() < h.size.Load() {
			break
		}
		next := h.next.Load()
		if next == nil {
			break
		}
		freed = append(freed, h.data)
		q.head = next
	}
	q.mu.Unlock()
	for _, chunk := range freed {
		if err := q.arena.Release(memory.ModuleBuilder, chunk); err != nil {
			return err
		}
	}
	return nil
}
