// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ringbuffer implements a bounded, block-segmented byte FIFO used as
// the zero-copy backbone of the proxy: bytes are appended by non-blocking
// socket reads, sliced in place by the frame decoder, and dropped from the
// front only once a sender has actually flushed them.
//
// A Buffer grows by allocating fixed-size blocks (16KiB by default) instead
// of one contiguous slice, so dropping consumed bytes from the front never
// requires shifting the bytes that remain live. Positions into the buffer
// are represented by Iterator values that stay valid across Write/DropFront/
// DropBack except for the region actually dropped — exactly the contract
// spec.md §3 describes for RingBuffer.
package ringbuffer

import (
	"errors"
	"io"
)

// DefaultBlockSize is the block granularity used when callers don't pick one.
const DefaultBlockSize = 16 * 1024

var (
	// ErrInvalidArgument reports a zero/negative drop count or an out-of-range request.
	ErrInvalidArgument = errors.New("ringbuffer: invalid argument")

	// ErrBufferFull reports that growing the buffer would exceed its configured cap.
	ErrBufferFull = errors.New("ringbuffer: buffer full")
)

// Iterator is a stable position into a Buffer. Two iterators from the same
// Buffer can be compared and subtracted regardless of intervening Write calls;
// they are invalidated only if the bytes at or before them are dropped.
type Iterator struct {
	seq int64
	off int
}

type block struct {
	seq  int64
	data []byte
}

// Buffer is a segmented, bounded FIFO of bytes.
type Buffer struct {
	blockSize int
	capBytes  int64 // 0 means unbounded

	blocks   []*block
	firstSeq int64
	nextSeq  int64

	beginOff int // offset into blocks[0] where live data begins
	endOff   int // offset into the last block where live data ends (exclusive)
}

// New returns a Buffer that grows in blockSize chunks, bounded by capBytes:
// a new block is allocated only while the blocks held, counting it, total at
// most capBytes bytes. capBytes <= 0 means unbounded.
func New(blockSize, capBytes int) *Buffer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	b := &Buffer{
		blockSize: blockSize,
		capBytes:  int64(capBytes),
	}
	b.blocks = append(b.blocks, &block{seq: 0, data: make([]byte, blockSize)})
	b.nextSeq = 1
	return b
}

func (b *Buffer) lastBlock() *block { return b.blocks[len(b.blocks)-1] }

func (b *Buffer) blockAt(seq int64) *block {
	idx := seq - b.firstSeq
	if idx < 0 || idx >= int64(len(b.blocks)) {
		return nil
	}
	return b.blocks[idx]
}

func (b *Buffer) absPos(it Iterator) int64 {
	return it.seq*int64(b.blockSize) + int64(it.off)
}

// Begin returns the iterator at the start of the live region.
func (b *Buffer) Begin() Iterator { return Iterator{seq: b.firstSeq, off: b.beginOff} }

// End returns the iterator just past the live region (the append point).
func (b *Buffer) End() Iterator {
	return Iterator{seq: b.firstSeq + int64(len(b.blocks)) - 1, off: b.endOff}
}

// Len reports the number of live bytes in the buffer.
func (b *Buffer) Len() int64 { return b.absPos(b.End()) - b.absPos(b.Begin()) }

// Empty reports whether the buffer currently holds no live bytes.
func (b *Buffer) Empty() bool { return b.Len() == 0 }

// Has reports whether n more bytes exist starting at it.
func (b *Buffer) Has(it Iterator, n int) bool {
	if n < 0 {
		return false
	}
	pos := b.absPos(it)
	return pos >= b.absPos(b.Begin()) && pos+int64(n) <= b.absPos(b.End())
}

// Advance returns the iterator n bytes after it. It performs pure arithmetic
// and does not validate that the target region is live; pair with Has when
// that matters.
func (b *Buffer) Advance(it Iterator, n int) Iterator {
	abs := b.absPos(it) + int64(n)
	return Iterator{seq: abs / int64(b.blockSize), off: int(abs % int64(b.blockSize))}
}

// Distance returns to-from in bytes.
func (b *Buffer) Distance(from, to Iterator) int64 { return b.absPos(to) - b.absPos(from) }

// Compare returns -1, 0, or 1 as a is before, at, or after b2.
func (b *Buffer) Compare(a, b2 Iterator) int {
	pa, pb := b.absPos(a), b.absPos(b2)
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

func (b *Buffer) allocBlock() {
	blk := &block{seq: b.nextSeq, data: make([]byte, b.blockSize)}
	b.blocks = append(b.blocks, blk)
	b.nextSeq++
	b.endOff = 0
}

// Grow reserves n uninitialized bytes at the end of the buffer and returns
// an iterator to the start of that region. Callers fill the region in place
// (e.g. via IOV into a non-blocking recv) and shrink any unused tail with
// DropBack.
func (b *Buffer) Grow(n int) (Iterator, error) {
	if n < 0 {
		return Iterator{}, ErrInvalidArgument
	}
	start := b.End()
	remaining := n
	for remaining > 0 {
		free := b.blockSize - b.endOff
		if free == 0 {
			if b.capBytes > 0 && (b.nextSeq-b.firstSeq+1)*int64(b.blockSize) > b.capBytes {
				return Iterator{}, ErrBufferFull
			}
			b.allocBlock()
			free = b.blockSize
		}
		take := free
		if take > remaining {
			take = remaining
		}
		b.endOff += take
		remaining -= take
	}
	return start, nil
}

func (b *Buffer) copyIn(it Iterator, p []byte) {
	seq, off := it.seq, it.off
	n := 0
	for n < len(p) {
		blk := b.blockAt(seq)
		c := copy(blk.data[off:b.blockSize], p[n:])
		n += c
		off += c
		if off == b.blockSize {
			seq++
			off = 0
		}
	}
}

// Write appends p, growing the buffer as needed. It fails with ErrBufferFull
// if the configured cap would be exceeded.
func (b *Buffer) Write(p []byte) (int, error) {
	it, err := b.Grow(len(p))
	if err != nil {
		return 0, err
	}
	b.copyIn(it, p)
	return len(p), nil
}

// DropFront discards n live bytes from the head of the buffer. n must be > 0;
// callers must guard against n == 0 themselves (the contract spec.md §4.1
// describes).
func (b *Buffer) DropFront(n int) error {
	if n <= 0 {
		return ErrInvalidArgument
	}
	if int64(n) > b.Len() {
		return ErrInvalidArgument
	}
	remaining := n
	for remaining > 0 {
		var avail int
		if len(b.blocks) == 1 {
			avail = b.endOff - b.beginOff
		} else {
			avail = b.blockSize - b.beginOff
		}
		take := remaining
		if take > avail {
			take = avail
		}
		b.beginOff += take
		remaining -= take

		if len(b.blocks) > 1 && b.beginOff == b.blockSize {
			b.blocks = b.blocks[1:]
			b.firstSeq++
			b.beginOff = 0
		} else if len(b.blocks) == 1 && b.beginOff == b.blockSize {
			// Sole block fully drained and full: recycle it for the next append.
			b.firstSeq = b.nextSeq
			b.nextSeq++
			b.blocks[0] = &block{seq: b.firstSeq, data: make([]byte, b.blockSize)}
			b.beginOff = 0
			b.endOff = 0
		}
	}
	return nil
}

// DropBack discards n bytes from the tail of the buffer (e.g. to shrink a
// Grow region that a recv only partially filled). n must be > 0.
func (b *Buffer) DropBack(n int) error {
	if n <= 0 {
		return ErrInvalidArgument
	}
	if int64(n) > b.Len() {
		return ErrInvalidArgument
	}
	remaining := n
	for remaining > 0 {
		var avail int
		if len(b.blocks) == 1 {
			avail = b.endOff - b.beginOff
		} else {
			avail = b.endOff
		}
		take := remaining
		if take > avail {
			take = avail
		}
		b.endOff -= take
		remaining -= take

		if len(b.blocks) > 1 && b.endOff == 0 {
			b.blocks = b.blocks[:len(b.blocks)-1]
			b.nextSeq--
			b.endOff = b.blockSize
		}
	}
	return nil
}

// IOV returns up to max scatter/gather segments spanning the live (or
// reserved) range [begin, end), one per block crossed. Segments reference
// the buffer's own backing arrays; callers must not retain them past the
// next mutating call.
func (b *Buffer) IOV(begin, end Iterator, max int) [][]byte {
	out := make([][]byte, 0, max)
	seq, off := begin.seq, begin.off
	endAbs := b.absPos(end)
	for len(out) < max {
		pos := seq*int64(b.blockSize) + int64(off)
		if pos >= endAbs {
			break
		}
		blk := b.blockAt(seq)
		if blk == nil {
			break
		}
		upto := b.blockSize
		if seq == end.seq && end.off < upto {
			upto = end.off
		}
		out = append(out, blk.data[off:upto])
		seq++
		off = 0
	}
	return out
}

// IOVToEnd is IOV(begin, End(), max).
func (b *Buffer) IOVToEnd(begin Iterator, max int) [][]byte {
	return b.IOV(begin, b.End(), max)
}

// Reader returns an io.Reader over the live range [begin, end). Bytes are
// copied out of the buffer's blocks on Read, but no block is ever retained
// or duplicated ahead of being read, so the reader remains zero-copy with
// respect to the buffer's own storage.
func (b *Buffer) Reader(begin, end Iterator) io.Reader {
	return &bufReader{b: b, seq: begin.seq, off: begin.off, endAbs: b.absPos(end)}
}

type bufReader struct {
	b      *Buffer
	seq    int64
	off    int
	endAbs int64
}

func (r *bufReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	pos := r.seq*int64(r.b.blockSize) + int64(r.off)
	if pos >= r.endAbs {
		return 0, io.EOF
	}
	blk := r.b.blockAt(r.seq)
	if blk == nil {
		return 0, io.ErrUnexpectedEOF
	}
	remainInBlock := int64(r.b.blockSize - r.off)
	remainTotal := r.endAbs - pos
	n := remainInBlock
	if remainTotal < n {
		n = remainTotal
	}
	if int64(len(p)) < n {
		n = int64(len(p))
	}
	copy(p, blk.data[r.off:r.off+int(n)])
	r.off += int(n)
	if r.off == r.b.blockSize {
		r.seq++
		r.off = 0
	}
	return int(n), nil
}

// BlockSize returns the block granularity this buffer was created with.
func (b *Buffer) BlockSize() int { return b.blockSize }
