// Package bufstream provides a FIFO of scatter buffers that behaves as a
// contiguous readable byte stream, with peek/view/exact-read operations on
// top of the underlying list of sbuf.Buffer chunks.
package bufstream

import (
	"github.com/cppla/waterway/sbuf"
)

// Stream is an ordered sequence of sbufs presenting a single readable byte
// FIFO. Length equals the sum of component buffer lengths; Push takes
// ownership of the buffer it's given.
type Stream struct {
	chunks    []*sbuf.Buffer
	headOff   int // bytes already consumed from chunks[0]
	totalLen  int
	leftPad   int // required head padding propagated to buffers returned by ReadExact
}

// New returns an empty stream. leftPad is the chain's declared
// required-padding-left, preserved on any buffer ReadExact hands back.
func New(leftPad int) *Stream {
	return &Stream{leftPad: leftPad}
}

// Push appends buf to the tail of the stream, taking ownership of it.
func (s *Stream) Push(buf *sbuf.Buffer) {
	if buf.Length() == 0 {
		return
	}
	s.chunks = append(s.chunks, buf)
	s.totalLen += buf.Length()
}

// Len reports the total number of readable bytes buffered.
func (s *Stream) Len() int { return s.totalLen }

// Empty reports whether the stream currently holds no readable bytes. It
// does not modify the stream.
func (s *Stream) Empty() bool { return s.totalLen == 0 }

// Reset discards all buffered chunks, as the framing node's overflow policy
// requires.
func (s *Stream) Reset() {
	s.chunks = s.chunks[:0]
	s.headOff = 0
	s.totalLen = 0
}

// ViewBytesAt copies n bytes starting at offset into dst without consuming
// them from the stream. Returns the number of bytes copied, which is less
// than n if the stream does not hold that many bytes from offset onward.
func (s *Stream) ViewBytesAt(offset int, dst []byte, n int) int {
	if offset < 0 || n <= 0 || offset >= s.totalLen {
		return 0
	}
	remaining := n
	if avail := s.totalLen - offset; remaining > avail {
		remaining = avail
	}
	copied := 0
	// Walk the chunk list, tracking the logical offset of each chunk's
	// first unconsumed byte.
	pos := -s.headOff
	for _, c := range s.chunks {
		chunkLen := c.Length()
		chunkStart := pos
		chunkEnd := pos + chunkLen
		pos = chunkEnd
		if chunkEnd <= offset {
			continue
		}
		// overlap region within this chunk
		readStart := offset - chunkStart
		if readStart < 0 {
			readStart = 0
		}
		view := c.View()
		avail := chunkLen - readStart
		want := remaining - copied
		if want > avail {
			want = avail
		}
		copy(dst[copied:copied+want], view[readStart:readStart+want])
		copied += want
		offset += want
		if copied >= remaining {
			break
		}
	}
	return copied
}

// ReadExact returns a new buffer of exactly n bytes, consuming them from the
// head of the stream. Returns nil if fewer than n bytes are buffered — no
// partial reads. The returned buffer preserves the stream's declared head
// padding.
func (s *Stream) ReadExact(n int) *sbuf.Buffer {
	if n < 0 {
		panic("bufstream: ReadExact negative n")
	}
	if n > s.totalLen {
		return nil
	}
	out := sbuf.Allocate(n, s.leftPad)
	remaining := n
	for remaining > 0 {
		head := s.chunks[0]
		view := head.View()[s.headOff:]
		take := remaining
		if take > len(view) {
			take = len(view)
		}
		if err := out.Append(view[:take], take); err != nil {
			panic(err)
		}
		s.headOff += take
		remaining -= take
		if s.headOff >= head.Length() {
			s.chunks = s.chunks[1:]
			s.headOff = 0
		}
	}
	s.totalLen -= n
	return out
}
