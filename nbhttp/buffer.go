// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

// Buffer is the fixed-capacity arena a connection uses for both directions.
//
//	[0, rxStart)        free, reclaimed by compaction
//	[rxStart, rxEnd)    received, not yet consumed
//	[rxEnd, txStart)    free for receiving
//	[txStart, txEnd)    staged, not yet transmitted
//	[txEnd, cap)        free for staging
//
// The staged region always starts at or after rxEnd, so the two regions never
// overlap. When nothing is staged the receive region may use the whole buffer.
type Buffer struct {
	buf     []byte
	rxStart int
	rxEnd   int
	txStart int
	txEnd   int
}

// NewBuffer .
func NewBuffer(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Reset drops both regions.
func (b *Buffer) Reset() {
	b.rxStart, b.rxEnd, b.txStart, b.txEnd = 0, 0, 0, 0
}

// Empty reports whether nothing is received or staged.
func (b *Buffer) Empty() bool {
	return b.rxEnd == b.rxStart && b.txEnd == b.txStart
}

func (b *Buffer) compact() {
	if b.rxStart == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.rxStart:b.rxEnd])
	b.rxStart, b.rxEnd = 0, n
}

func (b *Buffer) rxLimit() int {
	if b.txEnd > b.txStart {
		return b.txStart
	}
	return len(b.buf)
}

// Received returns the received bytes not yet consumed.
func (b *Buffer) Received() []byte {
	return b.buf[b.rxStart:b.rxEnd]
}

// RxLen .
func (b *Buffer) RxLen() int {
	return b.rxEnd - b.rxStart
}

// Consume marks n received bytes as processed.
func (b *Buffer) Consume(n int) {
	if n > b.rxEnd-b.rxStart {
		n = b.rxEnd - b.rxStart
	}
	b.rxStart += n
	if b.rxStart == b.rxEnd {
		b.rxStart, b.rxEnd = 0, 0
		if b.txEnd == b.txStart {
			b.txStart, b.txEnd = 0, 0
		}
	}
}

// RxSpace returns the region a transport may receive into. Commit must follow
// with the number of bytes actually written.
func (b *Buffer) RxSpace() []byte {
	b.compact()
	return b.buf[b.rxEnd:b.rxLimit()]
}

// Commit appends n bytes written into RxSpace to the received region.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.rxEnd+n > b.rxLimit() {
		panic("nbhttp: Buffer.Commit out of range")
	}
	b.rxEnd += n
}

// RxFull reports whether the received region cannot grow.
func (b *Buffer) RxFull() bool {
	return b.rxStart == 0 && b.rxEnd == b.rxLimit()
}

// TxLen returns the number of staged bytes.
func (b *Buffer) TxLen() int {
	return b.txEnd - b.txStart
}

func (b *Buffer) stageStart() int {
	if b.txEnd > b.txStart {
		return b.txEnd
	}
	b.compact()
	return b.rxEnd
}

// TxFree returns how many more bytes can be staged.
func (b *Buffer) TxFree() int {
	return len(b.buf) - b.stageStart()
}

// Staged returns the staged bytes in transmit order.
func (b *Buffer) Staged() []byte {
	return b.buf[b.txStart:b.txEnd]
}

// Sent drops n bytes from the front of the staged region.
func (b *Buffer) Sent(n int) {
	if n > b.txEnd-b.txStart {
		n = b.txEnd - b.txStart
	}
	b.txStart += n
	if b.txStart == b.txEnd {
		b.txStart, b.txEnd = 0, 0
	}
}

// Skip drops n staged bytes that must not be transmitted. It is Sent under
// another name so callers read clearly.
func (b *Buffer) Skip(n int) {
	b.Sent(n)
}

// Free returns the staging area. Extend commits what was written into it.
func (b *Buffer) Free() []byte {
	return b.buf[b.stageStart():]
}

// Extend appends n bytes written into Free to the staged region.
func (b *Buffer) Extend(n int) {
	start := b.stageStart()
	if n < 0 || start+n > len(b.buf) {
		panic("nbhttp: Buffer.Extend out of range")
	}
	if b.txEnd == b.txStart {
		b.txStart, b.txEnd = start, start
	}
	b.txEnd += n
}

// Reserve stages n bytes to be filled later and returns their offset.
func (b *Buffer) Reserve(n int) (int, bool) {
	if n > b.TxFree() {
		return 0, false
	}
	off := b.stageStart()
	b.Extend(n)
	return off, true
}

// Unreserve removes n bytes from the end of the staged region.
func (b *Buffer) Unreserve(n int) {
	if n > b.txEnd-b.txStart {
		n = b.txEnd - b.txStart
	}
	b.txEnd -= n
	if b.txStart == b.txEnd {
		b.txStart, b.txEnd = 0, 0
	}
}

// At returns n bytes at offset off, used to fill reserved space.
func (b *Buffer) At(off, n int) []byte {
	return b.buf[off : off+n]
}

// Write stages p entirely or not at all.
func (b *Buffer) Write(p []byte) bool {
	if len(p) > b.TxFree() {
		return false
	}
	n := copy(b.Free(), p)
	b.Extend(n)
	return true
}

// WriteString stages s entirely or not at all.
func (b *Buffer) WriteString(s string) bool {
	if len(s) > b.TxFree() {
		return false
	}
	n := copy(b.Free(), s)
	b.Extend(n)
	return true
}

// WriteSome stages as much of p as fits and returns the count.
func (b *Buffer) WriteSome(p []byte) int {
	n := copy(b.Free(), p)
	b.Extend(n)
	return n
}
