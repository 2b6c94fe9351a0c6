// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

const chunkTerminator = "0\r\n\r\n"

// hexWidth is the number of hex digits needed for any chunk that fits in a
// buffer of the given capacity.
func hexWidth(capacity int) int {
	n := 1
	for capacity > 0xF {
		capacity >>= 4
		n++
	}
	return n
}

// putHex writes v as zero-padded upper case hex filling dst.
func putHex(dst []byte, v int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = upperHex[v&0xF]
		v >>= 4
	}
}

// chunkSource pulls body data for one chunk.
type chunkSource func(p []byte) (n int, last bool, err error)

// chunkEncoder emits a chunked body into a Buffer. Each chunk's size line is
// reserved before its data is pulled, so the data lands in place.
type chunkEncoder struct {
	width int
	last  bool
	done  bool
}

func newChunkEncoder(capacity int) chunkEncoder {
	return chunkEncoder{width: hexWidth(capacity)}
}

// step emits at most one chunk, or the terminator once the source is done.
func (e *chunkEncoder) step(b *Buffer, pull chunkSource) (Step, error) {
	if e.done {
		return StepProgress, nil
	}
	if e.last {
		if !b.WriteString(chunkTerminator) {
			return exhausted(b, len(chunkTerminator))
		}
		e.done = true
		return StepProgress, nil
	}

	head := e.width + 2
	if b.TxFree() < head+1+2 {
		return exhausted(b, head+1+2)
	}
	off, _ := b.Reserve(head)
	space := b.Free()
	n, last, err := pull(space[:len(space)-2])
	if err != nil {
		b.Unreserve(head)
		return StepError, err
	}
	e.last = last
	if n == 0 {
		b.Unreserve(head)
		if last {
			return e.step(b, pull)
		}
		return StepExhausted, nil
	}
	putHex(b.At(off, e.width), n)
	copy(b.At(off+e.width, 2), "\r\n")
	b.Extend(n)
	b.WriteString("\r\n")
	return StepProgress, nil
}

// exhausted reports a unit of size n that does not fit. If it cannot fit even
// in an empty buffer the buffer is undersized.
func exhausted(b *Buffer, n int) (Step, error) {
	if n > b.Cap() || (b.TxLen() == 0 && b.RxLen() == 0 && n > b.TxFree()) {
		return StepError, ErrBufferTooSmall
	}
	return StepExhausted, nil
}
