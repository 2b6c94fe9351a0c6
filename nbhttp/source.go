// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"errors"
	"io"
)

// KV is one name/value pair of a query string, header list or form.
type KV struct {
	Key   string
	Value string
}

// QuerySource yields query pairs one at a time. ok is false once it is done.
// A pair returned is kept by the writer until it fits in the buffer, so
// NextQuery is never asked twice for the same pair.
type QuerySource interface {
	NextQuery() (kv KV, ok bool, err error)
}

// HeaderSource yields extra request headers one at a time, like QuerySource.
type HeaderSource interface {
	NextHeader() (kv KV, ok bool, err error)
}

// BodySource fills p with the next part of a request body. last reports that
// no more data follows. Returning 0 bytes with last unset suspends the
// request until the next step.
type BodySource interface {
	ReadBody(p []byte) (n int, last bool, err error)
}

// ValueSource fills p with the next part of a multipart value, like BodySource.
type ValueSource interface {
	ReadValue(p []byte) (n int, last bool, err error)
}

// HeaderSink receives response headers the client does not interpret itself.
type HeaderSink interface {
	OnHeader(resp *Response, name, value string)
}

// BodySink receives response body data as it is parsed. data is only valid
// during the call.
type BodySink interface {
	OnBody(resp *Response, data []byte, last bool)
}

// KVs is a QuerySource and HeaderSource over a fixed table.
type KVs struct {
	List []KV
	idx  int
}

// NextQuery implements QuerySource.
func (s *KVs) NextQuery() (KV, bool, error) {
	return s.next()
}

// NextHeader implements HeaderSource.
func (s *KVs) NextHeader() (KV, bool, error) {
	return s.next()
}

func (s *KVs) next() (KV, bool, error) {
	if s.idx >= len(s.List) {
		return KV{}, false, nil
	}
	kv := s.List[s.idx]
	s.idx++
	return kv, true, nil
}

// ReaderSource adapts an io.Reader to BodySource and ValueSource.
type ReaderSource struct {
	Reader io.Reader
}

// ReadBody implements BodySource.
func (s *ReaderSource) ReadBody(p []byte) (int, bool, error) {
	return s.read(p)
}

// ReadValue implements ValueSource.
func (s *ReaderSource) ReadValue(p []byte) (int, bool, error) {
	return s.read(p)
}

func (s *ReaderSource) read(p []byte) (int, bool, error) {
	n, err := s.Reader.Read(p)
	if errors.Is(err, io.EOF) {
		return n, true, nil
	}
	return n, false, err
}

// BytesSource serves a byte slice in pieces, used where a source is required.
type BytesSource struct {
	Data []byte
	off  int
}

// ReadBody implements BodySource.
func (s *BytesSource) ReadBody(p []byte) (int, bool, error) {
	return s.read(p)
}

// ReadValue implements ValueSource.
func (s *BytesSource) ReadValue(p []byte) (int, bool, error) {
	return s.read(p)
}

func (s *BytesSource) read(p []byte) (int, bool, error) {
	n := copy(p, s.Data[s.off:])
	s.off += n
	return n, s.off == len(s.Data), nil
}
