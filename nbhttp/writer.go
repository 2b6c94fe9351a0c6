// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"fmt"
	"strconv"

	"github.com/lesismal/nbhttpc"
)

type writerState uint8

const (
	wMethod writerState = iota
	wPath
	wQuery
	wVersion
	wHost
	wConnection
	wContentType
	wTransferEncoding
	wContentLength
	wUpgrade
	wExtra
	wHeadersEnd
	wBodyRaw
	wBodyChunked
	wBodyURLForm
	wBodyMultipart
	wEnd
)

type bodyKind uint8

const (
	bodyNone bodyKind = iota
	bodyRaw
	bodyChunked
	bodyURLForm
	bodyMultipart
)

type multipartState uint8

const (
	mpHead multipartState = iota
	mpData
	mpDataEnd
	mpClose
)

// writer serializes one request into a Buffer. Its fields are the cursor
// that lets step resume exactly where the buffer filled up.
type writer struct {
	req        *Request
	host       string
	port       int
	persistent bool
	boundary   string

	state writerState
	body  bodyKind

	// idx indexes the current table; pending holds a pulled pair that did
	// not fit yet.
	idx        int
	pending    KV
	hasPending bool

	// off counts data bytes of the current body or form field.
	off     int64
	length  int64
	mpState multipartState
	chunk   chunkEncoder
}

func (w *writer) reset(req *Request, host string, port int, persistent bool, boundary string, capacity int) {
	*w = writer{
		req:        req,
		host:       host,
		port:       port,
		persistent: persistent,
		boundary:   boundary,
		chunk:      newChunkEncoder(capacity),
	}
	switch {
	case req.Form != nil && req.ContentType == ContentTypeURLForm:
		w.body = bodyURLForm
		w.length = req.Form.URLEncodedLen()
	case req.Form != nil:
		w.body = bodyMultipart
		w.length = req.Form.MultipartLen(boundary)
	case req.hasBody() && req.Chunked:
		w.body = bodyChunked
		w.length = -1
	case req.hasBody():
		w.body = bodyRaw
		w.length = req.ContentLength
	default:
		w.body = bodyNone
		w.length = 0
		if p, _ := methodPolicy(req.Method); p != bodyFormOrData && p != bodyData {
			w.length = -1
		}
	}
}

// phase maps the cursor to the connection state family.
func (w *writer) phase() connState {
	switch {
	case w.state <= wVersion:
		return stateReqLine
	case w.state <= wHeadersEnd:
		return stateReqHeaders
	case w.state < wEnd:
		return stateReqBody
	}
	return stateReqEnd
}

func (w *writer) done() bool {
	return w.state == wEnd
}

func (w *writer) next(s writerState) (Step, error) {
	w.state = s
	w.idx = 0
	w.hasPending = false
	return StepProgress, nil
}

// step emits one unit. StepProgress means a unit was completed; callers loop
// until done or StepExhausted.
func (w *writer) step(b *Buffer) (Step, error) {
	req := w.req
	switch w.state {
	case wMethod:
		if !writeString2(b, req.Method, " ") {
			return exhausted(b, len(req.Method)+1)
		}
		return w.next(wPath)

	case wPath:
		if !b.WriteString(req.Path) {
			return exhausted(b, len(req.Path))
		}
		return w.next(wQuery)

	case wQuery:
		kv, ok, err := w.pullQuery()
		if err != nil {
			return w.pullFailed(err)
		}
		if !ok {
			return w.next(wVersion)
		}
		sep := byte('&')
		if w.idx == 0 {
			sep = '?'
		}
		if !writeKV(b, sep, kv) {
			return exhausted(b, kvLen(sep, kv))
		}
		w.hasPending = false
		w.idx++
		return StepProgress, nil

	case wVersion:
		if !b.WriteString(" " + protoHTTP11 + "\r\n") {
			return exhausted(b, len(protoHTTP11)+3)
		}
		return w.next(wHost)

	case wHost:
		host := w.host
		if w.port != 80 && w.port != 443 && w.port != 0 {
			host += ":" + strconv.Itoa(w.port)
		}
		return w.header(b, "Host", host, wConnection)

	case wConnection:
		v := "close"
		if req.Upgrade != nil {
			v = "Upgrade"
		} else if w.persistent {
			v = "keep-alive"
		}
		return w.header(b, "Connection", v, wContentType)

	case wContentType:
		v := req.ContentType
		if w.body == bodyMultipart {
			v = multipartContentType(w.boundary)
		}
		if v == "" {
			return w.next(wTransferEncoding)
		}
		return w.header(b, "Content-Type", v, wTransferEncoding)

	case wTransferEncoding:
		if w.body != bodyChunked {
			return w.next(wContentLength)
		}
		return w.header(b, "Transfer-Encoding", "chunked", wContentLength)

	case wContentLength:
		if w.length < 0 {
			return w.next(wUpgrade)
		}
		return w.header(b, "Content-Length", formatLength(w.length), wUpgrade)

	case wUpgrade:
		if req.Upgrade == nil {
			return w.next(wExtra)
		}
		hs := req.Upgrade.Headers()
		if w.idx >= len(hs) {
			return w.next(wExtra)
		}
		if !writeHeader(b, hs[w.idx].Key, hs[w.idx].Value) {
			return exhausted(b, headerLen(hs[w.idx].Key, hs[w.idx].Value))
		}
		w.idx++
		return StepProgress, nil

	case wExtra:
		kv, ok, err := w.pullHeader()
		if err != nil {
			return w.pullFailed(err)
		}
		if !ok {
			return w.next(wHeadersEnd)
		}
		if req.HeaderSource != nil {
			if err := validHeader(kv); err != nil {
				return StepError, err
			}
		}
		if !writeHeader(b, kv.Key, kv.Value) {
			return exhausted(b, headerLen(kv.Key, kv.Value))
		}
		w.hasPending = false
		w.idx++
		return StepProgress, nil

	case wHeadersEnd:
		if !b.WriteString("\r\n") {
			return exhausted(b, 2)
		}
		switch w.body {
		case bodyRaw:
			return w.next(wBodyRaw)
		case bodyChunked:
			return w.next(wBodyChunked)
		case bodyURLForm:
			return w.next(wBodyURLForm)
		case bodyMultipart:
			w.mpState = mpHead
			return w.next(wBodyMultipart)
		}
		return w.next(wEnd)

	case wBodyRaw:
		return w.stepRaw(b)

	case wBodyChunked:
		st, err := w.chunk.step(b, w.pullChunk)
		if err != nil {
			return w.pullFailed(err)
		}
		if st == StepProgress && w.chunk.done {
			return w.next(wEnd)
		}
		return st, nil

	case wBodyURLForm:
		fields := req.Form.Fields
		if w.idx >= len(fields) {
			return w.next(wEnd)
		}
		var sep byte
		if w.idx > 0 {
			sep = '&'
		}
		kv := KV{fields[w.idx].Name, fields[w.idx].Value}
		n := kvLen(sep, kv)
		if kv.Value == "" {
			// "name=" keeps the precomputed length exact.
			n++
		}
		if n > b.TxFree() {
			return exhausted(b, n)
		}
		writeKV(b, sep, kv)
		if kv.Value == "" {
			b.WriteString("=")
		}
		w.idx++
		return StepProgress, nil

	case wBodyMultipart:
		return w.stepMultipart(b)

	case wEnd:
		return StepProgress, nil
	}
	return StepError, fmt.Errorf("invalid writer state %v", w.state)
}

func (w *writer) header(b *Buffer, name, value string, next writerState) (Step, error) {
	if !writeHeader(b, name, value) {
		return exhausted(b, headerLen(name, value))
	}
	return w.next(next)
}

// pullFailed suspends on transient source errors and fails on others.
func (w *writer) pullFailed(err error) (Step, error) {
	if nbhttpc.IsTransient(err) {
		return StepExhausted, nil
	}
	return StepError, err
}

func (w *writer) pullQuery() (KV, bool, error) {
	if w.hasPending {
		return w.pending, true, nil
	}
	if src := w.req.QuerySource; src != nil {
		kv, ok, err := src.NextQuery()
		if ok && err == nil {
			w.pending, w.hasPending = kv, true
		}
		return kv, ok, err
	}
	if w.idx < len(w.req.Query) {
		return w.req.Query[w.idx], true, nil
	}
	return KV{}, false, nil
}

func (w *writer) pullHeader() (KV, bool, error) {
	if w.hasPending {
		return w.pending, true, nil
	}
	if src := w.req.HeaderSource; src != nil {
		kv, ok, err := src.NextHeader()
		if ok && err == nil {
			w.pending, w.hasPending = kv, true
		}
		return kv, ok, err
	}
	if w.idx < len(w.req.Header) {
		return w.req.Header[w.idx], true, nil
	}
	return KV{}, false, nil
}

func (w *writer) stepRaw(b *Buffer) (Step, error) {
	req := w.req
	remain := w.length - w.off
	if remain == 0 {
		return w.next(wEnd)
	}
	free := b.Free()
	if len(free) == 0 {
		return StepExhausted, nil
	}
	if int64(len(free)) > remain {
		free = free[:remain]
	}
	if req.BodySource == nil {
		n := copy(free, req.Body[w.off:])
		b.Extend(n)
		w.off += int64(n)
		return StepProgress, nil
	}
	n, last, err := req.BodySource.ReadBody(free)
	if err != nil {
		return w.pullFailed(err)
	}
	b.Extend(n)
	w.off += int64(n)
	if last && w.off < w.length {
		return StepError, fmt.Errorf("%w: %v of %v bytes", ErrBodySource, w.off, w.length)
	}
	if n == 0 {
		return StepExhausted, nil
	}
	return StepProgress, nil
}

func (w *writer) pullChunk(p []byte) (int, bool, error) {
	req := w.req
	if req.BodySource != nil {
		return req.BodySource.ReadBody(p)
	}
	n := copy(p, req.Body[w.off:])
	w.off += int64(n)
	return n, w.off == int64(len(req.Body)), nil
}

func (w *writer) stepMultipart(b *Buffer) (Step, error) {
	fields := w.req.Form.Fields
	if w.mpState != mpClose && w.idx >= len(fields) {
		w.mpState = mpClose
	}
	switch w.mpState {
	case mpHead:
		field := &fields[w.idx]
		n := fieldHeadLen(w.boundary, field)
		if n > b.TxFree() {
			return exhausted(b, n)
		}
		head := appendFieldHead(b.Free()[:0], w.boundary, field)
		b.Extend(len(head))
		w.off = 0
		w.mpState = mpData
		return StepProgress, nil

	case mpData:
		field := &fields[w.idx]
		if field.Kind == FormKV {
			if !b.WriteString(field.Value) {
				return exhausted(b, len(field.Value))
			}
			w.mpState = mpDataEnd
			return StepProgress, nil
		}
		remain := field.Length - w.off
		if remain == 0 {
			w.mpState = mpDataEnd
			return StepProgress, nil
		}
		free := b.Free()
		if len(free) == 0 {
			return StepExhausted, nil
		}
		if int64(len(free)) > remain {
			free = free[:remain]
		}
		var (
			n    int
			last bool
			err  error
		)
		if field.Kind == FormKVExt {
			n, last, err = field.ValueSource.ReadValue(free)
		} else {
			n, last, err = field.File.ReadBody(free)
		}
		if err != nil {
			return w.pullFailed(err)
		}
		b.Extend(n)
		w.off += int64(n)
		if last && w.off < field.Length {
			return StepError, fmt.Errorf("%w: field %q, %v of %v bytes", ErrBodySource, field.Name, w.off, field.Length)
		}
		if n == 0 {
			return StepExhausted, nil
		}
		return StepProgress, nil

	case mpDataEnd:
		if !b.WriteString("\r\n") {
			return exhausted(b, 2)
		}
		w.idx++
		w.mpState = mpHead
		return StepProgress, nil

	case mpClose:
		if !writeString3(b, "--", w.boundary, "--\r\n") {
			return exhausted(b, len(w.boundary)+6)
		}
		return w.next(wEnd)
	}
	return StepError, fmt.Errorf("invalid multipart state %v", w.mpState)
}

func headerLen(name, value string) int {
	return len(name) + 2 + len(value) + 2
}

// writeHeader stages "name: value\r\n" or nothing.
func writeHeader(b *Buffer, name, value string) bool {
	n := headerLen(name, value)
	if n > b.TxFree() {
		return false
	}
	dst := b.Free()[:0]
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	dst = append(dst, "\r\n"...)
	b.Extend(len(dst))
	return true
}

func writeString2(b *Buffer, s1, s2 string) bool {
	return writeString3(b, s1, s2, "")
}

func writeString3(b *Buffer, s1, s2, s3 string) bool {
	n := len(s1) + len(s2) + len(s3)
	if n > b.TxFree() {
		return false
	}
	dst := b.Free()[:0]
	dst = append(dst, s1...)
	dst = append(dst, s2...)
	dst = append(dst, s3...)
	b.Extend(len(dst))
	return true
}
