// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	transferEncodingHeader = "Transfer-Encoding"
	contentLengthHeader    = "Content-Length"
	contentTypeHeader      = "Content-Type"
	connectionHeader       = "Connection"
	upgradeHeader          = "Upgrade"
	wsAcceptHeader         = "Sec-Websocket-Accept"
	wsVersionHeader        = "Sec-Websocket-Version"
)

type parserState uint8

const (
	pStatus parserState = iota
	pHeader
	pBodyLength
	pBodyClose
	pChunkSize
	pChunkData
	pChunkCRLF
	pTrailer
	pDone
)

// parser reads one response out of a Buffer. Lines are only consumed once
// complete, so a partial line stays at the front of the buffer until the
// next receive completes it.
type parser struct {
	state  parserState
	resp   *Response
	head   bool
	remain int64

	// maxBody bounds Response.Body, no limit if not positive.
	maxBody int64
}

func (p *parser) reset(req *Request) {
	resp := newResponse(req)
	if req != nil {
		req.Response = resp
	}
	*p = parser{
		state:   pStatus,
		resp:    resp,
		head:    req != nil && req.Method == MethodHead,
		maxBody: p.maxBody,
	}
}

func (p *parser) done() bool {
	return p.state == pDone
}

// phase maps the parser to the connection state family.
func (p *parser) phase() connState {
	switch p.state {
	case pStatus:
		return stateRespStatus
	case pHeader:
		return stateRespHeaders
	case pDone:
		return stateRespCompleted
	}
	return stateRespBody
}

// readLine returns the next CRLF-terminated line without the CRLF and the
// number of bytes it occupies.
func readLine(b *Buffer) ([]byte, int, Step, error) {
	data := b.Received()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if b.RxFull() {
			return nil, 0, StepError, ErrTooLong
		}
		return nil, 0, StepExhausted, nil
	}
	if i == 0 || data[i-1] != '\r' {
		return nil, 0, StepError, ErrInvalidCRLF
	}
	return data[:i-1], i + 1, StepProgress, nil
}

// step parses one line or one run of body bytes.
func (p *parser) step(b *Buffer) (Step, error) {
	switch p.state {
	case pStatus:
		line, n, st, err := readLine(b)
		if st != StepProgress {
			return st, err
		}
		if err := p.parseStatus(line); err != nil {
			return StepError, err
		}
		b.Consume(n)
		p.state = pHeader
		return StepProgress, nil

	case pHeader, pTrailer:
		line, n, st, err := readLine(b)
		if st != StepProgress {
			return st, err
		}
		if len(line) == 0 {
			b.Consume(n)
			if p.state == pTrailer {
				p.finish()
				return StepProgress, nil
			}
			return p.headersDone()
		}
		if err := p.parseHeader(line, p.state == pTrailer); err != nil {
			return StepError, err
		}
		b.Consume(n)
		return StepProgress, nil

	case pBodyLength, pChunkData:
		data := b.Received()
		if len(data) == 0 {
			return StepExhausted, nil
		}
		if int64(len(data)) > p.remain {
			data = data[:p.remain]
		}
		last := p.remain == int64(len(data)) && p.state == pBodyLength
		if err := p.body(data, last); err != nil {
			return StepError, err
		}
		p.remain -= int64(len(data))
		b.Consume(len(data))
		if p.remain == 0 {
			if last {
				p.state = pDone
			} else {
				p.state = pChunkCRLF
			}
		}
		return StepProgress, nil

	case pBodyClose:
		data := b.Received()
		if len(data) == 0 {
			return StepExhausted, nil
		}
		if err := p.body(data, false); err != nil {
			return StepError, err
		}
		b.Consume(len(data))
		return StepProgress, nil

	case pChunkSize:
		line, n, st, err := readLine(b)
		if st != StepProgress {
			return st, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return StepError, err
		}
		b.Consume(n)
		if size == 0 {
			p.state = pTrailer
		} else {
			p.remain = size
			p.state = pChunkData
		}
		return StepProgress, nil

	case pChunkCRLF:
		data := b.Received()
		if len(data) < 2 {
			return StepExhausted, nil
		}
		if data[0] != '\r' || data[1] != '\n' {
			return StepError, ErrInvalidCRLF
		}
		b.Consume(2)
		p.state = pChunkSize
		return StepProgress, nil

	case pDone:
		return StepProgress, nil
	}
	return StepError, fmt.Errorf("invalid parser state %v", p.state)
}

// eof ends a response whose body is read until the peer closes. For any
// other state the close is premature.
func (p *parser) eof() bool {
	if p.state == pBodyClose {
		p.finish()
		return true
	}
	return p.state == pDone
}

func (p *parser) body(data []byte, last bool) error {
	if p.maxBody > 0 && !p.resp.streamed() && int64(len(p.resp.Body)+len(data)) > p.maxBody {
		return fmt.Errorf("%w: more than %v bytes", ErrBodyTooLarge, p.maxBody)
	}
	p.resp.onBody(data, last)
	return nil
}

func (p *parser) finish() {
	p.state = pDone
	p.resp.onBody(nil, true)
}

func (p *parser) parseStatus(line []byte) error {
	s := strings.TrimLeft(string(line), " \t")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidStatusLine, s)
	}
	proto := s[:i]
	if !validVersions[proto] {
		return fmt.Errorf("%w: %q", ErrVersionNotSupported, proto)
	}
	s = strings.TrimLeft(s[i+1:], " ")
	reason := ""
	if i = strings.IndexByte(s, ' '); i >= 0 {
		s, reason = s[:i], s[i+1:]
	}
	if len(s) != 3 || !isNum(s[0]) || !isNum(s[1]) || !isNum(s[2]) {
		return fmt.Errorf("%w: %q", ErrInvalidStatusLine, s)
	}
	code, _ := strconv.Atoi(s)
	if StatusText(code) == "" {
		return fmt.Errorf("%w: %v", ErrStatusNotSupported, code)
	}

	resp := p.resp
	resp.Proto = proto
	resp.StatusCode = code
	resp.Reason = reason
	return nil
}

func (p *parser) parseHeader(line []byte, trailer bool) error {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, line)
	}
	name := strings.Trim(string(line[:i]), " \t")
	if !isValidToken(name) {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, line)
	}
	value := strings.Trim(string(line[i+1:]), " \t")
	if trailer {
		p.resp.onHeader(name, value)
		return nil
	}

	resp := p.resp
	switch canonicalHeader(name) {
	case connectionHeader:
		for _, v := range strings.Split(value, ",") {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "close":
				resp.Close = true
			case "keep-alive":
				resp.KeepAlive = true
			}
		}
	case contentTypeHeader:
		resp.ContentType = value
	case contentLengthHeader:
		n, err := strconv.ParseInt(value, 10, 63)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %q", ErrInvalidContentLength, value)
		}
		if resp.ContentLength >= 0 && resp.ContentLength != n {
			return fmt.Errorf("%w: %v != %v", ErrInvalidContentLength, resp.ContentLength, n)
		}
		resp.ContentLength = n
	case transferEncodingHeader:
		codings := strings.Split(value, ",")
		if strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			resp.Chunked = true
		}
	case upgradeHeader:
		resp.Upgrade = value
	case wsAcceptHeader:
		resp.WebSocketAccept = value
	case wsVersionHeader:
		resp.WebSocketVersion = value
	default:
		resp.onHeader(name, value)
	}
	return nil
}

func (p *parser) headersDone() (Step, error) {
	resp := p.resp
	code := resp.StatusCode
	switch {
	case code == 100:
		// interim response, the final one follows
		req := resp.Request
		p.reset(req)
		return StepProgress, nil
	case p.head, code < 200, code == 204, code == 304:
		p.finish()
	case resp.Chunked:
		resp.ContentLength = -1
		p.state = pChunkSize
	case resp.ContentLength == 0:
		p.finish()
	case resp.ContentLength > 0:
		p.remain = resp.ContentLength
		p.state = pBodyLength
	default:
		resp.Close = true
		p.state = pBodyClose
	}
	return StepProgress, nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	s := strings.Trim(string(line), " \t")
	if s == "" {
		return 0, ErrInvalidChunkSize
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, s)
		}
	}
	n, err := strconv.ParseInt(s, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, s)
	}
	return n, nil
}

var specialHeaders = [...]string{
	connectionHeader,
	contentTypeHeader,
	contentLengthHeader,
	transferEncodingHeader,
	upgradeHeader,
	wsAcceptHeader,
	wsVersionHeader,
}

func canonicalHeader(name string) string {
	for _, h := range specialHeaders {
		if len(h) == len(name) && strings.EqualFold(name, h) {
			return h
		}
	}
	return name
}
