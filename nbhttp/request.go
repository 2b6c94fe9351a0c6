// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"fmt"
	"strings"
	"sync/atomic"
)

const (
	// ContentTypeURLForm .
	ContentTypeURLForm = "application/x-www-form-urlencoded"
	// ContentTypeMultipart .
	ContentTypeMultipart = "multipart/form-data"
)

// Request describes one HTTP request. It is owned by the connection from
// Submit until OnComplete or OnError returns, and must not be changed in
// between.
type Request struct {
	Method string
	// Path is written as is and defaults to "/".
	Path string

	// Query is encoded after Path. QuerySource, if set, is used instead.
	Query       []KV
	QuerySource QuerySource

	// Header holds extra headers. HeaderSource, if set, is used instead.
	// Names the client computes itself are rejected.
	Header       []KV
	HeaderSource HeaderSource

	ContentType   string
	ContentLength int64
	Chunked       bool

	// Form is the body of a url-encoded or multipart request.
	Form *Form

	// Body is sent as is. BodySource, if set, is pulled instead.
	Body       []byte
	BodySource BodySource

	HeaderSink HeaderSink
	BodySink   BodySink

	OnComplete func(req *Request, resp *Response)
	OnError    func(req *Request, err error)

	// Upgrade switches the connection to another protocol once a
	// "101 Switching Protocols" response is accepted by it.
	Upgrade Protocol

	// Response is filled while the response is parsed.
	Response *Response

	inUse int32
	next  *Request
}

func (req *Request) hasBody() bool {
	return req.Body != nil || req.BodySource != nil
}

func (req *Request) acquire() bool {
	return atomic.CompareAndSwapInt32(&req.inUse, 0, 1)
}

func (req *Request) release() {
	atomic.StoreInt32(&req.inUse, 0)
}

// InUse reports whether the request is queued or active on a connection.
func (req *Request) InUse() bool {
	return atomic.LoadInt32(&req.inUse) == 1
}

// validate checks the request before it is queued and fills derived fields.
func (req *Request) validate(noBlock bool) error {
	req.Method = strings.ToUpper(req.Method)
	policy, ok := methodPolicy(req.Method)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if req.Path == "" {
		req.Path = "/"
	}
	if req.Path[0] != '/' && req.Path != "*" {
		return fmt.Errorf("%w: %q", ErrInvalidPath, req.Path)
	}
	if strings.ContainsAny(req.Path, " \r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, req.Path)
	}

	if noBlock && (req.OnComplete == nil || req.OnError == nil) {
		return ErrCallbackRequired
	}

	for _, kv := range req.Header {
		if err := validHeader(kv); err != nil {
			return err
		}
	}

	if req.Form != nil && req.hasBody() {
		return ErrBodyAndForm
	}
	switch policy {
	case bodyNever:
		if req.Form != nil || req.hasBody() {
			return fmt.Errorf("%w: %v", ErrBodyNotAllowed, req.Method)
		}
	case bodyOptional, bodyData:
		if req.Form != nil {
			return fmt.Errorf("%w: form on %v", ErrBodyNotAllowed, req.Method)
		}
	}

	if req.Form != nil {
		return req.validateForm()
	}

	if !req.hasBody() {
		req.Chunked = false
		if req.ContentLength < 0 {
			req.ContentLength = 0
		}
		return nil
	}
	if req.Chunked {
		return nil
	}
	if req.BodySource == nil {
		if req.ContentLength == 0 {
			req.ContentLength = int64(len(req.Body))
		}
		if req.ContentLength != int64(len(req.Body)) {
			return fmt.Errorf("%w: ContentLength %v, body %v", ErrContentLengthRequired, req.ContentLength, len(req.Body))
		}
		return nil
	}
	if req.ContentLength <= 0 {
		return ErrContentLengthRequired
	}
	return nil
}

func (req *Request) validateForm() error {
	req.Chunked = false
	switch req.ContentType {
	case ContentTypeURLForm:
		for i := range req.Form.Fields {
			if req.Form.Fields[i].Kind != FormKV {
				return ErrFormFieldType
			}
		}
	case ContentTypeMultipart:
		for i := range req.Form.Fields {
			if err := req.Form.Fields[i].validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrFormContentType, req.ContentType)
	}
	return nil
}

func validHeader(kv KV) error {
	if !isValidToken(kv.Key) {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, kv.Key)
	}
	if isReservedHeader(kv.Key) {
		return fmt.Errorf("%w: %q", ErrReservedHeader, kv.Key)
	}
	if strings.ContainsAny(kv.Value, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidHeader, kv.Key)
	}
	return nil
}
