// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"net/http"
)

// Response is filled by the parser while a response arrives. It belongs to
// its Request and is valid until the request is reused.
type Response struct {
	Request *Request

	Proto      string
	StatusCode int
	Reason     string

	// Header holds headers not interpreted by the client when the request
	// has no HeaderSink.
	Header http.Header

	ContentType   string
	ContentLength int64
	Chunked       bool

	// Close is set by "Connection: close" and by bodies read until close.
	Close     bool
	KeepAlive bool

	Upgrade          string
	WebSocketAccept  string
	WebSocketVersion string

	// Body collects body data when the request has no BodySink, up to
	// Config.MaxBodySize.
	Body []byte
}

func newResponse(req *Request) *Response {
	return &Response{Request: req, ContentLength: -1}
}

// persistent reports whether the connection may carry another request.
func (resp *Response) persistent() bool {
	if resp.Close {
		return false
	}
	if resp.Proto == protoHTTP10 {
		return resp.KeepAlive
	}
	return true
}

func (resp *Response) onHeader(name, value string) {
	if req := resp.Request; req != nil && req.HeaderSink != nil {
		req.HeaderSink.OnHeader(resp, name, value)
		return
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Add(name, value)
}

// streamed reports whether the body goes to a BodySink.
func (resp *Response) streamed() bool {
	return resp.Request != nil && resp.Request.BodySink != nil
}

func (resp *Response) onBody(data []byte, last bool) {
	if req := resp.Request; req != nil && req.BodySink != nil {
		req.BodySink.OnBody(resp, data, last)
		return
	}
	if len(data) > 0 {
		resp.Body = append(resp.Body, data...)
	}
}
