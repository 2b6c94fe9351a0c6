// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package nbhttp

import (
	"errors"
)

// response parsing
var (
	// ErrInvalidCRLF .
	ErrInvalidCRLF = errors.New("invalid cr/lf at the end of line")

	// ErrInvalidStatusLine .
	ErrInvalidStatusLine = errors.New("invalid HTTP status line")

	// ErrVersionNotSupported .
	ErrVersionNotSupported = errors.New("HTTP version not supported")

	// ErrStatusNotSupported .
	ErrStatusNotSupported = errors.New("HTTP status code not supported")

	// ErrInvalidHeader .
	ErrInvalidHeader = errors.New("invalid HTTP header line")

	// ErrInvalidContentLength .
	ErrInvalidContentLength = errors.New("invalid ContentLength")

	// ErrInvalidChunkSize .
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrTooLong .
	ErrTooLong = errors.New("invalid http message: too long")

	// ErrUnexpectedData .
	ErrUnexpectedData = errors.New("unexpected data received while idle")
)

// request configuration
var (
	// ErrInvalidMethod .
	ErrInvalidMethod = errors.New("invalid HTTP method")

	// ErrInvalidPath .
	ErrInvalidPath = errors.New("invalid path")

	// ErrBodyAndForm .
	ErrBodyAndForm = errors.New("request has both a body and a form")

	// ErrContentLengthRequired .
	ErrContentLengthRequired = errors.New("non-chunked body requires ContentLength")

	// ErrFormContentType .
	ErrFormContentType = errors.New("form requires a form content type")

	// ErrFormFieldType .
	ErrFormFieldType = errors.New("url-encoded form supports key/value fields only")

	// ErrCallbackRequired .
	ErrCallbackRequired = errors.New("no-block connection requires OnComplete and OnError")

	// ErrReservedHeader .
	ErrReservedHeader = errors.New("header is computed by the client and cannot be set")

	// ErrBufferTooSmall is returned when one indivisible unit cannot fit in
	// an empty connection buffer.
	ErrBufferTooSmall = errors.New("connection buffer too small")

	// ErrOwnership .
	ErrOwnership = errors.New("request already in use")

	// ErrBodyNotAllowed .
	ErrBodyNotAllowed = errors.New("method does not allow this body")

	// ErrBodyTooLarge .
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrBodySource .
	ErrBodySource = errors.New("body source length does not match ContentLength")
)

// connection
var (
	// ErrConnClosed is delivered to requests still queued when a connection closes.
	ErrConnClosed = errors.New("connection closed")

	// ErrConnInUse .
	ErrConnInUse = errors.New("connection in use")

	// ErrNotConnected .
	ErrNotConnected = errors.New("connection not established")

	// ErrClientClosed .
	ErrClientClosed = errors.New("http client closed")

	// ErrClientTimeout .
	ErrClientTimeout = errors.New("timeout")

	// ErrUpgraded is returned when a request is submitted on an upgraded connection.
	ErrUpgraded = errors.New("connection upgraded")
)
